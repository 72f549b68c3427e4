package airquality

import (
	"context"
	"time"
)

// ObservationFeed abstracts the raw observation source (satellite, ground stations, weather).
type ObservationFeed interface {
	Collect(ctx context.Context, loc Location) (ObservationBag, error)
}

// Predictor runs one pollutant model against one feature snapshot.
// Implementations must be safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, p Pollutant, f Features) (Prediction, error)
}

// WeatherOutlook supplies the weather for each hour of a forecast horizon.
// The returned slice is indexed by hour offset from start.
type WeatherOutlook interface {
	Outlook(ctx context.Context, loc Location, start time.Time, hours int) ([]WeatherState, error)
}

// Store is the contract the in-memory store and the Postgres store must satisfy.
// SaveForecast and DeleteOlderThan are atomic: a failure leaves prior state untouched.
type Store interface {
	SaveForecast(ctx context.Context, rec ForecastRecord) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	GetRange(ctx context.Context, locationID string, from, to time.Time) ([]ForecastRecord, error)
	LatestObservation(ctx context.Context, locationID string) (ObservationRecord, error)
}

// ForecastCache is the fail-open result cache. It never reports errors.
type ForecastCache interface {
	Get(ctx context.Context, locationID string, horizon int) (ForecastSeries, bool)
	Put(ctx context.Context, locationID string, horizon int, series ForecastSeries)
}
