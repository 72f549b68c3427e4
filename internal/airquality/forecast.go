package airquality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/i474232898/airquality-forecast/internal/metrics"
)

// MaxHorizonHours caps a single forecast request; larger horizons are clamped.
const MaxHorizonHours = 168

// Per-hour drift applied by DriftOutlook.
const (
	driftTemperaturePerHour = 0.1
	driftHumidityPerHour    = 0.5
	driftWindPerHour        = 0.2
)

// DriftOutlook synthesises forward weather by applying a fixed linear drift to
// a base state. Pressure and wind direction are held constant.
type DriftOutlook struct {
	Base WeatherState
}

// NewDriftOutlook returns a DriftOutlook starting from the feature defaults.
func NewDriftOutlook() DriftOutlook {
	return DriftOutlook{Base: WeatherState{
		TemperatureC: DefaultTemperatureC,
		HumidityPct:  DefaultHumidityPct,
		PressurePa:   DefaultPressurePa,
		WindSpeedMS:  DefaultWindSpeedMS,
		WindDirDeg:   DefaultWindDirDeg,
	}}
}

// At returns the drifted weather for hour offset i.
func (d DriftOutlook) At(i int) WeatherState {
	h := float64(i)
	return WeatherState{
		TemperatureC: d.Base.TemperatureC + h*driftTemperaturePerHour,
		HumidityPct:  d.Base.HumidityPct + h*driftHumidityPerHour,
		PressurePa:   d.Base.PressurePa,
		WindSpeedMS:  d.Base.WindSpeedMS + h*driftWindPerHour,
		WindDirDeg:   d.Base.WindDirDeg,
	}
}

// Outlook implements WeatherOutlook.
func (d DriftOutlook) Outlook(_ context.Context, _ Location, _ time.Time, hours int) ([]WeatherState, error) {
	out := make([]WeatherState, hours)
	for i := range out {
		out[i] = d.At(i)
	}
	return out, nil
}

// Builder drives feature building, prediction and aggregation across a horizon.
type Builder struct {
	predictor    Predictor
	outlook      WeatherOutlook
	fallback     DriftOutlook
	stageTimeout time.Duration
	now          func() time.Time
}

// NewBuilder creates a Builder. A nil outlook means DriftOutlook.
func NewBuilder(predictor Predictor, outlook WeatherOutlook, stageTimeout time.Duration) *Builder {
	drift := NewDriftOutlook()
	if outlook == nil {
		outlook = drift
	}
	return &Builder{
		predictor:    predictor,
		outlook:      outlook,
		fallback:     drift,
		stageTimeout: stageTimeout,
		now:          time.Now,
	}
}

// Generate produces an hourly forecast for loc. An hour is emitted only if
// every pollutant prediction for it succeeded, so the series may be shorter
// than horizon. Points are never padded or reordered.
func (b *Builder) Generate(ctx context.Context, loc Location, horizon int) (ForecastSeries, error) {
	if horizon <= 0 {
		return ForecastSeries{}, fmt.Errorf("%w: got %d", ErrInvalidHorizon, horizon)
	}
	if horizon > MaxHorizonHours {
		horizon = MaxHorizonHours
	}

	start := b.now().UTC().Truncate(time.Hour)
	weather := b.weather(ctx, loc, start, horizon)

	series := ForecastSeries{
		LocationID:   loc.ID,
		LocationName: loc.Name,
		Lat:          loc.Lat,
		Lon:          loc.Lon,
		Horizon:      horizon,
		Points:       make([]ForecastPoint, 0, horizon),
	}

	for i := 0; i < horizon; i++ {
		if err := ctx.Err(); err != nil {
			return ForecastSeries{}, err
		}
		at := start.Add(time.Duration(i) * time.Hour)
		point, err := b.point(ctx, loc, at, weather[i])
		if err != nil {
			metrics.ForecastHoursDropped.Inc()
			slog.Debug("forecast: dropping hour", "location", loc.Key(), "offset", i, "err", err)
			continue
		}
		series.Points = append(series.Points, point)
	}

	series.GeneratedAt = b.now().UTC()
	return series, nil
}

func (b *Builder) point(ctx context.Context, loc Location, at time.Time, w WeatherState) (ForecastPoint, error) {
	predicted := make(map[Pollutant]float64, len(Pollutants))
	confidences := make([]float64, 0, len(Pollutants))

	for _, p := range Pollutants {
		pred, err := b.predict(ctx, p, BuildFeatures(p, FeatureInput{
			Location: loc,
			Time:     at,
			Weather:  &w,
		}))
		if err != nil {
			return ForecastPoint{}, err
		}
		predicted[p] = pred.Value
		confidences = append(confidences, pred.Confidence)
	}

	fp := ForecastPoint{
		Time:       at,
		Predicted:  predicted,
		Confidence: stat.Mean(confidences, nil),
	}
	fp.Recompute()
	return fp, nil
}

func (b *Builder) predict(ctx context.Context, p Pollutant, f Features) (Prediction, error) {
	if b.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.stageTimeout)
		defer cancel()
	}
	pred, err := b.predictor.Predict(ctx, p, f)
	if err != nil {
		metrics.PredictionsFailed.WithLabelValues(string(p)).Inc()
		return Prediction{}, err
	}
	metrics.PredictionsGenerated.WithLabelValues(string(p)).Inc()
	return pred, nil
}

// weather asks the outlook for the horizon and falls back to drift when the
// outlook fails or returns too few hours.
func (b *Builder) weather(ctx context.Context, loc Location, start time.Time, horizon int) []WeatherState {
	octx := ctx
	if b.stageTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, b.stageTimeout)
		defer cancel()
	}
	states, err := b.outlook.Outlook(octx, loc, start, horizon)
	if err == nil && len(states) >= horizon {
		return states
	}
	if err == nil {
		err = fmt.Errorf("outlook returned %d of %d hours", len(states), horizon)
	}
	slog.Warn("forecast: weather outlook unavailable, using drift", "location", loc.Key(), "err", err)
	states, _ = b.fallback.Outlook(ctx, loc, start, horizon)
	return states
}
