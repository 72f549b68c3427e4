package airquality

import (
	"time"
)

// Pollutant identifies one independently modelled species.
type Pollutant string

const (
	PollutantNO2  Pollutant = "no2"
	PollutantO3   Pollutant = "o3"
	PollutantHCHO Pollutant = "hcho"
)

// Pollutants is the fixed set every forecast point must cover, in evaluation order.
var Pollutants = []Pollutant{PollutantNO2, PollutantO3, PollutantHCHO}

// Valid reports whether p is one of the modelled pollutants.
func (p Pollutant) Valid() bool {
	for _, known := range Pollutants {
		if p == known {
			return true
		}
	}
	return false
}

// Coordinates is a point on the globe in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Lon float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Location represents a logical place for which we serve forecasts.
type Location struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Lat      float64 `json:"latitude"`
	Lon      float64 `json:"longitude"`
	Timezone string  `json:"timezone,omitempty"`
}

// Key returns a canonical string key for indexing this location in stores and caches.
func (l Location) Key() string {
	return l.ID
}

// Coordinates returns the location's position.
func (l Location) Coordinates() Coordinates {
	return Coordinates{Lat: l.Lat, Lon: l.Lon}
}

// WeatherState is the meteorological input to the models.
type WeatherState struct {
	TemperatureC float64 `json:"temperatureC"`
	HumidityPct  float64 `json:"humidityPercent"`
	PressurePa   float64 `json:"pressurePa"`
	WindSpeedMS  float64 `json:"windSpeed"`
	WindDirDeg   float64 `json:"windDirection"`
}

// ColumnReading is a satellite or spectrometer column measurement (molecules/cm²).
type ColumnReading struct {
	Value       float64 `json:"value"`
	Uncertainty float64 `json:"uncertainty"`
	QualityFlag int     `json:"qualityFlag"`
}

// GroundReading holds surface concentrations reported by monitoring stations.
type GroundReading struct {
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
	PM25 float64 `json:"pm25"`
}

// ObservationBag is everything the feed collected for one location in one pass.
// Nil members mean the source had nothing for this location.
type ObservationBag struct {
	Location    Location                    `json:"location"`
	CollectedAt time.Time                   `json:"collectedAt"`
	Satellite   map[Pollutant]ColumnReading `json:"satellite,omitempty"`
	Ground      *GroundReading              `json:"ground,omitempty"`
	Pandora     *ColumnReading              `json:"pandora,omitempty"`
	Weather     *WeatherState               `json:"weather,omitempty"`
	Sources     []string                    `json:"sources"`
}

// Prediction is a single model output. It is never mutated after creation.
type Prediction struct {
	Pollutant    Pollutant `json:"pollutant"`
	Value        float64   `json:"predictedValue"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"modelVersion"`
	Timestamp    time.Time `json:"timestamp"`
}

// ForecastPoint is one hour of a forecast. Predicted always holds every pollutant.
type ForecastPoint struct {
	Time       time.Time             `json:"datetime"`
	Predicted  map[Pollutant]float64 `json:"predicted"`
	AQI        int                   `json:"aqi"`
	Confidence float64               `json:"confidenceScore"`
	Category   string                `json:"category"`
	Advisory   string                `json:"healthRecommendation"`
}

// ForecastSeries is an hourly forecast for one location. Points are strictly
// increasing by one hour; the series may be shorter than the requested horizon.
type ForecastSeries struct {
	LocationID   string          `json:"locationId,omitempty"`
	LocationName string          `json:"location"`
	Lat          float64         `json:"latitude"`
	Lon          float64         `json:"longitude"`
	Horizon      int             `json:"horizonHours"`
	Points       []ForecastPoint `json:"forecasts"`
	GeneratedAt  time.Time       `json:"generatedAt"`
}

// ForecastRecord is the durable row written by the collection pipeline.
type ForecastRecord struct {
	ID           string             `json:"id"`
	LocationID   string             `json:"locationId"`
	Lat          float64            `json:"latitude"`
	Lon          float64            `json:"longitude"`
	ForecastTime time.Time          `json:"forecastDatetime"` // always UTC
	NO2          float64            `json:"no2Predicted"`
	O3           float64            `json:"o3Predicted"`
	HCHO         float64            `json:"hchoPredicted"`
	AQI          int                `json:"aqiPredicted"`
	Confidence   float64            `json:"confidenceScore"`
	ModelVersion string             `json:"modelVersion"`
	CreatedAt    time.Time          `json:"createdAt"`
	Observation  *ObservationRecord `json:"observation,omitempty"`
}

// ObservationRecord is the historical row persisted together with a forecast record.
type ObservationRecord struct {
	LocationID   string    `json:"locationId"`
	Time         time.Time `json:"datetime"`
	NO2          float64   `json:"no2Actual"`
	O3           float64   `json:"o3Actual"`
	HCHO         float64   `json:"hchoActual"`
	TemperatureC float64   `json:"temperature"`
	HumidityPct  float64   `json:"humidity"`
	WindSpeedMS  float64   `json:"windSpeed"`
	PressurePa   float64   `json:"pressure"`
	Source       string    `json:"source"`
}
