package airquality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testLocation = Location{ID: "washington_dc", Name: "Washington, DC", Lat: 38.9072, Lon: -77.0369}

func TestBuildFeaturesDefaults(t *testing.T) {
	at := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
	f := BuildFeatures(PollutantO3, FeatureInput{Location: testLocation, Time: at})

	assert.Equal(t, DefaultTemperatureC, f["T2M"])
	assert.Equal(t, DefaultHumidityPct, f["RH2M"])
	assert.Equal(t, DefaultPressurePa, f["PS"])
	assert.Equal(t, DefaultWindSpeedMS, f["WS50M"])
	assert.Equal(t, DefaultWindDirDeg, f["WD50M"])
	assert.Equal(t, DefaultAirDensity, f["RHOA"])

	assert.Equal(t, 2026.0, f["year"])
	assert.Equal(t, 10.0, f["month"])
	assert.Equal(t, 19.0, f["day"])
	assert.Equal(t, 14.0, f["hour"])
	assert.Equal(t, 0.0, f["day_of_week"]) // Monday
	assert.Equal(t, 4.0, f["season"])

	assert.Equal(t, testLocation.Lat, f["latitude"])
	assert.Equal(t, 0.0, f["airnow_no2"])
	assert.Equal(t, 0.0, f["pandora_no2"])

	assert.NotContains(t, f, "tempo_no2_uncertainty")
	assert.NotContains(t, f, "tempo_hcho_uncertainty")
}

func TestBuildFeaturesSeason(t *testing.T) {
	tests := []struct {
		month time.Month
		want  float64
	}{
		{time.December, 1}, {time.January, 1}, {time.February, 1},
		{time.March, 2}, {time.June, 3}, {time.September, 4}, {time.November, 4},
	}
	for _, tt := range tests {
		f := BuildFeatures(PollutantO3, FeatureInput{Time: time.Date(2026, tt.month, 1, 0, 0, 0, 0, time.UTC)})
		assert.Equal(t, tt.want, f["season"], tt.month.String())
	}
}

func TestBuildFeaturesFromObservations(t *testing.T) {
	bag := &ObservationBag{
		Satellite: map[Pollutant]ColumnReading{
			PollutantNO2:  {Value: 2.4e15, Uncertainty: 0.21e15},
			PollutantHCHO: {Value: 1.7e16, Uncertainty: 0},
		},
		Ground:  &GroundReading{NO2: 24, O3: 44, PM25: 11},
		Pandora: &ColumnReading{Value: 2.2e15, Uncertainty: 0.1e15},
		Weather: &WeatherState{TemperatureC: 18, HumidityPct: 70, PressurePa: 100900, WindSpeedMS: 3, WindDirDeg: 90},
	}

	no2 := BuildFeatures(PollutantNO2, FeatureInput{Location: testLocation, Obs: bag})
	assert.Equal(t, 18.0, no2["T2M"])
	assert.Equal(t, 90.0, no2["WD10M"])
	assert.Equal(t, 44.0, no2["airnow_o3"])
	assert.Equal(t, 2.2e15, no2["pandora_no2"])
	assert.Equal(t, 0.1e15, no2["pandora_no2_uncertainty"])
	assert.Equal(t, 0.21e15, no2["tempo_no2_uncertainty"])

	// A zero uncertainty falls back to the default.
	hcho := BuildFeatures(PollutantHCHO, FeatureInput{Location: testLocation, Obs: bag})
	assert.Equal(t, DefaultUncertainty, hcho["tempo_hcho_uncertainty"])
}

func TestBuildFeaturesExplicitWeatherWins(t *testing.T) {
	bag := &ObservationBag{Weather: &WeatherState{TemperatureC: 5}}
	f := BuildFeatures(PollutantO3, FeatureInput{
		Weather: &WeatherState{TemperatureC: 30},
		Obs:     bag,
	})
	assert.Equal(t, 30.0, f["T2M"])
}

func TestAlign(t *testing.T) {
	f := Features{"b": 2, "a": 1, "extra": 9}
	v := Align([]string{"a", "missing", "b"}, f)

	assert.Equal(t, 3, v.Len())
	assert.Equal(t, []string{"a", "missing", "b"}, v.Names)
	assert.Equal(t, []float64{1, 0, 2}, v.Values)

	assert.Zero(t, Align(nil, f).Len())
}
