package providers

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

// normal is a mean and standard deviation for one simulated quantity.
type normal struct{ mu, sigma float64 }

func (n normal) draw() float64 {
	return distuv.Normal{Mu: n.mu, Sigma: n.sigma}.Rand()
}

// positive draws until the value is above zero, falling back to the mean.
func (n normal) positive() float64 {
	for i := 0; i < 8; i++ {
		if v := n.draw(); v > 0 {
			return v
		}
	}
	return n.mu
}

type columnModel struct {
	value, uncertainty normal
	qualityFlag        int
}

func (c columnModel) draw() airquality.ColumnReading {
	return airquality.ColumnReading{
		Value:       c.value.positive(),
		Uncertainty: c.uncertainty.positive(),
		QualityFlag: c.qualityFlag,
	}
}

// Simulated source statistics. Column values are molecules/cm².
var (
	tempoColumns = map[airquality.Pollutant]columnModel{
		airquality.PollutantNO2:  {value: normal{2.5e15, 0.5e15}, uncertainty: normal{0.2e15, 0.05e15}, qualityFlag: 0},
		airquality.PollutantO3:   {value: normal{3.2e18, 0.3e18}, uncertainty: normal{0.15e18, 0.03e18}, qualityFlag: 8},
		airquality.PollutantHCHO: {value: normal{1.8e16, 0.4e16}, uncertainty: normal{0.25e16, 0.05e16}, qualityFlag: 0},
	}
	pandoraNO2 = columnModel{value: normal{2.3e15, 0.3e15}, uncertainty: normal{0.18e15, 0.04e15}, qualityFlag: 10}

	airnowNO2  = normal{25.0, 5.0} // ppb
	airnowO3   = normal{45.0, 8.0} // ppb
	airnowPM25 = normal{12.0, 3.0} // µg/m³

	powerTemperature = normal{25.0, 5.0}
	powerHumidity    = normal{60.0, 15.0}
	powerPressure    = normal{101325.0, 1000.0}
	powerWindSpeed   = normal{5.0, 2.0}
	powerWindDir     = normal{180.0, 45.0}
)

// Source names reported in ObservationBag.Sources.
const (
	SourceTEMPO   = "tempo"
	SourceAirNow  = "airnow"
	SourcePandora = "pandora"
	SourcePOWER   = "power"
	SourceMQTT    = "mqtt"
)

// SyntheticFeed simulates the satellite, ground-station and reanalysis
// sources with independent normal draws.
type SyntheticFeed struct {
	pandoraSites map[string]bool
}

// NewSyntheticFeed returns a feed with Pandora coverage at the given location ids.
func NewSyntheticFeed(pandoraSites ...string) *SyntheticFeed {
	sites := make(map[string]bool, len(pandoraSites))
	for _, id := range pandoraSites {
		sites[id] = true
	}
	return &SyntheticFeed{pandoraSites: sites}
}

// Satellite draws a TEMPO column for every pollutant.
func (f *SyntheticFeed) Satellite() map[airquality.Pollutant]airquality.ColumnReading {
	out := make(map[airquality.Pollutant]airquality.ColumnReading, len(tempoColumns))
	for p, m := range tempoColumns {
		out[p] = m.draw()
	}
	return out
}

// Ground draws AirNow surface concentrations.
func (f *SyntheticFeed) Ground() airquality.GroundReading {
	return airquality.GroundReading{
		NO2:  airnowNO2.positive(),
		O3:   airnowO3.positive(),
		PM25: airnowPM25.positive(),
	}
}

// Pandora draws a spectrometer NO2 column, or nil where no instrument exists.
func (f *SyntheticFeed) Pandora(loc airquality.Location) *airquality.ColumnReading {
	if !f.pandoraSites[loc.Key()] {
		return nil
	}
	r := pandoraNO2.draw()
	return &r
}

// Weather draws POWER reanalysis weather.
func (f *SyntheticFeed) Weather() airquality.WeatherState {
	return airquality.WeatherState{
		TemperatureC: powerTemperature.draw(),
		HumidityPct:  math.Max(0, math.Min(100, powerHumidity.draw())),
		PressurePa:   powerPressure.positive(),
		WindSpeedMS:  powerWindSpeed.positive(),
		WindDirDeg:   math.Mod(powerWindDir.draw()+360, 360),
	}
}
