package airquality

import "time"

// Feature defaults used whenever an input is missing. They mirror the values
// the models were trained around.
const (
	DefaultTemperatureC = 25.0
	DefaultHumidityPct  = 60.0
	DefaultPressurePa   = 101325.0
	DefaultWindSpeedMS  = 5.0
	DefaultWindDirDeg   = 180.0
	DefaultAirDensity   = 1.2
	DefaultSpecificHum  = 0.01
	DefaultUncertainty  = 1e15
)

// Features is a named feature snapshot with defaults already applied.
type Features map[string]float64

// FeatureVector is a feature row ordered to match one model's manifest.
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Len returns the number of features in the row.
func (v FeatureVector) Len() int { return len(v.Values) }

// FeatureInput is the raw material for a feature snapshot.
type FeatureInput struct {
	Location Location
	Time     time.Time
	Weather  *WeatherState
	Obs      *ObservationBag
}

// BuildFeatures converts raw inputs into the named features consumed by the
// pollutant's model. Missing inputs are filled with documented defaults.
func BuildFeatures(p Pollutant, in FeatureInput) Features {
	w := WeatherState{
		TemperatureC: DefaultTemperatureC,
		HumidityPct:  DefaultHumidityPct,
		PressurePa:   DefaultPressurePa,
		WindSpeedMS:  DefaultWindSpeedMS,
		WindDirDeg:   DefaultWindDirDeg,
	}
	if in.Weather != nil {
		w = *in.Weather
	} else if in.Obs != nil && in.Obs.Weather != nil {
		w = *in.Obs.Weather
	}

	t := in.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}

	f := Features{
		"T2M":   w.TemperatureC,
		"RH2M":  w.HumidityPct,
		"PS":    w.PressurePa,
		"WS10M": w.WindSpeedMS,
		"WD10M": w.WindDirDeg,
		"WS50M": w.WindSpeedMS,
		"WD50M": w.WindDirDeg,
		"RHOA":  DefaultAirDensity,
		"QV10M": DefaultSpecificHum,

		"year":        float64(t.Year()),
		"month":       float64(t.Month()),
		"day":         float64(t.Day()),
		"hour":        float64(t.Hour()),
		"day_of_week": float64(weekdayMondayFirst(t)),
		"season":      float64((int(t.Month())%12 + 3) / 3),

		"latitude":  in.Location.Lat,
		"longitude": in.Location.Lon,

		"airnow_no2":              0,
		"airnow_o3":               0,
		"airnow_pm25":             0,
		"pandora_no2":             0,
		"pandora_no2_uncertainty": 0,
	}

	if in.Obs != nil {
		if g := in.Obs.Ground; g != nil {
			f["airnow_no2"] = g.NO2
			f["airnow_o3"] = g.O3
			f["airnow_pm25"] = g.PM25
		}
		if pd := in.Obs.Pandora; pd != nil {
			f["pandora_no2"] = pd.Value
			f["pandora_no2_uncertainty"] = pd.Uncertainty
		}
	}

	switch p {
	case PollutantNO2:
		f["tempo_no2_uncertainty"] = uncertainty(in.Obs, PollutantNO2)
	case PollutantHCHO:
		f["tempo_hcho_uncertainty"] = uncertainty(in.Obs, PollutantHCHO)
	}
	return f
}

// Align orders f to match manifest. Names missing from f are filled with 0.0,
// so the row length always equals the manifest length.
func Align(manifest []string, f Features) FeatureVector {
	v := FeatureVector{
		Names:  make([]string, len(manifest)),
		Values: make([]float64, len(manifest)),
	}
	copy(v.Names, manifest)
	for i, name := range manifest {
		v.Values[i] = f[name]
	}
	return v
}

func uncertainty(obs *ObservationBag, p Pollutant) float64 {
	if obs != nil {
		if r, ok := obs.Satellite[p]; ok && r.Uncertainty > 0 {
			return r.Uncertainty
		}
	}
	return DefaultUncertainty
}

// weekdayMondayFirst returns 0 for Monday through 6 for Sunday.
func weekdayMondayFirst(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
