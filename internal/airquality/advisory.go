package airquality

import (
	"math"
	"slices"
)

// MaxIndex is the upper bound of every sub-index and of the aggregate index.
const MaxIndex = 500

// Sub-index scale factors. These are simplified linear placeholders, not an
// official breakpoint table.
const (
	no2IndexScale = 1e15
	o3IndexScale  = 100.0
)

// Category is one step of the health advisory scale.
type Category struct {
	Level           string   `json:"level"`
	Name            string   `json:"name"`
	Advisory        string   `json:"advisory"`
	AlertTitle      string   `json:"alertTitle,omitempty"`
	AlertMessage    string   `json:"alertMessage,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	upper           int
}

// Alerting reports whether the category warrants an alert (index above 100).
func (c Category) Alerting() bool { return len(c.Recommendations) > 0 }

// categories is ordered by upper bound; the last entry is open-ended.
var categories = []Category{
	{
		Level:    "good",
		Name:     "Good",
		Advisory: "Good - Air quality is satisfactory for most people.",
		upper:    50,
	},
	{
		Level:    "moderate",
		Name:     "Moderate",
		Advisory: "Moderate - Sensitive individuals should consider limiting outdoor exertion.",
		upper:    100,
	},
	{
		Level:        "unhealthy_sensitive",
		Name:         "Unhealthy for Sensitive Groups",
		Advisory:     "Unhealthy for Sensitive Groups - Sensitive groups should avoid outdoor activities.",
		AlertTitle:   "Unhealthy for Sensitive Groups",
		AlertMessage: "Sensitive groups should avoid outdoor activities",
		Recommendations: []string{
			"Children and elderly should stay indoors",
			"People with heart or lung disease should avoid outdoor activities",
		},
		upper: 150,
	},
	{
		Level:        "unhealthy",
		Name:         "Unhealthy",
		Advisory:     "Unhealthy - Everyone should limit outdoor exertion.",
		AlertTitle:   "Unhealthy Air Quality",
		AlertMessage: "Everyone should limit outdoor exertion",
		Recommendations: []string{
			"Avoid outdoor activities",
			"Keep windows and doors closed",
			"Use air conditioning if available",
		},
		upper: 200,
	},
	{
		Level:        "very_unhealthy",
		Name:         "Very Unhealthy",
		Advisory:     "Very Unhealthy - Everyone should avoid outdoor activities.",
		AlertTitle:   "Very Unhealthy Air Quality",
		AlertMessage: "Everyone should avoid outdoor activities",
		Recommendations: []string{
			"Stay indoors as much as possible",
			"Use air purifiers",
			"Wear N95 masks if going outside",
		},
		upper: 300,
	},
	{
		Level:        "hazardous",
		Name:         "Hazardous",
		Advisory:     "Hazardous - Emergency conditions - everyone should avoid outdoor exposure.",
		AlertTitle:   "Hazardous Air Quality",
		AlertMessage: "Emergency conditions - everyone should avoid outdoor exposure",
		Recommendations: []string{
			"Stay indoors",
			"Use air purifiers",
			"Avoid all physical activity",
		},
		upper: math.MaxInt,
	},
}

// SubIndex maps a predicted concentration onto [0, MaxIndex]. The second
// return is false for pollutants that do not contribute to the index.
func SubIndex(p Pollutant, value float64) (float64, bool) {
	var raw float64
	switch p {
	case PollutantNO2:
		raw = value / no2IndexScale * 100
	case PollutantO3:
		raw = value / o3IndexScale * 100
	default:
		return 0, false
	}
	if math.IsNaN(raw) {
		return 0, true
	}
	return math.Max(0, math.Min(MaxIndex, raw)), true
}

// Aggregate combines per-pollutant predictions into the overall index (the
// maximum sub-index, truncated) and its advisory category.
func Aggregate(predictions map[Pollutant]float64) (int, Category) {
	var best float64
	for p, v := range predictions {
		if sub, ok := SubIndex(p, v); ok && sub > best {
			best = sub
		}
	}
	idx := int(best)
	return idx, CategoryFor(idx)
}

// CategoryFor returns the advisory category for an aggregate index.
// Upper bounds are inclusive: 50 is Good, 51 is Moderate.
func CategoryFor(index int) Category {
	for _, c := range categories {
		if index <= c.upper {
			c.Recommendations = slices.Clone(c.Recommendations)
			return c
		}
	}
	return categories[len(categories)-1]
}

// Recompute derives the index and advisory from the stored predicted values.
// It never re-invokes a model.
func (fp *ForecastPoint) Recompute() Category {
	idx, cat := Aggregate(fp.Predicted)
	fp.AQI = idx
	fp.Category = cat.Name
	fp.Advisory = cat.Advisory
	return cat
}
