package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

const openMeteoHourLayout = "2006-01-02T15:04"

// OpenMeteoOutlook implements airquality.WeatherOutlook with the Open-Meteo
// hourly forecast API. No API key is required.
type OpenMeteoOutlook struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewOpenMeteoOutlook creates an outlook using client for outbound calls.
func NewOpenMeteoOutlook(client *http.Client) *OpenMeteoOutlook {
	return &OpenMeteoOutlook{
		name:    "openmeteo",
		baseURL: "https://api.open-meteo.com/v1/forecast",
		httpCfg: HTTPClientConfig{Client: client, Backoff: DefaultBackoff},
		circuit: newBreaker("openmeteo"),
	}
}

func (p *OpenMeteoOutlook) Name() string {
	return p.name
}

type openMeteoHourly struct {
	Hourly struct {
		Time        []string   `json:"time"`
		Temperature []*float64 `json:"temperature_2m"`
		Humidity    []*float64 `json:"relative_humidity_2m"`
		Pressure    []*float64 `json:"surface_pressure"` // hPa
		WindSpeed   []*float64 `json:"wind_speed_10m"`
		WindDir     []*float64 `json:"wind_direction_10m"`
	} `json:"hourly"`
}

// Outlook returns one WeatherState per hour starting at start. If the API
// does not cover the whole window the result is cut at the first missing
// hour, which callers treat as a shortfall.
func (p *OpenMeteoOutlook) Outlook(ctx context.Context, loc airquality.Location, start time.Time, hours int) ([]airquality.WeatherState, error) {
	if hours <= 0 {
		return nil, nil
	}
	start = start.UTC().Truncate(time.Hour)
	end := start.Add(time.Duration(hours-1) * time.Hour)

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", loc.Lat))
		values.Set("longitude", fmt.Sprintf("%f", loc.Lon))
		values.Set("hourly", "temperature_2m,relative_humidity_2m,surface_pressure,wind_speed_10m,wind_direction_10m")
		values.Set("wind_speed_unit", "ms")
		values.Set("timezone", "UTC")
		values.Set("start_hour", start.Format(openMeteoHourLayout))
		values.Set("end_hour", end.Format(openMeteoHourLayout))

		return http.NewRequest(http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
	}

	var payload openMeteoHourly
	if err := getJSON(ctx, p.httpCfg, p.circuit, buildRequest, &payload); err != nil {
		return nil, fmt.Errorf("openmeteo outlook for %s: %w", loc.Key(), err)
	}
	return payload.states(start, hours), nil
}

func (o openMeteoHourly) states(start time.Time, hours int) []airquality.WeatherState {
	h := o.Hourly
	index := make(map[string]int, len(h.Time))
	for i, ts := range h.Time {
		index[ts] = i
	}

	last := airquality.NewDriftOutlook().Base
	out := make([]airquality.WeatherState, 0, hours)
	for i := 0; i < hours; i++ {
		j, ok := index[start.Add(time.Duration(i)*time.Hour).Format(openMeteoHourLayout)]
		if !ok {
			break
		}
		// Null samples carry the previous hour's value forward.
		w := airquality.WeatherState{
			TemperatureC: pick(h.Temperature, j, last.TemperatureC),
			HumidityPct:  pick(h.Humidity, j, last.HumidityPct),
			PressurePa:   pick(h.Pressure, j, last.PressurePa/100) * 100,
			WindSpeedMS:  pick(h.WindSpeed, j, last.WindSpeedMS),
			WindDirDeg:   pick(h.WindDir, j, last.WindDirDeg),
		}
		out = append(out, w)
		last = w
	}
	return out
}

func pick(xs []*float64, i int, fallback float64) float64 {
	if i >= len(xs) || xs[i] == nil {
		return fallback
	}
	return *xs[i]
}
