package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

var errNoAPIKey = errors.New("openweather api key is not configured")

// OpenWeatherCurrent fetches current conditions from OpenWeatherMap by coordinates.
type OpenWeatherCurrent struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherCurrent(client *http.Client, apiKey string) *OpenWeatherCurrent {
	return &OpenWeatherCurrent{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/2.5/weather",
		httpCfg: HTTPClientConfig{Client: client, Backoff: DefaultBackoff},
		circuit: newBreaker("openweather"),
	}
}

func (p *OpenWeatherCurrent) Name() string {
	return p.name
}

// Current returns the observed weather at loc and the observation time.
func (p *OpenWeatherCurrent) Current(ctx context.Context, loc airquality.Location) (airquality.WeatherState, time.Time, error) {
	if p.apiKey == "" {
		return airquality.WeatherState{}, time.Time{}, errNoAPIKey
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("appid", p.apiKey)
		values.Set("units", "metric")
		values.Set("lat", fmt.Sprintf("%f", loc.Lat))
		values.Set("lon", fmt.Sprintf("%f", loc.Lon))

		return http.NewRequest(http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
	}

	var payload struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
			Pressure float64 `json:"pressure"` // hPa
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
			Deg   float64 `json:"deg"`
		} `json:"wind"`
	}
	if err := getJSON(ctx, p.httpCfg, p.circuit, buildRequest, &payload); err != nil {
		return airquality.WeatherState{}, time.Time{}, fmt.Errorf("openweather current for %s: %w", loc.Key(), err)
	}

	ts := time.Now().UTC()
	if payload.Dt > 0 {
		ts = time.Unix(payload.Dt, 0).UTC()
	}

	return airquality.WeatherState{
		TemperatureC: payload.Main.Temp,
		HumidityPct:  payload.Main.Humidity,
		PressurePa:   payload.Main.Pressure * 100,
		WindSpeedMS:  payload.Wind.Speed,
		WindDirDeg:   payload.Wind.Deg,
	}, ts, nil
}
