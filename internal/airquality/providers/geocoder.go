package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kelvins/geocoder"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

var errNoCity = errors.New("city is required")

// Geocoder resolves a city and country to coordinates.
type Geocoder struct {
	lookup func(geocoder.Address) (geocoder.Location, error)

	mu    sync.RWMutex
	cache map[string]airquality.Coordinates
}

var setAPIKey sync.Once

// NewGeocoder configures the Google geocoding API key and returns a Geocoder.
// The key is process-wide in the underlying library, so only the first call
// sets it.
func NewGeocoder(apiKey string) *Geocoder {
	setAPIKey.Do(func() { geocoder.ApiKey = apiKey })
	return &Geocoder{
		lookup: geocoder.Geocoding,
		cache:  make(map[string]airquality.Coordinates),
	}
}

// Resolve returns the coordinates of city. Results are memoised.
func (g *Geocoder) Resolve(ctx context.Context, city, country string) (airquality.Coordinates, error) {
	city, country = strings.TrimSpace(city), strings.TrimSpace(country)
	if city == "" {
		return airquality.Coordinates{}, errNoCity
	}
	key := strings.ToLower(city + "," + country)

	g.mu.RLock()
	c, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return c, nil
	}

	type result struct {
		loc geocoder.Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		loc, err := g.lookup(geocoder.Address{City: city, Country: country})
		done <- result{loc, err}
	}()

	select {
	case <-ctx.Done():
		return airquality.Coordinates{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return airquality.Coordinates{}, fmt.Errorf("geocode %q: %w", key, r.err)
		}
		c = airquality.Coordinates{Lat: r.loc.Latitude, Lon: r.loc.Longitude}
	}

	g.mu.Lock()
	g.cache[key] = c
	g.mu.Unlock()
	return c, nil
}
