package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

// CurrentWeather supplies observed weather for a location.
type CurrentWeather interface {
	Name() string
	Current(ctx context.Context, loc airquality.Location) (airquality.WeatherState, time.Time, error)
}

// GroundSource supplies the latest ground-station reading for a location.
type GroundSource interface {
	Latest(locationID string) (airquality.GroundReading, bool)
}

// Collector implements airquality.ObservationFeed. Live sources are used when
// configured and answering; otherwise the synthetic feed fills the gap, so
// Collect only fails when ctx is done.
type Collector struct {
	synthetic *SyntheticFeed
	weather   CurrentWeather
	ground    GroundSource
	now       func() time.Time
}

// NewCollector creates a Collector. weather and ground may be nil.
func NewCollector(synthetic *SyntheticFeed, weather CurrentWeather, ground GroundSource) *Collector {
	if synthetic == nil {
		synthetic = NewSyntheticFeed()
	}
	return &Collector{
		synthetic: synthetic,
		weather:   weather,
		ground:    ground,
		now:       time.Now,
	}
}

func (c *Collector) Collect(ctx context.Context, loc airquality.Location) (airquality.ObservationBag, error) {
	if err := ctx.Err(); err != nil {
		return airquality.ObservationBag{}, err
	}

	bag := airquality.ObservationBag{
		Location:    loc,
		CollectedAt: c.now().UTC(),
		Satellite:   c.synthetic.Satellite(),
		Sources:     []string{SourceTEMPO},
	}

	if g, ok := c.latestGround(loc); ok {
		bag.Ground = &g
		bag.Sources = append(bag.Sources, SourceMQTT)
	} else {
		g := c.synthetic.Ground()
		bag.Ground = &g
		bag.Sources = append(bag.Sources, SourceAirNow)
	}

	if p := c.synthetic.Pandora(loc); p != nil {
		bag.Pandora = p
		bag.Sources = append(bag.Sources, SourcePandora)
	}

	w, source, err := c.currentWeather(ctx, loc)
	if err != nil {
		return airquality.ObservationBag{}, err
	}
	bag.Weather = &w
	bag.Sources = append(bag.Sources, source)

	return bag, nil
}

func (c *Collector) latestGround(loc airquality.Location) (airquality.GroundReading, bool) {
	if c.ground == nil {
		return airquality.GroundReading{}, false
	}
	return c.ground.Latest(loc.Key())
}

func (c *Collector) currentWeather(ctx context.Context, loc airquality.Location) (airquality.WeatherState, string, error) {
	if c.weather != nil {
		w, _, err := c.weather.Current(ctx, loc)
		if err == nil {
			return w, c.weather.Name(), nil
		}
		if ctx.Err() != nil {
			return airquality.WeatherState{}, "", ctx.Err()
		}
		slog.Warn("collector: live weather unavailable, using reanalysis", "location", loc.Key(),
			"provider", c.weather.Name(), "err", err)
	}
	return c.synthetic.Weather(), SourcePOWER, nil
}
