package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type brokenBackend struct{ gets, sets int }

func (b *brokenBackend) Get(context.Context, string) ([]byte, error) {
	b.gets++
	return nil, errors.New("connection refused")
}

func (b *brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	b.sets++
	return errors.New("connection refused")
}

func sampleSeries() airquality.ForecastSeries {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return airquality.ForecastSeries{
		LocationID: "washington_dc",
		Horizon:    2,
		Points: []airquality.ForecastPoint{
			{Time: t0, Predicted: map[airquality.Pollutant]float64{airquality.PollutantNO2: 1e15}, AQI: 100, Category: "Moderate"},
			{Time: t0.Add(time.Hour), Predicted: map[airquality.Pollutant]float64{airquality.PollutantNO2: 2e15}, AQI: 200, Category: "Unhealthy"},
		},
		GeneratedAt: t0,
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "forecast:new_york:24", Key("new_york", 24))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Hour)

	_, ok := c.Get(ctx, "washington_dc", 2)
	assert.False(t, ok)

	c.Put(ctx, "washington_dc", 2, sampleSeries())
	got, ok := c.Get(ctx, "washington_dc", 2)
	require.True(t, ok)
	assert.Equal(t, sampleSeries(), got)

	// Different horizon is a different key.
	_, ok = c.Get(ctx, "washington_dc", 24)
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Hour)
	c.Put(ctx, "la", 2, sampleSeries())

	first, ok := c.Get(ctx, "la", 2)
	require.True(t, ok)
	first.Points[0].AQI = 999

	second, ok := c.Get(ctx, "la", 2)
	require.True(t, ok)
	assert.Equal(t, 100, second.Points[0].AQI)
}

func TestLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Hour)

	s := sampleSeries()
	c.Put(ctx, "la", 2, s)
	s.Points = s.Points[:1]
	c.Put(ctx, "la", 2, s)

	got, ok := c.Get(ctx, "la", 2)
	require.True(t, ok)
	assert.Len(t, got.Points, 1)
}

func TestTTLBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackendWithClock(clock.now)
	c := New(backend, time.Hour)

	c.Put(ctx, "la", 2, sampleSeries())

	clock.advance(time.Hour - time.Nanosecond)
	_, ok := c.Get(ctx, "la", 2)
	assert.True(t, ok, "entry is live just before expiry")

	clock.advance(time.Nanosecond)
	_, ok = c.Get(ctx, "la", 2)
	assert.False(t, ok, "entry is expired exactly at expiry")

	assert.Equal(t, 1, backend.Evict())
	assert.Equal(t, 0, backend.Len())
}

func TestFailOpen(t *testing.T) {
	ctx := context.Background()
	b := &brokenBackend{}
	c := New(b, time.Hour)

	assert.NotPanics(t, func() { c.Put(ctx, "la", 2, sampleSeries()) })
	_, ok := c.Get(ctx, "la", 2)
	assert.False(t, ok)
	assert.Equal(t, 1, b.gets)
	assert.Equal(t, 1, b.sets)
}

func TestNilBackendAndNilCache(t *testing.T) {
	ctx := context.Background()

	c := New(nil, 0)
	c.Put(ctx, "la", 2, sampleSeries())
	_, ok := c.Get(ctx, "la", 2)
	assert.False(t, ok)

	var nilCache *ResultCache
	_, ok = nilCache.Get(ctx, "la", 2)
	assert.False(t, ok)
}

func TestCorruptPayloadIsMiss(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, Key("la", 2), []byte("{not json"), time.Hour))

	_, ok := New(b, time.Hour).Get(ctx, "la", 2)
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
