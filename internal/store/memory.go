package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

var (
	// ErrNotFound is returned when no observation is available for a location.
	ErrNotFound = fmt.Errorf("no observation for location: %w", airquality.ErrNotFound)
)

// locationHistory holds the time-ordered rows for one location.
type locationHistory struct {
	Forecasts    []airquality.ForecastRecord
	Observations []airquality.ObservationRecord
}

// MemoryStore is a concurrency-safe in-memory implementation of airquality.Store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: location id
	data map[string]*locationHistory

	// max observations kept per location; forecasts are bounded by DeleteOlderThan
	maxObservations int
}

// NewMemoryStore creates a new MemoryStore.
// If maxObservations is <= 0, observation history is unlimited.
func NewMemoryStore(maxObservations int) *MemoryStore {
	return &MemoryStore{
		data:            make(map[string]*locationHistory),
		maxObservations: maxObservations,
	}
}

// SaveForecast stores the record and its observation atomically.
func (s *MemoryStore) SaveForecast(ctx context.Context, rec airquality.ForecastRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = cloneRecord(rec)
	rec.ForecastTime = rec.ForecastTime.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data[rec.LocationID]
	if !ok {
		h = &locationHistory{}
		s.data[rec.LocationID] = h
	}

	h.Forecasts = insertSorted(h.Forecasts, rec)

	if rec.Observation != nil {
		h.Observations = append(h.Observations, *rec.Observation)
		// Enforce retention by count.
		if s.maxObservations > 0 && len(h.Observations) > s.maxObservations {
			over := len(h.Observations) - s.maxObservations
			h.Observations = h.Observations[over:]
		}
	}
	return nil
}

func insertSorted(xs []airquality.ForecastRecord, rec airquality.ForecastRecord) []airquality.ForecastRecord {
	i := sort.Search(len(xs), func(i int) bool { return xs[i].ForecastTime.After(rec.ForecastTime) })
	xs = append(xs, airquality.ForecastRecord{})
	copy(xs[i+1:], xs[i:])
	xs[i] = rec
	return xs
}

// DeleteOlderThan removes forecast records whose ForecastTime is strictly
// before cutoff. A record exactly at cutoff is kept.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, h := range s.data {
		i := 0
		for ; i < len(h.Forecasts); i++ {
			if !h.Forecasts[i].ForecastTime.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			deleted += int64(i)
			h.Forecasts = append([]airquality.ForecastRecord(nil), h.Forecasts[i:]...)
		}
	}
	return deleted, nil
}

// GetRange returns forecast records for a location between from and to
// (inclusive), oldest first. No records is not an error.
func (s *MemoryStore) GetRange(ctx context.Context, locationID string, from, to time.Time) ([]airquality.ForecastRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[locationID]
	if !ok {
		return []airquality.ForecastRecord{}, nil
	}

	result := []airquality.ForecastRecord{}
	for _, rec := range h.Forecasts {
		if !rec.ForecastTime.Before(from) && !rec.ForecastTime.After(to) {
			result = append(result, cloneRecord(rec))
		}
	}
	return result, nil
}

// LatestObservation returns the most recent observation stored for a location.
func (s *MemoryStore) LatestObservation(_ context.Context, locationID string) (airquality.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[locationID]
	if !ok || len(h.Observations) == 0 {
		return airquality.ObservationRecord{}, ErrNotFound
	}
	return h.Observations[len(h.Observations)-1], nil
}

// Count returns the number of forecast records held for all locations.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, h := range s.data {
		n += len(h.Forecasts)
	}
	return n
}

func cloneRecord(rec airquality.ForecastRecord) airquality.ForecastRecord {
	if rec.Observation != nil {
		obs := *rec.Observation
		rec.Observation = &obs
	}
	return rec
}
