package airquality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	bag ObservationBag
	err error
}

func (f stubFeed) Collect(_ context.Context, loc Location) (ObservationBag, error) {
	if f.err != nil {
		return ObservationBag{}, f.err
	}
	bag := f.bag
	bag.Location = loc
	return bag, nil
}

type stubStore struct {
	mu       sync.Mutex
	saved    []ForecastRecord
	saveErr  error
	cutoff   time.Time
	deleted  int64
	purgeErr error
}

func (s *stubStore) SaveForecast(_ context.Context, rec ForecastRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *stubStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, s.purgeErr
}

func (s *stubStore) GetRange(_ context.Context, id string, from, to time.Time) ([]ForecastRecord, error) {
	var out []ForecastRecord
	for _, r := range s.saved {
		if r.LocationID == id && !r.ForecastTime.Before(from) && !r.ForecastTime.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) LatestObservation(_ context.Context, id string) (ObservationRecord, error) {
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].LocationID == id && s.saved[i].Observation != nil {
			return *s.saved[i].Observation, nil
		}
	}
	return ObservationRecord{}, ErrNotFound
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]ForecastSeries
	gets    int
	puts    int
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string]ForecastSeries)} }

func cacheKey(id string, h int) string { return fmt.Sprintf("%s:%d", id, h) }

func (c *mapCache) Get(_ context.Context, id string, h int) (ForecastSeries, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	s, ok := c.entries[cacheKey(id, h)]
	return s, ok
}

func (c *mapCache) Put(_ context.Context, id string, h int, s ForecastSeries) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[cacheKey(id, h)] = s
}

func sampleBag() ObservationBag {
	return ObservationBag{
		CollectedAt: fixedNow,
		Satellite: map[Pollutant]ColumnReading{
			PollutantNO2:  {Value: 2.5e15, Uncertainty: 0.2e15},
			PollutantO3:   {Value: 3.2e18},
			PollutantHCHO: {Value: 1.8e16},
		},
		Ground:  &GroundReading{NO2: 25, O3: 45, PM25: 12},
		Weather: &WeatherState{TemperatureC: 21, HumidityPct: 55, PressurePa: 101000, WindSpeedMS: 4, WindDirDeg: 200},
		Sources: []string{"tempo", "airnow", "power"},
	}
}

func newTestService(t *testing.T, d Deps) *Service {
	t.Helper()
	if d.Catalog == nil {
		c, err := NewCatalog(DefaultLocations)
		require.NoError(t, err)
		d.Catalog = c
	}
	s := NewService(d)
	s.now = func() time.Time { return fixedNow }
	s.builder.now = s.now
	return s
}

func TestForecastReadsThroughCache(t *testing.T) {
	pred := &stubPredictor{}
	c := newMapCache()
	svc := newTestService(t, Deps{Predictor: pred, Cache: c})

	first, err := svc.Forecast(context.Background(), "new_york", 6)
	require.NoError(t, err)
	require.Len(t, first.Points, 6)
	calls := pred.Calls()
	assert.Equal(t, 1, c.puts)

	second, err := svc.Forecast(context.Background(), "new_york", 6)
	require.NoError(t, err)
	assert.Equal(t, calls, pred.Calls(), "second call must be served from cache")
	assert.Equal(t, first, second)

	cached, ok, err := svc.GetCachedForecast(context.Background(), "new_york", 6)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, cached)

	_, ok, err = svc.GetCachedForecast(context.Background(), "new_york", 12)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForecastClampsBeforeCaching(t *testing.T) {
	c := newMapCache()
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Cache: c})

	series, err := svc.Forecast(context.Background(), "houston", 1000)
	require.NoError(t, err)
	assert.Len(t, series.Points, MaxHorizonHours)
	assert.Contains(t, c.entries, cacheKey("houston", MaxHorizonHours))
}

func TestForecastErrors(t *testing.T) {
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}})

	_, err := svc.Forecast(context.Background(), "atlantis", 24)
	assert.ErrorIs(t, err, ErrUnknownLocation)

	_, err = svc.Forecast(context.Background(), "chicago", 0)
	assert.ErrorIs(t, err, ErrInvalidHorizon)

	_, _, err = svc.GetCachedForecast(context.Background(), "atlantis", 24)
	assert.ErrorIs(t, err, ErrUnknownLocation)
}

func TestForecastWithoutCache(t *testing.T) {
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}})

	series, err := svc.Forecast(context.Background(), "chicago", 3)
	require.NoError(t, err)
	assert.Len(t, series.Points, 3)

	_, ok, err := svc.GetCachedForecast(context.Background(), "chicago", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateForecastIsNotCached(t *testing.T) {
	c := newMapCache()
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Cache: c})

	series, err := svc.GenerateForecast(context.Background(), Coordinates{Lat: 10, Lon: 20}, 2)
	require.NoError(t, err)
	assert.Len(t, series.Points, 2)
	assert.Equal(t, 10.0, series.Lat)
	assert.Zero(t, c.gets+c.puts)

	_, err = svc.GenerateForecast(context.Background(), Coordinates{}, 0)
	assert.ErrorIs(t, err, ErrInvalidHorizon)
}

func TestCollectAndStore(t *testing.T) {
	st := &stubStore{}
	pred := &stubPredictor{}
	svc := newTestService(t, Deps{Predictor: pred, Feed: stubFeed{bag: sampleBag()}, Store: st})

	loc, err := svc.Lookup("washington_dc")
	require.NoError(t, err)

	out := svc.CollectAndStore(context.Background(), loc)
	require.True(t, out.OK, out.Message)
	assert.Equal(t, "washington_dc", out.Location)
	assert.Empty(t, out.Stage)

	require.Len(t, st.saved, 1)
	rec := st.saved[0]
	assert.Equal(t, out.RecordID, rec.ID)
	assert.Equal(t, fixedNow, rec.ForecastTime)
	assert.Equal(t, loc.Lat, rec.Lat)
	assert.Equal(t, 1.0, rec.NO2)
	assert.InDelta(t, 0.9, rec.Confidence, 1e-9)
	assert.Equal(t, "v1.0", rec.ModelVersion)

	require.NotNil(t, rec.Observation)
	assert.Equal(t, 2.5e15, rec.Observation.NO2)
	assert.Equal(t, 21.0, rec.Observation.TemperatureC)
	assert.Equal(t, "tempo,airnow,power", rec.Observation.Source)

	obs, err := svc.LatestObservation(context.Background(), "washington_dc")
	require.NoError(t, err)
	assert.Equal(t, rec.Observation.Time, obs.Time)
}

func TestCollectAndStoreStageFailures(t *testing.T) {
	nanBag := sampleBag()
	nanBag.Weather = &WeatherState{TemperatureC: math.NaN()}

	tests := []struct {
		name      string
		feed      ObservationFeed
		predictor Predictor
		store     *stubStore
		stage     Stage
		kind      string
	}{
		{
			name:      "collect",
			feed:      stubFeed{err: errors.New("satellite offline")},
			predictor: &stubPredictor{},
			store:     &stubStore{},
			stage:     StageCollect,
			kind:      "CollectionError",
		},
		{
			name:      "features",
			feed:      stubFeed{bag: nanBag},
			predictor: &stubPredictor{},
			store:     &stubStore{},
			stage:     StageFeatures,
			kind:      "CollectionError",
		},
		{
			name:      "predict",
			feed:      stubFeed{bag: sampleBag()},
			predictor: &stubPredictor{fail: func(p Pollutant, _ Features) bool { return p == PollutantHCHO }},
			store:     &stubStore{},
			stage:     StagePredict,
			kind:      "PredictionUnavailable",
		},
		{
			name:      "persist",
			feed:      stubFeed{bag: sampleBag()},
			predictor: &stubPredictor{},
			store:     &stubStore{saveErr: errors.New("disk full")},
			stage:     StagePersist,
			kind:      "PersistenceError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, Deps{Predictor: tt.predictor, Feed: tt.feed, Store: tt.store})
			loc, _ := svc.Lookup("los_angeles")

			out := svc.CollectAndStore(context.Background(), loc)
			assert.False(t, out.OK)
			assert.Equal(t, tt.stage, out.Stage)
			assert.Equal(t, tt.kind, out.Kind)
			assert.NotEmpty(t, out.Message)
			assert.Empty(t, tt.store.saved)

			var se *StageError
			require.ErrorAs(t, out.Err, &se)
			assert.Equal(t, "los_angeles", se.Location)
		})
	}
}

func TestCollectAndStoreWithoutFeedOrStore(t *testing.T) {
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}})
	loc, _ := svc.Lookup("chicago")

	out := svc.CollectAndStore(context.Background(), loc)
	assert.Equal(t, StageCollect, out.Stage)

	svc = newTestService(t, Deps{Predictor: &stubPredictor{}, Feed: stubFeed{bag: sampleBag()}})
	out = svc.CollectAndStore(context.Background(), loc)
	assert.Equal(t, StagePersist, out.Stage)
	assert.Equal(t, "PersistenceError", out.Kind)
}

func TestCollectLocation(t *testing.T) {
	st := &stubStore{}
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Feed: stubFeed{bag: sampleBag()}, Store: st})

	out, err := svc.CollectLocation(context.Background(), "chicago")
	require.NoError(t, err)
	require.True(t, out.OK, out.Message)
	assert.Equal(t, "chicago", out.Location)
	assert.Equal(t, []string{"tempo", "airnow", "power"}, out.Sources)
	require.Len(t, st.saved, 1)
	assert.Equal(t, out.RecordID, st.saved[0].ID)
	assert.True(t, svc.Status().LastUpdates["chicago"].Fresh)

	_, err = svc.CollectLocation(context.Background(), "atlantis")
	assert.ErrorIs(t, err, ErrUnknownLocation)
}

func TestCollectLocationKeepsSourcesOnLateFailure(t *testing.T) {
	svc := newTestService(t, Deps{
		Predictor: &stubPredictor{},
		Feed:      stubFeed{bag: sampleBag()},
		Store:     &stubStore{saveErr: errors.New("disk full")},
	})

	out, err := svc.CollectLocation(context.Background(), "houston")
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, StagePersist, out.Stage)
	assert.Equal(t, []string{"tempo", "airnow", "power"}, out.Sources)
}

func TestFeatures(t *testing.T) {
	pred := &stubPredictor{}
	st := &stubStore{}
	svc := newTestService(t, Deps{Predictor: pred, Feed: stubFeed{bag: sampleBag()}, Store: st})

	set, err := svc.Features(context.Background(), "washington_dc")
	require.NoError(t, err)
	assert.Equal(t, "washington_dc", set.Location)
	assert.Equal(t, fixedNow, set.Timestamp)
	assert.Equal(t, []string{"tempo", "airnow", "power"}, set.Sources)
	require.Len(t, set.Features, len(Pollutants))
	for _, p := range Pollutants {
		assert.Equal(t, float64(fixedNow.Hour()), set.Features[p]["hour"], p)
		assert.Equal(t, 25.0, set.Features[p]["airnow_no2"], p)
	}

	assert.Zero(t, pred.Calls(), "features are not predicted")
	assert.Empty(t, st.saved, "features are not stored")
	assert.Equal(t, 1, svc.Status().CollectedLocations)
}

func TestFeaturesErrors(t *testing.T) {
	nanBag := sampleBag()
	nanBag.Weather = &WeatherState{TemperatureC: math.NaN()}

	tests := []struct {
		name     string
		location string
		feed     ObservationFeed
		kind     error
		stage    Stage
	}{
		{"unknown location", "atlantis", stubFeed{bag: sampleBag()}, ErrUnknownLocation, ""},
		{"no feed", "chicago", nil, ErrCollection, StageCollect},
		{"feed down", "chicago", stubFeed{err: errors.New("satellite offline")}, ErrCollection, StageCollect},
		{"not finite", "chicago", stubFeed{bag: nanBag}, ErrCollection, StageFeatures},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Feed: tt.feed})

			_, err := svc.Features(context.Background(), tt.location)
			require.ErrorIs(t, err, tt.kind)
			if tt.stage != "" {
				var se *StageError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.stage, se.Stage)
			}
		})
	}
}

func TestRetain(t *testing.T) {
	st := &stubStore{deleted: 4}
	svc := newTestService(t, Deps{Store: st})
	cutoff := fixedNow.Add(-7 * 24 * time.Hour)

	n, err := svc.Retain(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, cutoff, st.cutoff)

	st.purgeErr = errors.New("lock timeout")
	_, err = svc.Retain(context.Background(), cutoff)
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = newTestService(t, Deps{}).Retain(context.Background(), cutoff)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestHistory(t *testing.T) {
	st := &stubStore{}
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Feed: stubFeed{bag: sampleBag()}, Store: st})
	loc, _ := svc.Lookup("new_york")
	require.True(t, svc.CollectAndStore(context.Background(), loc).OK)

	recs, err := svc.History(context.Background(), "new_york", fixedNow.Add(-time.Hour), fixedNow)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = svc.History(context.Background(), "atlantis", fixedNow, fixedNow)
	assert.ErrorIs(t, err, ErrUnknownLocation)

	_, err = svc.LatestObservation(context.Background(), "chicago")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlerts(t *testing.T) {
	pred := &stubPredictor{echo: "latitude"}
	svc := newTestService(t, Deps{Predictor: pred})

	// O3 echoes latitude (38.9), NO2 contributes almost nothing.
	report, err := svc.Alerts(context.Background(), "washington_dc")
	require.NoError(t, err)
	assert.Equal(t, 38, report.AQI)
	assert.Equal(t, "Good", report.Category.Name)
	assert.Equal(t, report.Category.Advisory, report.Recommendation)
	assert.Empty(t, report.Alerts)

	pred.fail = func(Pollutant, Features) bool { return true }
	_, err = svc.Alerts(context.Background(), "chicago")
	assert.ErrorIs(t, err, ErrPredictionUnavailable)
}

func TestStatusFreshness(t *testing.T) {
	svc := newTestService(t, Deps{Predictor: &stubPredictor{}, Feed: stubFeed{bag: sampleBag()}, Store: &stubStore{}})
	loc, _ := svc.Lookup("houston")
	require.True(t, svc.CollectAndStore(context.Background(), loc).OK)

	st := svc.Status()
	assert.Equal(t, len(DefaultLocations), st.TotalLocations)
	assert.Equal(t, 1, st.CollectedLocations)
	assert.True(t, st.LastUpdates["houston"].Fresh)

	svc.now = func() time.Time { return fixedNow.Add(DataFreshness) }
	assert.False(t, svc.Status().LastUpdates["houston"].Fresh)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrConfiguration, "ConfigurationError"},
		{&ModelLoadError{Pollutant: PollutantO3}, "ModelLoadError"},
		{&PredictionError{Pollutant: PollutantNO2}, "PredictionUnavailable"},
		{stageErr("x", StagePersist, ErrPersistence, errors.New("io")), "PersistenceError"},
		{stageErr("x", StageCollect, ErrCollection, errors.New("io")), "CollectionError"},
		{ErrCacheUnavailable, "CacheUnavailable"},
		{ErrUnknownLocation, "UnknownLocation"},
		{ErrInvalidHorizon, "InvalidHorizon"},
		{ErrNotFound, "NotFound"},
		{errors.New("other"), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog(DefaultLocations)
	require.NoError(t, err)
	assert.Equal(t, []string{"chicago", "houston", "los_angeles", "new_york", "washington_dc"}, c.IDs())

	locs, err := c.Resolve([]string{"new_york", "chicago"})
	require.NoError(t, err)
	assert.Equal(t, "New York, NY", locs[0].Name)

	_, err = c.Resolve([]string{"chicago", "atlantis"})
	assert.ErrorIs(t, err, ErrUnknownLocation)

	_, err = NewCatalog([]Location{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
	_, err = NewCatalog([]Location{{Name: "nameless"}})
	assert.Error(t, err)
}
