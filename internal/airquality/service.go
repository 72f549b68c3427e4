package airquality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/i474232898/airquality-forecast/internal/metrics"
)

// DataFreshness is how long a collection is considered current.
const DataFreshness = 60 * time.Minute

// Deps bundles the collaborators of a Service. Cache and Outlook are optional.
type Deps struct {
	Catalog      *Catalog
	Predictor    Predictor
	Feed         ObservationFeed
	Store        Store
	Cache        ForecastCache
	Outlook      WeatherOutlook
	StageTimeout time.Duration
}

// Service orchestrates forecasting, caching and the collection pipeline.
type Service struct {
	catalog      *Catalog
	builder      *Builder
	predictor    Predictor
	feed         ObservationFeed
	store        Store
	cache        ForecastCache
	stageTimeout time.Duration
	now          func() time.Time

	mu            sync.RWMutex
	lastCollected map[string]time.Time
}

// NewService creates a new Service.
func NewService(d Deps) *Service {
	return &Service{
		catalog:       d.Catalog,
		builder:       NewBuilder(d.Predictor, d.Outlook, d.StageTimeout),
		predictor:     d.Predictor,
		feed:          d.Feed,
		store:         d.Store,
		cache:         d.Cache,
		stageTimeout:  d.StageTimeout,
		now:           time.Now,
		lastCollected: make(map[string]time.Time),
	}
}

// Locations returns the catalogued locations in id order.
func (s *Service) Locations() []Location {
	ids := s.catalog.IDs()
	out := make([]Location, 0, len(ids))
	for _, id := range ids {
		l, _ := s.catalog.Lookup(id)
		out = append(out, l)
	}
	return out
}

// Lookup resolves a location id.
func (s *Service) Lookup(id string) (Location, error) {
	return s.catalog.Lookup(id)
}

// Forecast serves a catalogued location, reading through the result cache.
func (s *Service) Forecast(ctx context.Context, locationID string, hours int) (ForecastSeries, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return ForecastSeries{}, err
	}
	if hours <= 0 {
		return ForecastSeries{}, fmt.Errorf("%w: got %d", ErrInvalidHorizon, hours)
	}
	hours = min(hours, MaxHorizonHours)

	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, loc.Key(), hours); ok {
			return cached, nil
		}
	}

	series, err := s.builder.Generate(ctx, loc, hours)
	if err != nil {
		return ForecastSeries{}, err
	}

	if s.cache != nil {
		s.cache.Put(ctx, loc.Key(), hours, series)
	}
	return series, nil
}

// GenerateForecast builds an uncached forecast for arbitrary coordinates.
func (s *Service) GenerateForecast(ctx context.Context, c Coordinates, hours int) (ForecastSeries, error) {
	loc := Location{
		Name: fmt.Sprintf("Custom (%g,%g)", c.Lat, c.Lon),
		Lat:  c.Lat,
		Lon:  c.Lon,
	}
	return s.builder.Generate(ctx, loc, hours)
}

// GetCachedForecast returns the cached series for a location, if any.
func (s *Service) GetCachedForecast(ctx context.Context, locationID string, hours int) (ForecastSeries, bool, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return ForecastSeries{}, false, err
	}
	if s.cache == nil || hours <= 0 {
		return ForecastSeries{}, false, nil
	}
	series, ok := s.cache.Get(ctx, loc.Key(), min(hours, MaxHorizonHours))
	return series, ok, nil
}

// LocationOutcome is the result of one pipeline run for one location.
type LocationOutcome struct {
	Location string        `json:"location"`
	OK       bool          `json:"ok"`
	Stage    Stage         `json:"stage,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	RecordID string        `json:"recordId,omitempty"`
	AQI      int           `json:"aqi,omitempty"`
	Duration time.Duration `json:"duration"`
	Sources  []string      `json:"sources,omitempty"`
	Err      error         `json:"-"`
}

// CollectAndStore runs collect, features, predict and persist for one location.
// Failures are returned as an outcome naming the stage; they never panic or
// abort the caller's loop.
func (s *Service) CollectAndStore(ctx context.Context, loc Location) LocationOutcome {
	start := time.Now()
	rec, sources, err := s.collectAndStore(ctx, loc)

	out := LocationOutcome{
		Location: loc.Key(),
		OK:       err == nil,
		Duration: time.Since(start),
		Sources:  sources,
		Err:      err,
	}
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			out.Stage = se.Stage
		}
		out.Kind = ErrorKind(err)
		out.Message = err.Error()
		metrics.LocationOutcomes.WithLabelValues(loc.Key(), out.Kind).Inc()
		return out
	}

	out.RecordID = rec.ID
	out.AQI = rec.AQI
	metrics.LocationOutcomes.WithLabelValues(loc.Key(), "ok").Inc()
	return out
}

// CollectLocation runs the pipeline for a catalogued location on demand.
func (s *Service) CollectLocation(ctx context.Context, locationID string) (LocationOutcome, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return LocationOutcome{}, err
	}
	return s.CollectAndStore(ctx, loc), nil
}

// FeatureSet is the per-pollutant model input built from one fresh collection.
type FeatureSet struct {
	Location  string                 `json:"location"`
	Timestamp time.Time              `json:"timestamp"`
	Sources   []string               `json:"sources"`
	Features  map[Pollutant]Features `json:"features"`
}

// Features collects current observations for a location and returns the
// feature vectors the models would be fed. Nothing is predicted or stored.
func (s *Service) Features(ctx context.Context, locationID string) (FeatureSet, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return FeatureSet{}, err
	}
	bag, err := s.collect(ctx, loc)
	if err != nil {
		return FeatureSet{}, err
	}
	now := s.now().UTC()
	features, err := s.buildFeatures(loc, bag, now)
	if err != nil {
		return FeatureSet{}, err
	}
	return FeatureSet{
		Location:  loc.Key(),
		Timestamp: now,
		Sources:   bag.Sources,
		Features:  features,
	}, nil
}

func (s *Service) collect(ctx context.Context, loc Location) (ObservationBag, error) {
	if s.feed == nil {
		return ObservationBag{}, stageErr(loc.Key(), StageCollect, ErrCollection, errors.New("no observation feed configured"))
	}

	cctx, cancel := s.stageContext(ctx)
	bag, err := s.feed.Collect(cctx, loc)
	cancel()
	if err != nil {
		return ObservationBag{}, stageErr(loc.Key(), StageCollect, ErrCollection, err)
	}

	s.mu.Lock()
	s.lastCollected[loc.Key()] = s.now().UTC()
	s.mu.Unlock()
	return bag, nil
}

func (s *Service) buildFeatures(loc Location, bag ObservationBag, now time.Time) (map[Pollutant]Features, error) {
	features := make(map[Pollutant]Features, len(Pollutants))
	for _, p := range Pollutants {
		f := BuildFeatures(p, FeatureInput{Location: loc, Time: now, Obs: &bag})
		if name, ok := firstNonFinite(f); ok {
			return nil, stageErr(loc.Key(), StageFeatures, ErrCollection,
				fmt.Errorf("feature %s for %s is not finite", name, p))
		}
		features[p] = f
	}
	return features, nil
}

func (s *Service) collectAndStore(ctx context.Context, loc Location) (ForecastRecord, []string, error) {
	bag, err := s.collect(ctx, loc)
	if err != nil {
		return ForecastRecord{}, nil, err
	}

	now := s.now().UTC()
	features, err := s.buildFeatures(loc, bag, now)
	if err != nil {
		return ForecastRecord{}, bag.Sources, err
	}

	predicted := make(map[Pollutant]float64, len(Pollutants))
	confidences := make([]float64, 0, len(Pollutants))
	versions := make([]string, 0, len(Pollutants))
	for _, p := range Pollutants {
		pctx, cancel := s.stageContext(ctx)
		pred, err := s.predictor.Predict(pctx, p, features[p])
		cancel()
		if err != nil {
			metrics.PredictionsFailed.WithLabelValues(string(p)).Inc()
			return ForecastRecord{}, bag.Sources, stageErr(loc.Key(), StagePredict, ErrPredictionUnavailable, err)
		}
		metrics.PredictionsGenerated.WithLabelValues(string(p)).Inc()
		predicted[p] = pred.Value
		confidences = append(confidences, pred.Confidence)
		versions = appendUnique(versions, pred.ModelVersion)
	}

	aqi, _ := Aggregate(predicted)
	rec := ForecastRecord{
		ID:           uuid.NewString(),
		LocationID:   loc.Key(),
		Lat:          loc.Lat,
		Lon:          loc.Lon,
		ForecastTime: now,
		NO2:          predicted[PollutantNO2],
		O3:           predicted[PollutantO3],
		HCHO:         predicted[PollutantHCHO],
		AQI:          aqi,
		Confidence:   stat.Mean(confidences, nil),
		ModelVersion: strings.Join(versions, ","),
		CreatedAt:    now,
		Observation:  observationRecord(loc, bag),
	}

	if s.store == nil {
		return ForecastRecord{}, bag.Sources, stageErr(loc.Key(), StagePersist, ErrPersistence, errors.New("no store configured"))
	}
	sctx, cancel := s.stageContext(ctx)
	err = s.store.SaveForecast(sctx, rec)
	cancel()
	if err != nil {
		return ForecastRecord{}, bag.Sources, stageErr(loc.Key(), StagePersist, ErrPersistence, err)
	}
	metrics.RecordsPersisted.Inc()

	slog.Info("pipeline: stored forecast", "location", loc.Key(), "aqi", rec.AQI, "id", rec.ID)
	return rec, bag.Sources, nil
}

// Retain deletes forecast records strictly older than cutoff.
func (s *Service) Retain(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.store == nil {
		return 0, fmt.Errorf("%w: no store configured", ErrPersistence)
	}
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete older than %s: %v", ErrPersistence, cutoff.Format(time.RFC3339), err)
	}
	metrics.RecordsDeleted.Add(float64(n))
	return n, nil
}

// History returns persisted forecast records for a location between from and to (inclusive).
func (s *Service) History(ctx context.Context, locationID string, from, to time.Time) ([]ForecastRecord, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrPersistence)
	}
	return s.store.GetRange(ctx, loc.Key(), from, to)
}

// LatestObservation returns the most recent raw observation persisted for a location.
func (s *Service) LatestObservation(ctx context.Context, locationID string) (ObservationRecord, error) {
	loc, err := s.catalog.Lookup(locationID)
	if err != nil {
		return ObservationRecord{}, err
	}
	if s.store == nil {
		return ObservationRecord{}, fmt.Errorf("%w: no store configured", ErrPersistence)
	}
	return s.store.LatestObservation(ctx, loc.Key())
}

// Alert is a user-facing warning derived from a forecast point.
type Alert struct {
	Level           string   `json:"level"`
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	Recommendations []string `json:"recommendations"`
}

// AlertReport summarises the current hour for a location.
type AlertReport struct {
	Location       string    `json:"location"`
	AQI            int       `json:"aqi"`
	Category       Category  `json:"category"`
	Recommendation string    `json:"recommendations"`
	Alerts         []Alert   `json:"alerts"`
	Timestamp      time.Time `json:"timestamp"`
}

// Alerts derives alerts and health advice from the first hour of the forecast.
func (s *Service) Alerts(ctx context.Context, locationID string) (AlertReport, error) {
	series, err := s.Forecast(ctx, locationID, 1)
	if err != nil {
		return AlertReport{}, err
	}
	if len(series.Points) == 0 {
		return AlertReport{}, fmt.Errorf("%w: no forecast data available for %s", ErrPredictionUnavailable, locationID)
	}

	current := series.Points[0]
	cat := current.Recompute()
	report := AlertReport{
		Location:       locationID,
		AQI:            current.AQI,
		Category:       cat,
		Recommendation: cat.Advisory,
		Alerts:         []Alert{},
		Timestamp:      s.now().UTC(),
	}
	if cat.Alerting() {
		report.Alerts = append(report.Alerts, Alert{
			Level:           cat.Level,
			Title:           cat.AlertTitle,
			Message:         cat.AlertMessage,
			Recommendations: cat.Recommendations,
		})
	}
	return report, nil
}

// LocationStatus reports when a location was last collected.
type LocationStatus struct {
	LastCollected time.Time `json:"timestamp"`
	Fresh         bool      `json:"isFresh"`
}

// DataStatus summarises the collection pipeline.
type DataStatus struct {
	TotalLocations     int                       `json:"totalLocations"`
	CollectedLocations int                       `json:"collectedLocations"`
	LastUpdates        map[string]LocationStatus `json:"lastUpdates"`
	Timestamp          time.Time                 `json:"timestamp"`
}

// Status reports collection freshness for every catalogued location.
func (s *Service) Status() DataStatus {
	now := s.now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := DataStatus{
		TotalLocations:     len(s.catalog.IDs()),
		CollectedLocations: len(s.lastCollected),
		LastUpdates:        make(map[string]LocationStatus, len(s.lastCollected)),
		Timestamp:          now,
	}
	for id, ts := range s.lastCollected {
		st.LastUpdates[id] = LocationStatus{
			LastCollected: ts,
			Fresh:         now.Sub(ts) < DataFreshness,
		}
	}
	return st
}

func (s *Service) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stageTimeout)
}

func observationRecord(loc Location, bag ObservationBag) *ObservationRecord {
	rec := &ObservationRecord{
		LocationID: loc.Key(),
		Time:       bag.CollectedAt.UTC(),
		NO2:        bag.Satellite[PollutantNO2].Value,
		O3:         bag.Satellite[PollutantO3].Value,
		HCHO:       bag.Satellite[PollutantHCHO].Value,
		Source:     strings.Join(bag.Sources, ","),
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if w := bag.Weather; w != nil {
		rec.TemperatureC = w.TemperatureC
		rec.HumidityPct = w.HumidityPct
		rec.WindSpeedMS = w.WindSpeedMS
		rec.PressurePa = w.PressurePa
	}
	return rec
}

func firstNonFinite(f Features) (string, bool) {
	for name, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return name, true
		}
	}
	return "", false
}

func appendUnique(xs []string, x string) []string {
	for _, existing := range xs {
		if existing == x {
			return xs
		}
	}
	return append(xs, x)
}
