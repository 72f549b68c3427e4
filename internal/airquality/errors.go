package airquality

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is fatal at startup: no pollutant model could be loaded.
	ErrConfiguration = errors.New("configuration error")
	// ErrModelLoad is scoped to one pollutant; the registry keeps serving the others.
	ErrModelLoad = errors.New("model load error")
	// ErrPredictionUnavailable means a model is missing or its inference failed.
	ErrPredictionUnavailable = errors.New("prediction unavailable")
	// ErrCacheUnavailable is logged by the cache and never returned to callers.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrPersistence wraps durable store failures.
	ErrPersistence = errors.New("persistence error")
	// ErrCollection wraps observation feed failures.
	ErrCollection = errors.New("collection error")

	ErrNotFound        = errors.New("not found")
	ErrUnknownLocation = errors.New("unknown location")
	ErrInvalidHorizon  = errors.New("horizon must be greater than zero")
)

// ModelLoadError reports why one pollutant's artifact could not be loaded.
type ModelLoadError struct {
	Pollutant Pollutant
	Tried     []string
	Err       error
}

func (e *ModelLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrModelLoad, e.Pollutant, e.Err)
	}
	return fmt.Sprintf("%s: %s: not found in %v", ErrModelLoad, e.Pollutant, e.Tried)
}

func (e *ModelLoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrModelLoad}
	}
	return []error{ErrModelLoad, e.Err}
}

// PredictionError is returned when a pollutant could not be predicted.
type PredictionError struct {
	Pollutant Pollutant
	Err       error
}

func (e *PredictionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrPredictionUnavailable, e.Pollutant)
	}
	return fmt.Sprintf("%s: %s: %v", ErrPredictionUnavailable, e.Pollutant, e.Err)
}

func (e *PredictionError) Unwrap() error { return ErrPredictionUnavailable }

// Stage names one step of the collection pipeline.
type Stage string

const (
	StageCollect  Stage = "collect"
	StageFeatures Stage = "features"
	StagePredict  Stage = "predict"
	StagePersist  Stage = "persist"
)

// StageError attributes a pipeline failure to a location and stage.
type StageError struct {
	Location string
	Stage    Stage
	Kind     error
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s stage: %s: %v", e.Location, e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{e.Kind, e.Err} }

func stageErr(loc string, stage Stage, kind, err error) error {
	return &StageError{Location: loc, Stage: stage, Kind: kind, Err: err}
}

// ErrorKind maps err onto its taxonomy name. It is used for outcome reports
// and metric labels, so the set of return values is closed.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrModelLoad):
		return "ModelLoadError"
	case errors.Is(err, ErrPredictionUnavailable):
		return "PredictionUnavailable"
	case errors.Is(err, ErrCacheUnavailable):
		return "CacheUnavailable"
	case errors.Is(err, ErrPersistence):
		return "PersistenceError"
	case errors.Is(err, ErrCollection):
		return "CollectionError"
	case errors.Is(err, ErrUnknownLocation):
		return "UnknownLocation"
	case errors.Is(err, ErrInvalidHorizon):
		return "InvalidHorizon"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	default:
		return "Unknown"
	}
}
