// Package model loads the per-pollutant inference artifacts and runs them.
//
// A Registry is built once at startup by Load and is read-only afterwards,
// so it can be shared by any number of concurrent forecast requests without
// locking. Each pollutant needs two files in the same directory:
//
//	<pollutant>_model.json     the exported model (linear or tree ensemble)
//	<pollutant>_features.json  the ordered feature manifest
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/i474232898/airquality-forecast/internal/airquality"
)

// DefaultConfidence is a placeholder, not a calibrated uncertainty.
const DefaultConfidence = 0.95

// LoadReport enumerates which pollutants were loaded and from where.
type LoadReport struct {
	Loaded  map[airquality.Pollutant]string `json:"loaded"`
	Missing map[airquality.Pollutant]error  `json:"-"`
}

// MissingPollutants returns the pollutants that failed to load, sorted.
func (r LoadReport) MissingPollutants() []airquality.Pollutant {
	out := make([]airquality.Pollutant, 0, len(r.Missing))
	for p := range r.Missing {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry holds immutable model artifacts keyed by pollutant.
type Registry struct {
	models map[airquality.Pollutant]loaded
	now    func() time.Time
}

// ArtifactFile and ManifestFile return the expected file names for p.
func ArtifactFile(p airquality.Pollutant) string { return string(p) + "_model.json" }
func ManifestFile(p airquality.Pollutant) string { return string(p) + "_features.json" }

// Load searches dirs in order for every pollutant. The first directory that
// holds both files for a pollutant wins. A pollutant that cannot be loaded is
// recorded in the report and does not stop the others; if none load, Load
// returns an error wrapping airquality.ErrConfiguration.
func Load(dirs []string) (*Registry, LoadReport, error) {
	r := &Registry{
		models: make(map[airquality.Pollutant]loaded, len(airquality.Pollutants)),
		now:    time.Now,
	}
	report := LoadReport{
		Loaded:  make(map[airquality.Pollutant]string),
		Missing: make(map[airquality.Pollutant]error),
	}

	for _, p := range airquality.Pollutants {
		m, err := loadPollutant(p, dirs)
		if err != nil {
			slog.Warn("model: load failed", "pollutant", p, "err", err)
			report.Missing[p] = err
			continue
		}
		r.models[p] = m
		report.Loaded[p] = m.dir
		slog.Info("model: loaded", "pollutant", p, "dir", m.dir, "kind", m.artifact.Kind,
			"version", m.artifact.Version, "features", len(m.manifest))
	}

	if len(r.models) == 0 {
		return nil, report, fmt.Errorf("%w: no pollutant model could be loaded from %v", airquality.ErrConfiguration, dirs)
	}
	return r, report, nil
}

func loadPollutant(p airquality.Pollutant, dirs []string) (loaded, error) {
	var tried []string
	for _, dir := range dirs {
		ap := filepath.Join(dir, ArtifactFile(p))
		mp := filepath.Join(dir, ManifestFile(p))
		tried = append(tried, ap, mp)
		if !exists(ap) || !exists(mp) {
			continue
		}

		a, err := readArtifact(ap)
		if err != nil {
			return loaded{}, &airquality.ModelLoadError{Pollutant: p, Tried: tried, Err: err}
		}
		manifest, err := readManifest(mp)
		if err != nil {
			return loaded{}, &airquality.ModelLoadError{Pollutant: p, Tried: tried, Err: err}
		}
		if err := a.validate(manifest); err != nil {
			return loaded{}, &airquality.ModelLoadError{Pollutant: p, Tried: tried, Err: err}
		}
		return loaded{artifact: a, manifest: manifest, dir: dir}, nil
	}
	return loaded{}, &airquality.ModelLoadError{Pollutant: p, Tried: tried}
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Has reports whether an artifact is loaded for p.
func (r *Registry) Has(p airquality.Pollutant) bool {
	_, ok := r.models[p]
	return ok
}

// Pollutants lists the pollutants with a loaded artifact, in evaluation order.
func (r *Registry) Pollutants() []airquality.Pollutant {
	out := make([]airquality.Pollutant, 0, len(r.models))
	for _, p := range airquality.Pollutants {
		if r.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Manifest returns a copy of the ordered feature names for p.
func (r *Registry) Manifest(p airquality.Pollutant) ([]string, bool) {
	m, ok := r.models[p]
	if !ok {
		return nil, false
	}
	out := make([]string, len(m.manifest))
	copy(out, m.manifest)
	return out, true
}

// Predict implements airquality.Predictor. The feature row is rebuilt in
// manifest order; manifest features absent from f default to 0.0.
func (r *Registry) Predict(ctx context.Context, p airquality.Pollutant, f airquality.Features) (airquality.Prediction, error) {
	m, ok := r.models[p]
	if !ok {
		return airquality.Prediction{}, &airquality.PredictionError{Pollutant: p, Err: errors.New("model not loaded")}
	}
	if err := ctx.Err(); err != nil {
		return airquality.Prediction{}, &airquality.PredictionError{Pollutant: p, Err: err}
	}

	row := airquality.Align(m.manifest, f)
	y, err := m.artifact.Evaluate(row.Values)
	if err != nil {
		return airquality.Prediction{}, &airquality.PredictionError{Pollutant: p, Err: err}
	}

	return airquality.Prediction{
		Pollutant:    p,
		Value:        y,
		Confidence:   DefaultConfidence,
		ModelVersion: m.artifact.Version,
		Timestamp:    r.now().UTC(),
	}, nil
}
