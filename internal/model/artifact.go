package model

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"
)

// Artifact kinds understood by the registry.
const (
	KindLinear       = "linear"
	KindTreeEnsemble = "tree_ensemble"
)

// Tree ensemble aggregation modes.
const (
	AggregateSum  = "sum"  // gradient boosting
	AggregateMean = "mean" // random forest
)

const defaultModelVersion = "v1.0"

var (
	errUnknownKind   = errors.New("unknown artifact kind")
	errShapeMismatch = errors.New("artifact shape does not match manifest")
	errMalformedTree = errors.New("malformed tree")
	errNonFinite     = errors.New("model produced a non-finite value")
)

// Artifact is the JSON export of a trained pollutant model.
type Artifact struct {
	Pollutant    string    `json:"pollutant"`
	Version      string    `json:"version"`
	Kind         string    `json:"kind"`
	Intercept    float64   `json:"intercept,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`
	BaseScore    float64   `json:"base_score,omitempty"`
	Aggregation  string    `json:"aggregation,omitempty"`
	Trees        []Tree    `json:"trees,omitempty"`
}

// Tree is a binary regression tree stored as a flat node list; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (Feature, Threshold, Left, Right) or a leaf (Value).
// Rows go left when x[Feature] < Threshold.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// loaded is an artifact paired with its manifest. It is never modified after load.
type loaded struct {
	artifact Artifact
	manifest []string
	dir      string
}

func readArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if a.Version == "" {
		a.Version = defaultModelVersion
	}
	return a, nil
}

func readManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", path)
	}
	return names, nil
}

// validate checks the artifact against its manifest so that evaluation can
// index without bounds failures.
func (a Artifact) validate(manifest []string) error {
	switch a.Kind {
	case KindLinear:
		if len(a.Coefficients) != len(manifest) {
			return fmt.Errorf("%w: %d coefficients for %d features", errShapeMismatch, len(a.Coefficients), len(manifest))
		}
	case KindTreeEnsemble:
		if len(a.Trees) == 0 {
			return fmt.Errorf("%w: ensemble has no trees", errMalformedTree)
		}
		switch a.Aggregation {
		case "", AggregateSum, AggregateMean:
		default:
			return fmt.Errorf("%w: unknown aggregation %q", errMalformedTree, a.Aggregation)
		}
		for i, t := range a.Trees {
			if err := t.validate(len(manifest)); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, a.Kind)
	}
	return nil
}

func (t Tree) validate(nFeatures int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", errMalformedTree)
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", errMalformedTree, i, n.Feature, nFeatures)
		}
		// Children must point forward so evaluation always terminates.
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("%w: node %d has invalid children", errMalformedTree, i)
		}
	}
	return nil
}

// Evaluate runs the artifact on a manifest-ordered row.
func (a Artifact) Evaluate(x []float64) (float64, error) {
	var y float64
	switch a.Kind {
	case KindLinear:
		if len(x) != len(a.Coefficients) {
			return 0, errShapeMismatch
		}
		y = a.Intercept + floats.Dot(a.Coefficients, x)
	case KindTreeEnsemble:
		sum := 0.0
		for _, t := range a.Trees {
			sum += t.evaluate(x)
		}
		if a.Aggregation == AggregateMean {
			sum /= float64(len(a.Trees))
		}
		y = a.BaseScore + sum
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownKind, a.Kind)
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, errNonFinite
	}
	return y, nil
}

func (t Tree) evaluate(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
