// Package model implements the SHOW/HIDE classifier as a logistic
// regression whose parameters are loaded from a YAML weights file.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/features"
)

// DefaultName is reported as classifiedBy when the weights file names none
const DefaultName = "logistic-regression"

// Params is the on-disk form of the model
type Params struct {
	Name     string    `yaml:"name"`
	Features []string  `yaml:"features"`
	Weights  []float64 `yaml:"weights"`
	Bias     float64   `yaml:"bias"`
	Mean     []float64 `yaml:"mean,omitempty"`  // optional standardization
	Scale    []float64 `yaml:"scale,omitempty"` // optional standardization
}

// Logistic scores feature vectors with a fitted logistic regression
type Logistic struct {
	params Params
}

// Load reads model parameters from a YAML file
func Load(path string) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing model: %w", err)
	}
	return New(p)
}

// New validates p against the extractor's feature order
func New(p Params) (*Logistic, error) {
	if p.Name == "" {
		p.Name = DefaultName
	}
	if len(p.Features) != features.Width {
		return nil, fmt.Errorf("model has %d features, extractor produces %d", len(p.Features), features.Width)
	}
	for i, name := range p.Features {
		if name != features.Names[i] {
			return nil, fmt.Errorf("model feature %d is %q, extractor produces %q", i, name, features.Names[i])
		}
	}
	if len(p.Weights) != features.Width {
		return nil, fmt.Errorf("model has %d weights for %d features", len(p.Weights), features.Width)
	}
	if (p.Mean == nil) != (p.Scale == nil) {
		return nil, errors.New("mean and scale must be given together")
	}
	if p.Mean != nil && (len(p.Mean) != features.Width || len(p.Scale) != features.Width) {
		return nil, errors.New("mean and scale must match the feature width")
	}
	return &Logistic{params: p}, nil
}

// Name identifies the model in stored records
func (m *Logistic) Name() string {
	return m.params.Name
}

// PredictProbabilities scores each row; output is aligned with matrix
func (m *Logistic) PredictProbabilities(matrix []features.Vector) ([]core.Probabilities, error) {
	out := make([]core.Probabilities, len(matrix))
	for i, row := range matrix {
		if len(row) != features.Width {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), features.Width)
		}
		show := sigmoid(m.score(row))
		out[i] = core.Probabilities{Show: show, Hide: 1 - show}
	}
	return out, nil
}

func (m *Logistic) score(row features.Vector) float64 {
	z := m.params.Bias
	for j, x := range row {
		if m.params.Mean != nil {
			scale := m.params.Scale[j]
			if scale == 0 {
				scale = 1
			}
			x = (x - m.params.Mean[j]) / scale
		}
		z += m.params.Weights[j] * x
	}
	return z
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
