package ml

import (
	"context"
	"errors"
	"time"
)

// ErrShapeMismatch is returned when an input batch does not match the layout a
// model or scaler was fitted on.
var ErrShapeMismatch = errors.New("shape mismatch")

// Model predicts one scalar per sample from a (batch, sequence, features) tensor.
// Implementations are immutable and safe for concurrent use.
type Model interface {
	Predict(batch [][][]float64) ([][]float64, error)
	Metadata() Metadata
}

// Metadata describes the active model as reported by /model. TrainedDate is
// nil for the fallback model.
type Metadata struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Features    []string   `json:"features"`
	TrainedDate *time.Time `json:"trained_date"`
}

// Fetcher resolves an artifact URI to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, uri, localName string) (string, error)
}

// DefaultFeatures is the input layout every model in this service consumes.
func DefaultFeatures() []string {
	return []string{"lag_1", "rolling_mean_7"}
}

// FallbackModel stands in when no trained model could be loaded. It predicts
// zero for every sample.
type FallbackModel struct{}

// Predict returns one zero per sample.
func (FallbackModel) Predict(batch [][][]float64) ([][]float64, error) {
	out := make([][]float64, len(batch))
	for i := range out {
		out[i] = []float64{0}
	}
	return out, nil
}

// Metadata reports the fixed dummy identity.
func (FallbackModel) Metadata() Metadata {
	return Metadata{
		Name:     "dummy",
		Version:  "0.0.0",
		Features: DefaultFeatures(),
	}
}

// IsFallback reports whether m is the zero-output stand-in.
func IsFallback(m Model) bool {
	_, ok := m.(FallbackModel)
	return ok
}

// LoadedModel is a trained network decoded from an artifact.
type LoadedModel struct {
	net  network
	meta Metadata
}

// Predict runs the network over each sequence in batch.
func (m *LoadedModel) Predict(batch [][][]float64) ([][]float64, error) {
	out := make([][]float64, len(batch))
	for i, seq := range batch {
		y, err := m.net.forward(seq)
		if err != nil {
			return nil, err
		}
		out[i] = []float64{y}
	}
	return out, nil
}

// Metadata returns a copy of the model metadata.
func (m *LoadedModel) Metadata() Metadata {
	meta := m.meta
	meta.Features = append([]string(nil), m.meta.Features...)
	return meta
}
