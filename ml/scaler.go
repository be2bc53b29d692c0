package ml

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Scaler is a reversible per-feature transform over rows of features.
type Scaler interface {
	Transform(x [][]float64) ([][]float64, error)
	InverseTransform(x [][]float64) ([][]float64, error)
}

// ScalerPair holds the input-feature scaler and the target scaler. Fallback is
// set when both were replaced by identity transforms.
type ScalerPair struct {
	X        Scaler
	Y        Scaler
	Fallback bool
}

// IdentityPair returns the pair used when the fitted scalers are unavailable.
func IdentityPair() ScalerPair {
	return ScalerPair{X: IdentityScaler{}, Y: IdentityScaler{}, Fallback: true}
}

// IdentityScaler leaves values unchanged in both directions.
type IdentityScaler struct{}

// Transform returns a copy of x.
func (IdentityScaler) Transform(x [][]float64) ([][]float64, error) {
	return copyRows(x), nil
}

// InverseTransform returns a copy of x.
func (IdentityScaler) InverseTransform(x [][]float64) ([][]float64, error) {
	return copyRows(x), nil
}

// MinMaxScaler maps each feature from its fitted [min, max] onto FeatureRange.
// Features whose fitted range is zero are scaled as if the range were one.
type MinMaxScaler struct {
	dataMin []float64
	scale   []float64
	offset  []float64
}

type scalerFile struct {
	DataMin      []float64 `json:"data_min"`
	DataMax      []float64 `json:"data_max"`
	FeatureRange []float64 `json:"feature_range"`
}

// NewMinMaxScaler builds a scaler from fitted per-feature bounds.
func NewMinMaxScaler(dataMin, dataMax []float64, lo, hi float64) (*MinMaxScaler, error) {
	if len(dataMin) == 0 {
		return nil, errors.New("scaler has no features")
	}
	if len(dataMin) != len(dataMax) {
		return nil, fmt.Errorf("%w: data_min has %d entries, data_max has %d", ErrShapeMismatch, len(dataMin), len(dataMax))
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid feature range [%v, %v]", lo, hi)
	}

	s := &MinMaxScaler{
		dataMin: append([]float64(nil), dataMin...),
		scale:   make([]float64, len(dataMin)),
		offset:  make([]float64, len(dataMin)),
	}
	for i := range dataMin {
		width := dataMax[i] - dataMin[i]
		if width < 0 {
			return nil, fmt.Errorf("feature %d: data_max %v below data_min %v", i, dataMax[i], dataMin[i])
		}
		if width == 0 {
			width = 1
		}
		s.scale[i] = (hi - lo) / width
		s.offset[i] = lo - dataMin[i]*s.scale[i]
	}
	return s, nil
}

func decodeScaler(payload []byte) (*MinMaxScaler, error) {
	var file scalerFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	lo, hi := 0.0, 1.0
	switch len(file.FeatureRange) {
	case 0:
	case 2:
		lo, hi = file.FeatureRange[0], file.FeatureRange[1]
	default:
		return nil, fmt.Errorf("feature_range needs 2 entries, got %d", len(file.FeatureRange))
	}
	return NewMinMaxScaler(file.DataMin, file.DataMax, lo, hi)
}

// Features returns the number of columns the scaler was fitted on.
func (s *MinMaxScaler) Features() int {
	return len(s.dataMin)
}

// Transform maps each column from its fitted range onto the feature range.
func (s *MinMaxScaler) Transform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for r, row := range x {
		if len(row) != len(s.scale) {
			return nil, fmt.Errorf("%w: row %d has %d features, scaler fitted on %d", ErrShapeMismatch, r, len(row), len(s.scale))
		}
		out[r] = make([]float64, len(row))
		for i, v := range row {
			out[r][i] = v*s.scale[i] + s.offset[i]
		}
	}
	return out, nil
}

// InverseTransform maps values from the feature range back to the fitted range.
func (s *MinMaxScaler) InverseTransform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for r, row := range x {
		if len(row) != len(s.scale) {
			return nil, fmt.Errorf("%w: row %d has %d features, scaler fitted on %d", ErrShapeMismatch, r, len(row), len(s.scale))
		}
		out[r] = make([]float64, len(row))
		for i, v := range row {
			out[r][i] = (v - s.offset[i]) / s.scale[i]
		}
	}
	return out, nil
}

func copyRows(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
