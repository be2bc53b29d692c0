package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	kindLSTM   = "lstm"
	kindLinear = "linear"
)

// modelFile is the on-disk model artifact. LSTM weights use the Keras layout:
// kernel is (features, 4*units), recurrent_kernel is (units, 4*units), and the
// gate blocks are ordered input, forget, cell, output.
type modelFile struct {
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Features    []string    `json:"features"`
	TrainedDate string      `json:"trained_date"`
	LSTM        *lstmLayer  `json:"lstm,omitempty"`
	Dense       *denseLayer `json:"dense"`
}

type lstmLayer struct {
	Units           int         `json:"units"`
	Kernel          [][]float64 `json:"kernel"`
	RecurrentKernel [][]float64 `json:"recurrent_kernel"`
	Bias            []float64   `json:"bias"`
}

type denseLayer struct {
	Kernel [][]float64 `json:"kernel"`
	Bias   []float64   `json:"bias"`
}

type network interface {
	forward(seq [][]float64) (float64, error)
	inputDim() int
}

func decodeModel(payload []byte) (*modelFile, network, error) {
	var file modelFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, nil, fmt.Errorf("decode model: %w", err)
	}
	if file.Dense == nil {
		return nil, nil, errors.New("model has no dense layer")
	}

	var net network
	switch file.Type {
	case kindLSTM:
		if file.LSTM == nil {
			return nil, nil, errors.New("lstm model has no lstm layer")
		}
		if err := file.LSTM.validate(); err != nil {
			return nil, nil, err
		}
		if err := file.Dense.validate(file.LSTM.Units); err != nil {
			return nil, nil, err
		}
		net = &lstmNetwork{lstm: *file.LSTM, dense: *file.Dense}
	case kindLinear:
		if len(file.Dense.Kernel) == 0 {
			return nil, nil, errors.New("linear model has empty kernel")
		}
		if err := file.Dense.validate(len(file.Dense.Kernel)); err != nil {
			return nil, nil, err
		}
		net = &linearNetwork{dense: *file.Dense}
	default:
		return nil, nil, fmt.Errorf("unsupported model type %q", file.Type)
	}

	if len(file.Features) > 0 && len(file.Features) != net.inputDim() {
		return nil, nil, fmt.Errorf("%w: model lists %d features but expects %d inputs",
			ErrShapeMismatch, len(file.Features), net.inputDim())
	}
	return &file, net, nil
}

func (l *lstmLayer) validate() error {
	if l.Units <= 0 {
		return errors.New("lstm units must be positive")
	}
	gates := 4 * l.Units
	if len(l.Kernel) == 0 {
		return errors.New("lstm kernel is empty")
	}
	for i, row := range l.Kernel {
		if len(row) != gates {
			return fmt.Errorf("%w: lstm kernel row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), gates)
		}
	}
	if len(l.RecurrentKernel) != l.Units {
		return fmt.Errorf("%w: lstm recurrent kernel has %d rows, want %d", ErrShapeMismatch, len(l.RecurrentKernel), l.Units)
	}
	for i, row := range l.RecurrentKernel {
		if len(row) != gates {
			return fmt.Errorf("%w: lstm recurrent kernel row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), gates)
		}
	}
	if len(l.Bias) != gates {
		return fmt.Errorf("%w: lstm bias has %d entries, want %d", ErrShapeMismatch, len(l.Bias), gates)
	}
	return nil
}

func (d *denseLayer) validate(inputs int) error {
	if len(d.Kernel) != inputs {
		return fmt.Errorf("%w: dense kernel has %d rows, want %d", ErrShapeMismatch, len(d.Kernel), inputs)
	}
	for i, row := range d.Kernel {
		if len(row) != 1 {
			return fmt.Errorf("%w: dense kernel row %d has %d columns, want 1", ErrShapeMismatch, i, len(row))
		}
	}
	if len(d.Bias) != 1 {
		return fmt.Errorf("%w: dense bias has %d entries, want 1", ErrShapeMismatch, len(d.Bias))
	}
	return nil
}

func (d *denseLayer) apply(x []float64) float64 {
	y := d.Bias[0]
	for i, v := range x {
		y += v * d.Kernel[i][0]
	}
	return y
}

type lstmNetwork struct {
	lstm  lstmLayer
	dense denseLayer
}

func (n *lstmNetwork) inputDim() int {
	return len(n.lstm.Kernel)
}

func (n *lstmNetwork) forward(seq [][]float64) (float64, error) {
	if len(seq) == 0 {
		return 0, fmt.Errorf("%w: empty sequence", ErrShapeMismatch)
	}
	units := n.lstm.Units
	h := make([]float64, units)
	c := make([]float64, units)
	z := make([]float64, 4*units)

	for t, x := range seq {
		if len(x) != n.inputDim() {
			return 0, fmt.Errorf("%w: step %d has %d features, want %d", ErrShapeMismatch, t, len(x), n.inputDim())
		}
		copy(z, n.lstm.Bias)
		for i, v := range x {
			row := n.lstm.Kernel[i]
			for j := range z {
				z[j] += v * row[j]
			}
		}
		for k, v := range h {
			row := n.lstm.RecurrentKernel[k]
			for j := range z {
				z[j] += v * row[j]
			}
		}
		for u := 0; u < units; u++ {
			in := sigmoid(z[u])
			forget := sigmoid(z[units+u])
			cand := math.Tanh(z[2*units+u])
			out := sigmoid(z[3*units+u])
			c[u] = forget*c[u] + in*cand
			h[u] = out * math.Tanh(c[u])
		}
	}
	return n.dense.apply(h), nil
}

// linearNetwork applies the dense head to the last timestep.
type linearNetwork struct {
	dense denseLayer
}

func (n *linearNetwork) inputDim() int {
	return len(n.dense.Kernel)
}

func (n *linearNetwork) forward(seq [][]float64) (float64, error) {
	if len(seq) == 0 {
		return 0, fmt.Errorf("%w: empty sequence", ErrShapeMismatch)
	}
	x := seq[len(seq)-1]
	if len(x) != n.inputDim() {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrShapeMismatch, len(x), n.inputDim())
	}
	return n.dense.apply(x), nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
