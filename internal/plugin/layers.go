package plugin

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Layer type identifiers.
const (
	TypeELU        = "elu"
	TypeCostVolume = "cost_volume"
	TypeSoftargmax = "softargmax"
)

// Config field numbers.
const (
	fieldAlpha        protowire.Number = 1
	fieldMaxDisparity protowire.Number = 1
)

// ELU is the exponential linear unit: x for x > 0, alpha*(exp(x)-1) otherwise.
type ELU struct {
	Alpha float32
}

// Type implements Layer.
func (l *ELU) Type() string { return TypeELU }

// NumInputs implements Layer.
func (l *ELU) NumInputs() int { return 1 }

// Config implements Layer.
func (l *ELU) Config() []byte {
	b := protowire.AppendTag(nil, fieldAlpha, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(l.Alpha))
}

// OutputDims implements Layer.
func (l *ELU) OutputDims(in []tensor.Dims) (tensor.Dims, error) {
	if err := checkInputs(TypeELU, in, 1); err != nil {
		return tensor.Dims{}, err
	}
	return in[0], nil
}

// Enqueue implements Layer.
func (l *ELU) Enqueue(k accel.Kernels, in []accel.Buffer, out accel.Buffer, inDims []tensor.Dims) error {
	return k.Activate(out, in[0], inDims[0].NumElements(), accel.ActELU, l.Alpha)
}

func newELU(config []byte) (Layer, error) {
	l := &ELU{Alpha: 1}
	err := walk(config, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldAlpha && typ == protowire.Fixed32Type {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			l.Alpha = math.Float32frombits(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", TypeELU, err)
	}
	return l, nil
}

// CostVolume builds a correlation cost volume from left and right features.
// Inputs: left [C,H,W], right [C,H,W]. Output: [MaxDisparity,H,W].
type CostVolume struct {
	MaxDisparity int
}

// Type implements Layer.
func (l *CostVolume) Type() string { return TypeCostVolume }

// NumInputs implements Layer.
func (l *CostVolume) NumInputs() int { return 2 }

// Config implements Layer.
func (l *CostVolume) Config() []byte {
	b := protowire.AppendTag(nil, fieldMaxDisparity, protowire.VarintType)
	//nolint:gosec // G115: disparity is validated positive
	return protowire.AppendVarint(b, uint64(l.MaxDisparity))
}

// OutputDims implements Layer.
func (l *CostVolume) OutputDims(in []tensor.Dims) (tensor.Dims, error) {
	if err := checkInputs(TypeCostVolume, in, 2); err != nil {
		return tensor.Dims{}, err
	}
	if in[0] != in[1] {
		return tensor.Dims{}, fmt.Errorf("plugin %s: left %v and right %v differ", TypeCostVolume, in[0], in[1])
	}
	return tensor.CHW(l.MaxDisparity, in[0].H, in[0].W), nil
}

// Enqueue implements Layer.
func (l *CostVolume) Enqueue(k accel.Kernels, in []accel.Buffer, out accel.Buffer, inDims []tensor.Dims) error {
	return k.CostVolume(out, in[0], in[1], inDims[0], l.MaxDisparity)
}

func newCostVolume(config []byte) (Layer, error) {
	l := &CostVolume{}
	err := walk(config, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldMaxDisparity && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			l.MaxDisparity = int(v) //nolint:gosec // G115: range checked below
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", TypeCostVolume, err)
	}
	if l.MaxDisparity <= 0 || l.MaxDisparity > 1024 {
		return nil, fmt.Errorf("plugin %s: invalid max disparity %d", TypeCostVolume, l.MaxDisparity)
	}
	return l, nil
}

// Softargmax regresses disparity as the softmax-weighted mean level.
// Input: [D,H,W]. Output: [1,H,W].
type Softargmax struct{}

// Type implements Layer.
func (l *Softargmax) Type() string { return TypeSoftargmax }

// NumInputs implements Layer.
func (l *Softargmax) NumInputs() int { return 1 }

// Config implements Layer.
func (l *Softargmax) Config() []byte { return nil }

// OutputDims implements Layer.
func (l *Softargmax) OutputDims(in []tensor.Dims) (tensor.Dims, error) {
	if err := checkInputs(TypeSoftargmax, in, 1); err != nil {
		return tensor.Dims{}, err
	}
	return tensor.CHW(1, in[0].H, in[0].W), nil
}

// Enqueue implements Layer.
func (l *Softargmax) Enqueue(k accel.Kernels, in []accel.Buffer, out accel.Buffer, inDims []tensor.Dims) error {
	return k.Softargmax(out, in[0], inDims[0])
}

func newSoftargmax(config []byte) (Layer, error) {
	if err := walk(config, skip); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", TypeSoftargmax, err)
	}
	return &Softargmax{}, nil
}

// walk iterates the fields of a wire-format message. fn consumes the value
// bytes of one field and returns how many it used.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

// skip consumes an unknown field so newer writers stay readable.
func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	return n, nil
}
