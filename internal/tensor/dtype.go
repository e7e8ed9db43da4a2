// Package tensor provides the numeric precision and dimension types shared by
// the weight loader, graph builder, engine and accelerators.
package tensor

import (
	"fmt"
	"strings"
)

// Precision is the numeric precision of weights and compute.
type Precision int

// Supported precisions.
const (
	Float32 Precision = iota
	Float16
)

// Size returns the byte size of one element.
func (p Precision) Size() int {
	switch p {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		panic("unknown precision")
	}
}

// String returns a human-readable name for the precision.
func (p Precision) String() string {
	switch p {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the supported precisions.
func (p Precision) Valid() bool {
	return p == Float32 || p == Float16
}

// ParsePrecision converts "fp32"/"float32" or "fp16"/"float16"/"half" to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "float32", "float", "kfloat":
		return Float32, nil
	case "fp16", "float16", "half", "khalf":
		return Float16, nil
	default:
		return 0, fmt.Errorf("unsupported precision %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Precision) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unsupported precision %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Precision) UnmarshalText(text []byte) error {
	v, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
