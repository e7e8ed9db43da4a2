// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/stereodepth/internal/tensor"

// Precision is the numeric precision of weights and compute.
type Precision = tensor.Precision

// Supported precisions.
const (
	Float32 = tensor.Float32
	Float16 = tensor.Float16
)

// Dims is a CHW tensor shape.
type Dims = tensor.Dims

// ParsePrecision converts a precision name such as "fp16" or "float32".
func ParsePrecision(s string) (Precision, error) {
	return tensor.ParsePrecision(s)
}

// CHW returns the shape with c channels, h rows and w columns.
func CHW(c, h, w int) Dims {
	return tensor.CHW(c, h, w)
}

// RoundHalf rounds values to fp16 precision in place.
func RoundHalf(values []float32) {
	tensor.RoundHalf(values)
}
