package tensor

import "fmt"

// Dims is a channel-major (CHW) tensor shape without the batch dimension.
type Dims struct {
	C int `json:"c"`
	H int `json:"h"`
	W int `json:"w"`
}

// CHW is shorthand for a Dims literal.
func CHW(c, h, w int) Dims {
	return Dims{C: c, H: h, W: w}
}

// NumElements returns C*H*W.
func (d Dims) NumElements() int {
	return d.C * d.H * d.W
}

// Plane returns H*W, the number of elements per channel.
func (d Dims) Plane() int {
	return d.H * d.W
}

// Validate checks that all dimensions are positive.
func (d Dims) Validate() error {
	if d.C <= 0 || d.H <= 0 || d.W <= 0 {
		return fmt.Errorf("invalid dims %v (all dimensions must be > 0)", d)
	}
	return nil
}

// String formats the dims as (C, H, W).
func (d Dims) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.C, d.H, d.W)
}

// ConvOutput returns the spatial output size of a convolution window.
//
//	out = (in + 2*pad - kernel) / stride + 1
func ConvOutput(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// DeconvOutput returns the spatial output size of a transposed convolution.
//
//	out = (in - 1) * stride + kernel - 2*pad
func DeconvOutput(in, kernel, stride, pad int) int {
	return (in-1)*stride + kernel - 2*pad
}
