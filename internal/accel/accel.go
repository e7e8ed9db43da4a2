// Package accel defines the accelerator boundary: device memory, host/device
// copies and the numeric kernel library the compiled engine dispatches to.
//
// Every call is synchronous from the caller's point of view. Implementations:
//   - cpu: pure Go host device (always available)
//   - webgpu: GPU device via go-webgpu (windows builds)
package accel

import (
	"errors"
	"fmt"

	"github.com/born-ml/stereodepth/internal/tensor"
)

// Common errors.
var (
	ErrOutOfMemory  = errors.New("device out of memory")
	ErrSizeMismatch = errors.New("buffer size mismatch")
	ErrClosed       = errors.New("device closed")
	ErrForeign      = errors.New("buffer belongs to another device")
)

// Info identifies a device. Class is recorded in compiled engine files so a
// plan built for one hardware class is not silently run on another.
type Info struct {
	Name  string
	Class string
}

// Buffer is a fixed-size block of device memory holding float32 elements.
type Buffer interface {
	// Len returns the capacity in elements.
	Len() int
}

// ByteSize returns the size of b in bytes.
func ByteSize(b Buffer) int {
	return b.Len() * 4
}

// Device owns device memory and exposes the kernel library.
type Device interface {
	Info() Info

	// Alloc reserves n float32 elements of device memory.
	Alloc(n int) (Buffer, error)
	// Free releases a buffer returned by Alloc.
	Free(b Buffer) error

	// Upload copies host values into dst (host -> device).
	Upload(dst Buffer, src []float32) error
	// Download copies src into host memory (device -> host).
	Download(dst []float32, src Buffer) error

	Kernels() Kernels

	// Close releases every resource held by the device.
	Close() error
}

// Activation selects the element-wise non-linearity applied by a kernel.
type Activation int

// Supported activations.
const (
	ActNone Activation = iota
	ActReLU
	ActSigmoid
	ActELU
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActReLU:
		return "relu"
	case ActSigmoid:
		return "sigmoid"
	case ActELU:
		return "elu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// ConvParams describes a 2D (transposed) convolution over CHW tensors.
type ConvParams struct {
	In      tensor.Dims
	Out     tensor.Dims
	KernelH int
	KernelW int
	Stride  int
	Pad     int
	Act     Activation // fused epilogue
	Alpha   float32    // ELU alpha
}

// Kernels is the numeric kernel library of a device. Buffers passed in must
// come from the same device. Optional buffers (bias) may be nil.
type Kernels interface {
	// Conv2D computes act(conv(in, kernel) + bias). Kernel is [Out.C, In.C, KH, KW].
	Conv2D(out, in, kernel, bias Buffer, p ConvParams) error
	// Deconv2D computes act(conv_transpose(in, kernel) + bias). Kernel is [In.C, Out.C, KH, KW].
	Deconv2D(out, in, kernel, bias Buffer, p ConvParams) error
	// Scale computes out[c] = in[c]*scale[c] + shift[c] per channel.
	Scale(out, in, scale, shift Buffer, dims tensor.Dims) error
	// Activate applies act element-wise to n elements.
	Activate(out, in Buffer, n int, act Activation, alpha float32) error
	// Add computes act(a + b) element-wise over n elements.
	Add(out, a, b Buffer, n int, act Activation) error
	// CostVolume correlates left and right features [C,H,W] into [maxDisparity,H,W].
	CostVolume(out, left, right Buffer, in tensor.Dims, maxDisparity int) error
	// Softargmax reduces [D,H,W] to [1,H,W] as the softmax-weighted mean of d.
	Softargmax(out, in Buffer, dims tensor.Dims) error
	// RoundHalf rounds n elements to fp16-representable values in place.
	RoundHalf(buf Buffer, n int) error
}

// ApplyActivation evaluates act for one value. Host kernels and tests share it.
func ApplyActivation(x float32, act Activation, alpha float32) float32 {
	switch act {
	case ActReLU:
		if x < 0 {
			return 0
		}
		return x
	case ActSigmoid:
		return sigmoid(x)
	case ActELU:
		if x > 0 {
			return x
		}
		return alpha * (expf(x) - 1)
	default:
		return x
	}
}
