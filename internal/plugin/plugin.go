// Package plugin holds the custom compute layers the network needs beyond
// the standard primitives, and the registry that owns their instances across
// engine build, serialization and deserialization.
package plugin

import (
	"fmt"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Layer is a custom compute layer. Implementations are stateless: everything
// that defines their behaviour is in Config, so two instances with equal
// (Type, Config) are interchangeable.
type Layer interface {
	// Type is the stable type identifier recorded in engine files.
	Type() string
	// Config is the serialized configuration (protobuf wire format).
	Config() []byte
	// NumInputs is the number of input tensors the layer consumes.
	NumInputs() int
	// OutputDims infers the output shape from the input shapes.
	OutputDims(in []tensor.Dims) (tensor.Dims, error)
	// Enqueue runs the layer on the device that owns the buffers.
	Enqueue(k accel.Kernels, in []accel.Buffer, out accel.Buffer, inDims []tensor.Dims) error
}

// Factory constructs a Layer from its serialized configuration.
type Factory func(config []byte) (Layer, error)

// UnsupportedLayerError is returned for a layer type the registry cannot build.
type UnsupportedLayerError struct {
	Type string
}

// Error implements the error interface.
func (e *UnsupportedLayerError) Error() string {
	return fmt.Sprintf("plugin: unsupported layer type %q", e.Type)
}

func checkInputs(typ string, in []tensor.Dims, n int) error {
	if len(in) != n {
		return fmt.Errorf("plugin %s: expected %d inputs, got %d", typ, n, len(in))
	}
	for _, d := range in {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("plugin %s: %w", typ, err)
		}
	}
	return nil
}
