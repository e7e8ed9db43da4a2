// Package loader provides weight archive loading for the stereo depth engine.
//
// This package wraps the internal weights loader and exports a clean public
// API for reading and writing the null-terminated record archives produced
// by the model exporter.
//
// Example usage:
//
//	import (
//	    "github.com/born-ml/stereodepth/loader"
//	    "github.com/born-ml/stereodepth/tensor"
//	)
//
//	store, err := loader.Load("trt_weights_fp16.bin", tensor.Float16)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, name := range store.Names() {
//	    t, _ := store.Get(name)
//	    fmt.Printf("%s: %d values\n", name, len(t.Float32s()))
//	}
package loader

import (
	"io"

	"github.com/born-ml/stereodepth/internal/tensor"
	"github.com/born-ml/stereodepth/internal/weights"
)

// Store is a set of named weight tensors of one precision.
type Store = weights.Store

// Tensor is one named weight tensor.
type Tensor = weights.Tensor

// FormatError describes a malformed or unreadable archive.
type FormatError = weights.FormatError

// Load reads the archive at path. The archive does not record its element
// precision, so the caller states it as p.
func Load(path string, p tensor.Precision) (*Store, error) {
	return weights.Load(path, p)
}

// Decode reads an archive from r.
func Decode(r io.Reader, p tensor.Precision) (*Store, error) {
	return weights.Decode(r, p)
}

// Save writes s to path in the store's precision.
func Save(path string, s *Store) error {
	return weights.Save(path, s)
}

// NewStore returns an empty store of precision p.
func NewStore(p tensor.Precision) *Store {
	return weights.NewStore(p)
}

// NewTensor encodes values into a tensor of precision p.
func NewTensor(name string, p tensor.Precision, values []float32) *Tensor {
	return weights.NewTensor(name, p, values)
}
