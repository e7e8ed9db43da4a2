package weights

import (
	"fmt"

	"github.com/born-ml/stereodepth/internal/tensor"
)

// Tensor is a named flat buffer of raw values.
type Tensor struct {
	Name      string
	Precision tensor.Precision
	Count     int
	Data      []byte // Count * Precision.Size() bytes, little-endian
}

// NewTensor encodes values into a Tensor of the given precision.
func NewTensor(name string, p tensor.Precision, values []float32) *Tensor {
	return &Tensor{
		Name:      name,
		Precision: p,
		Count:     len(values),
		Data:      tensor.EncodeFloats(values, p),
	}
}

// Float32s decodes the payload to float32 values.
func (t *Tensor) Float32s() []float32 {
	return tensor.DecodeFloats(t.Data, t.Precision)
}

// ByteSize returns the payload size in bytes.
func (t *Tensor) ByteSize() int {
	return len(t.Data)
}

// Store maps tensor names to tensors. It remembers file order for iteration
// and is read-only once loaded.
type Store struct {
	precision tensor.Precision
	order     []string
	tensors   map[string]*Tensor
}

// NewStore creates an empty store for tensors of precision p.
func NewStore(p tensor.Precision) *Store {
	return &Store{
		precision: p,
		tensors:   make(map[string]*Tensor),
	}
}

// Precision returns the precision every tensor in the store shares.
func (s *Store) Precision() tensor.Precision {
	return s.precision
}

// Add inserts t. Names must be unique and precision must match the store.
func (s *Store) Add(t *Tensor) error {
	if t.Name == "" {
		return ErrEmptyName
	}
	if t.Precision != s.precision {
		return fmt.Errorf("tensor %q is %s, store is %s", t.Name, t.Precision, s.precision)
	}
	if _, exists := s.tensors[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, t.Name)
	}
	s.tensors[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

// Get returns the tensor with the given name.
func (s *Store) Get(name string) (*Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Len returns the number of tensors.
func (s *Store) Len() int {
	return len(s.order)
}

// Names returns tensor names in file order.
func (s *Store) Names() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// All calls fn for every tensor in file order until fn returns false.
func (s *Store) All(fn func(t *Tensor) bool) {
	for _, name := range s.order {
		if !fn(s.tensors[name]) {
			return
		}
	}
}

// ByteSize returns the total payload size of all tensors.
func (s *Store) ByteSize() int {
	total := 0
	for _, t := range s.tensors {
		total += len(t.Data)
	}
	return total
}
