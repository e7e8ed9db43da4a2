// Package graphtest generates deterministic synthetic weights for a
// topology, for tests and demos without a trained model.
package graphtest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/tensor"
	"github.com/born-ml/stereodepth/internal/weights"
)

// Store returns a store holding every weight t requires. Kernels are drawn
// uniformly with a fan-in scaled bound, batch-norm scales are near one and
// biases and offsets near zero. The same seed always yields the same store.
func Store(t *graph.Topology, p tensor.Precision, seed uint64) (*weights.Store, error) {
	specs, err := t.RequiredWeights()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	store := weights.NewStore(p)
	for _, w := range specs {
		values := make([]float32, w.Count)
		switch {
		case strings.HasSuffix(w.Name, "/kernel"):
			fanIn := w.Count
			if s := stage(t, w.Stage); s != nil && s.OutC > 0 {
				fanIn = w.Count / s.OutC
			}
			bound := float32(1 / math.Sqrt(float64(fanIn)))
			for i := range values {
				values[i] = (rng.Float32()*2 - 1) * bound
			}
		case strings.HasSuffix(w.Name, "/scale"):
			for i := range values {
				values[i] = 0.9 + 0.2*rng.Float32()
			}
		default:
			for i := range values {
				values[i] = (rng.Float32()*2 - 1) * 0.05
			}
		}
		if err := store.Add(weights.NewTensor(w.Name, p, values)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Rename returns a copy of store with tensor from renamed to to.
func Rename(store *weights.Store, from, to string) (*weights.Store, error) {
	if _, ok := store.Get(from); !ok {
		return nil, fmt.Errorf("graphtest: no tensor %q", from)
	}
	out := weights.NewStore(store.Precision())
	var err error
	store.All(func(t *weights.Tensor) bool {
		c := *t
		if c.Name == from {
			c.Name = to
		}
		err = out.Add(&c)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stage(t *graph.Topology, name string) *graph.Stage {
	for i := range t.Stages {
		if t.Stages[i].Name == name {
			return &t.Stages[i]
		}
	}
	return nil
}
