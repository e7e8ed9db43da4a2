package graph

import (
	"errors"
	"fmt"

	"github.com/born-ml/stereodepth/internal/weights"
)

// MissingWeightError reports a weight tensor the topology needs but the
// store does not contain.
type MissingWeightError struct {
	Name  string
	Stage string
}

// Error implements the error interface.
func (e *MissingWeightError) Error() string {
	return fmt.Sprintf("graph: weight %q required by stage %s not found", e.Name, e.Stage)
}

// WeightCountError reports a weight tensor with the wrong number of elements.
type WeightCountError struct {
	Name  string
	Stage string
	Want  int
	Got   int
}

// Error implements the error interface.
func (e *WeightCountError) Error() string {
	return fmt.Sprintf("graph: weight %q for stage %s has %d elements, want %d", e.Name, e.Stage, e.Got, e.Want)
}

// RequiredWeights lists every weight tensor the topology reads, once per
// name, in stage order.
func (t *Topology) RequiredWeights() ([]WeightSpec, error) {
	dims, err := t.Infer()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var specs []WeightSpec
	for i := range t.Stages {
		s := &t.Stages[i]
		if len(s.Inputs) == 0 {
			continue
		}
		for _, w := range weightSpecs(s, dims[s.Inputs[0]]) {
			if seen[w.Name] {
				continue
			}
			seen[w.Name] = true
			specs = append(specs, w)
		}
	}
	return specs, nil
}

// Validate checks a store against the topology and reports every missing or
// mis-sized tensor, joined.
func (t *Topology) Validate(store *weights.Store) error {
	specs, err := t.RequiredWeights()
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range specs {
		tensor, ok := store.Get(w.Name)
		if !ok {
			errs = append(errs, &MissingWeightError{Name: w.Name, Stage: w.Stage})
			continue
		}
		if tensor.Count != w.Count {
			errs = append(errs, &WeightCountError{Name: w.Name, Stage: w.Stage, Want: w.Count, Got: tensor.Count})
		}
	}
	return errors.Join(errs...)
}
