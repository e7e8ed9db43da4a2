package graph

import (
	"fmt"

	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
	"github.com/born-ml/stereodepth/internal/weights"
)

// Layer is a stage bound to its weights or plugin instance. Weight slices
// are decoded fp32 copies; the network never aliases store memory.
type Layer struct {
	Stage

	Kernel []float32
	Bias   []float32
	Scale  []float32
	Shift  []float32

	Custom plugin.Layer
}

// Network is an assembled, uncompiled network.
type Network struct {
	Topology  string
	Precision tensor.Precision

	inputs  []Input
	outputs []string
	layers  []*Layer
}

// Inputs returns the network inputs in binding order.
func (n *Network) Inputs() []Input { return n.inputs }

// Outputs returns the network output names.
func (n *Network) Outputs() []string { return n.outputs }

// Layers returns the layers in declaration order.
func (n *Network) Layers() []*Layer { return n.layers }

func (n *Network) stages() []*Stage {
	stages := make([]*Stage, len(n.layers))
	for i, l := range n.layers {
		stages[i] = &l.Stage
	}
	return stages
}

// TopologicalOrder returns the layers in an order where every layer follows
// the producers of its inputs.
func (n *Network) TopologicalOrder() ([]*Layer, error) {
	evaluation, err := order(n.stages(), inputNames(n.inputs), n.outputs)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Topology, err)
	}
	ordered := make([]*Layer, len(evaluation))
	for i, idx := range evaluation {
		ordered[i] = n.layers[idx]
	}
	return ordered, nil
}

// Infer returns the shape of every tensor in the network.
func (n *Network) Infer() (map[string]tensor.Dims, error) {
	stages := n.stages()
	evaluation, err := order(stages, inputNames(n.inputs), n.outputs)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Topology, err)
	}
	customs := make([]plugin.Layer, len(n.layers))
	for i, l := range n.layers {
		customs[i] = l.Custom
	}
	dims, err := infer(stages, customs, n.inputs, evaluation)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Topology, err)
	}
	return dims, nil
}

// Build assembles the fixed 513x257 topology.
func Build(store *weights.Store, reg *plugin.Registry, dims tensor.Dims, p tensor.Precision) (*Network, error) {
	return ResNet18_2D_513x257().Build(store, reg, dims, p)
}

// Build assembles the topology from store. dims must match every network
// input. The first missing weight aborts with a MissingWeightError.
func (t *Topology) Build(store *weights.Store, reg *plugin.Registry, dims tensor.Dims, p tensor.Precision) (*Network, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("graph: invalid precision %v", p)
	}
	for _, in := range t.Inputs {
		if in.Dims != dims {
			return nil, fmt.Errorf("graph: topology %s takes input %s of %v, got %v", t.ID, in.Name, in.Dims, dims)
		}
	}
	shapes, err := t.InferWith(reg)
	if err != nil {
		return nil, err
	}

	n := &Network{
		Topology:  t.ID,
		Precision: p,
		inputs:    append([]Input(nil), t.Inputs...),
		outputs:   append([]string(nil), t.Outputs...),
		layers:    make([]*Layer, 0, len(t.Stages)),
	}
	for i := range t.Stages {
		s := t.Stages[i]
		s.Inputs = append([]string(nil), s.Inputs...)
		l := &Layer{Stage: s}

		if s.Kind == KindPlugin {
			if l.Custom, err = reg.GetOrCreate(s.Plugin, s.Config); err != nil {
				return nil, fmt.Errorf("graph: stage %s: %w", s.Name, err)
			}
		}
		for _, w := range weightSpecs(&s, shapes[s.Inputs[0]]) {
			values, err := lookup(store, w)
			if err != nil {
				return nil, err
			}
			switch w.Name {
			case s.Weights + suffixKernel:
				l.Kernel = values
			case s.Weights + suffixBias:
				l.Bias = values
			case s.Weights + suffixScale:
				l.Scale = values
			case s.Weights + suffixOffset:
				l.Shift = values
			}
		}
		n.layers = append(n.layers, l)
	}
	return n, nil
}

func lookup(store *weights.Store, w WeightSpec) ([]float32, error) {
	t, ok := store.Get(w.Name)
	if !ok {
		return nil, &MissingWeightError{Name: w.Name, Stage: w.Stage}
	}
	if t.Count != w.Count {
		return nil, &WeightCountError{Name: w.Name, Stage: w.Stage, Want: w.Count, Got: t.Count}
	}
	return t.Float32s(), nil
}
