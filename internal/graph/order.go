package graph

import (
	"fmt"

	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// order returns stage indices in evaluation order. Each pass appends every
// stage whose inputs are available, in declaration order, so the result is
// deterministic for a given table.
func order(stages []*Stage, inputs []string, outputs []string) ([]int, error) {
	produced := make(map[string]string, len(stages)+len(inputs))
	for _, in := range inputs {
		produced[in] = "<input>"
	}
	for _, s := range stages {
		name := s.OutputName()
		if prev, ok := produced[name]; ok {
			return nil, fmt.Errorf("tensor %q produced by both %s and %s", name, prev, s.Name)
		}
		produced[name] = s.Name
	}
	for _, s := range stages {
		for _, in := range s.Inputs {
			if _, ok := produced[in]; !ok {
				return nil, fmt.Errorf("stage %s reads tensor %q which nothing produces", s.Name, in)
			}
		}
	}

	available := make(map[string]bool, len(produced))
	for _, in := range inputs {
		available[in] = true
	}
	done := make([]bool, len(stages))
	evaluation := make([]int, 0, len(stages))

	for {
		progress := false
		for i, s := range stages {
			if done[i] {
				continue
			}
			ready := true
			for _, in := range s.Inputs {
				if !available[in] {
					ready = false
					break
				}
			}
			if ready {
				done[i] = true
				available[s.OutputName()] = true
				evaluation = append(evaluation, i)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(evaluation) != len(stages) {
		for i, s := range stages {
			if !done[i] {
				return nil, fmt.Errorf("stage %s is part of a cycle", s.Name)
			}
		}
	}
	for _, out := range outputs {
		if !available[out] {
			return nil, fmt.Errorf("output %q is never produced", out)
		}
	}
	return evaluation, nil
}

// infer runs shape inference over stages in evaluation order.
func infer(stages []*Stage, customs []plugin.Layer, inputs []Input, evaluation []int) (map[string]tensor.Dims, error) {
	dims := make(map[string]tensor.Dims, len(stages)+len(inputs))
	for _, in := range inputs {
		if err := in.Dims.Validate(); err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		dims[in.Name] = in.Dims
	}
	for _, i := range evaluation {
		s := stages[i]
		in := make([]tensor.Dims, len(s.Inputs))
		for j, name := range s.Inputs {
			in[j] = dims[name]
		}
		out, err := stageOutput(s, customs[i], in)
		if err != nil {
			return nil, err
		}
		dims[s.OutputName()] = out
	}
	return dims, nil
}

func stageRefs(t *Topology) []*Stage {
	refs := make([]*Stage, len(t.Stages))
	for i := range t.Stages {
		refs[i] = &t.Stages[i]
	}
	return refs
}

func inputNames(in []Input) []string {
	names := make([]string, len(in))
	for i := range in {
		names[i] = in[i].Name
	}
	return names
}

// Infer returns the shape of every tensor in the topology. Custom stages
// must use built-in layer types; see InferWith.
func (t *Topology) Infer() (map[string]tensor.Dims, error) {
	return t.infer(plugin.New)
}

// InferWith is Infer with custom layers resolved through reg, so layer types
// added with Registry.Register take part in shape inference.
func (t *Topology) InferWith(reg *plugin.Registry) (map[string]tensor.Dims, error) {
	return t.infer(reg.GetOrCreate)
}

func (t *Topology) infer(newLayer func(typ string, config []byte) (plugin.Layer, error)) (map[string]tensor.Dims, error) {
	stages := stageRefs(t)
	evaluation, err := order(stages, inputNames(t.Inputs), t.Outputs)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", t.ID, err)
	}
	customs := make([]plugin.Layer, len(stages))
	for i, s := range stages {
		if s.Kind != KindPlugin {
			continue
		}
		if customs[i], err = newLayer(s.Plugin, s.Config); err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}
	dims, err := infer(stages, customs, t.Inputs, evaluation)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", t.ID, err)
	}
	return dims, nil
}
