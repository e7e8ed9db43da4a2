package engine

import (
	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Op is the operation a step performs.
type Op string

// Step operations.
const (
	OpConv     Op = "conv"
	OpDeconv   Op = "deconv"
	OpScale    Op = "scale"
	OpActivate Op = "activate"
	OpAdd      Op = "add"
	OpPlugin   Op = "plugin"
)

// noRef marks an absent weight or plugin reference.
const noRef = -1

// Step is one kernel launch. Fused steps are named after every layer they
// cover, joined with " + ".
type Step struct {
	Name   string `json:"name"`
	Op     Op     `json:"op"`
	Inputs []int  `json:"inputs"`
	Output int    `json:"output"`

	Kernel int              `json:"kernel,omitempty"`
	Stride int              `json:"stride,omitempty"`
	Pad    int              `json:"pad,omitempty"`
	Act    accel.Activation `json:"act,omitempty"`
	Alpha  float32          `json:"alpha,omitempty"`

	// Weights holds weight table indices: kernel and bias for
	// convolutions, scale and shift for scale steps. Bias may be noRef.
	Weights []int `json:"weights,omitempty"`
	Plugin  int   `json:"plugin"`
}

// Tensor is an entry in the engine's tensor table. Bound tensors live in
// caller-supplied buffers, the rest in workspace slots.
type Tensor struct {
	Name    string      `json:"name"`
	Dims    tensor.Dims `json:"dims"`
	Binding int         `json:"binding"`
	Slot    int         `json:"slot"`
}

// Binding describes one externally supplied buffer.
type Binding struct {
	Name   string      `json:"name"`
	Input  bool        `json:"input"`
	Dims   tensor.Dims `json:"dims"`
	Tensor int         `json:"tensor"`
}

// PluginRef identifies a custom layer by type and serialized config.
type PluginRef struct {
	Type   string `json:"type"`
	Config []byte `json:"config,omitempty"`
}

// Weight is a named constant in engine precision.
type Weight struct {
	Name   string
	Values []float32
}

// Engine is a compiled network. It is immutable and may back any number of
// execution contexts.
type Engine struct {
	topology     string
	precision    tensor.Precision
	hardware     string
	maxBatchSize int

	bindings []Binding
	tensors  []Tensor
	steps    []Step
	plugins  []PluginRef
	slots    []int
	weights  []Weight

	layers []plugin.Layer // resolved plugins, parallel to plugins
}

// Topology returns the identifier of the topology the engine was built from.
func (e *Engine) Topology() string { return e.topology }

// Precision returns the compute precision.
func (e *Engine) Precision() tensor.Precision { return e.precision }

// Hardware returns the hardware class the engine was built for.
func (e *Engine) Hardware() string { return e.hardware }

// MaxBatchSize returns the batch size the engine accepts.
func (e *Engine) MaxBatchSize() int { return e.maxBatchSize }

// NumBindings returns the number of external buffers Execute expects.
func (e *Engine) NumBindings() int { return len(e.bindings) }

// Binding returns binding i.
func (e *Engine) Binding(i int) Binding { return e.bindings[i] }

// BindingIndex returns the index of the named binding, or -1.
func (e *Engine) BindingIndex(name string) int {
	for i, b := range e.bindings {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// Steps returns a copy of the execution steps.
func (e *Engine) Steps() []Step {
	return append([]Step(nil), e.steps...)
}

// Plugins returns the custom layers the engine runs, in plan order.
func (e *Engine) Plugins() []plugin.Layer {
	return append([]plugin.Layer(nil), e.layers...)
}

// Weights returns the engine's constants in plan order.
func (e *Engine) Weights() []Weight {
	return append([]Weight(nil), e.weights...)
}

// WorkspaceBytes returns the device memory needed for intermediate tensors.
func (e *Engine) WorkspaceBytes() int64 {
	return workspaceBytes(e.slots)
}

// WeightBytes returns the device memory needed for weights.
func (e *Engine) WeightBytes() int64 {
	var n int64
	for _, w := range e.weights {
		n += int64(len(w.Values)) * 4
	}
	return n
}

func workspaceBytes(slots []int) int64 {
	var n int64
	for _, s := range slots {
		n += int64(s) * 4
	}
	return n
}
