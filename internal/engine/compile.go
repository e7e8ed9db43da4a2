package engine

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// DefaultWorkspaceBytes is the activation memory ceiling used when none is set.
const DefaultWorkspaceBytes = 1 << 30

// BuildConfig controls compilation.
type BuildConfig struct {
	MaxBatchSize   int
	WorkspaceBytes int64
	Half           bool
	Hardware       string
}

// DefaultBuildConfig returns batch size 1, a 1 GiB workspace and fp16 compute.
func DefaultBuildConfig(hardware string) BuildConfig {
	return BuildConfig{
		MaxBatchSize:   1,
		WorkspaceBytes: DefaultWorkspaceBytes,
		Half:           true,
		Hardware:       hardware,
	}
}

// Precision returns the compute precision the config selects.
func (c BuildConfig) Precision() tensor.Precision {
	if c.Half {
		return tensor.Float16
	}
	return tensor.Float32
}

// Compiler turns networks into engines.
type Compiler struct {
	Log logr.Logger
}

// NewCompiler returns a compiler logging to log.
func NewCompiler(log logr.Logger) *Compiler {
	return &Compiler{Log: log.WithName("compiler")}
}

// Compile builds an engine for net. The result does not reference net, which
// may be released afterwards.
func (c *Compiler) Compile(net *graph.Network, cfg BuildConfig) (*Engine, error) {
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxBatchSize != 1 {
		return nil, fmt.Errorf("%w: %d (only 1 is supported)", ErrBatchSize, cfg.MaxBatchSize)
	}
	if cfg.WorkspaceBytes <= 0 {
		cfg.WorkspaceBytes = DefaultWorkspaceBytes
	}

	ordered, err := net.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	dims, err := net.Infer()
	if err != nil {
		return nil, err
	}

	b := newBuilder(net, dims, cfg.Precision())
	for _, l := range ordered {
		if b.fused[l] {
			continue
		}
		if err := b.emit(l); err != nil {
			return nil, err
		}
	}

	slots, err := planSlots(b.tensors, b.steps)
	if err != nil {
		return nil, err
	}
	if ws := workspaceBytes(slots); ws > cfg.WorkspaceBytes {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrWorkspaceExceeded, ws, cfg.WorkspaceBytes)
	}

	e := &Engine{
		topology:     net.Topology,
		precision:    cfg.Precision(),
		hardware:     cfg.Hardware,
		maxBatchSize: cfg.MaxBatchSize,
		bindings:     b.bindings,
		tensors:      b.tensors,
		steps:        b.steps,
		plugins:      b.pluginRefs,
		slots:        slots,
		weights:      b.weights,
		layers:       b.pluginLayers,
	}
	c.Log.Info("compiled engine",
		"topology", e.topology,
		"layers", len(ordered),
		"steps", len(e.steps),
		"precision", e.precision,
		"workspaceBytes", e.WorkspaceBytes(),
		"weightBytes", e.WeightBytes(),
	)
	return e, nil
}

// builder accumulates the engine tables while walking the network.
type builder struct {
	dims      map[string]tensor.Dims
	precision tensor.Precision

	consumers map[string][]*graph.Layer
	outputs   map[string]bool
	fused     map[*graph.Layer]bool

	bindings []Binding
	tensors  []Tensor
	tensorID map[string]int
	steps    []Step

	weights  []Weight
	weightID map[string]int

	pluginRefs   []PluginRef
	pluginLayers []plugin.Layer
	pluginID     map[plugin.Layer]int
}

func newBuilder(net *graph.Network, dims map[string]tensor.Dims, p tensor.Precision) *builder {
	b := &builder{
		dims:      dims,
		precision: p,
		consumers: make(map[string][]*graph.Layer),
		outputs:   make(map[string]bool),
		fused:     make(map[*graph.Layer]bool),
		tensorID:  make(map[string]int),
		weightID:  make(map[string]int),
		pluginID:  make(map[plugin.Layer]int),
	}
	for _, l := range net.Layers() {
		for _, in := range l.Inputs {
			b.consumers[in] = append(b.consumers[in], l)
		}
	}
	// Inputs bind first, then outputs, so binding indices follow the
	// network's declaration order.
	for _, in := range net.Inputs() {
		b.bind(in.Name, true)
	}
	for _, out := range net.Outputs() {
		b.outputs[out] = true
		b.bind(out, false)
	}
	return b
}

func (b *builder) bind(name string, input bool) {
	id := b.tensor(name)
	b.tensors[id].Binding = len(b.bindings)
	b.bindings = append(b.bindings, Binding{Name: name, Input: input, Dims: b.dims[name], Tensor: id})
}

func (b *builder) tensor(name string) int {
	if id, ok := b.tensorID[name]; ok {
		return id
	}
	id := len(b.tensors)
	b.tensors = append(b.tensors, Tensor{Name: name, Dims: b.dims[name], Binding: noRef, Slot: noRef})
	b.tensorID[name] = id
	return id
}

// next returns the only consumer of l's output when l's output is an
// internal tensor read exactly once and that consumer has kind k.
func (b *builder) next(l *graph.Layer, k graph.Kind) *graph.Layer {
	out := l.OutputName()
	if b.outputs[out] || len(b.consumers[out]) != 1 {
		return nil
	}
	c := b.consumers[out][0]
	if c.Kind != k {
		return nil
	}
	return c
}

func (b *builder) emit(l *graph.Layer) error {
	names := []string{l.Name}
	last := l
	step := Step{Plugin: noRef}

	switch l.Kind {
	case graph.KindConv, graph.KindDeconv:
		step.Op = OpConv
		if l.Kind == graph.KindDeconv {
			step.Op = OpDeconv
		}
		step.Kernel, step.Stride, step.Pad = l.KernelSize, l.Stride, l.Pad

		kernel := append([]float32(nil), l.Kernel...)
		var bias []float32
		if l.Bias != nil {
			bias = append([]float32(nil), l.Bias...)
		}
		kernelKey, biasKey := l.Weights+"/kernel", l.Weights+"/bias"

		if bn := b.next(last, graph.KindScale); bn != nil {
			bias = foldScale(kernel, bias, bn.Scale, bn.Shift, l.Kind == graph.KindDeconv, b.dims[l.Inputs[0]].C)
			kernelKey += "@" + bn.Weights
			biasKey += "@" + bn.Weights
			names = append(names, bn.Name)
			b.fused[bn] = true
			last = bn
		}
		if act := b.next(last, graph.KindActivation); act != nil {
			step.Act = act.Act
			names = append(names, act.Name)
			b.fused[act] = true
			last = act
		}

		biasRef := noRef
		if bias != nil {
			biasRef = b.weight(biasKey, bias)
		}
		step.Weights = []int{b.weight(kernelKey, kernel), biasRef}

	case graph.KindScale:
		step.Op = OpScale
		step.Weights = []int{
			b.weight(l.Weights+"/scale", l.Scale),
			b.weight(l.Weights+"/offset", l.Shift),
		}

	case graph.KindActivation:
		step.Op = OpActivate
		step.Act = l.Act

	case graph.KindAdd:
		step.Op = OpAdd
		if act := b.next(last, graph.KindActivation); act != nil {
			step.Act = act.Act
			names = append(names, act.Name)
			b.fused[act] = true
			last = act
		}

	case graph.KindPlugin:
		step.Op = OpPlugin
		step.Plugin = b.plugin(l.Custom)

	default:
		return fmt.Errorf("engine: layer %s: unsupported kind %v", l.Name, l.Kind)
	}

	step.Name = strings.Join(names, " + ")
	for _, in := range l.Inputs {
		step.Inputs = append(step.Inputs, b.tensor(in))
	}
	step.Output = b.tensor(last.OutputName())
	b.steps = append(b.steps, step)
	return nil
}

// weight interns values under key. Towers share weights, so the second
// tower's layers resolve to the first tower's entries.
func (b *builder) weight(key string, values []float32) int {
	if id, ok := b.weightID[key]; ok {
		return id
	}
	v := append([]float32(nil), values...)
	if b.precision == tensor.Float16 {
		tensor.RoundHalf(v)
	}
	id := len(b.weights)
	b.weights = append(b.weights, Weight{Name: key, Values: v})
	b.weightID[key] = id
	return id
}

func (b *builder) plugin(l plugin.Layer) int {
	if id, ok := b.pluginID[l]; ok {
		return id
	}
	id := len(b.pluginRefs)
	b.pluginRefs = append(b.pluginRefs, PluginRef{Type: l.Type(), Config: l.Config()})
	b.pluginLayers = append(b.pluginLayers, l)
	b.pluginID[l] = id
	return id
}

// foldScale folds a per-output-channel scale and shift into kernel (in place)
// and returns the adjusted bias:
//
//	kernel'[o] = kernel[o] * scale[o]
//	bias'[o]   = bias[o] * scale[o] + shift[o]
//
// Convolution kernels are [Cout, Cin, KH, KW], transposed ones [Cin, Cout, KH, KW].
func foldScale(kernel, bias, scale, shift []float32, transposed bool, inC int) []float32 {
	outC := len(scale)
	per := len(kernel) / (outC * inC)
	for i := range inC {
		for o := range outC {
			var off int
			if transposed {
				off = (i*outC + o) * per
			} else {
				off = (o*inC + i) * per
			}
			for k := range per {
				kernel[off+k] *= scale[o]
			}
		}
	}
	folded := make([]float32, outC)
	for o := range outC {
		var b float32
		if bias != nil {
			b = bias[o]
		}
		folded[o] = b*scale[o] + shift[o]
	}
	return folded
}

// planSlots assigns every unbound tensor to a workspace slot. A slot is
// reused once the tensor in it has been read for the last time; a step's
// output never shares a slot with its inputs.
func planSlots(tensors []Tensor, steps []Step) ([]int, error) {
	lastUse := make([]int, len(tensors))
	for i := range lastUse {
		lastUse[i] = noRef
	}
	for i, s := range steps {
		for _, in := range s.Inputs {
			lastUse[in] = i
		}
	}

	var slots []int
	var free []int
	for i, s := range steps {
		out := &tensors[s.Output]
		if out.Binding == noRef {
			if out.Slot != noRef {
				return nil, fmt.Errorf("engine: tensor %s written twice", out.Name)
			}
			out.Slot, free = takeSlot(&slots, free, out.Dims.NumElements())
			if lastUse[s.Output] == noRef {
				free = append(free, out.Slot)
			}
		}
		for _, in := range s.Inputs {
			t := tensors[in]
			if t.Binding == noRef && lastUse[in] == i && !containsSlot(free, t.Slot) {
				free = append(free, t.Slot)
			}
		}
	}
	return slots, nil
}

// takeSlot picks the smallest free slot that fits n elements, grows the
// largest free slot when none fits, or opens a new slot.
func takeSlot(slots *[]int, free []int, n int) (int, []int) {
	best, largest := -1, -1
	for i, s := range free {
		size := (*slots)[s]
		if size >= n && (best < 0 || size < (*slots)[free[best]]) {
			best = i
		}
		if largest < 0 || size > (*slots)[free[largest]] {
			largest = i
		}
	}
	pick := best
	if pick < 0 {
		pick = largest
	}
	if pick < 0 {
		*slots = append(*slots, n)
		return len(*slots) - 1, free
	}
	slot := free[pick]
	if (*slots)[slot] < n {
		(*slots)[slot] = n
	}
	return slot, append(free[:pick], free[pick+1:]...)
}

func containsSlot(free []int, slot int) bool {
	for _, s := range free {
		if s == slot {
			return true
		}
	}
	return false
}

// convParams assembles kernel parameters for a convolution step.
func convParams(s *Step, in, out tensor.Dims) accel.ConvParams {
	return accel.ConvParams{
		In: in, Out: out,
		KernelH: s.Kernel, KernelW: s.Kernel,
		Stride: s.Stride, Pad: s.Pad,
		Act: s.Act, Alpha: s.Alpha,
	}
}
