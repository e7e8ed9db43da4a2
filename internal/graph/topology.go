// Package graph describes the stereo disparity network as an explicit stage
// table and assembles it into a Network from a weight store.
package graph

import (
	"fmt"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Kind is the kind of a stage.
type Kind int

// Stage kinds.
const (
	KindConv Kind = iota
	KindDeconv
	KindScale
	KindActivation
	KindAdd
	KindPlugin
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindDeconv:
		return "deconv"
	case KindScale:
		return "scale"
	case KindActivation:
		return "activation"
	case KindAdd:
		return "add"
	case KindPlugin:
		return "plugin"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stage is one row of the topology table. Its output tensor carries the
// stage name unless Output overrides it.
type Stage struct {
	Name   string
	Kind   Kind
	Inputs []string
	Output string

	// Weights is the weight name prefix. Both feature towers use the same
	// prefix, which is how the two eyes share parameters.
	Weights string

	// Convolution hyper-parameters (conv, deconv).
	OutC       int
	KernelSize int
	Stride     int
	Pad        int
	Bias       bool

	// Act is the standard activation of an activation or add stage.
	Act accel.Activation

	// Plugin stages.
	Plugin string
	Config []byte
}

// OutputName returns the name of the tensor the stage produces.
func (s *Stage) OutputName() string {
	if s.Output != "" {
		return s.Output
	}
	return s.Name
}

// Input is a named network input.
type Input struct {
	Name string
	Dims tensor.Dims
}

// Topology is an ordered stage table with named inputs and outputs.
type Topology struct {
	ID      string
	Inputs  []Input
	Outputs []string
	Stages  []Stage
}

// Network dimensions of the fixed topology.
const (
	InputChannels = 3
	InputHeight   = 513
	InputWidth    = 257

	featureChannels = 8
	maxDisparity    = 16
	aggChannels     = 8
)

// Binding names.
const (
	InputLeft  = "left"
	InputRight = "right"
	OutputDisp = "disp"
)

// ResNet18_2D_513x257 returns the disparity network for 513x257 inputs: a
// shared-weight residual feature tower per eye, a cost volume at half
// resolution, 2D aggregation, soft argmax and a learned 2x upsample.
//
//nolint:revive,stylecheck // name follows the published model name
func ResNet18_2D_513x257() *Topology {
	in := tensor.CHW(InputChannels, InputHeight, InputWidth)
	t := &Topology{
		ID:      "resnet18_2d_513x257",
		Inputs:  []Input{{Name: InputLeft, Dims: in}, {Name: InputRight, Dims: in}},
		Outputs: []string{OutputDisp},
	}
	t.Stages = append(t.Stages, tower(InputLeft)...)
	t.Stages = append(t.Stages, tower(InputRight)...)

	elu := (&plugin.ELU{Alpha: 1}).Config()
	t.Stages = append(t.Stages,
		Stage{
			Name: "cost_vol", Kind: KindPlugin,
			Inputs: []string{InputLeft + "/conv_out", InputRight + "/conv_out"},
			Plugin: plugin.TypeCostVolume, Config: (&plugin.CostVolume{MaxDisparity: maxDisparity}).Config(),
		},
		conv("agg1", "agg1", "cost_vol", aggChannels, 3, 1, 1, false),
		scale("agg1/bn", "agg1/bn", "agg1"),
		Stage{Name: "agg1/elu", Kind: KindPlugin, Inputs: []string{"agg1/bn"}, Plugin: plugin.TypeELU, Config: elu},
		conv("agg2", "agg2", "agg1/elu", aggChannels, 3, 1, 1, false),
		scale("agg2/bn", "agg2/bn", "agg2"),
		Stage{Name: "agg2/elu", Kind: KindPlugin, Inputs: []string{"agg2/bn"}, Plugin: plugin.TypeELU, Config: elu},
		conv("agg_out", "agg_out", "agg2/elu", maxDisparity, 3, 1, 1, true),
		Stage{Name: "softargmax", Kind: KindPlugin, Inputs: []string{"agg_out"}, Plugin: plugin.TypeSoftargmax},
		Stage{
			Name: "upsample", Kind: KindDeconv, Inputs: []string{"softargmax"}, Weights: "upsample",
			OutC: 1, KernelSize: 3, Stride: 2, Pad: 1, Bias: true,
		},
		Stage{Name: "disp/sigmoid", Kind: KindActivation, Inputs: []string{"upsample"}, Output: OutputDisp, Act: accel.ActSigmoid},
	)
	return t
}

// tower is the feature extractor for one eye. Layer and tensor names carry
// the side prefix, weight names do not.
func tower(side string) []Stage {
	n := func(s string) string { return side + "/" + s }
	elu := (&plugin.ELU{Alpha: 1}).Config()

	stages := []Stage{
		conv(n("conv1"), "conv1", side, featureChannels, 5, 2, 2, true),
		{Name: n("conv1/elu"), Kind: KindPlugin, Inputs: []string{n("conv1")}, Plugin: plugin.TypeELU, Config: elu},
	}
	prev := n("conv1/elu")
	for _, block := range []string{"res1", "res2"} {
		b1, b2 := block+"_1", block+"_2"
		stages = append(stages,
			conv(n(b1), b1, prev, featureChannels, 3, 1, 1, false),
			scale(n(b1+"/bn"), b1+"/bn", n(b1)),
			Stage{Name: n(b1 + "/relu"), Kind: KindActivation, Inputs: []string{n(b1 + "/bn")}, Act: accel.ActReLU},
			conv(n(b2), b2, n(b1+"/relu"), featureChannels, 3, 1, 1, false),
			scale(n(b2+"/bn"), b2+"/bn", n(b2)),
			Stage{Name: n(block + "/add"), Kind: KindAdd, Inputs: []string{n(b2 + "/bn"), prev}},
			Stage{Name: n(block + "/relu"), Kind: KindActivation, Inputs: []string{n(block + "/add")}, Act: accel.ActReLU},
		)
		prev = n(block + "/relu")
	}
	return append(stages, conv(n("conv_out"), "conv_out", prev, featureChannels, 3, 1, 1, true))
}

func conv(name, weights, input string, outC, kernel, stride, pad int, bias bool) Stage {
	return Stage{
		Name: name, Kind: KindConv, Inputs: []string{input}, Weights: weights,
		OutC: outC, KernelSize: kernel, Stride: stride, Pad: pad, Bias: bias,
	}
}

func scale(name, weights, input string) Stage {
	return Stage{Name: name, Kind: KindScale, Inputs: []string{input}, Weights: weights}
}

// Weight name suffixes.
const (
	suffixKernel = "/kernel"
	suffixBias   = "/bias"
	suffixScale  = "/scale"
	suffixOffset = "/offset"
)

// WeightSpec is one weight tensor a stage reads.
type WeightSpec struct {
	Name  string
	Stage string
	Count int
}

// weightSpecs lists the weights of s given its input shape.
func weightSpecs(s *Stage, in tensor.Dims) []WeightSpec {
	switch s.Kind {
	case KindConv, KindDeconv:
		specs := []WeightSpec{{Name: s.Weights + suffixKernel, Stage: s.Name, Count: s.OutC * in.C * s.KernelSize * s.KernelSize}}
		if s.Bias {
			specs = append(specs, WeightSpec{Name: s.Weights + suffixBias, Stage: s.Name, Count: s.OutC})
		}
		return specs
	case KindScale:
		return []WeightSpec{
			{Name: s.Weights + suffixScale, Stage: s.Name, Count: in.C},
			{Name: s.Weights + suffixOffset, Stage: s.Name, Count: in.C},
		}
	default:
		return nil
	}
}

// stageOutput infers the output shape of s. custom is the plugin instance
// for plugin stages.
func stageOutput(s *Stage, custom plugin.Layer, in []tensor.Dims) (tensor.Dims, error) {
	arity := 1
	switch s.Kind {
	case KindAdd:
		arity = 2
	case KindPlugin:
		arity = custom.NumInputs()
	}
	if len(in) != arity {
		return tensor.Dims{}, fmt.Errorf("stage %s: expected %d inputs, got %d", s.Name, arity, len(in))
	}

	switch s.Kind {
	case KindConv:
		out := tensor.CHW(s.OutC,
			tensor.ConvOutput(in[0].H, s.KernelSize, s.Stride, s.Pad),
			tensor.ConvOutput(in[0].W, s.KernelSize, s.Stride, s.Pad))
		return out, checkDims(s.Name, out)
	case KindDeconv:
		out := tensor.CHW(s.OutC,
			tensor.DeconvOutput(in[0].H, s.KernelSize, s.Stride, s.Pad),
			tensor.DeconvOutput(in[0].W, s.KernelSize, s.Stride, s.Pad))
		return out, checkDims(s.Name, out)
	case KindScale, KindActivation:
		return in[0], nil
	case KindAdd:
		if in[0] != in[1] {
			return tensor.Dims{}, fmt.Errorf("stage %s: operand shapes %v and %v differ", s.Name, in[0], in[1])
		}
		return in[0], nil
	case KindPlugin:
		out, err := custom.OutputDims(in)
		if err != nil {
			return tensor.Dims{}, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		return out, nil
	default:
		return tensor.Dims{}, fmt.Errorf("stage %s: unknown kind %v", s.Name, s.Kind)
	}
}

func checkDims(stage string, d tensor.Dims) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}
	return nil
}
