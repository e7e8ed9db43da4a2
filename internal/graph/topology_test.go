package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

func TestResNet18_RequiredWeights(t *testing.T) {
	specs, err := ResNet18_2D_513x257().RequiredWeights()
	require.NoError(t, err)

	type row struct {
		name  string
		stage string
		count int
	}
	want := []row{
		{"conv1/kernel", "left/conv1", 8 * 3 * 5 * 5},
		{"conv1/bias", "left/conv1", 8},
	}
	for _, b := range []string{"res1_1", "res1_2", "res2_1", "res2_2"} {
		want = append(want,
			row{b + "/kernel", "left/" + b, 8 * 8 * 3 * 3},
			row{b + "/bn/scale", "left/" + b + "/bn", 8},
			row{b + "/bn/offset", "left/" + b + "/bn", 8},
		)
	}
	want = append(want,
		row{"conv_out/kernel", "left/conv_out", 8 * 8 * 3 * 3},
		row{"conv_out/bias", "left/conv_out", 8},
		row{"agg1/kernel", "agg1", 8 * 16 * 3 * 3},
		row{"agg1/bn/scale", "agg1/bn", 8},
		row{"agg1/bn/offset", "agg1/bn", 8},
		row{"agg2/kernel", "agg2", 8 * 8 * 3 * 3},
		row{"agg2/bn/scale", "agg2/bn", 8},
		row{"agg2/bn/offset", "agg2/bn", 8},
		row{"agg_out/kernel", "agg_out", 16 * 8 * 3 * 3},
		row{"agg_out/bias", "agg_out", 16},
		row{"upsample/kernel", "upsample", 1 * 1 * 3 * 3},
		row{"upsample/bias", "upsample", 1},
	)

	got := make([]row, len(specs))
	for i, s := range specs {
		got[i] = row{s.Name, s.Stage, s.Count}
	}
	assert.Equal(t, want, got)
	assert.Len(t, got, 26)
}

func TestResNet18_Shapes(t *testing.T) {
	dims, err := ResNet18_2D_513x257().Infer()
	require.NoError(t, err)

	tests := []struct {
		tensor string
		want   tensor.Dims
	}{
		{InputLeft, tensor.CHW(3, 513, 257)},
		{"left/conv1", tensor.CHW(8, 257, 129)},
		{"right/res2/relu", tensor.CHW(8, 257, 129)},
		{"cost_vol", tensor.CHW(16, 257, 129)},
		{"agg_out", tensor.CHW(16, 257, 129)},
		{"softargmax", tensor.CHW(1, 257, 129)},
		{"upsample", tensor.CHW(1, 513, 257)},
		{OutputDisp, tensor.CHW(1, 513, 257)},
	}
	for _, tt := range tests {
		t.Run(tt.tensor, func(t *testing.T) {
			assert.Equal(t, tt.want, dims[tt.tensor])
		})
	}
}

func TestResNet18_Stages(t *testing.T) {
	topo := ResNet18_2D_513x257()
	assert.Len(t, topo.Stages, 45)
	assert.Equal(t, []string{InputLeft, InputRight}, inputNames(topo.Inputs))
	assert.Equal(t, []string{OutputDisp}, topo.Outputs)

	kinds := map[Kind]int{}
	for _, s := range topo.Stages {
		kinds[s.Kind]++
	}
	assert.Equal(t, 15, kinds[KindConv])
	assert.Equal(t, 1, kinds[KindDeconv])
	assert.Equal(t, 10, kinds[KindScale])
	assert.Equal(t, 4, kinds[KindAdd])
	assert.Equal(t, 6, kinds[KindPlugin])
}

func TestOrder(t *testing.T) {
	stages := []*Stage{
		{Name: "c", Kind: KindActivation, Inputs: []string{"b"}, Act: accel.ActReLU},
		{Name: "b", Kind: KindAdd, Inputs: []string{"a", "x"}},
		{Name: "a", Kind: KindActivation, Inputs: []string{"x"}, Act: accel.ActSigmoid},
	}
	evaluation, err := order(stages, []string{"x"}, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, evaluation)
}

func TestOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stages []*Stage
		want   string
	}{
		{
			name: "cycle",
			stages: []*Stage{
				{Name: "a", Inputs: []string{"b"}},
				{Name: "b", Inputs: []string{"a"}},
			},
			want: "cycle",
		},
		{
			name:   "dangling input",
			stages: []*Stage{{Name: "a", Inputs: []string{"ghost"}}},
			want:   "nothing produces",
		},
		{
			name: "two producers",
			stages: []*Stage{
				{Name: "a", Inputs: []string{"x"}},
				{Name: "b", Inputs: []string{"x"}, Output: "a"},
			},
			want: "produced by both",
		},
		{
			name:   "output not produced",
			stages: []*Stage{{Name: "a", Inputs: []string{"x"}}},
			want:   "never produced",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := order(tt.stages, []string{"x"}, []string{"out"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInfer_UnsupportedPlugin(t *testing.T) {
	topo := &Topology{
		ID:      "custom",
		Inputs:  []Input{{Name: "x", Dims: tensor.CHW(1, 4, 4)}},
		Outputs: []string{"y"},
		Stages:  []Stage{{Name: "y", Kind: KindPlugin, Inputs: []string{"x"}, Plugin: "warp"}},
	}
	_, err := topo.Infer()
	var ue *plugin.UnsupportedLayerError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "warp", ue.Type)
}

func TestInfer_ShapeMismatch(t *testing.T) {
	topo := &Topology{
		ID: "mismatch",
		Inputs: []Input{
			{Name: "x", Dims: tensor.CHW(1, 4, 4)},
			{Name: "y", Dims: tensor.CHW(2, 4, 4)},
		},
		Outputs: []string{"z"},
		Stages:  []Stage{{Name: "z", Kind: KindAdd, Inputs: []string{"x", "y"}}},
	}
	_, err := topo.Infer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differ")
}
