package engine

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/accel/cpu"
	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/graph/graphtest"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

const testHardware = "cpu/test"

var inputDims = tensor.CHW(graph.InputChannels, graph.InputHeight, graph.InputWidth)

func testNetwork(t *testing.T, reg *plugin.Registry, p tensor.Precision) *graph.Network {
	t.Helper()
	store, err := graphtest.Store(graph.ResNet18_2D_513x257(), p, 1)
	require.NoError(t, err)
	net, err := graph.Build(store, reg, inputDims, p)
	require.NoError(t, err)
	return net
}

func testConfig(half bool) BuildConfig {
	cfg := DefaultBuildConfig(testHardware)
	cfg.Half = half
	return cfg
}

func compileTest(t *testing.T, half bool) (*Engine, *plugin.Registry) {
	t.Helper()
	reg := plugin.NewRegistry(logr.Discard())
	cfg := testConfig(half)
	e, err := NewCompiler(logr.Discard()).Compile(testNetwork(t, reg, cfg.Precision()), cfg)
	require.NoError(t, err)
	return e, reg
}

// gradient returns a deterministic non-constant input image.
func gradient(offset float32) []float32 {
	v := make([]float32, inputDims.NumElements())
	for i := range v {
		v[i] = float32((i*7)%255)/255 + offset
	}
	return v
}

// infer runs e once on a fresh host device and returns the disparity map.
func infer(t *testing.T, e *Engine, left, right []float32) []float32 {
	t.Helper()
	dev := cpu.New(cpu.Options{})
	t.Cleanup(func() { _ = dev.Close() })

	ctx, err := e.NewExecutionContext(dev)
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Close()) }()

	bufs := make([]accel.Buffer, e.NumBindings())
	for i := range bufs {
		bufs[i], err = dev.Alloc(e.Binding(i).Dims.NumElements())
		require.NoError(t, err)
	}
	require.NoError(t, dev.Upload(bufs[0], left))
	require.NoError(t, dev.Upload(bufs[1], right))
	require.NoError(t, ctx.Execute(bufs, nil))

	out := make([]float32, e.Binding(2).Dims.NumElements())
	require.NoError(t, dev.Download(out, bufs[2]))
	return out
}
