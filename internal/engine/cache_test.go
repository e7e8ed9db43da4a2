package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/graph/graphtest"
	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
	"github.com/born-ml/stereodepth/internal/weights"
)

func writeWeights(t *testing.T, p tensor.Precision) string {
	t.Helper()
	store, err := graphtest.Store(graph.ResNet18_2D_513x257(), p, 3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "resnet18_2d.bin")
	require.NoError(t, weights.Save(path, store))
	return path
}

func newCache() *Cache {
	return &Cache{
		Registry: plugin.NewRegistry(logr.Discard()),
		Compiler: NewCompiler(logr.Discard()),
		Log:      logr.Discard(),
	}
}

func TestCache_BuildThenLoad(t *testing.T) {
	path := writeWeights(t, tensor.Float16)
	c := newCache()
	cfg := testConfig(true)

	first, err := c.Load(context.Background(), path, cfg)
	require.NoError(t, err)
	assert.Equal(t, Built, first.Origin)
	assert.Equal(t, path+PlanSuffix, first.PlanPath)
	assert.FileExists(t, first.PlanPath)

	second, err := c.Load(context.Background(), path, cfg)
	require.NoError(t, err)
	assert.Equal(t, Loaded, second.Origin)

	a, err := Serialize(first.Engine)
	require.NoError(t, err)
	b, err := Serialize(second.Engine)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestCache_IndependentBuildsAgree(t *testing.T) {
	src := writeWeights(t, tensor.Float16)
	raw, err := os.ReadFile(src)
	require.NoError(t, err)
	cfg := testConfig(true)
	left, right := gradient(0), gradient(0.25)

	var outputs [][]float32
	var plans [][]byte
	for range 2 {
		path := filepath.Join(t.TempDir(), "resnet18_2d.bin")
		require.NoError(t, os.WriteFile(path, raw, 0o600))

		res, err := newCache().Load(context.Background(), path, cfg)
		require.NoError(t, err)
		require.Equal(t, Built, res.Origin)
		outputs = append(outputs, infer(t, res.Engine, left, right))

		plan, err := os.ReadFile(res.PlanPath)
		require.NoError(t, err)
		plans = append(plans, plan)

		reloaded, err := newCache().Load(context.Background(), path, cfg)
		require.NoError(t, err)
		require.Equal(t, Loaded, reloaded.Origin)
		assert.Equal(t, outputs[len(outputs)-1], infer(t, reloaded.Engine, left, right))
	}
	assert.Equal(t, plans[0], plans[1])
	assert.Equal(t, outputs[0], outputs[1])
}

func TestCache_CorruptPlanRebuilds(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	require.NoError(t, os.WriteFile(path+PlanSuffix, []byte("SDNE not really a plan"), 0o600))

	res, err := newCache().Load(context.Background(), path, testConfig(false))
	require.NoError(t, err)
	assert.Equal(t, Built, res.Origin)

	data, err := os.ReadFile(res.PlanPath)
	require.NoError(t, err)
	_, err = Deserialize(data, plugin.NewRegistry(logr.Discard()), expectFor(res.Engine))
	assert.NoError(t, err, "the bad plan was replaced")
}

func TestCache_StrictRejectsCorruptPlan(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	require.NoError(t, os.WriteFile(path+PlanSuffix, []byte{1, 2, 3}, 0o600))

	c := newCache()
	c.Strict = true
	_, err := c.Load(context.Background(), path, testConfig(false))

	var de *DeserializationError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, Corrupt, de.Reason)
}

func TestCache_StrictReportsPrecisionMismatch(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	c := newCache()

	_, err := c.Load(context.Background(), path, testConfig(false))
	require.NoError(t, err)

	c.Strict = true
	_, err = c.Load(context.Background(), path, testConfig(true))
	var de *DeserializationError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, Mismatch, de.Reason)
	assert.Equal(t, "precision", de.Field)
}

func TestCache_HardwareMismatchRebuilds(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	c := newCache()

	_, err := c.Load(context.Background(), path, testConfig(false))
	require.NoError(t, err)

	cfg := testConfig(false)
	cfg.Hardware = "cpu/other"
	res, err := c.Load(context.Background(), path, cfg)
	require.NoError(t, err)
	assert.Equal(t, Built, res.Origin)
	assert.Equal(t, "cpu/other", res.Engine.Hardware())
}

func TestCache_Dir(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	c := newCache()
	c.Dir = t.TempDir()

	res, err := c.Load(context.Background(), path, testConfig(false))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir, "resnet18_2d.bin.plan"), res.PlanPath)
	assert.FileExists(t, res.PlanPath)
	assert.NoFileExists(t, path+PlanSuffix)
}

func TestCache_MissingWeights(t *testing.T) {
	_, err := newCache().Load(context.Background(), filepath.Join(t.TempDir(), "absent.bin"), testConfig(false))
	var fe *weights.FormatError
	assert.True(t, errors.As(err, &fe), "got %v", err)
}

func TestCache_RenamedWeight(t *testing.T) {
	store, err := graphtest.Store(graph.ResNet18_2D_513x257(), tensor.Float32, 3)
	require.NoError(t, err)
	store, err = graphtest.Rename(store, "conv_out/bias", "conv_out/b")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "renamed.bin")
	require.NoError(t, weights.Save(path, store))

	_, err = newCache().Load(context.Background(), path, testConfig(false))
	var mwe *graph.MissingWeightError
	require.True(t, errors.As(err, &mwe), "got %v", err)
	assert.Equal(t, "conv_out/bias", mwe.Name)
	assert.NoFileExists(t, path+PlanSuffix)
}

func TestCache_Canceled(t *testing.T) {
	path := writeWeights(t, tensor.Float32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCache().Load(ctx, path, testConfig(false))
	assert.ErrorIs(t, err, context.Canceled)
}
