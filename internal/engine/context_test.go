package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/accel/cpu"
	"github.com/born-ml/stereodepth/internal/profile"
)

func TestExecute_ZeroInput(t *testing.T) {
	e, _ := compileTest(t, true)
	zero := make([]float32, inputDims.NumElements())

	out := infer(t, e, zero, zero)
	require.Len(t, out, 513*257)
	for i, v := range out {
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			t.Fatalf("disp[%d] = %v, want a sigmoid output", i, v)
		}
	}
}

func TestExecute_LoadedMatchesBuilt(t *testing.T) {
	built, reg := compileTest(t, false)
	data, err := Serialize(built)
	require.NoError(t, err)
	loaded, err := Deserialize(data, reg, expectFor(built))
	require.NoError(t, err)

	left, right := gradient(0), gradient(0.1)
	assert.Equal(t, infer(t, built, left, right), infer(t, loaded, left, right))
}

func TestExecute_Deterministic(t *testing.T) {
	e, _ := compileTest(t, true)
	left, right := gradient(0), gradient(-0.2)

	first := infer(t, e, left, right)
	second := infer(t, e, left, right)
	assert.Equal(t, first, second)
}

func TestExecute_ReportsEveryStep(t *testing.T) {
	e, _ := compileTest(t, false)
	dev := cpu.New(cpu.Options{})
	defer dev.Close()

	ctx, err := e.NewExecutionContext(dev)
	require.NoError(t, err)
	defer ctx.Close()

	bufs := make([]accel.Buffer, e.NumBindings())
	for i := range bufs {
		bufs[i], err = dev.Alloc(e.Binding(i).Dims.NumElements())
		require.NoError(t, err)
	}

	timings := profile.NewTimings()
	require.NoError(t, ctx.Execute(bufs, timings))
	require.NoError(t, ctx.Execute(bufs, timings))

	records := timings.Records()
	require.Len(t, records, len(e.Steps()), "repeated runs overwrite by name")
	for i, s := range e.Steps() {
		assert.Equal(t, s.Name, records[i].Name)
	}
}

func TestExecute_BindingErrors(t *testing.T) {
	e, _ := compileTest(t, false)
	dev := cpu.New(cpu.Options{})
	defer dev.Close()

	ctx, err := e.NewExecutionContext(dev)
	require.NoError(t, err)

	small, err := dev.Alloc(16)
	require.NoError(t, err)

	err = ctx.Execute([]accel.Buffer{small}, nil)
	assert.ErrorIs(t, err, ErrBindings)

	err = ctx.Execute([]accel.Buffer{small, small, small}, nil)
	assert.ErrorIs(t, err, ErrBindings)

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	assert.ErrorIs(t, ctx.Execute(nil, nil), ErrClosed)
}

func TestNewExecutionContext_OutOfMemory(t *testing.T) {
	e, _ := compileTest(t, false)
	dev := cpu.New(cpu.Options{MemoryLimit: e.WorkspaceBytes() + 64})
	defer dev.Close()

	_, err := e.NewExecutionContext(dev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accel.ErrOutOfMemory), "got %v", err)
	assert.Zero(t, dev.LiveBuffers(), "partial allocations are released")
}
