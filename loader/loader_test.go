package loader_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/loader"
	"github.com/born-ml/stereodepth/tensor"
)

func TestSaveLoad(t *testing.T) {
	store := loader.NewStore(tensor.Float16)
	require.NoError(t, store.Add(loader.NewTensor("conv1/kernel", tensor.Float16, []float32{1, -0.5, 0.25})))
	require.NoError(t, store.Add(loader.NewTensor("conv1/bias", tensor.Float16, []float32{2})))

	path := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, loader.Save(path, store))

	loaded, err := loader.Load(path, tensor.Float16)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv1/kernel", "conv1/bias"}, loaded.Names())

	kernel, ok := loaded.Get("conv1/kernel")
	require.True(t, ok)
	assert.Equal(t, []float32{1, -0.5, 0.25}, kernel.Float32s())
}

func TestDecode_Truncated(t *testing.T) {
	_, err := loader.Decode(bytes.NewReader([]byte("conv1/kernel\x00\x02\x00")), tensor.Float32)

	var ferr *loader.FormatError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "conv1/kernel", ferr.Name)
}
