package weights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/tensor"
)

// record builds one raw archive record by hand, independent of Encode.
func record(name string, count uint32, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, count)
	buf.Write(payload)
	return buf.Bytes()
}

func sampleArchive(t *testing.T, p tensor.Precision) ([]byte, map[string][]float32) {
	t.Helper()
	want := map[string][]float32{
		"conv1/kernel": {0.5, -1, 2, 0.25},
		"conv1/bias":   {1, 2},
		"bn/scale":     {3},
	}
	var buf bytes.Buffer
	for _, name := range []string{"conv1/kernel", "conv1/bias", "bn/scale"} {
		vals := want[name]
		buf.Write(record(name, uint32(len(vals)), tensor.EncodeFloats(vals, p)))
	}
	return buf.Bytes(), want
}

func TestDecode_AllRecords(t *testing.T) {
	for _, p := range []tensor.Precision{tensor.Float32, tensor.Float16} {
		t.Run(p.String(), func(t *testing.T) {
			raw, want := sampleArchive(t, p)

			store, err := Decode(bytes.NewReader(raw), p)
			require.NoError(t, err)
			assert.Equal(t, len(want), store.Len())
			assert.Equal(t, []string{"conv1/kernel", "conv1/bias", "bn/scale"}, store.Names())

			seen := map[string]bool{}
			store.All(func(w *Tensor) bool {
				assert.False(t, seen[w.Name], "duplicate %s", w.Name)
				seen[w.Name] = true
				assert.Equal(t, len(want[w.Name]), w.Count)
				assert.Equal(t, w.Count*p.Size(), w.ByteSize())
				assert.Equal(t, want[w.Name], w.Float32s())
				return true
			})
			assert.Len(t, seen, len(want))
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	store, err := Decode(bytes.NewReader(nil), tensor.Float32)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestDecode_ZeroCountRecord(t *testing.T) {
	store, err := Decode(bytes.NewReader(record("empty", 0, nil)), tensor.Float16)
	require.NoError(t, err)
	w, ok := store.Get("empty")
	require.True(t, ok)
	assert.Equal(t, 0, w.Count)
}

func TestDecode_TruncatedAnywhere(t *testing.T) {
	raw, _ := sampleArchive(t, tensor.Float32)
	boundaries := map[int]bool{}
	off := 0
	for _, n := range []int{len(record("conv1/kernel", 4, make([]byte, 16))), len(record("conv1/bias", 2, make([]byte, 8)))} {
		off += n
		boundaries[off] = true
	}

	for cut := 1; cut < len(raw); cut++ {
		if boundaries[cut] {
			continue
		}
		_, err := Decode(bytes.NewReader(raw[:cut]), tensor.Float32)
		var fe *FormatError
		require.ErrorAs(t, err, &fe, "cut at %d", cut)
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestDecode_DuplicateName(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(record("w", 1, make([]byte, 4)))
	buf.Write(record("b", 1, make([]byte, 4)))
	buf.Write(record("w", 1, make([]byte, 4)))

	_, err := Decode(&buf, tensor.Float32)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, 2, fe.Record)
	assert.Equal(t, "w", fe.Name)
}

func TestDecode_EmptyName(t *testing.T) {
	_, err := Decode(bytes.NewReader(record("", 1, make([]byte, 4))), tensor.Float32)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestDecode_HugeCountOnShortArchive(t *testing.T) {
	raw := record("w", 0xFFFFFFFF, make([]byte, 4))
	require.Len(t, raw, 10)

	for _, p := range []tensor.Precision{tensor.Float32, tensor.Float16} {
		_, err := Decode(bytes.NewReader(raw), p)
		var fe *FormatError
		require.ErrorAs(t, err, &fe, p.String())
		assert.ErrorIs(t, err, ErrTruncated)
		assert.Equal(t, "w", fe.Name)
		assert.Equal(t, 0, fe.Record)
	}
}

func TestDecode_PrecisionChangesRecordSize(t *testing.T) {
	// An fp16 archive read as fp32 runs out of bytes in the payload.
	raw := record("w", 3, tensor.EncodeFloats([]float32{1, 2, 3}, tensor.Float16))
	_, err := Decode(bytes.NewReader(raw), tensor.Float32)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.bin"), tensor.Float32)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_TruncatedFileReportsPath(t *testing.T) {
	raw, _ := sampleArchive(t, tensor.Float16)
	path := filepath.Join(t.TempDir(), "w.bin")
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-1], 0o600))

	_, err := Load(path, tensor.Float16)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, path, fe.Path)
	assert.Contains(t, err.Error(), "bn/scale")
}

func TestSaveLoad(t *testing.T) {
	store := NewStore(tensor.Float16)
	require.NoError(t, store.Add(NewTensor("a", tensor.Float16, []float32{1, 2, 3})))
	require.NoError(t, store.Add(NewTensor("b", tensor.Float16, []float32{-1})))

	path := filepath.Join(t.TempDir(), "w.bin")
	require.NoError(t, Save(path, store))

	loaded, err := Load(path, tensor.Float16)
	require.NoError(t, err)
	assert.Equal(t, store.Names(), loaded.Names())
	a, _ := loaded.Get("a")
	assert.Equal(t, []float32{1, 2, 3}, a.Float32s())
}

func TestStore_AddRejects(t *testing.T) {
	store := NewStore(tensor.Float32)
	require.NoError(t, store.Add(NewTensor("a", tensor.Float32, []float32{1})))
	assert.ErrorIs(t, store.Add(NewTensor("a", tensor.Float32, []float32{2})), ErrDuplicateName)
	assert.Error(t, store.Add(NewTensor("h", tensor.Float16, []float32{2})))
	assert.ErrorIs(t, store.Add(NewTensor("", tensor.Float32, nil)), ErrEmptyName)
}
