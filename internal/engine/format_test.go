package engine

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

func expectFor(e *Engine) Expect {
	return Expect{Topology: e.Topology(), Precision: e.Precision(), Hardware: e.Hardware()}
}

func TestSerialize_RoundTrip(t *testing.T) {
	for _, half := range []bool{false, true} {
		t.Run(testConfig(half).Precision().String(), func(t *testing.T) {
			built, reg := compileTest(t, half)

			data, err := Serialize(built)
			require.NoError(t, err)
			assert.Equal(t, MagicBytes, string(data[:4]))

			loaded, err := Deserialize(data, reg, expectFor(built))
			require.NoError(t, err)

			assert.Equal(t, built.bindings, loaded.bindings)
			assert.Equal(t, built.tensors, loaded.tensors)
			assert.Equal(t, built.steps, loaded.steps)
			assert.Equal(t, built.slots, loaded.slots)
			assert.Equal(t, built.plugins, loaded.plugins)
			assert.Equal(t, built.Weights(), loaded.Weights())

			// Same registry, same layer instances.
			for i, l := range built.Plugins() {
				assert.Same(t, l, loaded.Plugins()[i])
			}

			again, err := Serialize(loaded)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestSerialize_Deterministic(t *testing.T) {
	a, _ := compileTest(t, true)
	b, _ := compileTest(t, true)

	da, err := Serialize(a)
	require.NoError(t, err)
	db, err := Serialize(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestSerialize_HalfStoresTwoBytes(t *testing.T) {
	e32, _ := compileTest(t, false)
	e16, _ := compileTest(t, true)

	d32, err := Serialize(e32)
	require.NoError(t, err)
	d16, err := Serialize(e16)
	require.NoError(t, err)

	data32 := binary.LittleEndian.Uint64(d32[24:32])
	data16 := binary.LittleEndian.Uint64(d16[24:32])
	assert.Equal(t, data32, 2*data16)
	assert.Equal(t, FlagHalf, binary.LittleEndian.Uint32(d16[8:12]))
	assert.Zero(t, (len(d16)-int(data16))%HeaderAlignment, "data section is aligned")
}

func deserializationError(t *testing.T, err error) *DeserializationError {
	t.Helper()
	require.Error(t, err)
	var de *DeserializationError
	require.True(t, errors.As(err, &de), "got %T: %v", err, err)
	return de
}

func TestDeserialize_Truncated(t *testing.T) {
	e, reg := compileTest(t, true)
	data, err := Serialize(e)
	require.NoError(t, err)

	for _, n := range []int{0, 3, 16, FixedHeaderSize - 1, FixedHeaderSize, FixedHeaderSize + 10, len(data) / 2, len(data) - 1} {
		_, err := Deserialize(data[:n], reg, expectFor(e))
		de := deserializationError(t, err)
		assert.Equal(t, Corrupt, de.Reason, "cut at %d", n)
	}
}

func TestDeserialize_Corrupt(t *testing.T) {
	e, reg := compileTest(t, false)
	data, err := Serialize(e)
	require.NoError(t, err)

	tests := []struct {
		name  string
		patch func(b []byte)
		want  error
	}{
		{"magic", func(b []byte) { copy(b, "BORN") }, ErrInvalidMagic},
		{"weight byte", func(b []byte) { b[len(b)-5] ^= 0xff }, ErrChecksumMismatch},
		{"header byte", func(b []byte) { b[FixedHeaderSize+3] ^= 0x01 }, ErrChecksumMismatch},
		{"header size", func(b []byte) { binary.LittleEndian.PutUint64(b[16:24], math.MaxUint32) }, ErrHeaderTooLarge},
		{"trailing bytes", nil, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := append([]byte(nil), data...)
			if tt.patch != nil {
				tt.patch(b)
			} else {
				b = append(b, 0)
			}
			_, err := Deserialize(b, reg, expectFor(e))
			de := deserializationError(t, err)
			assert.Equal(t, Corrupt, de.Reason)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDeserialize_Mismatch(t *testing.T) {
	e, reg := compileTest(t, true)
	data, err := Serialize(e)
	require.NoError(t, err)

	tests := []struct {
		field string
		want  Expect
	}{
		{"topology", Expect{Topology: "resnet34_3d", Precision: tensor.Float16}},
		{"precision", Expect{Precision: tensor.Float32}},
		{"hardware", Expect{Precision: tensor.Float16, Hardware: "webgpu/nvidia"}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			_, err := Deserialize(data, reg, tt.want)
			de := deserializationError(t, err)
			assert.Equal(t, Mismatch, de.Reason)
			assert.Equal(t, tt.field, de.Field)
		})
	}

	t.Run("format_version", func(t *testing.T) {
		b := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(b[4:8], FormatVersion+1)
		_, err := Deserialize(b, reg, expectFor(e))
		de := deserializationError(t, err)
		assert.Equal(t, Mismatch, de.Reason)
		assert.Equal(t, "format_version", de.Field)
	})
}

func TestDeserialize_UnknownPlugin(t *testing.T) {
	e, _ := compileTest(t, false)
	data, err := Serialize(e)
	require.NoError(t, err)

	reg := plugin.NewRegistry(logr.Discard())
	reg.Register(plugin.TypeCostVolume, func([]byte) (plugin.Layer, error) {
		return nil, &plugin.UnsupportedLayerError{Type: plugin.TypeCostVolume}
	})
	_, err = Deserialize(data, reg, expectFor(e))
	de := deserializationError(t, err)
	assert.Equal(t, Corrupt, de.Reason)

	var ue *plugin.UnsupportedLayerError
	assert.True(t, errors.As(err, &ue))
}

func TestValidateWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights []weightMeta
		ok      bool
	}{
		{"contiguous", []weightMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 8}}, true},
		{"overlap", []weightMeta{{Name: "a", Offset: 0, Size: 12}, {Name: "b", Offset: 8, Size: 8}}, false},
		{"out of bounds", []weightMeta{{Name: "a", Offset: 12, Size: 8}}, false},
		{"negative", []weightMeta{{Name: "a", Offset: -4, Size: 8}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWeights(tt.weights, 16)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDeserialize_UnrunnableTables(t *testing.T) {
	e, reg := compileTest(t, false)

	firstOp := func(op Op) Step {
		for _, s := range e.steps {
			if s.Op == op {
				return s
			}
		}
		t.Fatalf("no %s step", op)
		return Step{}
	}
	conv := firstOp(OpConv)

	tests := []struct {
		name  string
		patch func(c *Engine)
	}{
		{"tensor without storage", func(c *Engine) {
			c.tensors[conv.Output].Slot = noRef
		}},
		{"tensor bound and slotted", func(c *Engine) {
			c.tensors[conv.Output].Slot = 0
			c.tensors[conv.Output].Binding = 0
		}},
		{"short kernel", func(c *Engine) {
			w := &c.weights[conv.Weights[0]]
			w.Values = w.Values[:len(w.Values)-1]
		}},
		{"long bias", func(c *Engine) {
			w := &c.weights[conv.Weights[1]]
			w.Values = append(append([]float32(nil), w.Values...), 0)
		}},
		{"zero stride", func(c *Engine) {
			for i := range c.steps {
				if c.steps[i].Op == OpConv {
					c.steps[i].Stride = 0
					return
				}
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *e
			c.tensors = append([]Tensor(nil), e.tensors...)
			c.steps = append([]Step(nil), e.steps...)
			c.weights = append([]Weight(nil), e.weights...)
			tt.patch(&c)

			data, err := Serialize(&c)
			require.NoError(t, err)
			_, err = Deserialize(data, reg, expectFor(e))
			de := deserializationError(t, err)
			assert.Equal(t, Corrupt, de.Reason)
		})
	}
}
