package frames

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanar(t *testing.T) {
	// 2x1 image: pixel 0 is pure blue, pixel 1 is (B=0, G=51, R=255).
	bgr := []byte{255, 0, 0, 0, 51, 255}
	dst := make([]float32, 6)
	require.NoError(t, Planar(dst, bgr, 2, 1))

	assert.Equal(t, []float32{0, 1}, dst[0:2], "red plane")
	assert.Equal(t, []float32{0, 0.2}, dst[2:4], "green plane")
	assert.Equal(t, []float32{1, 0}, dst[4:6], "blue plane")

	assert.Error(t, Planar(dst, bgr[:5], 2, 1))
	assert.Error(t, Planar(dst[:5], bgr, 2, 1))
}

func TestInterleave_InvertsPlanar(t *testing.T) {
	bgr := []byte{255, 0, 0, 0, 51, 255, 7, 8, 9}
	chw := make([]float32, 9)
	require.NoError(t, Planar(chw, bgr, 3, 1))

	back := make([]byte, 9)
	require.NoError(t, Interleave(back, chw, 3, 1))
	assert.Equal(t, bgr, back)

	require.NoError(t, Interleave(back, []float32{-1, 2, 0.5, 0, 0, 0, 0, 0, 0}, 3, 1))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 255, 0, 0, 128}, back)
}

func TestDepthImage(t *testing.T) {
	disp := []float32{0, 0.5, 1, -0.1, 2}
	px, err := DepthImage(disp, 5, 1, DefaultDisplayScale(100))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 12800, 25600, 0, 51200}, px)

	px, err = DepthImage([]float32{1}, 1, 1, 1e6)
	require.NoError(t, err)
	assert.Equal(t, []uint16{65535}, px)

	_, err = DepthImage(disp, 3, 2, 1)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(Zero(), 2)
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Seq)
	assert.Len(t, f.Left, 3*513*257)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Seq)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStaticSource_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticSource(Zero(), 1).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	disp := []float32{1, 2}
	require.NoError(t, r.Show(&Frame{Seq: 4}, disp))
	disp[0] = 9
	assert.Equal(t, []float32{1, 2}, r.Last, "recorder copies")
	assert.Equal(t, []int{4}, r.Seqs)
	assert.Equal(t, 1, r.Frames)
}
