// Package frames is the boundary between the inference pipeline and the
// video source and display around it.
package frames

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/stereodepth/internal/tensor"
)

// Model input geometry.
const (
	Channels = 3
	Height   = 513
	Width    = 257
)

// Dims is the shape of each eye's input tensor.
var Dims = tensor.CHW(Channels, Height, Width)

// Frame is one stereo pair as flattened CHW float tensors.
type Frame struct {
	Seq   int
	Left  []float32
	Right []float32
}

// Source produces frames. Next returns io.EOF once the source is exhausted.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Sink consumes a frame and its [Height, Width] disparity map. disp is only
// valid for the duration of the call.
type Sink interface {
	Show(f *Frame, disp []float32) error
}

// Planar converts an interleaved 8-bit BGR image of w x h pixels into a
// planar RGB tensor scaled to [0, 1]. dst must hold 3*w*h values.
func Planar(dst []float32, bgr []byte, w, h int) error {
	n := w * h
	if len(bgr) < 3*n {
		return fmt.Errorf("frames: image holds %d bytes, need %d", len(bgr), 3*n)
	}
	if len(dst) < 3*n {
		return fmt.Errorf("frames: tensor holds %d values, need %d", len(dst), 3*n)
	}
	r, g, b := dst[:n], dst[n:2*n], dst[2*n:3*n]
	for i := range n {
		px := bgr[3*i : 3*i+3]
		b[i] = float32(px[0]) / 255
		g[i] = float32(px[1]) / 255
		r[i] = float32(px[2]) / 255
	}
	return nil
}

// Interleave is the inverse of Planar: it renders a planar RGB tensor in
// [0, 1] as interleaved 8-bit BGR for display.
func Interleave(dst []byte, chw []float32, w, h int) error {
	n := w * h
	if len(chw) < 3*n {
		return fmt.Errorf("frames: tensor holds %d values, need %d", len(chw), 3*n)
	}
	if len(dst) < 3*n {
		return fmt.Errorf("frames: image holds %d bytes, need %d", len(dst), 3*n)
	}
	for i := range n {
		dst[3*i] = toByte(chw[2*n+i])
		dst[3*i+1] = toByte(chw[n+i])
		dst[3*i+2] = toByte(chw[i])
	}
	return nil
}

func toByte(v float32) byte {
	x := math.Round(float64(v) * 255)
	switch {
	case x <= 0 || math.IsNaN(x):
		return 0
	case x >= 255:
		return 255
	default:
		return byte(x)
	}
}

// DefaultDisplayScale maps a sigmoid-normalized disparity to 16-bit pixels:
// x256 to limit quantization, as KITTI disparity PNGs do, times the image
// width to return to pixel units.
func DefaultDisplayScale(w int) float32 {
	return 256 * float32(w)
}

// DepthImage converts a [h, w] disparity map to 16-bit gray pixels, each
// value multiplied by scale and saturated to [0, 65535].
func DepthImage(disp []float32, w, h int, scale float32) ([]uint16, error) {
	if len(disp) < w*h {
		return nil, fmt.Errorf("frames: disparity holds %d values, need %d", len(disp), w*h)
	}
	out := make([]uint16, w*h)
	for i := range out {
		v := float64(disp[i] * scale)
		switch {
		case math.IsNaN(v) || v <= 0:
			out[i] = 0
		case v >= math.MaxUint16:
			out[i] = math.MaxUint16
		default:
			out[i] = uint16(math.Round(v))
		}
	}
	return out, nil
}

// StaticSource serves the same frame a fixed number of times.
type StaticSource struct {
	frame  Frame
	remain int
	seq    int
	closed bool
}

// NewStaticSource returns a source yielding n copies of f.
func NewStaticSource(f Frame, n int) *StaticSource {
	return &StaticSource{frame: f, remain: n}
}

// Zero returns an all-zero stereo frame.
func Zero() Frame {
	return Frame{
		Left:  make([]float32, Dims.NumElements()),
		Right: make([]float32, Dims.NumElements()),
	}
}

// Next implements Source.
func (s *StaticSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || s.remain <= 0 {
		return nil, io.EOF
	}
	s.remain--
	f := s.frame
	f.Seq = s.seq
	s.seq++
	return &f, nil
}

// Close implements Source.
func (s *StaticSource) Close() error {
	s.closed = true
	return nil
}

// Recorder is a Sink that keeps a copy of the most recent disparity map.
type Recorder struct {
	Frames int
	Seqs   []int
	Last   []float32
	// Err, when set, is returned from every Show call.
	Err error
}

// Show implements Sink.
func (r *Recorder) Show(f *Frame, disp []float32) error {
	if r.Err != nil {
		return r.Err
	}
	r.Frames++
	r.Seqs = append(r.Seqs, f.Seq)
	r.Last = append(r.Last[:0], disp...)
	return nil
}
