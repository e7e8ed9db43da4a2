// Package cvframes reads side-by-side stereo video and displays depth maps
// with OpenCV.
package cvframes

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"gocv.io/x/gocv"

	"github.com/born-ml/stereodepth/internal/frames"
)

// ErrOpen is returned when the video source cannot be opened.
var ErrOpen = errors.New("cannot open video source")

// ErrQuit is returned by Display.Show once the user closes the display.
var ErrQuit = errors.New("display closed by user")

// Reader splits each side-by-side frame of a video stream into a stereo pair
// resized to the model input.
type Reader struct {
	capture *gocv.VideoCapture
	width   int
	height  int

	img     gocv.Mat
	resized gocv.Mat
	seq     int
}

var _ frames.Source = (*Reader)(nil)

// Open opens uri through the FFmpeg backend. width and height are the
// dimensions of the full side-by-side frame.
func Open(uri string, width, height int) (*Reader, error) {
	if width < 2 || height < 1 {
		return nil, fmt.Errorf("cvframes: invalid stream size %dx%d", width, height)
	}
	capture, err := gocv.OpenVideoCaptureWithAPI(uri, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrOpen, uri, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("%w %q", ErrOpen, uri)
	}
	return &Reader{
		capture: capture,
		width:   width,
		height:  height,
		img:     gocv.NewMat(),
		resized: gocv.NewMat(),
	}, nil
}

// Halves returns the left and right regions of a side-by-side frame.
func Halves(width, height int) (left, right image.Rectangle) {
	half := width / 2
	return image.Rect(0, 0, half, height), image.Rect(half, 0, 2*half, height)
}

// Next implements frames.Source.
func (r *Reader) Next(ctx context.Context) (*frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := r.capture.Read(&r.img); !ok || r.img.Empty() {
		return nil, io.EOF
	}
	if r.img.Cols() < r.width || r.img.Rows() < r.height {
		return nil, fmt.Errorf("cvframes: frame is %dx%d, expected at least %dx%d",
			r.img.Cols(), r.img.Rows(), r.width, r.height)
	}

	f := &frames.Frame{
		Seq:   r.seq,
		Left:  make([]float32, frames.Dims.NumElements()),
		Right: make([]float32, frames.Dims.NumElements()),
	}
	leftRect, rightRect := Halves(r.width, r.height)
	if err := r.planar(f.Left, leftRect); err != nil {
		return nil, err
	}
	if err := r.planar(f.Right, rightRect); err != nil {
		return nil, err
	}
	r.seq++
	return f, nil
}

// planar resizes one half of the current frame to the model input with
// Lanczos interpolation and converts it to a planar RGB tensor.
func (r *Reader) planar(dst []float32, rect image.Rectangle) error {
	region := r.img.Region(rect)
	defer region.Close()

	gocv.Resize(region, &r.resized, image.Pt(frames.Width, frames.Height), 0, 0, gocv.InterpolationLanczos4)
	return frames.Planar(dst, r.resized.ToBytes(), frames.Width, frames.Height)
}

// Close implements frames.Source.
func (r *Reader) Close() error {
	err := errors.Join(r.img.Close(), r.resized.Close())
	return errors.Join(err, r.capture.Close())
}

// Display shows the left input and the depth map in two windows.
type Display struct {
	left  *gocv.Window
	depth *gocv.Window
	scale float32
	bgr   []byte
}

var _ frames.Sink = (*Display)(nil)

// NewDisplay opens the windows. scale multiplies disparity into 16-bit
// pixels; 0 selects frames.DefaultDisplayScale.
func NewDisplay(scale float32) *Display {
	if scale == 0 {
		scale = frames.DefaultDisplayScale(frames.Width)
	}
	return &Display{
		left:  gocv.NewWindow("Left RGB frame"),
		depth: gocv.NewWindow("Computed depth"),
		scale: scale,
		bgr:   make([]byte, frames.Dims.NumElements()),
	}
}

// Show implements frames.Sink. It returns ErrQuit when Esc or q is pressed.
func (d *Display) Show(f *frames.Frame, disp []float32) error {
	if err := frames.Interleave(d.bgr, f.Left, frames.Width, frames.Height); err != nil {
		return err
	}
	left, err := gocv.NewMatFromBytes(frames.Height, frames.Width, gocv.MatTypeCV8UC3, d.bgr)
	if err != nil {
		return fmt.Errorf("cvframes: left image: %w", err)
	}
	defer left.Close()

	pixels, err := frames.DepthImage(disp, frames.Width, frames.Height, d.scale)
	if err != nil {
		return err
	}
	raw := make([]byte, 2*len(pixels))
	for i, p := range pixels {
		binary.LittleEndian.PutUint16(raw[2*i:], p)
	}
	depth, err := gocv.NewMatFromBytes(frames.Height, frames.Width, gocv.MatTypeCV16UC1, raw)
	if err != nil {
		return fmt.Errorf("cvframes: depth image: %w", err)
	}
	defer depth.Close()

	d.left.IMShow(left)
	d.depth.IMShow(depth)
	switch key := d.depth.WaitKey(1); key {
	case 27, 'q':
		return ErrQuit
	}
	return nil
}

// Close closes the windows.
func (d *Display) Close() error {
	return errors.Join(d.left.Close(), d.depth.Close())
}
