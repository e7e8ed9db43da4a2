// Package pipeline runs a compiled engine over a stream of stereo frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/engine"
	"github.com/born-ml/stereodepth/internal/frames"
	"github.com/born-ml/stereodepth/internal/graph"
	"github.com/born-ml/stereodepth/internal/profile"
)

// ErrBindingOrder is returned for an engine whose bindings are not
// left=0, right=1, disp=2.
var ErrBindingOrder = errors.New("engine bindings are not {left:0, right:1, disp:2}")

// ErrFrameSize is returned for a frame whose images do not match the
// input bindings.
var ErrFrameSize = errors.New("frame does not match the input bindings")

// DeviceResourceError reports a failed device allocation, copy or execution.
type DeviceResourceError struct {
	Op      string // alloc, upload, execute, download, workspace
	Binding string // binding name, if the failure concerns one
	Err     error
}

// Error implements the error interface.
func (e *DeviceResourceError) Error() string {
	if e.Binding != "" {
		return fmt.Sprintf("pipeline: device %s %s: %v", e.Op, e.Binding, e.Err)
	}
	return fmt.Sprintf("pipeline: device %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceResourceError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a pipeline.
type State int32

// Pipeline states.
const (
	Running State = iota
	Draining
	Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a pipeline.
type Options struct {
	Log logr.Logger
	// Profiler receives per-layer timings; nil disables profiling.
	Profiler profile.Profiler
	// Report, when set, receives the host time of every frame and, if the
	// profiler can print itself, the layer timings.
	Report io.Writer
}

// printer is implemented by profilers that can render their records.
type printer interface {
	Print(w io.Writer) error
}

var bindingOrder = [...]string{graph.InputLeft, graph.InputRight, graph.OutputDisp}

// Pipeline owns the binding buffers and execution context of one engine on
// one device. Run drives it from a single goroutine; Stop may be called
// from any goroutine.
type Pipeline struct {
	engine *engine.Engine
	device accel.Device
	exec   *engine.ExecutionContext
	opts   Options

	buffers [3]accel.Buffer
	output  []float32

	state  atomic.Int32
	stop   atomic.Bool
	frames atomic.Int64
}

// New checks the engine's bindings, allocates the binding buffers and creates
// the execution context.
func New(e *engine.Engine, dev accel.Device, opts Options) (*Pipeline, error) {
	if e.NumBindings() != len(bindingOrder) {
		return nil, fmt.Errorf("%w: engine has %d bindings", ErrBindingOrder, e.NumBindings())
	}
	for i, name := range bindingOrder {
		if idx := e.BindingIndex(name); idx != i {
			return nil, fmt.Errorf("%w: %s is at %d", ErrBindingOrder, name, idx)
		}
	}
	for _, i := range []int{0, 1} {
		if d := e.Binding(i).Dims; d != frames.Dims {
			return nil, fmt.Errorf("pipeline: binding %s is %v, frames are %v", e.Binding(i).Name, d, frames.Dims)
		}
	}
	if d := e.Binding(2).Dims; d.C != 1 || d.H != frames.Height || d.W != frames.Width {
		return nil, fmt.Errorf("pipeline: output binding is %v, want (1, %d, %d)", d, frames.Height, frames.Width)
	}
	if opts.Profiler == nil {
		opts.Profiler = profile.Nop{}
	}

	p := &Pipeline{
		engine: e,
		device: dev,
		opts:   opts,
		output: make([]float32, e.Binding(2).Dims.NumElements()),
	}
	for i := range p.buffers {
		b := e.Binding(i)
		buf, err := dev.Alloc(b.Dims.NumElements())
		if err != nil {
			return nil, errors.Join(&DeviceResourceError{Op: "alloc", Binding: b.Name, Err: err}, p.release())
		}
		p.buffers[i] = buf
	}
	exec, err := e.NewExecutionContext(dev)
	if err != nil {
		return nil, errors.Join(&DeviceResourceError{Op: "workspace", Err: err}, p.release())
	}
	p.exec = exec
	opts.Log.V(1).Info("pipeline ready",
		"device", dev.Info().Name,
		"workspaceBytes", e.WorkspaceBytes(),
		"weightBytes", e.WeightBytes(),
	)
	return p, nil
}

// State returns the current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Frames returns how many frames reached the sink.
func (p *Pipeline) Frames() int {
	return int(p.frames.Load())
}

// Stop asks Run to finish the in-flight frame and stop. The pipeline reports
// Draining until Run has released its resources.
func (p *Pipeline) Stop() {
	p.stop.Store(true)
	p.state.CompareAndSwap(int32(Running), int32(Draining))
}

// Close releases the device resources of a pipeline that will not run, or
// did not finish running. It must not be called concurrently with Run and is
// safe to call more than once.
func (p *Pipeline) Close() error {
	if p.State() == Stopped {
		return nil
	}
	p.state.Store(int32(Draining))
	err := p.release()
	p.state.Store(int32(Stopped))
	return err
}

// Run processes frames from src until it is exhausted, ctx is done or Stop
// is called; these end the run without error. Run releases every device
// resource before it returns, after which the pipeline is Stopped and
// cannot run again.
func (p *Pipeline) Run(ctx context.Context, src frames.Source, sink frames.Sink) (err error) {
	log := p.opts.Log
	if p.State() == Stopped {
		return fmt.Errorf("pipeline: already stopped")
	}
	defer func() {
		p.state.Store(int32(Draining))
		err = errors.Join(err, p.release())
		p.state.Store(int32(Stopped))
		log.Info("pipeline stopped", "frames", p.Frames())
	}()

	for !p.stop.Load() && ctx.Err() == nil {
		f, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.V(1).Info("source done", "reason", err.Error())
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if err := p.process(f, sink); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) process(f *frames.Frame, sink frames.Sink) error {
	if n := p.engine.Binding(0).Dims.NumElements(); len(f.Left) != n || len(f.Right) != n {
		return fmt.Errorf("%w: frame %d has %d left and %d right values, want %d",
			ErrFrameSize, f.Seq, len(f.Left), len(f.Right), n)
	}
	if err := p.device.Upload(p.buffers[0], f.Left); err != nil {
		return &DeviceResourceError{Op: "upload", Binding: graph.InputLeft, Err: err}
	}
	if err := p.device.Upload(p.buffers[1], f.Right); err != nil {
		return &DeviceResourceError{Op: "upload", Binding: graph.InputRight, Err: err}
	}

	start := time.Now()
	if err := p.exec.Execute(p.buffers[:], p.opts.Profiler); err != nil {
		return &DeviceResourceError{Op: "execute", Err: err}
	}
	elapsed := time.Since(start)
	p.opts.Log.V(2).Info("executed frame", "seq", f.Seq, "hostTime", elapsed)

	if w := p.opts.Report; w != nil {
		if _, err := fmt.Fprintf(w, "Host time: %.4fms\n", float64(elapsed)/float64(time.Millisecond)); err != nil {
			return err
		}
		if pr, ok := p.opts.Profiler.(printer); ok {
			if err := pr.Print(w); err != nil {
				return err
			}
		}
	}

	if err := p.device.Download(p.output, p.buffers[2]); err != nil {
		return &DeviceResourceError{Op: "download", Binding: graph.OutputDisp, Err: err}
	}
	if err := sink.Show(f, p.output); err != nil {
		return fmt.Errorf("showing frame %d: %w", f.Seq, err)
	}
	p.frames.Add(1)
	return nil
}

// release frees the execution context and binding buffers.
func (p *Pipeline) release() error {
	var errs []error
	if p.exec != nil {
		errs = append(errs, p.exec.Close())
		p.exec = nil
	}
	for i, b := range p.buffers {
		if b != nil {
			errs = append(errs, p.device.Free(b))
			p.buffers[i] = nil
		}
	}
	return errors.Join(errs...)
}
