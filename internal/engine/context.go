package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/profile"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// ExecutionContext runs one engine on one device. It owns the workspace
// slots and the uploaded weights; binding buffers are supplied per call.
// Not safe for concurrent use.
type ExecutionContext struct {
	engine  *Engine
	device  accel.Device
	kernels accel.Kernels

	slots   []accel.Buffer
	weights []accel.Buffer
	closed  bool
}

// NewExecutionContext allocates the workspace on dev and uploads the weights.
func (e *Engine) NewExecutionContext(dev accel.Device) (*ExecutionContext, error) {
	c := &ExecutionContext{
		engine:  e,
		device:  dev,
		kernels: dev.Kernels(),
	}
	for i, n := range e.slots {
		buf, err := dev.Alloc(n)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("allocating workspace slot %d (%d elements): %w", i, n, err), c.Close())
		}
		c.slots = append(c.slots, buf)
	}
	for _, w := range e.weights {
		buf, err := dev.Alloc(len(w.Values))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("allocating weight %s: %w", w.Name, err), c.Close())
		}
		c.weights = append(c.weights, buf)
		if err := dev.Upload(buf, w.Values); err != nil {
			return nil, errors.Join(fmt.Errorf("uploading weight %s: %w", w.Name, err), c.Close())
		}
	}
	return c, nil
}

// Engine returns the engine the context runs.
func (c *ExecutionContext) Engine() *Engine { return c.engine }

// Execute runs every step synchronously. bindings are indexed by binding
// number and must be at least as large as the bound tensors. Each step's
// duration is reported to prof under the step name.
func (c *ExecutionContext) Execute(bindings []accel.Buffer, prof profile.Profiler) error {
	if c.closed {
		return ErrClosed
	}
	e := c.engine
	if len(bindings) != len(e.bindings) {
		return fmt.Errorf("%w: got %d buffers, engine has %d bindings", ErrBindings, len(bindings), len(e.bindings))
	}
	for i, b := range e.bindings {
		if bindings[i] == nil || bindings[i].Len() < b.Dims.NumElements() {
			return fmt.Errorf("%w: binding %d (%s) needs %d elements", ErrBindings, i, b.Name, b.Dims.NumElements())
		}
	}
	if prof == nil {
		prof = profile.Nop{}
	}

	for i := range e.steps {
		s := &e.steps[i]
		start := time.Now()
		if err := c.run(s, bindings); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		prof.ReportLayerTime(s.Name, time.Since(start))
	}
	return nil
}

func (c *ExecutionContext) buffer(id int, bindings []accel.Buffer) accel.Buffer {
	t := &c.engine.tensors[id]
	if t.Binding != noRef {
		return bindings[t.Binding]
	}
	return c.slots[t.Slot]
}

func (c *ExecutionContext) weight(id int) accel.Buffer {
	if id == noRef {
		return nil
	}
	return c.weights[id]
}

func (c *ExecutionContext) run(s *Step, bindings []accel.Buffer) error {
	e := c.engine
	k := c.kernels
	out := c.buffer(s.Output, bindings)
	outDims := e.tensors[s.Output].Dims

	in := make([]accel.Buffer, len(s.Inputs))
	inDims := make([]tensor.Dims, len(s.Inputs))
	for i, id := range s.Inputs {
		in[i] = c.buffer(id, bindings)
		inDims[i] = e.tensors[id].Dims
	}

	var err error
	switch s.Op {
	case OpConv:
		err = k.Conv2D(out, in[0], c.weight(s.Weights[0]), c.weight(s.Weights[1]), convParams(s, inDims[0], outDims))
	case OpDeconv:
		err = k.Deconv2D(out, in[0], c.weight(s.Weights[0]), c.weight(s.Weights[1]), convParams(s, inDims[0], outDims))
	case OpScale:
		err = k.Scale(out, in[0], c.weight(s.Weights[0]), c.weight(s.Weights[1]), outDims)
	case OpActivate:
		err = k.Activate(out, in[0], outDims.NumElements(), s.Act, s.Alpha)
	case OpAdd:
		err = k.Add(out, in[0], in[1], outDims.NumElements(), s.Act)
	case OpPlugin:
		err = e.layers[s.Plugin].Enqueue(k, in, out, inDims)
	default:
		err = fmt.Errorf("unknown op %q", s.Op)
	}
	if err != nil {
		return err
	}
	if e.precision == tensor.Float16 {
		return k.RoundHalf(out, outDims.NumElements())
	}
	return nil
}

// Close frees the workspace and weights. It is safe to call more than once.
func (c *ExecutionContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, b := range c.slots {
		errs = append(errs, c.device.Free(b))
	}
	for _, b := range c.weights {
		errs = append(errs, c.device.Free(b))
	}
	c.slots, c.weights = nil, nil
	return errors.Join(errs...)
}
