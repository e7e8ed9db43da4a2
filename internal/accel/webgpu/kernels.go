//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/stereodepth/internal/accel"
	"github.com/born-ml/stereodepth/internal/tensor"
)

type kernels struct {
	d *Device
}

// params packs uniform fields as little-endian 32-bit words.
type params []byte

func (p params) u32(v int) params {
	return binary.LittleEndian.AppendUint32(p, uint32(v)) //nolint:gosec // non-negative sizes
}

func (p params) f32(v float32) params {
	return binary.LittleEndian.AppendUint32(p, math.Float32bits(v))
}

// binding is a storage buffer bound to a shader.
type binding struct {
	buf  *wgpu.Buffer
	size uint64
}

// dispatch runs shader over n invocations. Storage buffers bind in order at
// 0..len(bufs)-1 and the uniform params at len(bufs).
func (k kernels) dispatch(name, code string, n int, p params, bufs ...binding) error {
	d := k.d
	if n <= 0 {
		return nil
	}
	pipeline := d.pipeline(name, code)

	uniform, uniformSize := d.createUniformBuffer(p)
	defer uniform.Release()

	entries := make([]wgpu.BindGroupEntry, 0, len(bufs)+1)
	for i, b := range bufs {
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), b.buf, 0, b.size)) //nolint:gosec // few bindings
	}
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bufs)), uniform, 0, uniformSize)) //nolint:gosec // few bindings

	bindGroup := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	if bindGroup == nil {
		return fmt.Errorf("webgpu: creating bind group for %s", name)
	}
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32((n+workgroupSize-1)/workgroupSize), 1, 1) //nolint:gosec // bounded by buffer sizes
	pass.End()
	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// gpu resolves buffers, checking each holds at least the paired element count.
func (k kernels) gpu(name string, b accel.Buffer, n int) (binding, error) {
	gb, err := k.d.own(b)
	if err != nil {
		return binding{}, err
	}
	if gb.n < n {
		return binding{}, fmt.Errorf("webgpu: %s holds %d elements, need %d: %w", name, gb.n, n, accel.ErrSizeMismatch)
	}
	return binding{gb.gpu, gb.size()}, nil
}

// optional resolves a possibly nil buffer, substituting the empty buffer.
func (k kernels) optional(name string, b accel.Buffer, n int) (binding, bool, error) {
	if b == nil {
		return binding{k.d.empty, emptySize}, false, nil
	}
	g, err := k.gpu(name, b, n)
	return g, true, err
}

func convParams(p accel.ConvParams, hasBias bool) params {
	bias := 0
	if hasBias {
		bias = 1
	}
	return params(nil).
		u32(p.In.C).u32(p.In.H).u32(p.In.W).u32(p.Out.C).
		u32(p.Out.H).u32(p.Out.W).u32(p.KernelH).u32(p.KernelW).
		u32(p.Stride).u32(p.Pad).u32(int(p.Act)).u32(bias).
		f32(p.Alpha).u32(0).u32(0).u32(0)
}

func (k kernels) conv(name, code string, out, in, kernel, bias accel.Buffer, p accel.ConvParams) error {
	src, err := k.gpu(name+" input", in, p.In.NumElements())
	if err != nil {
		return err
	}
	dst, err := k.gpu(name+" output", out, p.Out.NumElements())
	if err != nil {
		return err
	}
	w, err := k.gpu(name+" kernel", kernel, p.In.C*p.Out.C*p.KernelH*p.KernelW)
	if err != nil {
		return err
	}
	b, hasBias, err := k.optional(name+" bias", bias, p.Out.C)
	if err != nil {
		return err
	}
	return k.dispatch(name, code, p.Out.NumElements(), convParams(p, hasBias), src, w, b, dst)
}

// Conv2D implements accel.Kernels.
func (k kernels) Conv2D(out, in, kernel, bias accel.Buffer, p accel.ConvParams) error {
	return k.conv("conv2d", conv2dShader, out, in, kernel, bias, p)
}

// Deconv2D implements accel.Kernels.
func (k kernels) Deconv2D(out, in, kernel, bias accel.Buffer, p accel.ConvParams) error {
	return k.conv("deconv2d", deconv2dShader, out, in, kernel, bias, p)
}

// Scale implements accel.Kernels.
func (k kernels) Scale(out, in, scale, shift accel.Buffer, dims tensor.Dims) error {
	n := dims.NumElements()
	src, err := k.gpu("scale input", in, n)
	if err != nil {
		return err
	}
	dst, err := k.gpu("scale output", out, n)
	if err != nil {
		return err
	}
	s, err := k.gpu("scale", scale, dims.C)
	if err != nil {
		return err
	}
	sh, err := k.gpu("shift", shift, dims.C)
	if err != nil {
		return err
	}
	return k.dispatch("scale", scaleShader, n, params(nil).u32(n).u32(dims.Plane()), src, s, sh, dst)
}

// Activate implements accel.Kernels.
func (k kernels) Activate(out, in accel.Buffer, n int, act accel.Activation, alpha float32) error {
	src, err := k.gpu("activation input", in, n)
	if err != nil {
		return err
	}
	dst, err := k.gpu("activation output", out, n)
	if err != nil {
		return err
	}
	return k.dispatch("activate", activateShader, n, params(nil).u32(n).u32(int(act)).f32(alpha), src, dst)
}

// Add implements accel.Kernels.
func (k kernels) Add(out, a, b accel.Buffer, n int, act accel.Activation) error {
	x, err := k.gpu("add lhs", a, n)
	if err != nil {
		return err
	}
	y, err := k.gpu("add rhs", b, n)
	if err != nil {
		return err
	}
	dst, err := k.gpu("add output", out, n)
	if err != nil {
		return err
	}
	return k.dispatch("add", addShader, n, params(nil).u32(n).u32(int(act)), x, y, dst)
}

// CostVolume implements accel.Kernels.
func (k kernels) CostVolume(out, left, right accel.Buffer, in tensor.Dims, maxDisparity int) error {
	l, err := k.gpu("cost volume left", left, in.NumElements())
	if err != nil {
		return err
	}
	r, err := k.gpu("cost volume right", right, in.NumElements())
	if err != nil {
		return err
	}
	n := maxDisparity * in.Plane()
	dst, err := k.gpu("cost volume output", out, n)
	if err != nil {
		return err
	}
	p := params(nil).u32(in.C).u32(in.H).u32(in.W).u32(maxDisparity)
	return k.dispatch("cost_volume", costVolumeShader, n, p, l, r, dst)
}

// Softargmax implements accel.Kernels.
func (k kernels) Softargmax(out, in accel.Buffer, dims tensor.Dims) error {
	src, err := k.gpu("softargmax input", in, dims.NumElements())
	if err != nil {
		return err
	}
	dst, err := k.gpu("softargmax output", out, dims.Plane())
	if err != nil {
		return err
	}
	return k.dispatch("softargmax", softargmaxShader, dims.Plane(), params(nil).u32(dims.C).u32(dims.Plane()), src, dst)
}

// RoundHalf implements accel.Kernels.
func (k kernels) RoundHalf(buf accel.Buffer, n int) error {
	b, err := k.gpu("round half", buf, n)
	if err != nil {
		return err
	}
	return k.dispatch("round_half", roundHalfShader, n, params(nil).u32(n), b)
}
