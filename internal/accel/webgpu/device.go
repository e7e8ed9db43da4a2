//go:build windows

// Package webgpu implements accel.Device on the GPU through go-webgpu
// (zero-CGO WebGPU bindings). Every kernel is a WGSL compute shader with one
// invocation per output element.
package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/stereodepth/internal/accel"
)

// Options configures a GPU device.
type Options struct {
	MemoryLimit int64 // Maximum allocated bytes; 0 means unlimited.
}

// Device is a WebGPU accelerator.
type Device struct {
	opts Options

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     accel.Info

	mu        sync.Mutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	live      map[*buffer]struct{}
	allocated int64
	peak      int64
	closed    bool

	// empty stands in for absent optional buffers (bias).
	empty *wgpu.Buffer
}

var _ accel.Device = (*Device)(nil)

const emptySize = 16

type buffer struct {
	gpu   *wgpu.Buffer
	n     int
	owner *Device
}

// Len implements accel.Buffer.
func (b *buffer) Len() int {
	return b.n
}

func (b *buffer) size() uint64 {
	return uint64(b.n) * 4
}

// New opens the high-performance adapter. It fails when the native WebGPU
// library or a suitable adapter is unavailable.
func New(opts Options) (dev *Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	info := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	d := &Device{
		opts:     opts,
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info: accel.Info{
			Name:  fmt.Sprintf("WebGPU (%s %s)", info.Name, info.VendorName),
			Class: "webgpu/" + info.Name,
		},
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
		live:      make(map[*buffer]struct{}),
	}
	d.empty = d.createBuffer(make([]byte, emptySize), wgpu.BufferUsageStorage)
	return d, nil
}

// Info implements accel.Device.
func (d *Device) Info() accel.Info {
	return d.info
}

// Alloc implements accel.Device. WebGPU zero-initializes new buffers.
func (d *Device) Alloc(n int) (accel.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("webgpu: invalid allocation of %d elements", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, accel.ErrClosed
	}
	size := int64(n) * 4
	if d.opts.MemoryLimit > 0 && d.allocated+size > d.opts.MemoryLimit {
		return nil, fmt.Errorf("webgpu: allocating %d bytes with %d of %d in use: %w",
			size, d.allocated, d.opts.MemoryLimit, accel.ErrOutOfMemory)
	}

	gpu := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  uint64(size),
	})
	if gpu == nil {
		return nil, fmt.Errorf("webgpu: allocating %d bytes: %w", size, accel.ErrOutOfMemory)
	}
	b := &buffer{gpu: gpu, n: n, owner: d}
	d.live[b] = struct{}{}
	d.allocated += size
	d.peak = max(d.peak, d.allocated)
	return b, nil
}

// Free implements accel.Device.
func (d *Device) Free(b accel.Buffer) error {
	gb, err := d.own(b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.live[gb]; !ok {
		return fmt.Errorf("webgpu: double free of %d-element buffer", gb.n)
	}
	delete(d.live, gb)
	d.allocated -= int64(gb.size())
	gb.gpu.Release()
	gb.gpu = nil
	return nil
}

// Upload implements accel.Device through a mapped staging buffer.
func (d *Device) Upload(dst accel.Buffer, src []float32) error {
	gb, err := d.own(dst)
	if err != nil {
		return err
	}
	if len(src) > gb.n {
		return fmt.Errorf("webgpu: upload of %d elements into %d: %w", len(src), gb.n, accel.ErrSizeMismatch)
	}
	if len(src) == 0 {
		return nil
	}

	staging := d.createBuffer(encodeFloats(src), wgpu.BufferUsageCopySrc)
	defer staging.Release()

	size := uint64(len(src)) * 4
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, gb.gpu, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// Download implements accel.Device.
func (d *Device) Download(dst []float32, src accel.Buffer) error {
	gb, err := d.own(src)
	if err != nil {
		return err
	}
	if len(dst) > gb.n {
		return fmt.Errorf("webgpu: download of %d elements from %d: %w", len(dst), gb.n, accel.ErrSizeMismatch)
	}
	if len(dst) == 0 {
		return nil
	}

	data, err := d.readBuffer(gb.gpu, uint64(len(dst))*4)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

// Kernels implements accel.Device.
func (d *Device) Kernels() accel.Kernels {
	return kernels{d}
}

// Allocated returns the number of bytes currently allocated.
func (d *Device) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Close implements accel.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for b := range d.live {
		b.gpu.Release()
		b.gpu = nil
	}
	d.live = nil
	d.allocated = 0
	if d.empty != nil {
		d.empty.Release()
		d.empty = nil
	}
	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = nil
	for _, s := range d.shaders {
		s.Release()
	}
	d.shaders = nil

	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

func (d *Device) own(b accel.Buffer) (*buffer, error) {
	gb, ok := b.(*buffer)
	if !ok || gb.owner != d {
		return nil, accel.ErrForeign
	}
	if gb.gpu == nil {
		return nil, fmt.Errorf("webgpu: use of freed buffer")
	}
	return gb, nil
}

// pipeline returns the cached compute pipeline for a shader, compiling it on
// first use.
func (d *Device) pipeline(name, code string) *wgpu.ComputePipeline {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pipelines[name]; ok {
		return p
	}
	shader, ok := d.shaders[name]
	if !ok {
		shader = d.device.CreateShaderModuleWGSL(code)
		d.shaders[name] = shader
	}
	p := d.device.CreateComputePipelineSimple(nil, shader, "main")
	d.pipelines[name] = p
	return p
}

// createBuffer creates a GPU buffer holding data.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := buf.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(unsafe.Slice((*byte)(mapped), size), data)
	buf.Unmap()
	return buf
}

// createUniformBuffer creates a uniform buffer padded to 16 bytes.
func (d *Device) createUniformBuffer(data []byte) (*wgpu.Buffer, uint64) {
	size := (uint64(len(data)) + 15) &^ 15
	padded := make([]byte, size)
	copy(padded, data)
	return d.createBuffer(padded, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst), size
}

// readBuffer copies size bytes of src back to the host through a staging
// buffer, waiting for all submitted work.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}
	mapped := staging.GetMappedRange(0, size)
	result := make([]byte, size)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(result, unsafe.Slice((*byte)(mapped), size))
	staging.Unmap()
	return result, nil
}

func encodeFloats(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
