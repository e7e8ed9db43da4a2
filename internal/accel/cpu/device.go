package cpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/born-ml/stereodepth/internal/accel"
)

// Options configures a host device.
type Options struct {
	Workers     int   // Worker goroutines per kernel; 0 means runtime.NumCPU().
	MemoryLimit int64 // Maximum allocated bytes; 0 means unlimited.
}

// Device is the pure Go host accelerator.
type Device struct {
	opts Options

	mu        sync.Mutex
	allocated int64
	peak      int64
	live      map[*buffer]struct{}
	closed    bool

	// scratch is the im2col column buffer, grown on demand and reused.
	scratch []float32
}

var _ accel.Device = (*Device)(nil)

// buffer is a host-resident device buffer.
type buffer struct {
	data  []float32
	owner *Device
}

// Len implements accel.Buffer.
func (b *buffer) Len() int {
	return len(b.data)
}

// New creates a host device.
func New(opts Options) *Device {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Device{
		opts: opts,
		live: make(map[*buffer]struct{}),
	}
}

// Info implements accel.Device.
func (d *Device) Info() accel.Info {
	return accel.Info{
		Name:  "cpu",
		Class: "cpu/" + runtime.GOARCH,
	}
}

// Alloc implements accel.Device.
func (d *Device) Alloc(n int) (accel.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cpu: invalid allocation of %d elements", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, accel.ErrClosed
	}
	size := int64(n) * 4
	if d.opts.MemoryLimit > 0 && d.allocated+size > d.opts.MemoryLimit {
		return nil, fmt.Errorf("cpu: allocating %d bytes with %d of %d in use: %w",
			size, d.allocated, d.opts.MemoryLimit, accel.ErrOutOfMemory)
	}

	b := &buffer{data: make([]float32, n), owner: d}
	d.live[b] = struct{}{}
	d.allocated += size
	d.peak = max(d.peak, d.allocated)
	return b, nil
}

// Free implements accel.Device.
func (d *Device) Free(b accel.Buffer) error {
	hb, err := d.own(b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.live[hb]; !ok {
		return fmt.Errorf("cpu: double free of %d-element buffer", hb.Len())
	}
	delete(d.live, hb)
	d.allocated -= int64(hb.Len()) * 4
	hb.data = nil
	return nil
}

// Upload implements accel.Device.
func (d *Device) Upload(dst accel.Buffer, src []float32) error {
	hb, err := d.own(dst)
	if err != nil {
		return err
	}
	if len(src) > len(hb.data) {
		return fmt.Errorf("cpu: upload of %d elements into %d: %w", len(src), len(hb.data), accel.ErrSizeMismatch)
	}
	copy(hb.data, src)
	return nil
}

// Download implements accel.Device.
func (d *Device) Download(dst []float32, src accel.Buffer) error {
	hb, err := d.own(src)
	if err != nil {
		return err
	}
	if len(dst) > len(hb.data) {
		return fmt.Errorf("cpu: download of %d elements from %d: %w", len(dst), len(hb.data), accel.ErrSizeMismatch)
	}
	copy(dst, hb.data)
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

// Peak returns the high-water mark of allocated bytes.
func (d *Device) Peak() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// LiveBuffers returns the number of buffers not yet freed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Close implements accel.Device. Outstanding buffers are released.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for b := range d.live {
		b.data = nil
	}
	d.live = make(map[*buffer]struct{})
	d.allocated = 0
	d.scratch = nil
	d.closed = true
	return nil
}

func (d *Device) own(b accel.Buffer) (*buffer, error) {
	hb, ok := b.(*buffer)
	if !ok || hb.owner != d {
		return nil, accel.ErrForeign
	}
	if hb.data == nil {
		return nil, fmt.Errorf("cpu: use of freed buffer")
	}
	return hb, nil
}

// data returns the slice behind an optional buffer (nil stays nil).
func (d *Device) data(b accel.Buffer) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	hb, err := d.own(b)
	if err != nil {
		return nil, err
	}
	return hb.data, nil
}

// columns returns a scratch slice of at least n elements.
func (d *Device) columns(n int) []float32 {
	if cap(d.scratch) < n {
		d.scratch = make([]float32, n)
	}
	return d.scratch[:n]
}
