// Package cpu provides the reference accelerator: device memory is a separate
// host allocation with a fixed byte budget, so residency transitions perform
// real copies and exhaustion behaves like a GPU pool.
package cpu

import (
	"fmt"
	"sync"

	"github.com/samcharles93/vidgen/internal/backend"
)

// Unlimited disables the capacity check.
const Unlimited int64 = 0

type Device struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	peak     int64
	live     map[*buffer]struct{}
	closed   bool
}

type buffer struct {
	data []float32
}

func (b *buffer) Len() int        { return len(b.data) }
func (b *buffer) Bytes() int64    { return int64(len(b.data)) * 4 }
func (b *buffer) Data() []float32 { return b.data }

// New returns a device with the given capacity in bytes. Unlimited (0)
// accepts any allocation.
func New(capacity int64) *Device {
	return &Device{
		capacity: capacity,
		live:     make(map[*buffer]struct{}),
	}
}

func (d *Device) Name() string {
	return backend.CPU
}

func (d *Device) Upload(host []float32) (backend.Buffer, error) {
	size := int64(len(host)) * 4
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("cpu device: upload after close")
	}
	if d.capacity > Unlimited && d.used+size > d.capacity {
		return nil, &backend.NoMemError{
			Device:    backend.CPU,
			Requested: size,
			Available: d.capacity - d.used,
		}
	}
	buf := &buffer{data: make([]float32, len(host))}
	copy(buf.data, host)
	d.used += size
	d.peak = max(d.peak, d.used)
	d.live[buf] = struct{}{}
	return buf, nil
}

func (d *Device) Download(dst []float32, b backend.Buffer) error {
	buf, err := d.own(b)
	if err != nil {
		return err
	}
	if len(dst) != len(buf.data) {
		return fmt.Errorf("cpu device: download size %d != buffer size %d", len(dst), len(buf.data))
	}
	copy(dst, buf.data)
	return nil
}

func (d *Device) Free(b backend.Buffer) error {
	buf, err := d.own(b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, buf)
	d.used -= buf.Bytes()
	buf.data = nil
	return nil
}

func (d *Device) own(b backend.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok {
		return nil, fmt.Errorf("cpu device: foreign buffer %T", b)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.live[buf]; !live {
		return nil, fmt.Errorf("cpu device: buffer already freed")
	}
	return buf, nil
}

func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Peak returns the high-water mark of allocated bytes.
func (d *Device) Peak() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *Device) Capacity() int64 {
	return d.capacity
}

// Close frees every live buffer.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for buf := range d.live {
		buf.data = nil
	}
	clear(d.live)
	d.used = 0
	d.closed = true
	return nil
}
