package backend

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// ErrUnavailable is returned when a backend name is valid but not compiled in.
var ErrUnavailable = errors.New("backend not available in this build")

// Buffer is a block of accelerator memory holding one float32 tensor.
type Buffer interface {
	Len() int
	Bytes() int64
	// Data exposes the device-side storage to kernels running on the same
	// device. Callers must not retain it past Free.
	Data() []float32
}

// Device is an accelerator with a bounded memory pool. Transfers are
// synchronous: Upload and Download return once the copy is complete.
type Device interface {
	Name() string
	// Upload copies host data into a freshly allocated device buffer.
	// A *NoMemError is returned when the pool cannot hold it.
	Upload(host []float32) (Buffer, error)
	// Download copies device data back into dst, which must have buf.Len()
	// elements.
	Download(dst []float32, buf Buffer) error
	Free(buf Buffer) error
	Used() int64
	Capacity() int64
	Close() error
}

// NoMemError reports accelerator memory exhaustion.
type NoMemError struct {
	Device    string
	Requested int64
	Available int64
}

func (e *NoMemError) Error() string {
	return fmt.Sprintf("%s: out of memory: requested %d bytes, %d available", e.Device, e.Requested, e.Available)
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", backend)
	}
}

// Has reports whether the named backend can be opened.
func Has(name string) bool {
	return name == CPU
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{CPU}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

// Resolve maps auto to the best compiled-in backend and rejects backends
// that are not available.
func Resolve(name string) (string, error) {
	n, err := Normalize(name)
	if err != nil {
		return "", err
	}
	if n == Auto {
		if Has(CUDA) {
			return CUDA, nil
		}
		return CPU, nil
	}
	if !Has(n) {
		return "", fmt.Errorf("%s: %w", n, ErrUnavailable)
	}
	return n, nil
}
