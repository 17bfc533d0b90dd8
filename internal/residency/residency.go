// Package residency moves weight groups between host memory and the
// accelerator. Transfers are synchronous copies; a group's tensors may only be
// read for compute while the group is resident on the accelerator.
package residency

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/vidgen/internal/backend"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/tensor"
	"github.com/samcharles93/vidgen/internal/weights"
)

var (
	ErrNotResident    = errors.New("weight group not resident on accelerator")
	ErrOutOfResources = errors.New("out of accelerator resources")
	ErrUnknownGroup   = errors.New("unknown weight group")
)

type Location int

const (
	Host Location = iota
	Accelerator
)

func (l Location) String() string {
	if l == Accelerator {
		return "accelerator"
	}
	return "host"
}

// Policy selects between holding every group on the accelerator for the
// lifetime of the manager and shuttling each group in around its stage.
type Policy struct {
	Offload bool
	// Rank labels the manager's resident-bytes gauge.
	Rank int
}

type Stats struct {
	Uploads           int
	Downloads         int
	BytesUploaded     int64
	BytesDownloaded   int64
	ResidentBytes     int64
	PeakResidentBytes int64
	ResidentGroups    int
	MaxResidentGroups int
}

type group struct {
	host     *weights.Group
	loc      Location
	bufs     map[string]backend.Buffer
	resident map[string]*tensor.Tensor
}

type Manager struct {
	dev     backend.Device
	policy  Policy
	log     logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	order  []string
	groups map[string]*group
	stats  Stats
}

// New registers every group of set on the host. Without offload all groups
// are acquired immediately and held until Close.
func New(dev backend.Device, set *weights.Set, policy Policy, log logger.Logger, m *metrics.Metrics) (*Manager, error) {
	mgr := &Manager{
		dev:     dev,
		policy:  policy,
		log:     log.With("component", "residency"),
		metrics: m,
		groups:  make(map[string]*group),
	}
	for _, name := range set.Names() {
		g, _ := set.Group(name)
		mgr.order = append(mgr.order, name)
		mgr.groups[name] = &group{host: g, loc: Host}
	}
	if !policy.Offload {
		if err := mgr.AcquireAll(); err != nil {
			_ = mgr.Close()
			return nil, err
		}
	}
	return mgr, nil
}

func (m *Manager) Policy() Policy {
	return m.policy
}

func (m *Manager) lookup(name string) (*group, error) {
	g, ok := m.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g, nil
}

// Location reports where a group currently lives.
func (m *Manager) Location(name string) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(name)
	if err != nil {
		return Host, err
	}
	return g.loc, nil
}

// Ensure copies a group to the accelerator. It is a no-op when the group is
// already resident. A failed copy frees whatever part of the group was
// uploaded and returns ErrOutOfResources; it is never retried.
func (m *Manager) Ensure(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(name)
	if err != nil {
		return err
	}
	if g.loc == Accelerator {
		return nil
	}

	bufs := make(map[string]backend.Buffer, len(g.host.Tensors))
	resident := make(map[string]*tensor.Tensor, len(g.host.Tensors))
	var size int64
	for _, tname := range g.host.Names() {
		ht := g.host.Tensors[tname]
		buf, err := m.dev.Upload(ht.Data)
		if err != nil {
			for _, b := range bufs {
				_ = m.dev.Free(b)
			}
			m.log.Error("weight upload failed", "group", name, "tensor", tname, "error", err)
			return fmt.Errorf("ensure %s: %w: %w", name, ErrOutOfResources, err)
		}
		bufs[tname] = buf
		resident[tname] = &tensor.Tensor{Shape: ht.Shape, Data: buf.Data()}
		size += buf.Bytes()
	}
	g.bufs = bufs
	g.resident = resident
	g.loc = Accelerator

	m.stats.Uploads++
	m.stats.BytesUploaded += size
	m.stats.ResidentBytes += size
	m.stats.ResidentGroups++
	m.stats.PeakResidentBytes = max(m.stats.PeakResidentBytes, m.stats.ResidentBytes)
	m.stats.MaxResidentGroups = max(m.stats.MaxResidentGroups, m.stats.ResidentGroups)
	m.metrics.Transfer("upload", size)
	m.metrics.ResidentBytes(m.policy.Rank, m.stats.ResidentBytes)
	m.log.Debug("group resident", "group", name, "bytes", size)
	return nil
}

// Release copies a group back into host memory and frees its accelerator
// buffers. It is a no-op when the group is already on the host.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(name)
	if err != nil {
		return err
	}
	return m.release(name, g)
}

func (m *Manager) release(name string, g *group) error {
	if g.loc == Host {
		return nil
	}
	var size int64
	for _, tname := range g.host.Names() {
		buf := g.bufs[tname]
		if err := m.dev.Download(g.host.Tensors[tname].Data, buf); err != nil {
			return fmt.Errorf("release %s: %w: %w", name, ErrOutOfResources, err)
		}
		size += buf.Bytes()
		if err := m.dev.Free(buf); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
	}
	g.bufs = nil
	g.resident = nil
	g.loc = Host

	m.stats.Downloads++
	m.stats.BytesDownloaded += size
	m.stats.ResidentBytes -= size
	m.stats.ResidentGroups--
	m.metrics.Transfer("download", size)
	m.metrics.ResidentBytes(m.policy.Rank, m.stats.ResidentBytes)
	m.log.Debug("group released", "group", name, "bytes", size)
	return nil
}

// Weights returns the accelerator-side tensors of a resident group.
func (m *Manager) Weights(name string) (Weights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(name)
	if err != nil {
		return Weights{}, err
	}
	if g.loc != Accelerator {
		return Weights{}, fmt.Errorf("%w: %s", ErrNotResident, name)
	}
	return Weights{group: name, tensors: g.resident}, nil
}

// Stage runs fn with the weights of one group. Under the offload policy the
// group is uploaded immediately before fn and released immediately after, so
// at most one stage's weights occupy the accelerator.
func (m *Manager) Stage(name string, fn func(Weights) error) (err error) {
	if m.policy.Offload {
		if err := m.Ensure(name); err != nil {
			return err
		}
		defer func() {
			if rerr := m.Release(name); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}
	w, err := m.Weights(name)
	if err != nil {
		return err
	}
	return fn(w)
}

// AcquireAll uploads every group in pipeline order.
func (m *Manager) AcquireAll() error {
	for _, name := range m.order {
		if err := m.Ensure(name); err != nil {
			return err
		}
	}
	return nil
}

// Close returns every resident group to the host.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.order {
		if err := m.release(name, m.groups[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Weights is a read-only view of one resident group.
type Weights struct {
	group   string
	tensors map[string]*tensor.Tensor
}

func (w Weights) Group() string {
	return w.group
}

// T returns the named tensor. Layouts are validated when weights are loaded,
// so a missing name is a programming error and panics.
func (w Weights) T(name string) *tensor.Tensor {
	t, ok := w.tensors[name]
	if !ok {
		panic(fmt.Sprintf("residency: group %s has no tensor %q", w.group, name))
	}
	return t
}

// Vec returns the named tensor's data.
func (w Weights) Vec(name string) []float32 {
	return w.T(name).Data
}
