package distributed

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/vidgen/internal/metrics"
)

// Comm is the collective surface a rank sees. Every rank of a group must call
// the same operations in the same order.
type Comm interface {
	Rank() int
	WorldSize() int
	// AllToAll sends send[dst] to every rank dst and returns recv where
	// recv[src] is what rank src sent here.
	AllToAll(ctx context.Context, send [][]float32) ([][]float32, error)
	// SendRecv passes data to the next rank in the ring and returns what the
	// previous rank passed.
	SendRecv(ctx context.Context, send []float32) ([]float32, error)
	Barrier(ctx context.Context) error
}

// LocalGroup connects world in-process ranks with channels. Each rank runs in
// its own goroutine and talks to the group through Comm(rank).
type LocalGroup struct {
	world   int
	timeout time.Duration
	metrics *metrics.Metrics
	// a2a[src][dst] carries all-to-all payloads from src to dst.
	a2a [][]chan []float32
	// ring[r] carries the payload rank r receives in a ring step.
	ring []chan []float32
}

// NewLocalGroup builds a group of world ranks. A zero timeout waits until the
// context is cancelled.
func NewLocalGroup(world int, timeout time.Duration, m *metrics.Metrics) (*LocalGroup, error) {
	if world < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrWorldSizeMismatch, world)
	}
	g := &LocalGroup{
		world:   world,
		timeout: timeout,
		metrics: m,
		a2a:     make([][]chan []float32, world),
		ring:    make([]chan []float32, world),
	}
	for src := range world {
		g.a2a[src] = make([]chan []float32, world)
		for dst := range world {
			g.a2a[src][dst] = make(chan []float32, 1)
		}
		g.ring[src] = make(chan []float32, 1)
	}
	return g, nil
}

// Reset discards payloads left in flight by an aborted collective. It must
// only be called while no rank is using the group.
func (g *LocalGroup) Reset() (dropped int) {
	for src := range g.world {
		for dst := range g.world {
			dropped += drain(g.a2a[src][dst])
		}
		dropped += drain(g.ring[src])
	}
	return dropped
}

func drain(ch chan []float32) (n int) {
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

// WorldSize returns the number of ranks in the group.
func (g *LocalGroup) WorldSize() int { return g.world }

// Comm returns the endpoint for rank.
func (g *LocalGroup) Comm(rank int) Comm {
	if rank < 0 || rank >= g.world {
		panic(fmt.Sprintf("distributed: rank %d outside world of %d", rank, g.world))
	}
	return &localComm{group: g, rank: rank}
}

type localComm struct {
	group *LocalGroup
	rank  int
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.group.world }

func (c *localComm) deadline() (<-chan time.Time, func()) {
	if c.group.timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(c.group.timeout)
	return t.C, func() { t.Stop() }
}

func (c *localComm) send(ctx context.Context, ch chan<- []float32, data []float32, expired <-chan time.Time, op string) error {
	select {
	case ch <- slices.Clone(data):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: rank %d %s: %w", ErrCommunication, c.rank, op, ctx.Err())
	case <-expired:
		return fmt.Errorf("%w: rank %d %s: timed out after %s", ErrCommunication, c.rank, op, c.group.timeout)
	}
}

func (c *localComm) recv(ctx context.Context, ch <-chan []float32, expired <-chan time.Time, op string) ([]float32, error) {
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: rank %d %s: %w", ErrCommunication, c.rank, op, ctx.Err())
	case <-expired:
		return nil, fmt.Errorf("%w: rank %d %s: timed out after %s", ErrCommunication, c.rank, op, c.group.timeout)
	}
}

func (c *localComm) AllToAll(ctx context.Context, send [][]float32) (recv [][]float32, err error) {
	start := time.Now()
	defer func() { c.group.metrics.Collective("all_to_all", time.Since(start), err) }()
	return c.allToAll(ctx, send, "all_to_all")
}

func (c *localComm) allToAll(ctx context.Context, send [][]float32, op string) ([][]float32, error) {
	g := c.group
	if len(send) != g.world {
		return nil, fmt.Errorf("%w: rank %d %s with %d payloads for world of %d", ErrWorldSizeMismatch, c.rank, op, len(send), g.world)
	}
	expired, stop := c.deadline()
	defer stop()

	for dst := range g.world {
		if err := c.send(ctx, g.a2a[c.rank][dst], send[dst], expired, op); err != nil {
			return nil, err
		}
	}
	recv := make([][]float32, g.world)
	for src := range g.world {
		data, err := c.recv(ctx, g.a2a[src][c.rank], expired, op)
		if err != nil {
			return nil, err
		}
		recv[src] = data
	}
	return recv, nil
}

func (c *localComm) SendRecv(ctx context.Context, send []float32) (recv []float32, err error) {
	start := time.Now()
	defer func() { c.group.metrics.Collective("send_recv", time.Since(start), err) }()

	g := c.group
	expired, stop := c.deadline()
	defer stop()
	next := (c.rank + 1) % g.world
	if err := c.send(ctx, g.ring[next], send, expired, "send_recv"); err != nil {
		return nil, err
	}
	return c.recv(ctx, g.ring[c.rank], expired, "send_recv")
}

func (c *localComm) Barrier(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.group.metrics.Collective("barrier", time.Since(start), err) }()
	_, err = c.allToAll(ctx, make([][]float32, c.group.world), "barrier")
	return err
}
