package distributed

import (
	"context"
	"fmt"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/tensor"
)

// Coordinator runs the attention collectives for one rank. It is created once
// per pipeline and used by every self-attention call of every pass.
type Coordinator struct {
	mode   Mode
	comm   Comm
	seqLen int
	shards []Shard
	shard  Shard
	log    logger.Logger
}

// New validates that every rank agrees on the world size, the sequence length
// and the mode, then returns the coordinator for comm's rank.
func New(ctx context.Context, mode Mode, comm Comm, seqLen int, log logger.Logger) (*Coordinator, error) {
	world := comm.WorldSize()
	if mode == None && world > 1 {
		return nil, fmt.Errorf("%w: mode %s with world size %d", ErrWorldSizeMismatch, mode, world)
	}
	shards, err := Partition(seqLen, world)
	if err != nil {
		return nil, err
	}
	rank := comm.Rank()
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("%w: rank %d outside world of %d", ErrWorldSizeMismatch, rank, world)
	}
	c := &Coordinator{
		mode:   mode,
		comm:   comm,
		seqLen: seqLen,
		shards: shards,
		shard:  shards[rank],
		log:    log.With("component", "distributed", "rank", rank, "world_size", world, "mode", mode.String()),
	}
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	c.log.Debug("coordinator ready", "shard_start", c.shard.Start, "shard_length", c.shard.Length)
	return c, nil
}

func (c *Coordinator) handshake(ctx context.Context) error {
	world := len(c.shards)
	hello := []float32{
		float32(world),
		float32(c.seqLen),
		float32(c.mode),
		float32(c.shard.Start),
		float32(c.shard.Length),
	}
	send := make([][]float32, world)
	for i := range send {
		send[i] = hello
	}
	recv, err := c.comm.AllToAll(ctx, send)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for src, got := range recv {
		if len(got) != len(hello) {
			return fmt.Errorf("%w: rank %d sent a %d-value handshake", ErrWorldSizeMismatch, src, len(got))
		}
		want := c.shards[src]
		if int(got[0]) != world || int(got[1]) != c.seqLen || Mode(got[2]) != c.mode ||
			int(got[3]) != want.Start || int(got[4]) != want.Length {
			return fmt.Errorf("%w: rank %d reports world=%d seq_len=%d mode=%s shard=[%d,+%d), rank %d expects world=%d seq_len=%d mode=%s shard=[%d,+%d)",
				ErrWorldSizeMismatch, src, int(got[0]), int(got[1]), Mode(got[2]), int(got[3]), int(got[4]),
				c.shard.Rank, world, c.seqLen, c.mode, want.Start, want.Length)
		}
	}
	return nil
}

func (c *Coordinator) Mode() Mode     { return c.mode }
func (c *Coordinator) Shard() Shard   { return c.shard }
func (c *Coordinator) SeqLen() int    { return c.seqLen }
func (c *Coordinator) WorldSize() int { return len(c.shards) }

// Local returns this rank's rows of a full-sequence tensor.
func (c *Coordinator) Local(full *tensor.Tensor) (*tensor.Tensor, error) {
	if full.Rows() != c.seqLen {
		return nil, fmt.Errorf("distributed: local shard of %d rows, expected %d", full.Rows(), c.seqLen)
	}
	return full.SliceRows(c.shard.Start, c.shard.Length), nil
}

// Attention computes self-attention for the local query rows. k and v hold
// the local shard's keys and values.
func (c *Coordinator) Attention(ctx context.Context, q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if q.Rows() != c.shard.Length || k.Rows() != c.shard.Length || v.Rows() != c.shard.Length {
		return nil, fmt.Errorf("distributed: attention inputs have %d/%d/%d rows, shard has %d",
			q.Rows(), k.Rows(), v.Rows(), c.shard.Length)
	}
	if len(c.shards) == 1 {
		return tensor.Attention(q, k, v, heads)
	}
	switch c.mode {
	case SequenceShardExchange:
		return c.exchangeAttention(ctx, q, k, v, heads)
	case RingPass:
		return c.ringAttention(ctx, q, k, v, heads)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, c.mode)
	}
}

func packKV(k, v *tensor.Tensor) []float32 {
	out := make([]float32, 0, len(k.Data)+len(v.Data))
	out = append(out, k.Data...)
	return append(out, v.Data...)
}

func (c *Coordinator) unpackKV(src int, data []float32, cols int) (k, v *tensor.Tensor, err error) {
	rows := c.shards[src].Length
	if len(data) != 2*rows*cols {
		return nil, nil, fmt.Errorf("%w: rank %d sent %d values, expected %d", ErrCommunication, src, len(data), 2*rows*cols)
	}
	half := rows * cols
	return tensor.MustFromData(data[:half], rows, cols), tensor.MustFromData(data[half:], rows, cols), nil
}

func (c *Coordinator) exchangeAttention(ctx context.Context, q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	kv := packKV(k, v)
	send := make([][]float32, len(c.shards))
	for i := range send {
		send[i] = kv
	}
	recv, err := c.comm.AllToAll(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("exchange attention: %w", err)
	}
	ks := make([]*tensor.Tensor, len(recv))
	vs := make([]*tensor.Tensor, len(recv))
	for src, data := range recv {
		if ks[src], vs[src], err = c.unpackKV(src, data, k.Cols()); err != nil {
			return nil, err
		}
	}
	fullK, err := tensor.ConcatRows(ks...)
	if err != nil {
		return nil, err
	}
	fullV, err := tensor.ConcatRows(vs...)
	if err != nil {
		return nil, err
	}
	return tensor.Attention(q, fullK, fullV, heads)
}

type ringResult struct {
	data []float32
	err  error
}

func (c *Coordinator) ringAttention(ctx context.Context, q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	world := len(c.shards)
	acc, err := tensor.NewAttentionAccumulator(q, heads)
	if err != nil {
		return nil, err
	}
	cols := k.Cols()
	cur := packKV(k, v)
	owner := c.shard.Rank
	for round := range world {
		var pending chan ringResult
		if round < world-1 {
			pending = make(chan ringResult, 1)
			go func(send []float32) {
				data, err := c.comm.SendRecv(ctx, send)
				pending <- ringResult{data: data, err: err}
			}(cur)
		}
		blockK, blockV, err := c.unpackKV(owner, cur, cols)
		if err == nil {
			err = acc.Add(blockK, blockV)
		}
		if err != nil {
			if pending != nil {
				<-pending
			}
			return nil, err
		}
		if pending == nil {
			break
		}
		res := <-pending
		if res.err != nil {
			return nil, fmt.Errorf("ring attention round %d: %w", round, res.err)
		}
		cur = res.data
		owner = (owner - 1 + world) % world
	}
	return acc.Result(), nil
}

// Gather reassembles the full sequence from every rank's local rows.
func (c *Coordinator) Gather(ctx context.Context, local *tensor.Tensor) (*tensor.Tensor, error) {
	if local.Rows() != c.shard.Length {
		return nil, fmt.Errorf("distributed: gather of %d rows, shard has %d", local.Rows(), c.shard.Length)
	}
	if len(c.shards) == 1 {
		return local.Clone(), nil
	}
	send := make([][]float32, len(c.shards))
	for i := range send {
		send[i] = local.Data
	}
	recv, err := c.comm.AllToAll(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	cols := local.Cols()
	parts := make([]*tensor.Tensor, len(recv))
	for src, data := range recv {
		rows := c.shards[src].Length
		if len(data) != rows*cols {
			return nil, fmt.Errorf("%w: rank %d gathered %d values, expected %d", ErrCommunication, src, len(data), rows*cols)
		}
		parts[src] = tensor.MustFromData(data, rows, cols)
	}
	return tensor.ConcatRows(parts...)
}

// AgreeStop exchanges each rank's stop flag and reports whether any rank
// asked to stop. Every rank gets the same answer, so ranks leave the step
// loop together and no collective is left half finished.
func (c *Coordinator) AgreeStop(ctx context.Context, stop bool) (bool, error) {
	if len(c.shards) == 1 {
		return stop, nil
	}
	var flag float32
	if stop {
		flag = 1
	}
	send := make([][]float32, len(c.shards))
	for i := range send {
		send[i] = []float32{flag}
	}
	recv, err := c.comm.AllToAll(ctx, send)
	if err != nil {
		return false, fmt.Errorf("agree stop: %w", err)
	}
	for src, got := range recv {
		if len(got) != 1 {
			return false, fmt.Errorf("%w: rank %d sent a %d-value stop flag", ErrCommunication, src, len(got))
		}
		if got[0] != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Barrier blocks until every rank reaches it.
func (c *Coordinator) Barrier(ctx context.Context) error {
	return c.comm.Barrier(ctx)
}
