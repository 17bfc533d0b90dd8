package featurecache

import (
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/tensor"
)

type entry struct {
	state     State
	lastExact int
	// delta is the last exact block delta (threshold) or the zeroth Taylor
	// term (extrapolation).
	delta []float32
	// derivs[i] is the i-th finite-difference derivative; derivs[0] aliases
	// delta.
	derivs       [][]float32
	observations int
}

type branchState struct {
	entries   map[int]*entry
	lastIndex int
	// calls counts passes since this branch's denoising pass began.
	calls int
	// sinceExact counts passes since the last exact pass.
	sinceExact int
	prevProxy  []float32
	accum      float64
}

// base holds the state every strategy shares: entries, the branch of the
// pass in flight and statistics.
type base struct {
	mode     Mode
	log      logger.Logger
	metrics  *metrics.Metrics
	branches map[Branch]*branchState
	cur      *branchState
	info     StepInfo
	stats    Stats
}

func newBase(mode Mode, log logger.Logger, m *metrics.Metrics) base {
	return base{
		mode:     mode,
		log:      log.With("component", "featurecache", "mode", mode.String()),
		metrics:  m,
		branches: make(map[Branch]*branchState),
	}
}

func (b *base) Mode() Mode {
	return b.mode
}

func (b *base) Reset() {
	clear(b.branches)
	b.cur = nil
	b.stats = Stats{}
}

func (b *base) Stats() Stats {
	return b.stats
}

func (b *base) Entry(branch Branch, idx int) Entry {
	bs, ok := b.branches[branch]
	if !ok {
		return Entry{State: Cold, LastExact: -1}
	}
	e, ok := bs.entries[idx]
	if !ok {
		return Entry{State: Cold, LastExact: -1}
	}
	return Entry{State: e.state, Observations: e.observations, LastExact: e.lastExact}
}

// begin selects the branch state for a pass and reports whether the pass
// starts a new denoising pass for that branch: the counter is at 0 or has
// wrapped since the branch was last seen.
func (b *base) begin(info StepInfo) (bs *branchState, newPass bool) {
	bs, ok := b.branches[info.Branch]
	if !ok {
		bs = &branchState{entries: make(map[int]*entry), lastIndex: -1}
		b.branches[info.Branch] = bs
	}
	newPass = info.StepIndex == 0 || info.StepIndex <= bs.lastIndex
	if newPass {
		bs.calls = 0
	}
	bs.lastIndex = info.StepIndex
	b.cur = bs
	b.info = info
	return bs, newPass
}

func (b *base) entry(idx int) *entry {
	e, ok := b.cur.entries[idx]
	if !ok {
		e = &entry{lastExact: -1}
		b.cur.entries[idx] = e
	}
	return e
}

// exact runs compute and returns the output with its delta.
func (b *base) exact(x *tensor.Tensor, compute BlockFunc) (*tensor.Tensor, []float32, error) {
	out, err := compute(x)
	if err != nil {
		return nil, nil, err
	}
	delta := make([]float32, len(out.Data))
	tensor.Sub(delta, out.Data, x.Data)
	b.stats.Exact++
	b.metrics.CacheDecision(b.mode.String(), "exact")
	return out, delta, nil
}

// approximate applies delta to x.
func (b *base) approximate(x *tensor.Tensor, delta []float32, decision string) *tensor.Tensor {
	out := x.Clone()
	tensor.Add(out.Data, delta)
	b.stats.Approximated++
	b.metrics.CacheDecision(b.mode.String(), decision)
	return out
}

// observeError records how far a substituted delta was from the exact one.
func (b *base) observeError(idx int, predicted, exact []float32) {
	rel := tensor.RelL1(predicted, exact)
	b.stats.ErrorSamples++
	b.stats.LastError = rel
	b.stats.MaxError = max(b.stats.MaxError, rel)
	b.metrics.ApproximationError(b.mode.String(), rel)
	b.log.Debug("approximation error",
		"branch", b.info.Branch.String(),
		"block", idx,
		"step_index", b.info.StepIndex,
		"rel_l1", rel,
	)
}

func usable(delta []float32, x *tensor.Tensor) bool {
	return delta != nil && len(delta) == len(x.Data)
}

// noCache always computes. It defines ground truth for the other strategies.
type noCache struct {
	base
}

func (c *noCache) Begin(info StepInfo, _ []float32) {
	c.begin(info)
}

func (c *noCache) Block(idx int, x *tensor.Tensor, compute BlockFunc) (*tensor.Tensor, error) {
	out, err := compute(x)
	if err != nil {
		return nil, err
	}
	e := c.entry(idx)
	e.state = Exact
	e.lastExact = c.info.StepIndex
	e.observations++
	c.stats.Exact++
	c.metrics.CacheDecision(c.mode.String(), "exact")
	return out, nil
}
