package featurecache

import (
	"github.com/samcharles93/vidgen/internal/tensor"
)

// extrapolationCache predicts block deltas from a Taylor expansion of the
// finite differences between exact observations. Exact passes happen at the
// start of every denoising pass, during warmup and every interval passes.
type extrapolationCache struct {
	base
	interval   int
	maxOrder   int
	warmup     int
	minHistory int

	passExact bool
}

func (c *extrapolationCache) Begin(info StepInfo, _ []float32) {
	bs, newPass := c.begin(info)
	if newPass {
		// A new denoising pass invalidates the step coordinate the
		// derivatives were measured against.
		for _, e := range bs.entries {
			e.derivs = nil
			e.delta = nil
			e.observations = 0
		}
	}
	c.passExact = newPass || bs.calls < c.warmup || bs.sinceExact+1 >= c.interval
	if c.passExact {
		bs.sinceExact = 0
	} else {
		bs.sinceExact++
	}
	bs.calls++
	c.log.Debug("pass decision",
		"branch", info.Branch.String(),
		"step_index", info.StepIndex,
		"exact", c.passExact,
		"new_pass", newPass,
	)
}

func (c *extrapolationCache) Block(idx int, x *tensor.Tensor, compute BlockFunc) (*tensor.Tensor, error) {
	e := c.entry(idx)
	if !c.passExact {
		if e.observations >= c.minHistory && usable(e.delta, x) {
			e.state = Extrapolated
			return c.approximate(x, c.predict(e, c.info.StepIndex), "extrapolated"), nil
		}
		c.stats.Fallbacks++
		c.log.Debug("insufficient history, computing exactly",
			"branch", c.info.Branch.String(),
			"block", idx,
			"observations", e.observations,
			"min_history", c.minHistory,
		)
	}

	out, delta, err := c.exact(x, compute)
	if err != nil {
		return nil, err
	}
	if e.state == Extrapolated && usable(e.delta, x) {
		c.observeError(idx, c.predict(e, c.info.StepIndex), delta)
	}
	c.record(e, delta, c.info.StepIndex)
	return out, nil
}

// record folds an exact delta observed at step t into the derivative
// history: d'_0 = delta, d'_{i+1} = (d'_i - d_i) / (t - t0).
func (c *extrapolationCache) record(e *entry, delta []float32, t int) {
	dt := float32(t - e.lastExact)
	next := make([][]float32, 0, c.maxOrder+1)
	next = append(next, delta)
	if e.derivs != nil && dt > 0 && len(e.derivs[0]) == len(delta) {
		for i := 0; i < c.maxOrder && i < len(e.derivs); i++ {
			d := make([]float32, len(delta))
			tensor.Sub(d, next[i], e.derivs[i])
			tensor.Scale(d, 1/dt)
			next = append(next, d)
		}
	}
	e.derivs = next
	e.delta = delta
	e.state = Exact
	e.lastExact = t
	e.observations++
}

// predict evaluates the Taylor expansion at step t. The order grows with
// the number of observations up to maxOrder.
func (c *extrapolationCache) predict(e *entry, t int) []float32 {
	order := min(c.maxOrder, e.observations-1, len(e.derivs)-1)
	out := make([]float32, len(e.derivs[0]))
	copy(out, e.derivs[0])
	dt := float32(t - e.lastExact)
	coeff := float32(1)
	for i := 1; i <= order; i++ {
		coeff *= dt / float32(i)
		tensor.AddScaled(out, e.derivs[i], coeff)
	}
	return out
}
