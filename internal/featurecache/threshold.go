package featurecache

import (
	"math"
	"slices"

	"github.com/samcharles93/vidgen/internal/tensor"
)

// thresholdCache reuses the last exact block deltas while the step's
// conditioning embedding has drifted less than a threshold since the last
// exact pass. Every denoising pass starts exact.
type thresholdCache struct {
	base
	threshold float64
	rescale   []float64

	passExact bool
}

func (c *thresholdCache) Begin(info StepInfo, proxy []float32) {
	bs, newPass := c.begin(info)

	forced := newPass || bs.prevProxy == nil || len(bs.prevProxy) != len(proxy)
	if forced {
		bs.accum = 0
		c.passExact = true
	} else {
		bs.accum += polyval(c.rescale, tensor.RelL1(proxy, bs.prevProxy))
		if bs.accum < c.threshold {
			c.passExact = false
		} else {
			c.passExact = true
			bs.accum = 0
		}
	}
	bs.prevProxy = slices.Clone(proxy)
	bs.calls++
	c.log.Debug("pass decision",
		"branch", info.Branch.String(),
		"step_index", info.StepIndex,
		"exact", c.passExact,
		"forced", forced,
		"accumulated", bs.accum,
	)
}

func (c *thresholdCache) Block(idx int, x *tensor.Tensor, compute BlockFunc) (*tensor.Tensor, error) {
	e := c.entry(idx)
	if !c.passExact && e.state != Cold && usable(e.delta, x) {
		e.state = Extrapolated
		return c.approximate(x, e.delta, "reused"), nil
	}

	out, delta, err := c.exact(x, compute)
	if err != nil {
		return nil, err
	}
	if e.state == Extrapolated && usable(e.delta, x) {
		c.observeError(idx, e.delta, delta)
	}
	e.delta = delta
	e.state = Exact
	e.lastExact = c.info.StepIndex
	e.observations++
	return out, nil
}

// polyval evaluates coeffs (highest degree first) at x. No coefficients
// means the identity.
func polyval(coeffs []float64, x float64) float64 {
	if len(coeffs) == 0 {
		return x
	}
	var y float64
	for _, c := range coeffs {
		y = y*x + c
	}
	return math.Abs(y)
}
