// Package featurecache decides, per transformer block and per step, whether
// to run the block or substitute an approximation of its output.
//
// Every strategy caches block deltas (output minus input) rather than raw
// outputs, so a reused delta is applied to the block's current input. State
// is kept per condition branch and per block; branches never share deltas.
package featurecache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/tensor"
)

var (
	ErrUnknownMode   = errors.New("unknown feature caching mode")
	ErrInvalidConfig = errors.New("invalid feature caching config")
)

type Mode int

const (
	NoCaching Mode = iota
	Threshold
	Extrapolation
)

func (m Mode) String() string {
	switch m {
	case NoCaching:
		return "none"
	case Threshold:
		return "tea"
	case Extrapolation:
		return "taylorseer"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves a configuration value. The checkpoint-era names
// ("NoCaching", "Tea", "TaylorSeer") are accepted alongside the descriptive
// ones.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "nocaching", "no_caching":
		return NoCaching, nil
	case "tea", "teacache", "threshold":
		return Threshold, nil
	case "taylorseer", "taylor", "extrapolation":
		return Extrapolation, nil
	default:
		return NoCaching, fmt.Errorf("%w: %q (expected none, tea or taylorseer)", ErrUnknownMode, s)
	}
}

// Branch identifies which conditioning a transformer pass runs under.
type Branch uint8

const (
	Cond Branch = iota
	Uncond
	Combined
)

func (b Branch) String() string {
	switch b {
	case Cond:
		return "cond"
	case Uncond:
		return "uncond"
	case Combined:
		return "combined"
	default:
		return fmt.Sprintf("Branch(%d)", int(b))
	}
}

// State of one cache entry.
type State int

const (
	Cold State = iota
	Exact
	Extrapolated
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Exact:
		return "exact"
	case Extrapolated:
		return "extrapolated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StepInfo describes one transformer-stack pass. StepIndex is the shared
// step counter before the pass advances it.
type StepInfo struct {
	StepIndex int
	NumSteps  int
	Branch    Branch
}

// BlockFunc computes one transformer block exactly.
type BlockFunc func(x *tensor.Tensor) (*tensor.Tensor, error)

// Entry is a snapshot of one (branch, block) cache entry.
type Entry struct {
	State State
	// Observations counts exact computations recorded since the entry's
	// history was last cleared.
	Observations int
	// LastExact is the step index of the latest exact computation, or -1.
	LastExact int
}

type Stats struct {
	Exact        int
	Approximated int
	// Fallbacks counts blocks computed exactly because an approximation
	// lacked history.
	Fallbacks int
	// ErrorSamples counts measurements of approximation error, taken when an
	// exact computation follows an approximated one.
	ErrorSamples int
	LastError    float64
	MaxError     float64
}

// Strategy is one feature caching policy. A Strategy belongs to a single
// pipeline instance and is not safe for concurrent use.
type Strategy interface {
	Mode() Mode
	// Reset returns every entry to Cold and clears statistics. It is called at
	// the start of each generation request.
	Reset()
	// Begin starts a transformer-stack pass. proxy is the step's conditioning
	// embedding; strategies that do not need it ignore it.
	Begin(info StepInfo, proxy []float32)
	// Block returns the output of block idx for input x, calling compute only
	// when the strategy decides on an exact computation.
	Block(idx int, x *tensor.Tensor, compute BlockFunc) (*tensor.Tensor, error)
	Entry(branch Branch, idx int) Entry
	Stats() Stats
}

// Config holds the calibration knobs. They have no universally correct
// values; tune them against measured approximation error.
type Config struct {
	Mode Mode

	// Threshold is the accumulated relative L1 change of the proxy below
	// which cached deltas are reused.
	Threshold float64
	// Rescale are polynomial coefficients, highest degree first, applied to
	// each relative change before accumulation. Empty means identity.
	Rescale []float64

	// Interval is the number of passes between exact computations.
	Interval int
	// MaxOrder caps the Taylor expansion order.
	MaxOrder int
	// Warmup is the number of passes at the start of each denoising pass
	// that are always exact.
	Warmup int
	// MinHistory is the number of exact observations an entry needs before
	// it may be extrapolated.
	MinHistory int
}

// DefaultConfig returns starting values for mode.
func DefaultConfig(mode Mode) Config {
	return Config{
		Mode:       mode,
		Threshold:  0.08,
		Interval:   3,
		MaxOrder:   1,
		Warmup:     2,
		MinHistory: 1,
	}
}

func (c Config) validate() error {
	switch c.Mode {
	case NoCaching:
		return nil
	case Threshold:
		if !(c.Threshold > 0) {
			return fmt.Errorf("%w: threshold must be positive, got %v", ErrInvalidConfig, c.Threshold)
		}
	case Extrapolation:
		if c.Interval < 1 {
			return fmt.Errorf("%w: interval must be at least 1, got %d", ErrInvalidConfig, c.Interval)
		}
		if c.MaxOrder < 0 || c.Warmup < 0 {
			return fmt.Errorf("%w: order and warmup must not be negative", ErrInvalidConfig)
		}
		if c.MinHistory < 1 {
			return fmt.Errorf("%w: min history must be at least 1, got %d", ErrInvalidConfig, c.MinHistory)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownMode, c.Mode)
	}
	return nil
}

// New builds the strategy selected by cfg.Mode.
func New(cfg Config, log logger.Logger, m *metrics.Metrics) (Strategy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := newBase(cfg.Mode, log, m)
	switch cfg.Mode {
	case Threshold:
		return &thresholdCache{base: b, threshold: cfg.Threshold, rescale: cfg.Rescale}, nil
	case Extrapolation:
		return &extrapolationCache{
			base:       b,
			interval:   cfg.Interval,
			maxOrder:   cfg.MaxOrder,
			warmup:     cfg.Warmup,
			minHistory: cfg.MinHistory,
		}, nil
	default:
		return &noCache{base: b}, nil
	}
}
