// Package pipeline runs one transformer pass of a diffusion-transformer
// video model: pre-projection, the block stack through the feature cache and
// post-projection, each stage bracketed by the residency manager.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/vidgen/internal/backend"
	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/featurecache"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/residency"
	"github.com/samcharles93/vidgen/internal/scheduler"
	"github.com/samcharles93/vidgen/internal/tensor"
	"github.com/samcharles93/vidgen/internal/weights"
)

// Deps are the collaborators a pipeline is built over.
type Deps struct {
	Device  backend.Device
	Weights *weights.Set
	// Comm is this rank's view of the distributed group. Nil runs a single
	// process.
	Comm    distributed.Comm
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// StepContext is the per-pass view of the denoising loop. The scheduler's
// step counter is read before the pass and advanced once after it.
type StepContext struct {
	Scheduler *scheduler.Scheduler
	// Step is the outer step the pass belongs to.
	Step int
}

// Inputs are the per-request conditions. Text and NegText are [tokens,
// TextDim]; Pooled is [TextDim]; Image is [SeqLen, LatentChannels] and only
// read for i2v. Guidance is the scale Hunyuan embeds into its conditioning.
type Inputs struct {
	Text      *tensor.Tensor
	NegText   *tensor.Tensor
	Pooled    []float32
	NegPooled []float32
	Image     *tensor.Tensor
	Guidance  float32
}

// Pipeline is one model instance. It is not safe for concurrent use; callers
// serialise requests.
type Pipeline struct {
	cfg     Config
	res     *residency.Manager
	cache   featurecache.Strategy
	coord   *distributed.Coordinator
	log     logger.Logger
	metrics *metrics.Metrics
}

// New checks the weights against the layout for cfg, selects the caching
// strategy and the attention coordinator, and registers every weight group
// with a residency manager on deps.Device.
func New(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	if deps.Device == nil || deps.Weights == nil {
		return nil, fmt.Errorf("%w: device and weights are required", ErrInvalidConfig)
	}
	if err := deps.Weights.Check(Layout(cfg)); err != nil {
		return nil, err
	}

	comm := deps.Comm
	if comm == nil {
		group, err := distributed.NewLocalGroup(1, 0, deps.Metrics)
		if err != nil {
			return nil, err
		}
		comm = group.Comm(0)
	}
	log = log.With("family", cfg.Family.String(), "rank", comm.Rank())

	cache, err := featurecache.New(cfg.Cache, log, deps.Metrics)
	if err != nil {
		return nil, err
	}
	coord, err := distributed.New(ctx, cfg.Attention, comm, cfg.SeqLen(), log)
	if err != nil {
		return nil, err
	}
	res, err := residency.New(deps.Device, deps.Weights, residency.Policy{Offload: cfg.Offload, Rank: comm.Rank()}, log, deps.Metrics)
	if err != nil {
		return nil, err
	}

	log.Info("pipeline ready",
		"task", cfg.Task.String(),
		"blocks", cfg.Blocks,
		"seq_len", cfg.SeqLen(),
		"feature_caching", cfg.Cache.Mode.String(),
		"attention", cfg.Attention.String(),
		"world_size", coord.WorldSize(),
		"offload", cfg.Offload,
		"weight_bytes", deps.Weights.Bytes(),
	)
	return &Pipeline{
		cfg:     cfg,
		res:     res,
		cache:   cache,
		coord:   coord,
		log:     log,
		metrics: deps.Metrics,
	}, nil
}

func (p *Pipeline) Config() Config { return p.cfg }

// Branches lists the passes one outer step runs, in order.
func (p *Pipeline) Branches() []Branch { return p.cfg.Branches() }

func (p *Pipeline) Cache() featurecache.Strategy { return p.cache }

func (p *Pipeline) Residency() *residency.Manager { return p.res }

func (p *Pipeline) Coordinator() *distributed.Coordinator { return p.coord }

// Reset clears per-request state. Call it before the first step of every
// request.
func (p *Pipeline) Reset() {
	p.cache.Reset()
}

// Close returns every weight group to the host.
func (p *Pipeline) Close() error {
	return p.res.Close()
}

func (p *Pipeline) checkInputs(latents *tensor.Tensor, in Inputs, branch Branch) error {
	if !slices.Contains(p.cfg.Branches(), branch) {
		return fmt.Errorf("%w: %s does not run a %s branch", ErrInvalidInput, p.cfg.Family, branch)
	}
	n, c := p.cfg.SeqLen(), p.cfg.LatentChannels
	if latents == nil || latents.Len() != n*c {
		return fmt.Errorf("%w: latents must hold %dx%d values", ErrInvalidInput, n, c)
	}
	switch p.cfg.Family {
	case Wan:
		text := in.Text
		if branch == Uncond {
			text = in.NegText
		}
		if text == nil || text.Rows() == 0 || text.Cols() != p.cfg.TextDim {
			return fmt.Errorf("%w: %s text embedding must be [tokens, %d]", ErrInvalidInput, branch, p.cfg.TextDim)
		}
	case Hunyuan:
		if len(in.Pooled) != p.cfg.TextDim {
			return fmt.Errorf("%w: pooled text embedding must have %d values, got %d", ErrInvalidInput, p.cfg.TextDim, len(in.Pooled))
		}
	}
	if p.cfg.Task == I2V && (in.Image == nil || in.Image.Len() != n*c) {
		return fmt.Errorf("%w: i2v needs an image condition of %dx%d values", ErrInvalidInput, n, c)
	}
	return nil
}

// Infer runs one transformer pass over the scheduler's latents for branch
// and returns the full-sequence prediction shaped like the latents. It
// advances the scheduler's step counter once.
func (p *Pipeline) Infer(ctx context.Context, sc *StepContext, in Inputs, branch Branch) (*tensor.Tensor, error) {
	start := time.Now()
	sched := sc.Scheduler
	latents := sched.Latents()
	if err := p.checkInputs(latents, in, branch); err != nil {
		return nil, err
	}

	x := tensor.MustFromData(latents.Data, p.cfg.SeqLen(), p.cfg.LatentChannels)
	if p.cfg.Task == I2V {
		img := tensor.MustFromData(in.Image.Data, p.cfg.SeqLen(), p.cfg.LatentChannels)
		joined, err := tensor.ConcatCols(x, img)
		if err != nil {
			return nil, err
		}
		x = joined
	}
	local, err := p.coord.Local(x)
	if err != nil {
		return nil, err
	}

	info := featurecache.StepInfo{
		StepIndex: sched.StepIndex(),
		NumSteps:  sched.NumSteps(),
		Branch:    branch,
	}

	var (
		hidden *tensor.Tensor
		cond   conditioning
	)
	err = p.res.Stage(weights.GroupPre, func(w residency.Weights) error {
		var err error
		hidden, cond, err = p.pre(w, local, sched.Timestep(sc.Step), in, branch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pre-projection: %w", err)
	}

	p.cache.Begin(info, cond.mod)
	for i := range p.cfg.Blocks {
		group := weights.BlockGroup(i)
		hidden, err = p.cache.Block(i, hidden, func(x *tensor.Tensor) (*tensor.Tensor, error) {
			var out *tensor.Tensor
			err := p.res.Stage(group, func(w residency.Weights) error {
				var err error
				out, err = p.block(ctx, w, x, cond)
				return err
			})
			return out, err
		})
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}

	var out *tensor.Tensor
	err = p.res.Stage(weights.GroupPost, func(w residency.Weights) error {
		var err error
		out, err = p.post(w, hidden, cond)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("post-projection: %w", err)
	}

	full, err := p.coord.Gather(ctx, out)
	if err != nil {
		return nil, err
	}
	pred, err := full.Reshape(latents.Shape...)
	if err != nil {
		return nil, err
	}

	sched.Advance()
	took := time.Since(start)
	p.metrics.Pass(p.cfg.Family.String(), branch.String(), took)
	p.log.Debug("pass done",
		"step", sc.Step,
		"step_index", info.StepIndex,
		"branch", branch.String(),
		"took", took,
	)
	return pred, nil
}

// Denoise runs every branch of outer step sc.Step, merges the predictions
// into the scheduler's noise prediction and applies the latent update.
func (p *Pipeline) Denoise(ctx context.Context, sc *StepContext, in Inputs) error {
	start := time.Now()
	sched := sc.Scheduler
	switch p.cfg.Family {
	case Wan:
		cond, err := p.Infer(ctx, sc, in, Cond)
		if err != nil {
			return err
		}
		uncond, err := p.Infer(ctx, sc, in, Uncond)
		if err != nil {
			return err
		}
		if _, err := sched.Merge(cond, uncond); err != nil {
			return err
		}
	case Hunyuan:
		pred, err := p.Infer(ctx, sc, in, Combined)
		if err != nil {
			return err
		}
		sched.SetNoisePred(pred)
	default:
		return errors.New("pipeline: unsupported family")
	}
	if err := sched.Step(sc.Step); err != nil {
		return err
	}
	if p.coord.Shard().Rank == 0 {
		p.metrics.Step(p.cfg.Family.String(), time.Since(start))
	}
	return nil
}
