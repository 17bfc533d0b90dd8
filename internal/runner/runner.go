// Package runner turns generation requests into denoising runs. It owns the
// pipeline replicas (one per rank), drives the outer step loop and writes the
// final latents.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/vidgen/internal/backend"
	"github.com/samcharles93/vidgen/internal/backend/cpu"
	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/featurecache"
	"github.com/samcharles93/vidgen/internal/imagecond"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/metrics"
	"github.com/samcharles93/vidgen/internal/pipeline"
	"github.com/samcharles93/vidgen/internal/residency"
	"github.com/samcharles93/vidgen/internal/safetensors"
	"github.com/samcharles93/vidgen/internal/scheduler"
	"github.com/samcharles93/vidgen/internal/tensor"
	"github.com/samcharles93/vidgen/internal/textenc"
	"github.com/samcharles93/vidgen/internal/tokenizer"
	"github.com/samcharles93/vidgen/internal/weights"
)

var ErrInvalidRequest = errors.New("invalid request")

// LatentsTensor is the tensor name the output file stores latents under.
const LatentsTensor = "latents"

type Config struct {
	Pipeline pipeline.Config

	NumSteps      int
	GuidanceScale float64
	Shift         float64
	// EmbeddedGuidance is the guidance Hunyuan folds into its conditioning.
	EmbeddedGuidance float64

	// WorldSize is the number of in-process ranks. Zero means one.
	WorldSize       int
	ExchangeTimeout time.Duration

	Backend string
	// AcceleratorMemory bounds each rank's device in bytes. Zero is unlimited.
	AcceleratorMemory int64

	// ModelDir holds *.safetensors weights and optionally tokenizer.json.
	// Empty synthesises weights from WeightSeed.
	ModelDir   string
	WeightSeed int64

	Seed          int64
	MaxTextTokens int
}

// DefaultConfig is the configuration of the small synthetic model.
func DefaultConfig() Config {
	return Config{
		Pipeline:         pipeline.DefaultConfig(pipeline.Wan),
		NumSteps:         8,
		GuidanceScale:    5,
		Shift:            3,
		EmbeddedGuidance: 6,
		WorldSize:        1,
		ExchangeTimeout:  30 * time.Second,
		Backend:          backend.Auto,
		WeightSeed:       1,
		Seed:             42,
		MaxTextTokens:    64,
	}
}

// Request is one generation job.
type Request struct {
	ID             string
	Prompt         string
	NegativePrompt string
	// ImagePath is the reference image for i2v.
	ImagePath string
	// SavePath is where the latents are written.
	SavePath string
	// Seed overrides the configured noise seed when non-nil.
	Seed *int64
}

type Result struct {
	ID        string
	SavePath  string
	Steps     int
	Duration  time.Duration
	Cache     featurecache.Stats
	Residency residency.Stats
}

// Runner serialises requests over one set of pipeline replicas.
type Runner struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics
	enc     *textenc.Encoder
	group   *distributed.LocalGroup
	ranks   []*pipeline.Pipeline

	mu sync.Mutex
}

// New loads or synthesises the weights and builds one pipeline per rank. The
// ranks are built concurrently because construction performs a collective
// handshake.
func New(ctx context.Context, cfg Config, log logger.Logger, m *metrics.Metrics) (*Runner, error) {
	if log == nil {
		log = logger.Discard()
	}
	if _, err := scheduler.New(scheduler.Config{NumSteps: cfg.NumSteps, GuidanceScale: cfg.GuidanceScale, Shift: cfg.Shift}); err != nil {
		return nil, err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	dev, err := backend.Resolve(cfg.Backend)
	if err != nil {
		return nil, err
	}
	world := max(cfg.WorldSize, 1)

	layout := pipeline.Layout(cfg.Pipeline)
	var set *weights.Set
	if cfg.ModelDir != "" {
		set, err = weights.LoadDir(cfg.ModelDir, layout, log)
		if err != nil {
			return nil, err
		}
	} else {
		set = weights.Synthesize(layout, cfg.WeightSeed)
		log.Info("synthesised weights", "seed", cfg.WeightSeed, "tensors", len(layout), "bytes", set.Bytes())
	}

	tok, err := tokenizer.ForDir(cfg.ModelDir, 32000)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	enc, err := textenc.New(tok, cfg.Pipeline.TextDim, max(cfg.MaxTextTokens, 1), cfg.WeightSeed)
	if err != nil {
		return nil, err
	}

	group, err := distributed.NewLocalGroup(world, cfg.ExchangeTimeout, m)
	if err != nil {
		return nil, err
	}
	ranks := make([]*pipeline.Pipeline, world)
	g, gctx := errgroup.WithContext(ctx)
	for r := range world {
		rankSet := set
		if r > 0 {
			rankSet = set.Clone()
		}
		g.Go(func() error {
			p, err := pipeline.New(gctx, cfg.Pipeline, pipeline.Deps{
				Device:  cpu.New(cfg.AcceleratorMemory),
				Weights: rankSet,
				Comm:    group.Comm(r),
				Logger:  log,
				Metrics: m,
			})
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			ranks[r] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range ranks {
			if p != nil {
				_ = p.Close()
			}
		}
		return nil, err
	}

	log.Info("runner ready",
		"backend", dev,
		"family", cfg.Pipeline.Family.String(),
		"task", cfg.Pipeline.Task.String(),
		"world_size", world,
		"steps", cfg.NumSteps,
	)
	return &Runner{cfg: cfg, log: log, metrics: m, enc: enc, group: group, ranks: ranks}, nil
}

func (r *Runner) Config() Config { return r.cfg }

// Close releases every replica's weights.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, p := range r.ranks {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

func (r *Runner) validate(req Request) error {
	if strings.TrimSpace(req.SavePath) == "" {
		return fmt.Errorf("%w: save_video_path is required", ErrInvalidRequest)
	}
	if r.cfg.Pipeline.Task == pipeline.I2V && strings.TrimSpace(req.ImagePath) == "" {
		return fmt.Errorf("%w: image_path is required for i2v", ErrInvalidRequest)
	}
	return nil
}

func (r *Runner) inputs(req Request) (pipeline.Inputs, error) {
	pos, err := r.enc.Encode(req.Prompt)
	if err != nil {
		return pipeline.Inputs{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	neg, err := r.enc.Encode(req.NegativePrompt)
	if err != nil {
		return pipeline.Inputs{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	in := pipeline.Inputs{
		Text:      pos.Tokens,
		NegText:   neg.Tokens,
		Pooled:    pos.Pooled,
		NegPooled: neg.Pooled,
		Guidance:  float32(r.cfg.EmbeddedGuidance),
	}
	if r.cfg.Pipeline.Task == pipeline.I2V {
		pc := r.cfg.Pipeline
		in.Image, err = imagecond.Load(req.ImagePath, imagecond.Grid{
			Frames:   pc.Frames,
			Height:   pc.Height,
			Width:    pc.Width,
			Channels: pc.LatentChannels,
		})
		if err != nil {
			return pipeline.Inputs{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return in, nil
}

// Generate runs one request to completion. Requests queue on a mutex so a
// runner only ever has one in flight. Cancellation is observed between
// steps; an aborted request writes no output.
func (r *Runner) Generate(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = "invalid"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = "cancelled"
		case err != nil:
			status = "error"
		}
		r.metrics.Request(status, time.Since(start))
	}()

	if err := r.validate(req); err != nil {
		return Result{}, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := r.log.With("request_id", id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	in, err := r.inputs(req)
	if err != nil {
		return Result{}, err
	}
	seed := r.cfg.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	log.Info("generation started",
		"prompt", req.Prompt,
		"steps", r.cfg.NumSteps,
		"seed", seed,
		"world_size", len(r.ranks),
	)

	latents, err := r.denoise(ctx, in, seed, log)
	if err != nil {
		log.Error("generation failed", "error", err)
		if dropped := r.group.Reset(); dropped > 0 {
			log.Warn("discarded stale collective payloads", "count", dropped)
		}
		return Result{}, err
	}

	meta := map[string]string{
		"request_id":      id,
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"family":          r.cfg.Pipeline.Family.String(),
		"task":            r.cfg.Pipeline.Task.String(),
		"steps":           strconv.Itoa(r.cfg.NumSteps),
		"seed":            strconv.FormatInt(seed, 10),
		"feature_caching": r.cfg.Pipeline.Cache.Mode.String(),
		"frames":          strconv.Itoa(r.cfg.Pipeline.Frames),
		"height":          strconv.Itoa(r.cfg.Pipeline.Height),
		"width":           strconv.Itoa(r.cfg.Pipeline.Width),
	}
	if err := safetensors.Write(req.SavePath, []safetensors.Named{
		{Name: LatentsTensor, Shape: latents.Shape, Data: latents.Data},
	}, meta); err != nil {
		return Result{}, fmt.Errorf("write latents: %w", err)
	}

	lead := r.ranks[0]
	res = Result{
		ID:        id,
		SavePath:  req.SavePath,
		Steps:     r.cfg.NumSteps,
		Duration:  time.Since(start),
		Cache:     lead.Cache().Stats(),
		Residency: lead.Residency().Stats(),
	}
	log.Info("generation finished",
		"took", res.Duration,
		"save_path", req.SavePath,
		"exact_blocks", res.Cache.Exact,
		"approximated_blocks", res.Cache.Approximated,
		"max_approximation_error", res.Cache.MaxError,
	)
	return res, nil
}

// denoise runs every rank's step loop and returns rank 0's final latents.
// Collectives run on a context that outlives the caller's so an in-flight
// step completes; a failing rank cancels it to unblock its peers. Before each
// step the ranks agree on whether the caller has cancelled, so they stop at
// the same step boundary.
func (r *Runner) denoise(ctx context.Context, in pipeline.Inputs, seed int64, log logger.Logger) (*tensor.Tensor, error) {
	pc := r.cfg.Pipeline
	stepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(stepCtx)

	results := make([]*tensor.Tensor, len(r.ranks))
	for rank, p := range r.ranks {
		g.Go(func() error {
			sched, err := scheduler.New(scheduler.Config{
				NumSteps:      r.cfg.NumSteps,
				GuidanceScale: r.cfg.GuidanceScale,
				Shift:         r.cfg.Shift,
			})
			if err != nil {
				return err
			}
			noise := tensor.New(pc.SeqLen(), pc.LatentChannels)
			tensor.FillNormal(noise, seed)
			sched.Reset(noise)
			p.Reset()

			for step := range r.cfg.NumSteps {
				stop, err := p.Coordinator().AgreeStop(gctx, ctx.Err() != nil)
				if err != nil {
					return fmt.Errorf("rank %d step %d: %w", rank, step, err)
				}
				if stop {
					if err := ctx.Err(); err != nil {
						return err
					}
					return context.Canceled
				}
				if err := safeDenoise(gctx, p, &pipeline.StepContext{Scheduler: sched, Step: step}, in); err != nil {
					return fmt.Errorf("rank %d step %d: %w", rank, step, err)
				}
				if rank == 0 {
					log.Debug("step done", "step", step+1, "of", r.cfg.NumSteps)
				}
			}
			results[rank] = sched.Latents()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[0]
	if !out.AllFinite() {
		return nil, errors.New("denoising produced non-finite latents")
	}
	return out, nil
}

func safeDenoise(ctx context.Context, p *pipeline.Pipeline, sc *pipeline.StepContext, in pipeline.Inputs) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in denoise: %v", rec)
		}
	}()
	return p.Denoise(ctx, sc, in)
}
