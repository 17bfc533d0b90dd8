// Package scheduler drives the outer denoising loop: it owns the shared step
// counter, merges conditional and unconditional predictions and applies the
// flow-matching Euler update to the latents.
package scheduler

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/vidgen/internal/tensor"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type Config struct {
	// NumSteps is the number of outer denoising steps and the period of the
	// step counter.
	NumSteps int
	// GuidanceScale weights the conditional prediction against the
	// unconditional one.
	GuidanceScale float64
	// Shift bends the sigma schedule towards high noise. Zero means 1.
	Shift float64
}

// Scheduler is created per generation request and is not safe for
// concurrent use.
type Scheduler struct {
	numSteps  int
	guidance  float32
	stepIndex int
	sigmas    []float32
	latents   *tensor.Tensor
	noisePred *tensor.Tensor
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.NumSteps <= 0 {
		return nil, fmt.Errorf("%w: num_steps must be positive, got %d", ErrInvalidConfig, cfg.NumSteps)
	}
	if math.IsNaN(cfg.GuidanceScale) || math.IsInf(cfg.GuidanceScale, 0) {
		return nil, fmt.Errorf("%w: guidance_scale must be finite, got %v", ErrInvalidConfig, cfg.GuidanceScale)
	}
	shift := cfg.Shift
	if shift == 0 {
		shift = 1
	}
	if !(shift > 0) || math.IsInf(shift, 0) {
		return nil, fmt.Errorf("%w: shift must be positive and finite, got %v", ErrInvalidConfig, cfg.Shift)
	}
	return &Scheduler{
		numSteps: cfg.NumSteps,
		guidance: float32(cfg.GuidanceScale),
		sigmas:   shiftedSigmas(cfg.NumSteps, shift),
	}, nil
}

// shiftedSigmas returns linspace(1, 0, n+1) with the flow shift
// s*σ / (1 + (s-1)*σ) applied.
func shiftedSigmas(n int, shift float64) []float32 {
	out := make([]float32, n+1)
	for i := range out {
		sigma := 1 - float64(i)/float64(n)
		out[i] = float32(shift * sigma / (1 + (shift-1)*sigma))
	}
	return out
}

func (s *Scheduler) NumSteps() int { return s.numSteps }

func (s *Scheduler) StepIndex() int { return s.stepIndex }

func (s *Scheduler) GuidanceScale() float32 { return s.guidance }

// Advance moves the shared counter forward, wrapping to 0 after NumSteps
// advances. Families that run one transformer pass per condition branch
// advance it once per branch.
func (s *Scheduler) Advance() {
	s.stepIndex = (s.stepIndex + 1) % s.numSteps
}

// Merge combines branch predictions as uncond + scale*(cond - uncond),
// stores the result as the current noise prediction and returns it.
func (s *Scheduler) Merge(cond, uncond *tensor.Tensor) (*tensor.Tensor, error) {
	if !cond.SameShape(uncond) {
		return nil, fmt.Errorf("merge: cond shape %v != uncond shape %v", cond.Shape, uncond.Shape)
	}
	out := tensor.New(cond.Shape...)
	g := s.guidance
	for i := range out.Data {
		u := uncond.Data[i]
		out.Data[i] = u + g*(cond.Data[i]-u)
	}
	s.noisePred = out
	return out, nil
}

// SetNoisePred stores a prediction that already carries guidance.
func (s *Scheduler) SetNoisePred(t *tensor.Tensor) {
	s.noisePred = t
}

func (s *Scheduler) NoisePred() *tensor.Tensor { return s.noisePred }

// Reset starts a new request from the given initial latents.
func (s *Scheduler) Reset(latents *tensor.Tensor) {
	s.stepIndex = 0
	s.latents = latents
	s.noisePred = nil
}

func (s *Scheduler) Latents() *tensor.Tensor { return s.latents }

// Sigmas returns a copy of the noise schedule; it has NumSteps+1 entries
// ending at 0.
func (s *Scheduler) Sigmas() []float32 {
	out := make([]float32, len(s.sigmas))
	copy(out, s.sigmas)
	return out
}

// Timestep is the model-facing timestep of outer step i.
func (s *Scheduler) Timestep(step int) float32 {
	return s.sigmas[step] * 1000
}

// Step applies the Euler update for outer step i:
// latents += (σ[i+1] - σ[i]) * noise_pred.
func (s *Scheduler) Step(step int) error {
	if step < 0 || step >= s.numSteps {
		return fmt.Errorf("step %d out of range [0, %d)", step, s.numSteps)
	}
	if s.latents == nil || s.noisePred == nil {
		return fmt.Errorf("step %d: latents or noise prediction not set", step)
	}
	if !s.latents.SameShape(s.noisePred) {
		return fmt.Errorf("step %d: noise prediction shape %v != latents shape %v", step, s.noisePred.Shape, s.latents.Shape)
	}
	dt := s.sigmas[step+1] - s.sigmas[step]
	tensor.AddScaled(s.latents.Data, s.noisePred.Data, dt)
	return nil
}
