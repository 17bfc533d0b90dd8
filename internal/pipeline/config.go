package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/featurecache"
)

var (
	ErrInvalidConfig = errors.New("invalid pipeline config")
	ErrInvalidInput  = errors.New("invalid pipeline input")
)

// Family is a diffusion-transformer model family.
type Family int

const (
	Wan Family = iota
	Hunyuan
)

func (f Family) String() string {
	switch f {
	case Wan:
		return "wan2.1"
	case Hunyuan:
		return "hunyuan"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wan2.1", "wan", "wan21":
		return Wan, nil
	case "hunyuan", "hunyuan_video":
		return Hunyuan, nil
	default:
		return Wan, fmt.Errorf("%w: unknown model family %q", ErrInvalidConfig, s)
	}
}

// Task is the generation task: text-to-video or image-to-video.
type Task int

const (
	T2V Task = iota
	I2V
)

func (t Task) String() string {
	switch t {
	case T2V:
		return "t2v"
	case I2V:
		return "i2v"
	default:
		return fmt.Sprintf("Task(%d)", int(t))
	}
}

func ParseTask(s string) (Task, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "t2v":
		return T2V, nil
	case "i2v":
		return I2V, nil
	default:
		return T2V, fmt.Errorf("%w: unknown task %q", ErrInvalidConfig, s)
	}
}

// Branch is the condition a transformer pass runs under.
type Branch = featurecache.Branch

const (
	Cond     = featurecache.Cond
	Uncond   = featurecache.Uncond
	Combined = featurecache.Combined
)

// Config fixes the architecture and the per-instance policies of a pipeline.
// Frames, Height and Width are measured in latent tokens.
type Config struct {
	Family Family
	Task   Task

	Hidden         int
	Heads          int
	Blocks         int
	LatentChannels int
	TextDim        int
	FreqDim        int
	MLPRatio       int
	Eps            float32

	Frames int
	Height int
	Width  int

	Cache     featurecache.Config
	Attention distributed.Mode
	Offload   bool
}

// DefaultConfig is a small model that runs in seconds on a CPU.
func DefaultConfig(family Family) Config {
	return Config{
		Family:         family,
		Task:           T2V,
		Hidden:         32,
		Heads:          4,
		Blocks:         4,
		LatentChannels: 4,
		TextDim:        16,
		FreqDim:        16,
		MLPRatio:       2,
		Eps:            1e-6,
		Frames:         2,
		Height:         4,
		Width:          4,
		Cache:          featurecache.DefaultConfig(featurecache.NoCaching),
	}
}

// SeqLen is the number of latent tokens in one pass.
func (c Config) SeqLen() int {
	return c.Frames * c.Height * c.Width
}

// InChannels is the width of one input token: latents, plus the image
// condition for i2v.
func (c Config) InChannels() int {
	if c.Task == I2V {
		return 2 * c.LatentChannels
	}
	return c.LatentChannels
}

func (c Config) Validate() error {
	for _, dim := range []struct {
		name string
		v    int
	}{
		{"hidden", c.Hidden},
		{"heads", c.Heads},
		{"blocks", c.Blocks},
		{"latent_channels", c.LatentChannels},
		{"text_dim", c.TextDim},
		{"freq_dim", c.FreqDim},
		{"mlp_ratio", c.MLPRatio},
		{"frames", c.Frames},
		{"height", c.Height},
		{"width", c.Width},
	} {
		if dim.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, dim.name, dim.v)
		}
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("%w: hidden %d not divisible by heads %d", ErrInvalidConfig, c.Hidden, c.Heads)
	}
	if c.FreqDim%2 != 0 {
		return fmt.Errorf("%w: freq_dim must be even, got %d", ErrInvalidConfig, c.FreqDim)
	}
	if !(c.Eps > 0) {
		return fmt.Errorf("%w: eps must be positive, got %v", ErrInvalidConfig, c.Eps)
	}
	if c.Family != Wan && c.Family != Hunyuan {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Family)
	}
	if c.Task != T2V && c.Task != I2V {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Task)
	}
	return nil
}

// Branches lists the passes one outer step runs, in order.
func (c Config) Branches() []Branch {
	if c.Family == Hunyuan {
		return []Branch{Combined}
	}
	return []Branch{Cond, Uncond}
}
