package main

import (
	"context"
	"os"
	"time"

	"github.com/samcharles93/vidgen/internal/backend"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

const (
	envModelsDir = "VIDGEN_MODELS_DIR"
	envLogLevel  = "VIDGEN_LOG_LEVEL"
)

var (
	modelDir          string
	backendName       string
	family            string
	task              string
	steps             int
	guidanceScale     float64
	shift             float64
	embeddedGuidance  float64
	featureCaching    string
	teacacheThresh    float64
	attentionMode     string
	worldSize         int
	exchangeTimeout   time.Duration
	cpuOffload        bool
	acceleratorMemory int64
	seed              int64
	weightSeed        int64
	frames            int
	height            int
	width             int
	configJSON        string
	logLevel          string
	logFormat         string
	debug             bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "directory with *.safetensors weights (empty synthesises weights)",
			Sources:     cli.EnvVars(envModelsDir),
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, cuda)",
			Value:       backend.Auto,
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "config-json",
			Usage:       "model config JSON (infer_steps, feature_caching, parallel_attn_type, ...)",
			Destination: &configJSON,
		},
		&cli.StringFlag{
			Name:        "family",
			Aliases:     []string{"model-cls"},
			Usage:       "model family (wan2.1, hunyuan)",
			Value:       "wan2.1",
			Destination: &family,
		},
		&cli.StringFlag{
			Name:        "task",
			Usage:       "generation task (t2v, i2v)",
			Value:       "t2v",
			Destination: &task,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "steps",
			Aliases:     []string{"infer-steps"},
			Usage:       "number of denoising steps",
			Value:       8,
			Destination: &steps,
		},
		&cli.Float64Flag{
			Name:        "guidance-scale",
			Usage:       "classifier-free guidance scale",
			Value:       5,
			Destination: &guidanceScale,
		},
		&cli.Float64Flag{
			Name:        "shift",
			Usage:       "flow-matching sigma shift",
			Value:       3,
			Destination: &shift,
		},
		&cli.Float64Flag{
			Name:        "embedded-guidance",
			Usage:       "guidance folded into conditioning (hunyuan)",
			Value:       6,
			Destination: &embeddedGuidance,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "noise seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "weight-seed",
			Usage:       "seed for synthesised weights",
			Value:       1,
			Destination: &weightSeed,
		},
		&cli.IntFlag{
			Name:        "frames",
			Usage:       "latent frames",
			Value:       2,
			Destination: &frames,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "latent height in tokens",
			Value:       4,
			Destination: &height,
		},
		&cli.IntFlag{
			Name:        "width",
			Usage:       "latent width in tokens",
			Value:       4,
			Destination: &width,
		},
	}
}

func accelerationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "feature-caching",
			Usage:       "feature caching mode (none, tea, taylorseer)",
			Value:       "none",
			Destination: &featureCaching,
		},
		&cli.Float64Flag{
			Name:        "teacache-thresh",
			Usage:       "accumulated change below which tea reuses block deltas",
			Value:       0.08,
			Destination: &teacacheThresh,
		},
		&cli.StringFlag{
			Name:        "attention",
			Aliases:     []string{"parallel-attn-type"},
			Usage:       "distributed attention (none, ulysses, ring)",
			Value:       "none",
			Destination: &attentionMode,
		},
		&cli.IntFlag{
			Name:        "world-size",
			Usage:       "number of in-process ranks",
			Value:       1,
			Destination: &worldSize,
		},
		&cli.DurationFlag{
			Name:        "exchange-timeout",
			Usage:       "timeout of a single collective",
			Value:       30 * time.Second,
			Destination: &exchangeTimeout,
		},
		&cli.BoolFlag{
			Name:        "cpu-offload",
			Usage:       "keep weights on the host and stream one group at a time",
			Destination: &cpuOffload,
		},
		&cli.Int64Flag{
			Name:        "accelerator-memory",
			Usage:       "accelerator capacity per rank in bytes (0 = unlimited)",
			Destination: &acceleratorMemory,
		},
	}
}

func generationFlags() []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, commonModelFlags()...)
	flags = append(flags, samplingFlags()...)
	return append(flags, accelerationFlags()...)
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars(envLogLevel),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging builds the process logger from the logging flags, falling
// back to the user config, and stores it in the context.
func setupLogging(ctx context.Context, c *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	format := logFormat
	// Colour codes are noise in redirected output.
	if format == "pretty" && !c.IsSet("log-format") && !term.IsTerminal(int(os.Stderr.Fd())) {
		format = "text"
	}
	log, err := logger.ForFormat(format, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
