package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/featurecache"
	"github.com/samcharles93/vidgen/internal/pipeline"
	"github.com/samcharles93/vidgen/internal/runner"
)

// Config represents the user configuration file (~/.config/vidgen/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Backend   string `yaml:"backend"`

	Steps          *int64   `yaml:"steps"`
	GuidanceScale  *float64 `yaml:"guidance_scale"`
	Seed           *int64   `yaml:"seed"`
	FeatureCaching string   `yaml:"feature_caching"`
	WorldSize      *int64   `yaml:"world_size"`
	CPUOffload     *bool    `yaml:"cpu_offload"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
	OutputDir     string `yaml:"output_dir"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vidgen", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyUserConfig applies config file defaults to the generation flag
// variables when the corresponding flag was not explicitly set.
func applyUserConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("model-dir") {
		modelDir = cfg.ModelsDir
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		steps = int(*cfg.Steps)
	}
	if cfg.GuidanceScale != nil && !c.IsSet("guidance-scale") {
		guidanceScale = *cfg.GuidanceScale
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.FeatureCaching != "" && !c.IsSet("feature-caching") {
		featureCaching = cfg.FeatureCaching
	}
	if cfg.WorldSize != nil && !c.IsSet("world-size") {
		worldSize = int(*cfg.WorldSize)
	}
	if cfg.CPUOffload != nil && !c.IsSet("cpu-offload") {
		cpuOffload = *cfg.CPUOffload
	}
}

// modelConfig is the per-model JSON passed with --config-json. It overrides
// the user config; explicit flags override it.
type modelConfig struct {
	ModelCls *string `json:"model_cls"`
	Task     *string `json:"task"`

	InferSteps            *int     `json:"infer_steps"`
	SampleGuideScale      *float64 `json:"sample_guide_scale"`
	SampleShift           *float64 `json:"sample_shift"`
	EmbeddedGuidanceScale *float64 `json:"embedded_guidance_scale"`
	Seed                  *int64   `json:"seed"`

	FeatureCaching   *string   `json:"feature_caching"`
	TeacacheThresh   *float64  `json:"teacache_thresh"`
	Coefficients     []float64 `json:"coefficients"`
	TaylorInterval   *int      `json:"taylor_interval"`
	TaylorOrder      *int      `json:"taylor_order"`
	TaylorWarmup     *int      `json:"taylor_warmup"`
	TaylorMinHistory *int      `json:"taylor_min_history"`

	ParallelAttnType  *string `json:"parallel_attn_type"`
	WorldSize         *int    `json:"world_size"`
	CPUOffload        *bool   `json:"cpu_offload"`
	AcceleratorMemory *int64  `json:"accelerator_memory"`

	Hidden         *int `json:"hidden"`
	Heads          *int `json:"heads"`
	Blocks         *int `json:"blocks"`
	LatentChannels *int `json:"latent_channels"`
	TextDim        *int `json:"text_dim"`
	Frames         *int `json:"frames"`
	Height         *int `json:"height"`
	Width          *int `json:"width"`
}

func loadModelConfig(path string) (modelConfig, error) {
	var mc modelConfig
	if path == "" {
		return mc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mc, fmt.Errorf("read model config: %w", err)
	}
	if err := json.Unmarshal(data, &mc); err != nil {
		return mc, fmt.Errorf("parse model config %s: %w", path, err)
	}
	return mc, nil
}

// isSet reports whether a flag was given on the command line.
type isSet func(name string) bool

func pick[T any](set isSet, flag string, flagVal T, jsonVal *T) T {
	if jsonVal != nil && !set(flag) {
		return *jsonVal
	}
	return flagVal
}

// buildRunnerConfig merges the flag variables with the model config JSON
// into a runner configuration.
func buildRunnerConfig(set isSet, mc modelConfig) (runner.Config, error) {
	fam, err := pipeline.ParseFamily(pick(set, "family", family, mc.ModelCls))
	if err != nil {
		return runner.Config{}, err
	}
	tk, err := pipeline.ParseTask(pick(set, "task", task, mc.Task))
	if err != nil {
		return runner.Config{}, err
	}
	cacheMode, err := featurecache.ParseMode(pick(set, "feature-caching", featureCaching, mc.FeatureCaching))
	if err != nil {
		return runner.Config{}, err
	}
	attn, err := distributed.ParseMode(pick(set, "attention", attentionMode, mc.ParallelAttnType))
	if err != nil {
		return runner.Config{}, err
	}

	cfg := runner.DefaultConfig()
	pc := pipeline.DefaultConfig(fam)
	pc.Task = tk
	pc.Attention = attn
	pc.Offload = pick(set, "cpu-offload", cpuOffload, mc.CPUOffload)
	pc.Frames = pick(set, "frames", frames, mc.Frames)
	pc.Height = pick(set, "height", height, mc.Height)
	pc.Width = pick(set, "width", width, mc.Width)
	for _, o := range []struct {
		dst *int
		val *int
	}{
		{&pc.Hidden, mc.Hidden},
		{&pc.Heads, mc.Heads},
		{&pc.Blocks, mc.Blocks},
		{&pc.LatentChannels, mc.LatentChannels},
		{&pc.TextDim, mc.TextDim},
	} {
		if o.val != nil {
			*o.dst = *o.val
		}
	}

	cc := featurecache.DefaultConfig(cacheMode)
	cc.Threshold = pick(set, "teacache-thresh", teacacheThresh, mc.TeacacheThresh)
	cc.Rescale = mc.Coefficients
	for _, o := range []struct {
		dst *int
		val *int
	}{
		{&cc.Interval, mc.TaylorInterval},
		{&cc.MaxOrder, mc.TaylorOrder},
		{&cc.Warmup, mc.TaylorWarmup},
		{&cc.MinHistory, mc.TaylorMinHistory},
	} {
		if o.val != nil {
			*o.dst = *o.val
		}
	}
	pc.Cache = cc
	cfg.Pipeline = pc

	cfg.NumSteps = pick(set, "steps", steps, mc.InferSteps)
	cfg.GuidanceScale = pick(set, "guidance-scale", guidanceScale, mc.SampleGuideScale)
	cfg.Shift = pick(set, "shift", shift, mc.SampleShift)
	cfg.EmbeddedGuidance = pick(set, "embedded-guidance", embeddedGuidance, mc.EmbeddedGuidanceScale)
	cfg.Seed = pick(set, "seed", seed, mc.Seed)
	cfg.WorldSize = pick(set, "world-size", worldSize, mc.WorldSize)
	cfg.AcceleratorMemory = pick(set, "accelerator-memory", acceleratorMemory, mc.AcceleratorMemory)
	cfg.ExchangeTimeout = exchangeTimeout
	cfg.Backend = backendName
	cfg.ModelDir = modelDir
	cfg.WeightSeed = weightSeed

	if err := cfg.Pipeline.Validate(); err != nil {
		return runner.Config{}, err
	}
	return cfg, nil
}

// runnerConfigFromCommand is the full resolution chain for a command:
// defaults, user config, model config JSON, then explicit flags.
func runnerConfigFromCommand(c *cli.Command) (runner.Config, error) {
	applyUserConfig(c, LoadConfig())
	mc, err := loadModelConfig(configJSON)
	if err != nil {
		return runner.Config{}, err
	}
	return buildRunnerConfig(c.IsSet, mc)
}
