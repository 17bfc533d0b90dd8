package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/pipeline"
	"github.com/samcharles93/vidgen/internal/weights"
)

// exportWeightsCmd writes the synthesised weights of a configuration to a
// model directory so later runs can load them with --model-dir.
func exportWeightsCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "export-weights",
		Usage: "Write synthesised weights as a safetensors model directory",
		Flags: append(generationFlags(),
			&cli.StringFlag{
				Name:        "out",
				Usage:       "output model directory",
				Required:    true,
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := runnerConfigFromCommand(c)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}

			layout := pipeline.Layout(cfg.Pipeline)
			set := weights.Synthesize(layout, cfg.WeightSeed)
			path := filepath.Join(out, "model.safetensors")
			meta := map[string]string{
				"family":      cfg.Pipeline.Family.String(),
				"task":        cfg.Pipeline.Task.String(),
				"hidden":      strconv.Itoa(cfg.Pipeline.Hidden),
				"blocks":      strconv.Itoa(cfg.Pipeline.Blocks),
				"weight_seed": strconv.FormatInt(cfg.WeightSeed, 10),
			}
			if err := weights.Save(path, set, meta); err != nil {
				return err
			}
			log.Info("exported weights", "path", path, "tensors", len(layout), "bytes", set.Bytes())
			return nil
		},
	}
}
