package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/runner"
)

func runCmd() *cli.Command {
	var (
		prompt         string
		negativePrompt string
		imagePath      string
		savePath       string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate one video latent from a prompt",
		Flags: append(generationFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "text prompt",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "negative-prompt",
				Usage:       "negative prompt for the unconditional branch",
				Destination: &negativePrompt,
			},
			&cli.StringFlag{
				Name:        "image-path",
				Usage:       "reference image (i2v)",
				Destination: &imagePath,
			},
			&cli.StringFlag{
				Name:        "save-video-path",
				Aliases:     []string{"o"},
				Usage:       "output path for the latents (.safetensors)",
				Value:       "output.safetensors",
				Destination: &savePath,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if prompt == "" {
				return errors.New("--prompt is required")
			}

			cfg, err := runnerConfigFromCommand(c)
			if err != nil {
				return err
			}
			r, err := runner.New(ctx, cfg, log, nil)
			if err != nil {
				return fmt.Errorf("build runner: %w", err)
			}
			defer func() { _ = r.Close() }()

			res, err := r.Generate(ctx, runner.Request{
				Prompt:         prompt,
				NegativePrompt: negativePrompt,
				ImagePath:      imagePath,
				SavePath:       savePath,
			})
			if err != nil {
				return err
			}

			printResult(os.Stdout, res)
			return nil
		},
	}
}

func printResult(w io.Writer, res runner.Result) {
	data := [][]string{
		{"saved", res.SavePath},
		{"request", res.ID},
		{"steps", fmt.Sprintf("%d in %s", res.Steps, res.Duration.Round(time.Millisecond))},
		{"exact blocks", strconv.Itoa(res.Cache.Exact)},
		{"approximated blocks", strconv.Itoa(res.Cache.Approximated)},
		{"max approximation error", strconv.FormatFloat(res.Cache.MaxError, 'g', 4, 64)},
		{"uploads", fmt.Sprintf("%d (%d bytes)", res.Residency.Uploads, res.Residency.BytesUploaded)},
		{"peak resident bytes", strconv.FormatInt(res.Residency.PeakResidentBytes, 10)},
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RESULT", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
