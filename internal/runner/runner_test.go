package runner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/featurecache"
	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/pipeline"
	"github.com/samcharles93/vidgen/internal/residency"
	"github.com/samcharles93/vidgen/internal/safetensors"
	"github.com/samcharles93/vidgen/internal/tensor"
	"github.com/samcharles93/vidgen/internal/weights"
)

func testConfig() Config {
	cfg := DefaultConfig()
	pc := &cfg.Pipeline
	pc.Hidden = 16
	pc.Heads = 2
	pc.Blocks = 2
	pc.TextDim = 8
	pc.FreqDim = 8
	pc.Frames, pc.Height, pc.Width = 1, 3, 3
	cfg.NumSteps = 3
	cfg.ExchangeTimeout = 5 * time.Second
	return cfg
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := New(context.Background(), cfg, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func readLatents(t *testing.T, path string) (*tensor.Tensor, map[string]string) {
	t.Helper()
	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	data, info, err := f.ReadTensorF32(LatentsTensor)
	if err != nil {
		t.Fatalf("read latents: %v", err)
	}
	return tensor.MustFromData(data, info.Shape...), f.Metadata
}

func TestGenerateWritesLatents(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	r := newTestRunner(t, cfg)
	out := filepath.Join(t.TempDir(), "out", "clip.safetensors")

	res, err := r.Generate(context.Background(), Request{Prompt: "a cat surfing", SavePath: out})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ID == "" || res.Steps != cfg.NumSteps || res.SavePath != out {
		t.Fatalf("result: got %+v", res)
	}
	lat, meta := readLatents(t, out)
	if diff := cmp.Diff([]int{cfg.Pipeline.SeqLen(), cfg.Pipeline.LatentChannels}, lat.Shape); diff != "" {
		t.Fatalf("latent shape (-want +got):\n%s", diff)
	}
	if meta["prompt"] != "a cat surfing" || meta["request_id"] != res.ID || meta["family"] != "wan2.1" {
		t.Fatalf("metadata: got %v", meta)
	}
	// Two branches per step, every block exact.
	if want := 2 * cfg.NumSteps * cfg.Pipeline.Blocks; res.Cache.Exact != want {
		t.Fatalf("exact blocks: got %d want %d", res.Cache.Exact, want)
	}
}

func TestGenerateIsSeeded(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, testConfig())
	dir := t.TempDir()
	run := func(name string, seed int64) *tensor.Tensor {
		path := filepath.Join(dir, name)
		if _, err := r.Generate(context.Background(), Request{Prompt: "waves", SavePath: path, Seed: &seed}); err != nil {
			t.Fatalf("Generate %s: %v", name, err)
		}
		lat, _ := readLatents(t, path)
		return lat
	}
	a, b, c := run("a", 7), run("b", 7), run("c", 8)
	if diff := cmp.Diff(a.Data, b.Data); diff != "" {
		t.Fatalf("same seed differs (-a +b):\n%s", diff)
	}
	if cmp.Equal(a.Data, c.Data) {
		t.Fatal("different seeds produced identical latents")
	}
}

func TestDistributedRunMatchesSingleRank(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Pipeline.Cache = featurecache.DefaultConfig(featurecache.Threshold)
	single := newTestRunner(t, cfg)
	dir := t.TempDir()
	if _, err := single.Generate(context.Background(), Request{Prompt: "rain", SavePath: filepath.Join(dir, "single")}); err != nil {
		t.Fatalf("single: %v", err)
	}
	want, _ := readLatents(t, filepath.Join(dir, "single"))

	cfg.WorldSize = 3
	cfg.Pipeline.Attention = distributed.RingPass
	multi := newTestRunner(t, cfg)
	if _, err := multi.Generate(context.Background(), Request{Prompt: "rain", SavePath: filepath.Join(dir, "multi")}); err != nil {
		t.Fatalf("multi: %v", err)
	}
	got, _ := readLatents(t, filepath.Join(dir, "multi"))
	if d := tensor.MaxAbsDiff(got.Data, want.Data); d > 1e-4 {
		t.Fatalf("distributed run differs by %g", d)
	}
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, testConfig())
	if _, err := r.Generate(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing save path: got %v want ErrInvalidRequest", err)
	}

	cfg := testConfig()
	cfg.Pipeline.Task = pipeline.I2V
	i2v := newTestRunner(t, cfg)
	out := filepath.Join(t.TempDir(), "out")
	if _, err := i2v.Generate(context.Background(), Request{Prompt: "x", SavePath: out}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing image: got %v want ErrInvalidRequest", err)
	}
	if _, err := i2v.Generate(context.Background(), Request{Prompt: "x", SavePath: out, ImagePath: filepath.Join(t.TempDir(), "nope.png")}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unreadable image: got %v want ErrInvalidRequest", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("rejected request left output behind: %v", err)
	}
}

func TestImageToVideoRequest(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Pipeline.Task = pipeline.I2V
	r := newTestRunner(t, cfg)
	dir := t.TempDir()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 12, 12))); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(dir, "ref.png")
	if err := os.WriteFile(img, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Generate(context.Background(), Request{Prompt: "pan left", ImagePath: img, SavePath: filepath.Join(dir, "out")}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestCancelledRequestWritesNothing(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "out")
	if _, err := r.Generate(ctx, Request{Prompt: "x", SavePath: out}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("cancelled request left output behind: %v", err)
	}
}

// stepCancelCtx reports cancellation once Err has been called more than n
// times, so a request is cancelled part way through its step loop.
type stepCancelCtx struct {
	context.Context
	calls atomic.Int32
	n     int32
}

func (c *stepCancelCtx) Err() error {
	if c.calls.Add(1) > c.n {
		return context.Canceled
	}
	return nil
}

func TestCancelledDistributedRequestLeavesRunnerUsable(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.NumSteps = 4
	dir := t.TempDir()
	single := newTestRunner(t, cfg)
	if _, err := single.Generate(context.Background(), Request{Prompt: "fog", SavePath: filepath.Join(dir, "single")}); err != nil {
		t.Fatalf("single: %v", err)
	}
	want, _ := readLatents(t, filepath.Join(dir, "single"))

	for _, mode := range []distributed.Mode{distributed.SequenceShardExchange, distributed.RingPass} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			cfg := cfg
			cfg.WorldSize = 2
			cfg.Pipeline.Attention = mode
			r := newTestRunner(t, cfg)

			// One check in Generate and one per rank for the first step.
			ctx := &stepCancelCtx{Context: context.Background(), n: 3}
			aborted := filepath.Join(dir, mode.String()+"-aborted")
			_, err := r.Generate(ctx, Request{Prompt: "fog", SavePath: aborted})
			if !errors.Is(err, context.Canceled) || errors.Is(err, distributed.ErrCommunication) {
				t.Fatalf("cancelled request: got %v want a clean context.Canceled", err)
			}
			if _, err := os.Stat(aborted); !os.IsNotExist(err) {
				t.Fatalf("cancelled request left output behind: %v", err)
			}

			out := filepath.Join(dir, mode.String()+"-next")
			if _, err := r.Generate(context.Background(), Request{Prompt: "fog", SavePath: out}); err != nil {
				t.Fatalf("request after cancellation: %v", err)
			}
			got, _ := readLatents(t, out)
			if d := tensor.MaxAbsDiff(got.Data, want.Data); d > 1e-4 {
				t.Fatalf("request after cancellation differs from single rank by %g", d)
			}
		})
	}
}

func TestOffloadFitsWhereFullResidencyDoesNot(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	set := weights.Synthesize(pipeline.Layout(cfg.Pipeline), cfg.WeightSeed)
	var largest int64
	for _, name := range set.Names() {
		g, _ := set.Group(name)
		largest = max(largest, g.Bytes())
	}
	cfg.AcceleratorMemory = largest

	if _, err := New(context.Background(), cfg, logger.Discard(), nil); !errors.Is(err, residency.ErrOutOfResources) {
		t.Fatalf("full residency: got %v want ErrOutOfResources", err)
	}

	cfg.Pipeline.Offload = true
	r := newTestRunner(t, cfg)
	res, err := r.Generate(context.Background(), Request{Prompt: "x", SavePath: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("Generate with offload: %v", err)
	}
	if res.Residency.MaxResidentGroups != 1 || res.Residency.PeakResidentBytes > largest {
		t.Fatalf("residency: got %+v", res.Residency)
	}
}

func TestModelDirWeightsMatchSynthesised(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	dir := t.TempDir()
	set := weights.Synthesize(pipeline.Layout(cfg.Pipeline), cfg.WeightSeed)
	if err := weights.Save(filepath.Join(dir, "model.safetensors"), set, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	synth := newTestRunner(t, cfg)
	cfg.ModelDir = dir
	loaded := newTestRunner(t, cfg)

	out := t.TempDir()
	for name, r := range map[string]*Runner{"synth": synth, "loaded": loaded} {
		if _, err := r.Generate(context.Background(), Request{Prompt: "fog", SavePath: filepath.Join(out, name)}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	a, _ := readLatents(t, filepath.Join(out, "synth"))
	b, _ := readLatents(t, filepath.Join(out, "loaded"))
	if diff := cmp.Diff(a.Data, b.Data); diff != "" {
		t.Fatalf("loaded weights changed the result (-synth +loaded):\n%s", diff)
	}
}

func TestNewRejectsUnavailableBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backend = "cuda"
	if _, err := New(context.Background(), cfg, logger.Discard(), nil); err == nil {
		t.Fatal("expected error for unavailable backend")
	}
}
