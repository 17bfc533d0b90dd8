package featurecache

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/tensor"
)

func mustNew(t *testing.T, cfg Config) Strategy {
	t.Helper()
	s, err := New(cfg, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("New(%v): %v", cfg.Mode, err)
	}
	return s
}

// counter mimics the shared step counter: it advances once per pass and
// wraps at numSteps.
type counter struct {
	index, numSteps int
}

func (c *counter) next() int {
	i := c.index
	c.index = (c.index + 1) % c.numSteps
	return i
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Mode
	}{
		{"NoCaching", NoCaching},
		{"", NoCaching},
		{"Tea", Threshold},
		{"threshold", Threshold},
		{"TaylorSeer", Extrapolation},
		{" extrapolation ", Extrapolation},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseMode("MagCache"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("ParseMode(MagCache): got %v want ErrUnknownMode", err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{Mode: Threshold},
		{Mode: Threshold, Threshold: math.NaN()},
		{Mode: Extrapolation, Interval: 0, MinHistory: 1},
		{Mode: Extrapolation, Interval: 2, MinHistory: 0},
		{Mode: Extrapolation, Interval: 2, MinHistory: 1, MaxOrder: -1},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, logger.Discard(), nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New(%+v): got %v want ErrInvalidConfig", cfg, err)
		}
	}
	if _, err := New(Config{Mode: Mode(9)}, logger.Discard(), nil); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("New(Mode(9)): got %v want ErrUnknownMode", err)
	}
}

// stepBlock returns a block whose output depends on the current step so
// reuse is observable.
func stepBlock(scale float32, step *int, calls *int) BlockFunc {
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		*calls++
		out := x.Clone()
		for i := range out.Data {
			out.Data[i] = out.Data[i]*scale + float32(*step)*0.01
		}
		return out, nil
	}
}

func TestNoCachingMatchesReference(t *testing.T) {
	t.Parallel()
	s := mustNew(t, Config{Mode: NoCaching})
	c := &counter{numSteps: 4}
	var step, calls int
	blocks := []BlockFunc{stepBlock(0.9, &step, &calls), stepBlock(1.1, &step, &calls), stepBlock(0.7, &step, &calls)}

	x0 := tensor.New(3, 4)
	tensor.FillRand(x0, 1, 1)
	for step = 0; step < 8; step++ {
		s.Begin(StepInfo{StepIndex: c.next(), NumSteps: 4, Branch: Combined}, []float32{float32(step)})
		got := x0.Clone()
		want := x0.Clone()
		for i, blk := range blocks {
			var err error
			got, err = s.Block(i, got, blk)
			if err != nil {
				t.Fatalf("Block: %v", err)
			}
			want, _ = blk(want)
		}
		for i := range got.Data {
			if got.Data[i] != want.Data[i] {
				t.Fatalf("step %d: output differs from full recompute at %d", step, i)
			}
		}
		for i := range blocks {
			if st := s.Entry(Combined, i).State; st != Exact {
				t.Fatalf("step %d block %d: state %v want exact", step, i, st)
			}
		}
	}
	if s.Stats().Approximated != 0 {
		t.Fatalf("NoCaching approximated %d blocks", s.Stats().Approximated)
	}
}

func TestThresholdForcesExactAtPassStart(t *testing.T) {
	t.Parallel()
	// A threshold no proxy change can reach: only pass starts compute.
	s := mustNew(t, Config{Mode: Threshold, Threshold: 1e9})
	c := &counter{numSteps: 4}
	var step, calls int
	blk := stepBlock(1, &step, &calls)
	proxy := []float32{1, 2, 3}

	x := tensor.New(2, 3)
	for step = 0; step < 12; step++ {
		idx := c.next()
		s.Begin(StepInfo{StepIndex: idx, NumSteps: 4, Branch: Combined}, proxy)
		before := calls
		if _, err := s.Block(0, x, blk); err != nil {
			t.Fatalf("Block: %v", err)
		}
		exact := calls > before
		if idx == 0 && !exact {
			t.Fatalf("step %d (index 0): reused instead of recomputing", step)
		}
		if idx != 0 && exact {
			t.Fatalf("step %d (index %d): recomputed despite unchanged proxy", step, idx)
		}
		want := Exact
		if idx != 0 {
			want = Extrapolated
		}
		if got := s.Entry(Combined, 0).State; got != want {
			t.Fatalf("step %d: state %v want %v", step, got, want)
		}
	}
	if st := s.Stats(); st.Exact != 3 || st.Approximated != 9 {
		t.Fatalf("Stats: %+v", st)
	}
}

func TestThresholdTwoBranchCounter(t *testing.T) {
	t.Parallel()
	// Two branches share one counter that advances per branch, so with
	// numSteps = 4 the cond branch sees 0,2 and the uncond branch 1,3.
	s := mustNew(t, Config{Mode: Threshold, Threshold: 1e9})
	c := &counter{numSteps: 4}
	var step, calls int
	blk := stepBlock(1, &step, &calls)
	x := tensor.New(1, 2)
	exactAt := map[Branch][]int{}
	for step = 0; step < 6; step++ {
		for _, br := range []Branch{Cond, Uncond} {
			idx := c.next()
			s.Begin(StepInfo{StepIndex: idx, NumSteps: 4, Branch: br}, []float32{1})
			before := calls
			if _, err := s.Block(0, x, blk); err != nil {
				t.Fatalf("Block: %v", err)
			}
			if calls > before {
				exactAt[br] = append(exactAt[br], step)
			}
		}
	}
	for _, br := range []Branch{Cond, Uncond} {
		got := exactAt[br]
		if len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
			t.Fatalf("%v exact at outer steps %v want [0 2 4]", br, got)
		}
	}
}

func TestThresholdAccumulatesAndMeasuresError(t *testing.T) {
	t.Parallel()
	s := mustNew(t, Config{Mode: Threshold, Threshold: 0.25})
	var step, calls int
	blk := stepBlock(1, &step, &calls)
	x := tensor.New(1, 4)

	// Each step the proxy moves by 10% relative to the previous one.
	proxy := []float32{1, 1}
	var decisions []bool
	for step = 0; step < 5; step++ {
		s.Begin(StepInfo{StepIndex: step, NumSteps: 10, Branch: Combined}, proxy)
		before := calls
		if _, err := s.Block(0, x, blk); err != nil {
			t.Fatalf("Block: %v", err)
		}
		decisions = append(decisions, calls > before)
		next := make([]float32, len(proxy))
		for i, v := range proxy {
			next[i] = v * 1.1
		}
		proxy = next
	}
	want := []bool{true, false, false, true, false}
	for i := range want {
		if decisions[i] != want[i] {
			t.Fatalf("exact decisions: got %v want %v", decisions, want)
		}
	}
	st := s.Stats()
	if st.ErrorSamples != 1 {
		t.Fatalf("ErrorSamples: got %d want 1", st.ErrorSamples)
	}
	// Reused delta 0.00 vs exact 0.03: everything is error.
	if math.Abs(st.LastError-1) > 1e-6 {
		t.Fatalf("LastError: got %v want 1", st.LastError)
	}
}

func TestExtrapolationFallsBackWithoutHistory(t *testing.T) {
	t.Parallel()
	s := mustNew(t, Config{Mode: Extrapolation, Interval: 100, MaxOrder: 2, Warmup: 0, MinHistory: 2})
	var step, calls int
	blk := stepBlock(1, &step, &calls)
	x := tensor.New(2, 2)

	var exact []bool
	for step = 0; step < 4; step++ {
		s.Begin(StepInfo{StepIndex: step, NumSteps: 10, Branch: Combined}, nil)
		before := calls
		out, err := s.Block(0, x, blk)
		if err != nil {
			t.Fatalf("Block: %v", err)
		}
		if !out.AllFinite() {
			t.Fatalf("step %d: non-finite output", step)
		}
		exact = append(exact, calls > before)
	}
	want := []bool{true, true, false, false}
	for i := range want {
		if exact[i] != want[i] {
			t.Fatalf("exact decisions: got %v want %v", exact, want)
		}
	}
	if got := s.Stats().Fallbacks; got != 1 {
		t.Fatalf("Fallbacks: got %d want 1", got)
	}
	if e := s.Entry(Combined, 0); e.State != Extrapolated || e.Observations != 2 {
		t.Fatalf("Entry: %+v", e)
	}
}

func TestExtrapolationIsExactForLinearDeltas(t *testing.T) {
	t.Parallel()
	s := mustNew(t, Config{Mode: Extrapolation, Interval: 4, MaxOrder: 1, Warmup: 2, MinHistory: 2})
	v := []float32{0.5, -1, 2}
	var step, calls int
	linear := func(x *tensor.Tensor) (*tensor.Tensor, error) {
		calls++
		out := x.Clone()
		tensor.AddScaled(out.Data, v, float32(step))
		return out, nil
	}
	x := tensor.MustFromData([]float32{1, 2, 3}, 1, 3)

	var exactSteps []int
	for step = 0; step < 7; step++ {
		s.Begin(StepInfo{StepIndex: step, NumSteps: 8, Branch: Combined}, nil)
		before := calls
		got, err := s.Block(0, x, linear)
		if err != nil {
			t.Fatalf("Block: %v", err)
		}
		if calls > before {
			exactSteps = append(exactSteps, step)
		}
		for i := range v {
			want := x.Data[i] + float32(step)*v[i]
			if math.Abs(float64(got.Data[i]-want)) > 1e-5 {
				t.Fatalf("step %d: got %v want %v at %d", step, got.Data[i], want, i)
			}
		}
	}
	if len(exactSteps) != 3 || exactSteps[0] != 0 || exactSteps[1] != 1 || exactSteps[2] != 5 {
		t.Fatalf("exact at %v want [0 1 5]", exactSteps)
	}
	st := s.Stats()
	if st.ErrorSamples != 1 || st.MaxError > 1e-5 {
		t.Fatalf("Stats: %+v", st)
	}
}

func TestExtrapolationNewPassClearsHistory(t *testing.T) {
	t.Parallel()
	s := mustNew(t, Config{Mode: Extrapolation, Interval: 100, MaxOrder: 1, Warmup: 1, MinHistory: 1})
	c := &counter{numSteps: 3}
	var step, calls int
	blk := stepBlock(1, &step, &calls)
	x := tensor.New(1, 1)
	for step = 0; step < 6; step++ {
		idx := c.next()
		s.Begin(StepInfo{StepIndex: idx, NumSteps: 3, Branch: Combined}, nil)
		before := calls
		if _, err := s.Block(0, x, blk); err != nil {
			t.Fatalf("Block: %v", err)
		}
		if idx == 0 && calls == before {
			t.Fatalf("step %d: pass start was not exact", step)
		}
		if idx == 0 && s.Entry(Combined, 0).Observations != 1 {
			t.Fatalf("step %d: history not cleared: %+v", step, s.Entry(Combined, 0))
		}
	}
}

func TestResetReturnsEntriesToCold(t *testing.T) {
	t.Parallel()
	for _, mode := range []Mode{NoCaching, Threshold, Extrapolation} {
		s := mustNew(t, DefaultConfig(mode))
		var step, calls int
		s.Begin(StepInfo{StepIndex: 0, NumSteps: 2, Branch: Cond}, []float32{1})
		if _, err := s.Block(0, tensor.New(1, 1), stepBlock(1, &step, &calls)); err != nil {
			t.Fatalf("%v Block: %v", mode, err)
		}
		if s.Entry(Cond, 0).State != Exact {
			t.Fatalf("%v: entry not exact after compute", mode)
		}
		s.Reset()
		if e := s.Entry(Cond, 0); e.State != Cold || e.LastExact != -1 {
			t.Fatalf("%v: entry after Reset: %+v", mode, e)
		}
		if s.Stats() != (Stats{}) {
			t.Fatalf("%v: stats not cleared: %+v", mode, s.Stats())
		}
	}
}

func TestBlockErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	for _, mode := range []Mode{NoCaching, Threshold, Extrapolation} {
		s := mustNew(t, DefaultConfig(mode))
		s.Begin(StepInfo{StepIndex: 0, NumSteps: 2, Branch: Combined}, []float32{1})
		_, err := s.Block(0, tensor.New(1, 1), func(*tensor.Tensor) (*tensor.Tensor, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("%v: got %v want boom", mode, err)
		}
	}
}

func TestPolyval(t *testing.T) {
	t.Parallel()
	if got := polyval(nil, 0.3); got != 0.3 {
		t.Fatalf("identity: got %v", got)
	}
	// 2x^2 - 1 at x=0.5 is -0.5; magnitudes accumulate.
	if got := polyval([]float64{2, 0, -1}, 0.5); got != 0.5 {
		t.Fatalf("polyval: got %v want 0.5", got)
	}
}
