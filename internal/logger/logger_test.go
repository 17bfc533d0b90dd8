package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear", "step", 3)
	if !strings.Contains(buf.String(), `"step":3`) {
		t.Fatalf("expected warn record with step attr, got: %s", buf.String())
	}
}

func TestWithAttachesRequestID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("request_id", "abc")
	log.Info("denoise step")

	if !strings.Contains(buf.String(), `"request_id":"abc"`) {
		t.Fatalf("expected request_id in output, got: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.With("k", "v").WithGroup("g").Error("dropped")
}

func TestForFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "hello"},
		{"", "hello"},
		{"JSON", `"msg":"hello"`},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := ForFormat(tc.format, &buf, slog.LevelInfo)
		if err != nil {
			t.Fatalf("ForFormat(%q): %v", tc.format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("ForFormat(%q): output %q missing %q", tc.format, buf.String(), tc.want)
		}
	}
	if _, err := ForFormat("xml", &bytes.Buffer{}, slog.LevelInfo); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" Warn ", slog.LevelWarn},
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyHandlerNestedGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	logger := slog.New(h.WithGroup("cache").WithGroup("block"))
	logger.Info("nested", "idx", 4)

	if !strings.Contains(buf.String(), "cache.block.idx=4") {
		t.Fatalf("expected 'cache.block.idx=4' in output, got: %s", buf.String())
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.Info("step done",
		"took", 1500*time.Microsecond+300*time.Nanosecond,
		"err", 0.000123456789,
		"prompt", "a cat surfing",
		"mode", "tea",
	)

	out := buf.String()
	for _, want := range []string{"took=1.5ms", "err=0.000123457", `prompt="a cat surfing"`, "mode=tea", "INFO "} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"", false},
	}

	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestPrettyLiftsRank(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(NewPrettyHandler(&buf, nil)).With("rank", 2, "family", "wan2.1")
	log.Info("pipeline ready", "blocks", 4)

	out := buf.String()
	msg := strings.Index(out, "pipeline ready")
	tag := strings.Index(out, "r2")
	if tag < 0 || tag > msg {
		t.Fatalf("expected rank tag before message, got: %s", out)
	}
	if strings.Contains(out, "rank=") {
		t.Fatalf("rank should not repeat as an attribute, got: %s", out)
	}
	if !strings.Contains(out, "family=wan2.1") || !strings.Contains(out, "blocks=4") {
		t.Fatalf("missing attributes, got: %s", out)
	}
}

func TestPrettyDerivedHandlersShareWriterLock(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := New(NewPrettyHandler(&buf, nil))
	const ranks, lines = 4, 50
	var wg sync.WaitGroup
	for r := range ranks {
		log := root.With("rank", r)
		wg.Go(func() {
			for i := range lines {
				log.Info("step", "i", i)
			}
		})
	}
	wg.Wait()
	if got := strings.Count(buf.String(), "\n"); got != ranks*lines {
		t.Fatalf("got %d lines want %d", got, ranks*lines)
	}
}
