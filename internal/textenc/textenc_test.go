package textenc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vidgen/internal/tokenizer"
)

func TestEncodeDeterministic(t *testing.T) {
	t.Parallel()
	a, err := New(tokenizer.NewWords(500), 8, 16, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, _ := New(tokenizer.NewWords(500), 8, 16, 1)

	ea, err := a.Encode("a cat surfing a wave")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	eb, _ := b.Encode("a cat surfing a wave")
	if diff := cmp.Diff(ea, eb); diff != "" {
		t.Fatalf("encodings differ (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff([]int{5, 8}, ea.Tokens.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	// "a" appears twice; position keeps the rows apart.
	if cmp.Equal(ea.Tokens.Row(0), ea.Tokens.Row(3)) {
		t.Fatal("repeated token rows are identical")
	}
}

func TestEncodeTruncatesAndPads(t *testing.T) {
	t.Parallel()
	enc, _ := New(tokenizer.NewWords(500), 4, 2, 1)
	long, err := enc.Encode("one two three four")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if long.Tokens.Rows() != 2 {
		t.Fatalf("rows: got %d want 2", long.Tokens.Rows())
	}
	empty, err := enc.Encode("  ")
	if err != nil {
		t.Fatalf("Encode empty: %v", err)
	}
	if empty.Tokens.Rows() != 1 || len(empty.Pooled) != 4 {
		t.Fatalf("empty prompt: got %v rows, pooled %d", empty.Tokens.Shape, len(empty.Pooled))
	}
}

func TestNewRejectsBadSizes(t *testing.T) {
	t.Parallel()
	if _, err := New(tokenizer.NewWords(10), 0, 4, 1); err == nil {
		t.Fatal("expected error for zero dim")
	}
}
