package backend

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", Auto, false},
		{" CPU ", CPU, false},
		{"cuda", CUDA, false},
		{"auto", Auto, false},
		{"metal", "", true},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("Normalize(%q) err: got %v wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	got, err := Resolve("auto")
	if err != nil {
		t.Fatalf("Resolve(auto): %v", err)
	}
	if got != CPU {
		t.Fatalf("Resolve(auto): got %q want %q", got, CPU)
	}
	if _, err := Resolve("cuda"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Resolve(cuda): got %v want ErrUnavailable", err)
	}
	if Available() != "cpu" {
		t.Fatalf("Available: got %q", Available())
	}
}

func TestNoMemErrorMessage(t *testing.T) {
	t.Parallel()
	err := &NoMemError{Device: "cpu", Requested: 64, Available: 16}
	want := "cpu: out of memory: requested 64 bytes, 16 available"
	if err.Error() != want {
		t.Fatalf("Error: got %q want %q", err.Error(), want)
	}
}
