package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

// writeRaw creates a safetensors file with the given header and payload.
func writeRaw(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	data := append(lenBuf[:], headerBytes...)
	data = append(data, payload...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func openT(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	badJSON := filepath.Join(dir, "bad.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 5)
	if err := os.WriteFile(badJSON, append(lenBuf[:], []byte("{nope")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(badJSON); err == nil {
		t.Fatal("expected error for invalid header json")
	}

	offsets := filepath.Join(dir, "offsets.safetensors")
	writeRaw(t, offsets, map[string]any{
		"w": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0}},
	}, make([]byte, 4))
	if _, err := Open(offsets); err == nil || !strings.Contains(err.Error(), "data_offsets") {
		t.Fatalf("expected data_offsets error, got %v", err)
	}

	past := filepath.Join(dir, "past.safetensors")
	writeRaw(t, past, map[string]any{
		"w": tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
	}, make([]byte, 8))
	if _, err := Open(past); err == nil {
		t.Fatal("expected error for data past end of file")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meta.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"family": "wan2.1"},
		"w":            tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))

	f := openT(t, path)
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	if f.Metadata["family"] != "wan2.1" {
		t.Fatalf("metadata: got %v", f.Metadata)
	}
}

func TestReadTensorDTypes(t *testing.T) {
	t.Parallel()
	want := []float32{1, -2.5, 0.375, 1024}

	f32 := make([]byte, 16)
	bf := make([]byte, 8)
	hf := make([]byte, 8)
	for i, v := range want {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(v))
		binary.LittleEndian.PutUint16(bf[i*2:], uint16(math.Float32bits(v)>>16))
		binary.LittleEndian.PutUint16(hf[i*2:], float16.Fromfloat32(v).Bits())
	}
	payload := append(append(append([]byte{}, f32...), bf...), hf...)

	path := filepath.Join(t.TempDir(), "dtypes.safetensors")
	writeRaw(t, path, map[string]any{
		"a": tensorHeader{DType: "F32", Shape: []int{2, 2}, DataOffsets: []int64{0, 16}},
		"b": tensorHeader{DType: "BF16", Shape: []int{4}, DataOffsets: []int64{16, 24}},
		"c": tensorHeader{DType: "F16", Shape: []int{4}, DataOffsets: []int64{24, 32}},
		"d": tensorHeader{DType: "I8", Shape: []int{4}, DataOffsets: []int64{0, 4}},
		"e": tensorHeader{DType: "F32", Shape: []int{3}, DataOffsets: []int64{0, 8}},
	}, payload)
	f := openT(t, path)

	for _, name := range []string{"a", "b", "c"} {
		got, _, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("ReadTensorF32(%s) mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, _, err := f.ReadTensorF32("d"); err == nil || !strings.Contains(err.Error(), "unsupported dtype") {
		t.Fatalf("expected unsupported dtype error, got %v", err)
	}
	if _, _, err := f.ReadTensorF32("e"); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.safetensors")
	if err := Write(path, []Named{{Name: "x", Shape: []int{2}, Data: []float32{1, 2}}}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _, err := f.ReadTensorF32("x")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got[1] != 2 {
		t.Fatalf("copy invalidated by Close: %v", got)
	}
	if _, _, err := f.ReadTensor("x"); err == nil {
		t.Fatal("expected error reading closed file")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out", "latents.safetensors")
	in := []Named{
		{Name: "latents", Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "alpha", Shape: []int{1}, Data: []float32{float32(math.Pi)}},
	}
	if err := Write(path, in, map[string]string{"steps": "4"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f := openT(t, path)
	if f.DataStart%8 != 0 {
		t.Fatalf("data section not aligned: %d", f.DataStart)
	}
	if f.Metadata["steps"] != "4" {
		t.Fatalf("metadata: got %v", f.Metadata)
	}
	for _, want := range in {
		got, info, err := f.ReadTensorF32(want.Name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", want.Name, err)
		}
		if diff := cmp.Diff(want.Shape, info.Shape); diff != "" {
			t.Fatalf("shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(want.Data, got); diff != "" {
			t.Fatalf("data mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestWriteRejectsBadInputWithoutOutput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.safetensors")
	err := Write(path, []Named{{Name: "x", Shape: []int{3}, Data: []float32{1}}}, nil)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("output file exists after failed write: %v", statErr)
	}
	err = Write(path, []Named{
		{Name: "x", Shape: []int{1}, Data: []float32{1}},
		{Name: "x", Shape: []int{1}, Data: []float32{2}},
	}, nil)
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{7}, 7, false},
		{nil, 0, true},
		{[]int{2, 0}, 0, true},
		{[]int{-1}, 0, true},
	}
	for _, tc := range tests {
		got, err := numElements(tc.shape)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("numElements(%v): got %d, %v", tc.shape, got, err)
		}
	}
}
