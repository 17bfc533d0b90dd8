package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major float32 tensor.
//
// Shape lists the dimensions from outermost to innermost. Most stage code in
// this module works on rank-2 tensors laid out as [rows, cols] where rows is
// the sequence dimension, so Rows/Cols/Row are provided for that case. Data is
// never aliased by the helpers in this package unless documented.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps data with the given shape. The length of data must match the
// product of the dimensions.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// MustFromData is FromData for shapes known to be valid. It panics otherwise.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Bytes returns the storage footprint of the tensor in bytes.
func (t *Tensor) Bytes() int64 { return int64(len(t.Data)) * 4 }

// Rows returns the outermost dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Cols returns the number of elements per outer row.
func (t *Tensor) Cols() int {
	r := t.Rows()
	if r == 0 {
		return 0
	}
	return len(t.Data) / r
}

// Row returns a view of the i-th outer row. Writes go to the tensor.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	if i < 0 || i >= t.Rows() {
		panic("row index out of range")
	}
	return t.Data[i*c : (i+1)*c]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// SliceRows returns a copy of rows [start, start+n).
func (t *Tensor) SliceRows(start, n int) *Tensor {
	if start < 0 || n < 0 || start+n > t.Rows() {
		panic("row slice out of range")
	}
	c := t.Cols()
	shape := slices.Clone(t.Shape)
	if len(shape) == 0 {
		shape = []int{n}
	} else {
		shape[0] = n
	}
	return &Tensor{Shape: shape, Data: slices.Clone(t.Data[start*c : (start+n)*c])}
}

// ConcatRows stacks tensors along the outer dimension. All parts must share
// their inner shape.
func ConcatRows(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: concat of zero parts")
	}
	inner := parts[0].Shape[1:]
	rows := 0
	size := 0
	for _, p := range parts {
		if !slices.Equal(p.Shape[1:], inner) {
			return nil, fmt.Errorf("tensor: concat inner shape %v != %v", p.Shape[1:], inner)
		}
		rows += p.Rows()
		size += len(p.Data)
	}
	data := make([]float32, 0, size)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	shape := append([]int{rows}, inner...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// ConcatCols joins two rank-2 tensors with the same number of rows along the
// inner dimension.
func ConcatCols(a, b *Tensor) (*Tensor, error) {
	if a.Rows() != b.Rows() {
		return nil, fmt.Errorf("tensor: concat cols rows %d != %d", a.Rows(), b.Rows())
	}
	ac, bc := a.Cols(), b.Cols()
	out := New(a.Rows(), ac+bc)
	for i := range a.Rows() {
		row := out.Row(i)
		copy(row[:ac], a.Row(i))
		copy(row[ac:], b.Row(i))
	}
	return out, nil
}

// FillRand fills the tensor with reproducible small uniform values, the same
// scheme used for synthetic weights.
func FillRand(t *Tensor, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// FillNormal fills the tensor with reproducible standard normal noise.
func FillNormal(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
}

// AllFinite reports whether every element is a finite number.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
