package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Sub stores a-b into dst element-wise.
func Sub(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
}

// Scale multiplies x in place by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// AddScaled computes dst[i] += s*src[i].
func AddScaled(dst, src []float32, s float32) {
	for i := range dst {
		dst[i] += s * src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LayerNorm normalises src to zero mean and unit variance without an affine
// transform. DiT blocks apply their own shift/scale modulation afterwards.
func LayerNorm(dst, src []float32, eps float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v) - mean) * inv)
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Modulate applies adaLN style modulation: x*(1+scale)+shift.
func Modulate(x, shift, scale []float32) {
	for i := range x {
		x[i] = x[i]*(1+scale[i]) + shift[i]
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}

// Apply maps fn over x in place.
func Apply(x []float32, fn func(float32) float32) {
	for i := range x {
		x[i] = fn(x[i])
	}
}

// MatMul computes a[m,k] @ b[k,n] into a new [m,n] tensor.
func MatMul(a, b *Tensor) (*Tensor, error) {
	m, k := a.Rows(), a.Cols()
	if b.Rows() != k {
		return nil, fmt.Errorf("tensor: matmul inner dims %d != %d", k, b.Rows())
	}
	n := b.Cols()
	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.Data},
	)
	return out, nil
}

// Linear computes x @ w + bias where bias may be nil.
func Linear(x, w *Tensor, bias []float32) (*Tensor, error) {
	out, err := MatMul(x, w)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if len(bias) != out.Cols() {
			return nil, fmt.Errorf("tensor: bias length %d != %d", len(bias), out.Cols())
		}
		for i := range out.Rows() {
			Add(out.Row(i), bias)
		}
	}
	return out, nil
}

// MeanAbs returns the mean absolute value of x.
func MeanAbs(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(x))
}

// RelL1 returns mean|a-b| / mean|b|, the relative L1 distance used by the
// caching strategies. It returns +Inf when b is all zeros and a is not.
func RelL1(a, b []float32) float64 {
	var num, den float64
	for i := range a {
		num += math.Abs(float64(a[i] - b[i]))
		den += math.Abs(float64(b[i]))
	}
	if den == 0 {
		if num == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return num / den
}

// MaxAbsDiff returns the largest element-wise absolute difference.
func MaxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}
