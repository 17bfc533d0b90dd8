package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

func attentionDims(q, k, v *Tensor, heads int) (headDim int, err error) {
	d := q.Cols()
	if heads <= 0 || d%heads != 0 {
		return 0, fmt.Errorf("tensor: hidden size %d not divisible by %d heads", d, heads)
	}
	if k.Cols() != d || v.Cols() != d {
		return 0, fmt.Errorf("tensor: attention width mismatch q=%d k=%d v=%d", d, k.Cols(), v.Cols())
	}
	if k.Rows() != v.Rows() {
		return 0, fmt.Errorf("tensor: attention k rows %d != v rows %d", k.Rows(), v.Rows())
	}
	return d / heads, nil
}

// Attention computes multi-head scaled dot-product attention without a mask.
// q is [n, d], k and v are [m, d]; heads split d evenly.
func Attention(q, k, v *Tensor, heads int) (*Tensor, error) {
	headDim, err := attentionDims(q, k, v, heads)
	if err != nil {
		return nil, err
	}
	n, m := q.Rows(), k.Rows()
	out := New(n, q.Cols())
	scale := 1 / math32.Sqrt(float32(headDim))
	scratch := make([]float32, workersFor(n)*m)
	parallelRows(n, func(worker, rs, re int) {
		scores := scratch[worker*m : (worker+1)*m]
		for i := rs; i < re; i++ {
			attendRow(out.Row(i), q.Row(i), k, v, heads, headDim, scale, scores)
		}
	})
	return out, nil
}

func attendRow(orow, qrow []float32, k, v *Tensor, heads, headDim int, scale float32, scores []float32) {
	for h := range heads {
		lo, hi := h*headDim, (h+1)*headDim
		qh := qrow[lo:hi]
		for t := range scores {
			scores[t] = Dot(qh, k.Row(t)[lo:hi]) * scale
		}
		Softmax(scores)
		oh := orow[lo:hi]
		for t := range scores {
			AddScaled(oh, v.Row(t)[lo:hi], scores[t])
		}
	}
}

// OnlineSoftmax accumulates attention for one query head across key/value
// blocks that arrive one at a time. It keeps the running max and the running
// sum of exponentials so earlier blocks are rescaled instead of revisited.
type OnlineSoftmax struct {
	maxVal float32
	sumExp float32
	output []float32
}

func NewOnlineSoftmax(headDim int) *OnlineSoftmax {
	return &OnlineSoftmax{
		maxVal: math32.Inf(-1),
		output: make([]float32, headDim),
	}
}

// Update folds in one block where scores[t] weights value(t).
func (o *OnlineSoftmax) Update(scores []float32, value func(t int) []float32) {
	if len(scores) == 0 {
		return
	}
	blockMax := scores[0]
	for _, s := range scores[1:] {
		blockMax = max(blockMax, s)
	}
	newMax := max(o.maxVal, blockMax)
	correction := math32.Exp(o.maxVal - newMax)
	o.sumExp *= correction
	Scale(o.output, correction)
	for t, s := range scores {
		e := math32.Exp(s - newMax)
		o.sumExp += e
		AddScaled(o.output, value(t), e)
	}
	o.maxVal = newMax
}

// NormalizeInto writes the final weighted sum into dst.
func (o *OnlineSoftmax) NormalizeInto(dst []float32) {
	if o.sumExp == 0 {
		clear(dst)
		return
	}
	inv := 1 / o.sumExp
	for i, v := range o.output {
		dst[i] = v * inv
	}
}

// AttentionAccumulator runs OnlineSoftmax for every (query row, head) of a
// local query block so attention can be built up block by block.
type AttentionAccumulator struct {
	q       *Tensor
	heads   int
	headDim int
	scale   float32
	acc     []*OnlineSoftmax
	scores  []float32
}

func NewAttentionAccumulator(q *Tensor, heads int) (*AttentionAccumulator, error) {
	d := q.Cols()
	if heads <= 0 || d%heads != 0 {
		return nil, fmt.Errorf("tensor: hidden size %d not divisible by %d heads", d, heads)
	}
	headDim := d / heads
	acc := make([]*OnlineSoftmax, q.Rows()*heads)
	for i := range acc {
		acc[i] = NewOnlineSoftmax(headDim)
	}
	return &AttentionAccumulator{
		q:       q,
		heads:   heads,
		headDim: headDim,
		scale:   1 / math32.Sqrt(float32(headDim)),
		acc:     acc,
	}, nil
}

// Add folds a key/value block into every accumulator.
func (a *AttentionAccumulator) Add(k, v *Tensor) error {
	if _, err := attentionDims(a.q, k, v, a.heads); err != nil {
		return err
	}
	m := k.Rows()
	if cap(a.scores) < m {
		a.scores = make([]float32, m)
	}
	scores := a.scores[:m]
	for i := range a.q.Rows() {
		qrow := a.q.Row(i)
		for h := range a.heads {
			lo, hi := h*a.headDim, (h+1)*a.headDim
			qh := qrow[lo:hi]
			for t := range m {
				scores[t] = Dot(qh, k.Row(t)[lo:hi]) * a.scale
			}
			a.acc[i*a.heads+h].Update(scores, func(t int) []float32 { return v.Row(t)[lo:hi] })
		}
	}
	return nil
}

// Result returns the normalised attention output, [rows(q), d].
func (a *AttentionAccumulator) Result() *Tensor {
	out := New(a.q.Rows(), a.q.Cols())
	for i := range a.q.Rows() {
		row := out.Row(i)
		for h := range a.heads {
			a.acc[i*a.heads+h].NormalizeInto(row[h*a.headDim : (h+1)*a.headDim])
		}
	}
	return out
}
