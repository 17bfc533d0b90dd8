package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/vidgen/internal/residency"
	"github.com/samcharles93/vidgen/internal/tensor"
)

// conditioning is what the pre-projection hands to the blocks and the
// post-projection for one pass. It is identical on every rank.
type conditioning struct {
	// vec is the conditioning vector the post-projection is modulated by.
	vec []float32
	// mod holds the six block modulation vectors before each block adds its
	// own table. It doubles as the caching proxy.
	mod []float32
	// context is the projected text sequence for cross-attention (Wan only).
	context *tensor.Tensor
}

// timestepEmbedding is the sinusoidal embedding [cos(t*f_i), sin(t*f_i)] with
// geometrically spaced frequencies.
func timestepEmbedding(t float32, dim int) []float32 {
	half := dim / 2
	out := make([]float32, dim)
	for i := range half {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		arg := float64(t) * freq
		out[i] = float32(math.Cos(arg))
		out[half+i] = float32(math.Sin(arg))
	}
	return out
}

func linearVec(v []float32, w *tensor.Tensor, bias []float32) ([]float32, error) {
	out, err := tensor.Linear(tensor.MustFromData(v, 1, len(v)), w, bias)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// embedMLP is Linear, SiLU, Linear over a single vector.
func embedMLP(w residency.Weights, prefix string, in []float32) ([]float32, error) {
	h, err := linearVec(in, w.T(prefix+".w1"), w.Vec(prefix+".b1"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	tensor.Apply(h, tensor.Silu)
	out, err := linearVec(h, w.T(prefix+".w2"), w.Vec(prefix+".b2"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	return out, nil
}

// pre projects the local latent tokens to the hidden width and builds the
// pass conditioning.
func (p *Pipeline) pre(w residency.Weights, x *tensor.Tensor, timestep float32, in Inputs, branch Branch) (*tensor.Tensor, conditioning, error) {
	var cond conditioning
	hidden, err := tensor.Linear(x, w.T("patch.w"), w.Vec("patch.b"))
	if err != nil {
		return nil, cond, fmt.Errorf("patch embed: %w", err)
	}

	vec, err := embedMLP(w, "time", timestepEmbedding(timestep, p.cfg.FreqDim))
	if err != nil {
		return nil, cond, err
	}

	switch p.cfg.Family {
	case Wan:
		text := in.Text
		if branch == Uncond {
			text = in.NegText
		}
		cond.context, err = tensor.Linear(text, w.T("text.w"), w.Vec("text.b"))
		if err != nil {
			return nil, cond, fmt.Errorf("text projection: %w", err)
		}
	case Hunyuan:
		guide, err := embedMLP(w, "guide", timestepEmbedding(in.Guidance*1000, p.cfg.FreqDim))
		if err != nil {
			return nil, cond, err
		}
		pooled, err := linearVec(in.Pooled, w.T("pooled.w"), w.Vec("pooled.b"))
		if err != nil {
			return nil, cond, fmt.Errorf("pooled text projection: %w", err)
		}
		tensor.Add(vec, guide)
		tensor.Add(vec, pooled)
	}
	cond.vec = vec

	act := make([]float32, len(vec))
	copy(act, vec)
	tensor.Apply(act, tensor.Silu)
	cond.mod, err = linearVec(act, w.T("mod.w"), w.Vec("mod.b"))
	if err != nil {
		return nil, cond, fmt.Errorf("modulation: %w", err)
	}
	return hidden, cond, nil
}

func normModulate(x *tensor.Tensor, shift, scale []float32, eps float32) *tensor.Tensor {
	out := tensor.New(x.Rows(), x.Cols())
	for i := range x.Rows() {
		row := out.Row(i)
		tensor.LayerNorm(row, x.Row(i), eps)
		tensor.Modulate(row, shift, scale)
	}
	return out
}

func addGated(x, h *tensor.Tensor, gate []float32) {
	for i := range x.Rows() {
		xr, hr := x.Row(i), h.Row(i)
		for j := range xr {
			xr[j] += gate[j] * hr[j]
		}
	}
}

// block runs one transformer block on the local rows x and returns a new
// tensor. Self-attention goes through the coordinator; cross-attention only
// needs local queries and the replicated text context.
func (p *Pipeline) block(ctx context.Context, w residency.Weights, x *tensor.Tensor, cond conditioning) (*tensor.Tensor, error) {
	d := p.cfg.Hidden
	mod := make([]float32, modChunks*d)
	copy(mod, cond.mod)
	tensor.Add(mod, w.Vec("mod"))
	chunk := func(i int) []float32 { return mod[i*d : (i+1)*d] }
	shiftAttn, scaleAttn, gateAttn := chunk(0), chunk(1), chunk(2)
	shiftMLP, scaleMLP, gateMLP := chunk(3), chunk(4), chunk(5)

	out := x.Clone()

	h := normModulate(out, shiftAttn, scaleAttn, p.cfg.Eps)
	q, err := tensor.Linear(h, w.T("attn.q"), nil)
	if err != nil {
		return nil, err
	}
	k, err := tensor.Linear(h, w.T("attn.k"), nil)
	if err != nil {
		return nil, err
	}
	v, err := tensor.Linear(h, w.T("attn.v"), nil)
	if err != nil {
		return nil, err
	}
	attn, err := p.coord.Attention(ctx, q, k, v, p.cfg.Heads)
	if err != nil {
		return nil, fmt.Errorf("self-attention: %w", err)
	}
	proj, err := tensor.Linear(attn, w.T("attn.o"), w.Vec("attn.o.b"))
	if err != nil {
		return nil, err
	}
	addGated(out, proj, gateAttn)

	if cond.context != nil {
		h := normModulate(out, make([]float32, d), make([]float32, d), p.cfg.Eps)
		cq, err := tensor.Linear(h, w.T("cross.q"), nil)
		if err != nil {
			return nil, err
		}
		ck, err := tensor.Linear(cond.context, w.T("cross.k"), nil)
		if err != nil {
			return nil, err
		}
		cv, err := tensor.Linear(cond.context, w.T("cross.v"), nil)
		if err != nil {
			return nil, err
		}
		cross, err := tensor.Attention(cq, ck, cv, p.cfg.Heads)
		if err != nil {
			return nil, fmt.Errorf("cross-attention: %w", err)
		}
		proj, err := tensor.Linear(cross, w.T("cross.o"), w.Vec("cross.o.b"))
		if err != nil {
			return nil, err
		}
		tensor.Add(out.Data, proj.Data)
	}

	h = normModulate(out, shiftMLP, scaleMLP, p.cfg.Eps)
	up, err := tensor.Linear(h, w.T("mlp.w1"), w.Vec("mlp.b1"))
	if err != nil {
		return nil, err
	}
	tensor.Apply(up.Data, tensor.Gelu)
	down, err := tensor.Linear(up, w.T("mlp.w2"), w.Vec("mlp.b2"))
	if err != nil {
		return nil, err
	}
	addGated(out, down, gateMLP)
	return out, nil
}

// post projects the local hidden rows back to latent channels.
func (p *Pipeline) post(w residency.Weights, x *tensor.Tensor, cond conditioning) (*tensor.Tensor, error) {
	d := p.cfg.Hidden
	table := w.T("mod")
	shift := make([]float32, d)
	scale := make([]float32, d)
	copy(shift, table.Row(0))
	copy(scale, table.Row(1))
	tensor.Add(shift, cond.vec)
	tensor.Add(scale, cond.vec)
	h := normModulate(x, shift, scale, p.cfg.Eps)
	out, err := tensor.Linear(h, w.T("head.w"), w.Vec("head.b"))
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return out, nil
}
