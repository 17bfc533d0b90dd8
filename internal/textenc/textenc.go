// Package textenc produces the text conditioning a pipeline consumes: a
// per-token embedding sequence and a pooled vector. Token ids come from the
// model's tokenizer; each id maps to a fixed seeded embedding.
package textenc

import (
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/vidgen/internal/tensor"
	"github.com/samcharles93/vidgen/internal/tokenizer"
)

// Encoding is the result of encoding one prompt.
type Encoding struct {
	// Tokens is [tokens, dim]. An empty prompt yields a single padding row.
	Tokens *tensor.Tensor
	Pooled []float32
	IDs    []int
}

type Encoder struct {
	tok       tokenizer.Tokenizer
	dim       int
	maxTokens int
	seed      int64

	mu    sync.Mutex
	table map[int][]float32
}

// New returns an encoder producing dim-wide embeddings. Prompts longer than
// maxTokens are truncated.
func New(tok tokenizer.Tokenizer, dim, maxTokens int, seed int64) (*Encoder, error) {
	if dim <= 0 || maxTokens <= 0 {
		return nil, fmt.Errorf("textenc: dim and max tokens must be positive, got %d and %d", dim, maxTokens)
	}
	return &Encoder{
		tok:       tok,
		dim:       dim,
		maxTokens: maxTokens,
		seed:      seed,
		table:     make(map[int][]float32),
	}, nil
}

func (e *Encoder) Dim() int { return e.dim }

func (e *Encoder) embedding(id int) []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.table[id]; ok {
		return v
	}
	t := tensor.New(e.dim)
	tensor.FillRand(t, e.seed^int64(id)*0x9E3779B97F4A7C, 1)
	e.table[id] = t.Data
	return t.Data
}

// Encode tokenizes prompt and embeds it. Embeddings carry a sinusoidal
// position signal so repeated words differ by position.
func (e *Encoder) Encode(prompt string) (Encoding, error) {
	ids, err := e.tok.Encode(prompt)
	if err != nil {
		return Encoding{}, fmt.Errorf("tokenize prompt: %w", err)
	}
	if len(ids) > e.maxTokens {
		ids = ids[:e.maxTokens]
	}
	if len(ids) == 0 {
		return Encoding{Tokens: tensor.New(1, e.dim), Pooled: make([]float32, e.dim)}, nil
	}

	out := tensor.New(len(ids), e.dim)
	pooled := make([]float32, e.dim)
	half := e.dim / 2
	for i, id := range ids {
		row := out.Row(i)
		copy(row, e.embedding(id))
		for j := range half {
			freq := math.Exp(-math.Log(10000) * float64(j) / float64(max(half, 1)))
			row[2*j] += 0.1 * float32(math.Sin(float64(i)*freq))
			row[2*j+1] += 0.1 * float32(math.Cos(float64(i)*freq))
		}
		tensor.Add(pooled, row)
	}
	tensor.Scale(pooled, 1/float32(len(ids)))
	return Encoding{Tokens: out, Pooled: pooled, IDs: ids}, nil
}
