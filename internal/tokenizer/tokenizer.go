// Package tokenizer turns prompts into token ids for the text encoder. It
// reads Hugging Face byte-level BPE tokenizer.json files and falls back to a
// hashed word vocabulary when a model ships without one.
package tokenizer

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Tokenizer maps text to ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	VocabSize() int
}

// ForDir returns the tokenizer.json tokenizer in dir when there is one and the
// hashed word tokenizer otherwise.
func ForDir(dir string, vocab int) (Tokenizer, error) {
	if dir != "" {
		path := filepath.Join(dir, "tokenizer.json")
		if _, err := os.Stat(path); err == nil {
			return LoadHF(path, filepath.Join(dir, "tokenizer_config.json"))
		}
	}
	return NewWords(vocab), nil
}

// Words splits on anything that is not a letter or digit and hashes each
// lowercased word into a fixed vocabulary.
type Words struct {
	vocab int
}

func NewWords(vocab int) *Words {
	if vocab <= 0 {
		vocab = 32000
	}
	return &Words{vocab: vocab}
}

func (w *Words) VocabSize() int { return w.vocab }

func (w *Words) Encode(text string) ([]int, error) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	ids := make([]int, len(fields))
	for i, f := range fields {
		h := fnv.New32a()
		_, _ = h.Write([]byte(f))
		ids[i] = int(h.Sum32() % uint32(w.vocab))
	}
	return ids, nil
}
