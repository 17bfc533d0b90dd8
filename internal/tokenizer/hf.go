package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/goccy/go-json"
)

// defaultSplit is the GPT-2 byte-level pre-tokenizer pattern.
const defaultSplit = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// HF is a byte-level BPE tokenizer read from a tokenizer.json file.
type HF struct {
	vocab  map[string]int
	size   int
	ranks  map[pair]int
	split  *regexp2.Regexp
	cache  map[string][]string
	bosID  int
	eosID  int
	unkID  int
	addBOS bool
	addEOS bool
}

type hfFile struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

type hfConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

// LoadHF reads tokenizer.json and, when present, tokenizer_config.json.
func LoadHF(tokJSON, tokConfig string) (*HF, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return ParseHF(data, cfg)
}

// ParseHF builds a tokenizer from the raw file contents.
func ParseHF(tokJSON, tokConfig []byte) (*HF, error) {
	var f hfFile
	if err := json.Unmarshal(tokJSON, &f); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(f.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", f.Model.Type)
	}

	t := &HF{
		vocab: make(map[string]int, len(f.Model.Vocab)+len(f.AddedTokens)),
		ranks: make(map[pair]int, len(f.Model.Merges)),
		cache: make(map[string][]string),
		bosID: -1,
		eosID: -1,
		unkID: -1,
	}
	for tok, id := range f.Model.Vocab {
		t.vocab[tok] = id
		t.size = max(t.size, id+1)
	}
	for _, at := range f.AddedTokens {
		t.vocab[at.Content] = at.ID
		t.size = max(t.size, at.ID+1)
	}

	for _, raw := range f.Model.Merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			var ok bool
			a, b, ok = strings.Cut(strings.TrimSpace(v), " ")
			if !ok {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, _ = v[0].(string)
			b, _ = v[1].(string)
		}
		if a == "" || b == "" || strings.HasPrefix(a, "#") {
			continue
		}
		if _, dup := t.ranks[pair{a, b}]; !dup {
			t.ranks[pair{a, b}] = len(t.ranks)
		}
	}

	pattern := defaultSplit
	if f.PreTokenizer.Type == "Sequence" {
		for _, p := range f.PreTokenizer.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pattern = p.Pattern.Regex
				break
			}
		}
	}
	split, err := regexp2.Compile(pattern, regexp2.Unicode|regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	t.split = split

	if f.Model.UnkToken != "" {
		if id, ok := t.vocab[f.Model.UnkToken]; ok {
			t.unkID = id
		}
	}
	if len(tokConfig) > 0 {
		var c hfConfig
		if err := json.Unmarshal(tokConfig, &c); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
		t.addBOS, t.addEOS = c.AddBOS, c.AddEOS
		if id, ok := t.vocab[c.BOS]; ok {
			t.bosID = id
		}
		if id, ok := t.vocab[c.EOS]; ok {
			t.eosID = id
		}
	}
	return t, nil
}

func (t *HF) VocabSize() int { return t.size }

func (t *HF) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, piece := range t.pieces(text) {
		for _, tok := range t.bpe(byteEncode(piece)) {
			id, ok := t.vocab[tok]
			switch {
			case ok:
				ids = append(ids, id)
			case t.unkID >= 0:
				ids = append(ids, t.unkID)
			default:
				return nil, fmt.Errorf("unknown token: %q", tok)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HF) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	var word []string
	for _, r := range token {
		word = append(word, string(r))
	}
	word = merge(word, t.ranks)
	t.cache[token] = word
	return word
}

// pieces splits text with the pre-tokenizer pattern. Text between matches is
// kept as its own piece.
func (t *HF) pieces(text string) []string {
	runes := []rune(text)
	var out []string
	offset := 0
	m, _ := t.split.FindRunesMatch(runes)
	for m != nil {
		if m.Index > offset {
			out = append(out, string(runes[offset:m.Index]))
		}
		out = append(out, m.String())
		offset = m.Index + m.Length
		m, _ = t.split.FindNextMatch(m)
	}
	if offset < len(runes) {
		out = append(out, string(runes[offset:]))
	}
	return out
}
