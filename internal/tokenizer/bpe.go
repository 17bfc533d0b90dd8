package tokenizer

import (
	"cmp"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

type pair struct {
	a, b string
}

// byteLevel is the reversible byte to printable-rune mapping byte-level BPE
// vocabularies are written in.
var byteLevel = func() [256]string {
	var table [256]string
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 256
	for b := range 256 {
		if printable(b) {
			table[b] = string(rune(b))
			continue
		}
		table[b] = string(rune(next))
		next++
	}
	return table
}()

func byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(byteLevel[s[i]])
	}
	return b.String()
}

// symbol is one node of the doubly linked list merge works on. A merged-away
// symbol has empty text.
type symbol struct {
	prev, next int
	text       string
}

type candidate struct {
	left, right int
	rank        int
	value       string
}

// merge applies ranked merges to word until none applies. Candidates are
// popped lowest rank first, leftmost first among equal ranks; stale entries
// left behind by earlier merges are skipped.
func merge(word []string, ranks map[pair]int) []string {
	if len(word) < 2 {
		return word
	}
	syms := make([]symbol, len(word))
	for i, w := range word {
		syms[i] = symbol{prev: i - 1, next: i + 1, text: w}
	}
	candidateAt := func(a, b int) *candidate {
		if a < 0 || b >= len(syms) {
			return nil
		}
		r, ok := ranks[pair{syms[a].text, syms[b].text}]
		if !ok {
			return nil
		}
		return &candidate{left: a, right: b, rank: r, value: syms[a].text + syms[b].text}
	}

	queue := heap.NewWith(func(x, y *candidate) int {
		if c := cmp.Compare(x.rank, y.rank); c != 0 {
			return c
		}
		return cmp.Compare(x.left, y.left)
	})
	for i := range len(syms) - 1 {
		if c := candidateAt(i, i+1); c != nil {
			queue.Push(c)
		}
	}

	for !queue.Empty() {
		c, _ := queue.Pop()
		left, right := syms[c.left], syms[c.right]
		if left.text == "" || right.text == "" || left.next != c.right || left.text+right.text != c.value {
			continue
		}
		syms[c.left].text = c.value
		syms[c.left].next = right.next
		syms[c.right].text = ""
		if right.next < len(syms) {
			syms[right.next].prev = c.left
		}
		if n := candidateAt(syms[c.left].prev, c.left); n != nil {
			queue.Push(n)
		}
		if n := candidateAt(c.left, syms[c.left].next); n != nil {
			queue.Push(n)
		}
	}

	out := make([]string, 0, len(syms))
	for _, s := range syms {
		if s.text != "" {
			out = append(out, s.text)
		}
	}
	return out
}
