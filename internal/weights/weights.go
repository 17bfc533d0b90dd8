// Package weights loads the weight groups a pipeline is built from. Tensors
// are addressed as "<group>.<name>", for example "block.3.attn.q".
package weights

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"github.com/samcharles93/vidgen/internal/logger"
	"github.com/samcharles93/vidgen/internal/safetensors"
	"github.com/samcharles93/vidgen/internal/tensor"
)

var ErrMissingWeight = errors.New("missing weight")

const (
	GroupPre  = "pre"
	GroupPost = "post"
)

// BlockGroup names the weight group of transformer block i.
func BlockGroup(i int) string {
	return "block." + strconv.Itoa(i)
}

// Entry declares one tensor a pipeline expects. Scale is the half-width of
// the uniform distribution used when synthesising; zero means all zeros.
type Entry struct {
	Group string
	Name  string
	Shape []int
	Scale float32
}

func (e Entry) Key() string {
	return e.Group + "." + e.Name
}

// Layout is the ordered list of tensors a pipeline needs.
type Layout []Entry

// Groups returns group names in first-seen order.
func (l Layout) Groups() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range l {
		if !seen[e.Group] {
			seen[e.Group] = true
			out = append(out, e.Group)
		}
	}
	return out
}

// Group is a named set of host tensors moved between host and accelerator as
// one unit.
type Group struct {
	Name    string
	Tensors map[string]*tensor.Tensor
}

// Names returns tensor names in sorted order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.Tensors))
	for n := range g.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bytes returns the group's total footprint.
func (g *Group) Bytes() int64 {
	var n int64
	for _, t := range g.Tensors {
		n += t.Bytes()
	}
	return n
}

// Set is every weight group of one model instance.
type Set struct {
	order  []string
	groups map[string]*Group
}

func newSet(l Layout) *Set {
	s := &Set{groups: make(map[string]*Group)}
	for _, name := range l.Groups() {
		s.order = append(s.order, name)
		s.groups[name] = &Group{Name: name, Tensors: make(map[string]*tensor.Tensor)}
	}
	return s
}

// Names returns group names in pipeline order.
func (s *Set) Names() []string {
	return slices.Clone(s.order)
}

func (s *Set) Group(name string) (*Group, bool) {
	g, ok := s.groups[name]
	return g, ok
}

// Bytes returns the footprint of all groups.
func (s *Set) Bytes() int64 {
	var n int64
	for _, g := range s.groups {
		n += g.Bytes()
	}
	return n
}

// Clone returns a deep copy. Each pipeline instance needs its own host
// copy because releasing a group writes back into it.
func (s *Set) Clone() *Set {
	out := &Set{order: slices.Clone(s.order), groups: make(map[string]*Group, len(s.groups))}
	for name, g := range s.groups {
		tensors := make(map[string]*tensor.Tensor, len(g.Tensors))
		for tn, t := range g.Tensors {
			tensors[tn] = t.Clone()
		}
		out.groups[name] = &Group{Name: g.Name, Tensors: tensors}
	}
	return out
}

// Check reports the first tensor of l that s lacks or holds with a
// different shape.
func (s *Set) Check(l Layout) error {
	for _, e := range l {
		g, ok := s.groups[e.Group]
		if !ok {
			return fmt.Errorf("%w: group %s", ErrMissingWeight, e.Group)
		}
		t, ok := g.Tensors[e.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingWeight, e.Key())
		}
		if !slices.Equal(t.Shape, e.Shape) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrMissingWeight, e.Key(), t.Shape, e.Shape)
		}
	}
	return nil
}

// Synthesize builds reproducible random weights for l. Each tensor draws from
// its own stream so adding a tensor does not perturb the others.
func Synthesize(l Layout, seed int64) *Set {
	s := newSet(l)
	for _, e := range l {
		t := tensor.New(e.Shape...)
		if e.Scale != 0 {
			tensor.FillRand(t, seed^keySeed(e.Key()), e.Scale)
		}
		s.groups[e.Group].Tensors[e.Name] = t
	}
	return s
}

func keySeed(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() >> 1)
}

// LoadDir reads every *.safetensors file in dir and resolves l against them.
// A tensor absent from all files, or present with the wrong shape, is an
// ErrMissingWeight.
func LoadDir(dir string, l Layout, log logger.Logger) (*Set, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no .safetensors files in %s", ErrMissingWeight, dir)
	}
	sort.Strings(paths)

	files := make([]*safetensors.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	index := make(map[string]*safetensors.File)
	for _, p := range paths {
		f, err := safetensors.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		files = append(files, f)
		for name := range f.Tensors {
			index[name] = f
		}
	}

	s := newSet(l)
	for _, e := range l {
		key := e.Key()
		f, ok := index[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingWeight, key)
		}
		data, info, err := f.ReadTensorF32(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMissingWeight, key, err)
		}
		if !slices.Equal(info.Shape, e.Shape) {
			return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrMissingWeight, key, info.Shape, e.Shape)
		}
		s.groups[e.Group].Tensors[e.Name] = tensor.MustFromData(data, e.Shape...)
	}
	log.Info("weights loaded", "dir", dir, "files", len(paths), "tensors", len(l), "bytes", s.Bytes())
	return s, nil
}

// Save writes s as a single safetensors file that LoadDir can read back.
func Save(path string, s *Set, metadata map[string]string) error {
	var named []safetensors.Named
	for _, gname := range s.order {
		g := s.groups[gname]
		for _, name := range g.Names() {
			t := g.Tensors[name]
			named = append(named, safetensors.Named{Name: gname + "." + name, Shape: t.Shape, Data: t.Data})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return safetensors.Write(path, named, metadata)
}
