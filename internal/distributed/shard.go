package distributed

import "fmt"

// Shard is the contiguous range of sequence rows owned by one rank.
type Shard struct {
	Rank      int
	WorldSize int
	Start     int
	Length    int
}

// End returns the first row past the shard.
func (s Shard) End() int { return s.Start + s.Length }

// Partition splits seqLen rows across world ranks. Shards are contiguous,
// disjoint and cover every row once; the first seqLen%world ranks take one
// extra row.
func Partition(seqLen, world int) ([]Shard, error) {
	if world < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrWorldSizeMismatch, world)
	}
	if seqLen < world {
		return nil, fmt.Errorf("%w: sequence length %d smaller than world size %d", ErrWorldSizeMismatch, seqLen, world)
	}
	base, rem := seqLen/world, seqLen%world
	shards := make([]Shard, world)
	start := 0
	for r := range world {
		n := base
		if r < rem {
			n++
		}
		shards[r] = Shard{Rank: r, WorldSize: world, Start: start, Length: n}
		start += n
	}
	return shards, nil
}

// ShardOf returns the shard owned by rank.
func ShardOf(rank, world, seqLen int) (Shard, error) {
	shards, err := Partition(seqLen, world)
	if err != nil {
		return Shard{}, err
	}
	if rank < 0 || rank >= world {
		return Shard{}, fmt.Errorf("%w: rank %d outside world of %d", ErrWorldSizeMismatch, rank, world)
	}
	return shards[rank], nil
}
