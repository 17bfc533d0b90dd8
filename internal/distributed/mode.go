// Package distributed shards the token sequence of a transformer pass across
// ranks and coordinates the collectives self-attention needs.
package distributed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMode       = errors.New("distributed: unknown attention mode")
	ErrWorldSizeMismatch = errors.New("distributed: world size mismatch")
	ErrCommunication     = errors.New("distributed: communication failure")
)

// Mode selects how self-attention is split across ranks.
type Mode int

const (
	// None runs attention over the full sequence on a single rank.
	None Mode = iota
	// SequenceShardExchange gathers every rank's keys and values with one
	// all-to-all and attends the local queries against the full sequence.
	SequenceShardExchange
	// RingPass rotates key/value shards around the ranks and accumulates
	// attention with an online softmax.
	RingPass
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case SequenceShardExchange:
		return "ulysses"
	case RingPass:
		return "ring"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves a configured attention mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return None, nil
	case "ulysses", "exchange", "sequence_shard_exchange":
		return SequenceShardExchange, nil
	case "ring", "ring_pass":
		return RingPass, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}
