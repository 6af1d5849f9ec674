package audio

import (
	"errors"
	"fmt"
)

// Sequence admission errors. Both are local, recoverable conditions: the
// offending frame is dropped and logged, the session continues.
var (
	// ErrDuplicateFrame marks a frame whose sequence number was already seen.
	ErrDuplicateFrame = errors.New("audio: duplicate frame")

	// ErrOutOfOrder marks a frame that skips ahead of the expected sequence.
	ErrOutOfOrder = errors.New("audio: out-of-order frame")
)

// DefaultResyncAfter is the number of consecutive gapped frames after which
// a [SequenceGuard] re-anchors to the incoming sequence instead of rejecting.
const DefaultResyncAfter = 3

// SequenceGuard enforces strict per-session frame ordering. Frames must
// arrive with consecutive sequence numbers; duplicates and gaps are rejected.
//
// Gap policy: a frame that skips ahead is rejected, but after ResyncAfter
// consecutive gapped frames the guard assumes genuine packet loss (rather
// than reordering in flight) and re-anchors to the incoming sequence, so a
// lossy transport cannot stall the stream permanently.
//
// SequenceGuard is owned by one session loop; not safe for concurrent use.
type SequenceGuard struct {
	// ResyncAfter overrides the gap tolerance. Zero means DefaultResyncAfter.
	ResyncAfter int

	started bool
	next    uint64
	gapped  int
}

// Admit checks frame seq against the expected sequence. It returns nil and
// advances the guard when the frame is in order; otherwise it returns
// ErrDuplicateFrame or ErrOutOfOrder and the frame must be dropped. The
// second return value reports whether this admission re-anchored the stream
// (callers should reset resampler state on resync).
func (g *SequenceGuard) Admit(seq uint64) (resync bool, err error) {
	if !g.started {
		g.started = true
		g.next = seq + 1
		return false, nil
	}

	switch {
	case seq == g.next:
		g.next++
		g.gapped = 0
		return false, nil

	case seq < g.next:
		return false, fmt.Errorf("%w: seq %d already processed (next %d)", ErrDuplicateFrame, seq, g.next)

	default: // gap
		g.gapped++
		limit := g.ResyncAfter
		if limit <= 0 {
			limit = DefaultResyncAfter
		}
		if g.gapped >= limit {
			g.next = seq + 1
			g.gapped = 0
			return true, nil
		}
		return false, fmt.Errorf("%w: seq %d skips expected %d (gap %d/%d)",
			ErrOutOfOrder, seq, g.next, g.gapped, limit)
	}
}
