// Package moves provides the two collaborators of move resolution: the
// parallel-move resolver, which serializes a set of semantically simultaneous
// moves, and the redundant-move eliminator, which elides moves that are
// provably no-ops.
package moves

import (
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regalloc/internal/ir"
)

var log = logrus.WithField("component", "moves")

// ResolvedMove is one step of a serialized parallel-move schedule.
type ResolvedMove struct {
	From   ir.Allocation
	To     ir.Allocation
	ToVReg ir.VReg
}

// ParallelMoves resolves a set of parallel moves into an executable sequence.
// All moves added to one instance semantically happen at once; Resolve orders
// them so no source is overwritten before it is read, borrowing the scratch
// location to break cycles.
type ParallelMoves struct {
	pending []ResolvedMove
	scratch ir.Allocation
}

// NewParallelMoves returns a resolver that may use scratch to break cycles.
func NewParallelMoves(scratch ir.Allocation) *ParallelMoves {
	return &ParallelMoves{scratch: scratch}
}

// Add queues one parallel move.
func (p *ParallelMoves) Add(from, to ir.Allocation, toVReg ir.VReg) {
	p.pending = append(p.pending, ResolvedMove{From: from, To: to, ToVReg: toVReg})
}

// Resolve serializes the queued moves. A move is emitted once no still-pending
// move reads its destination; when only cycles remain, the first pending
// move's source is saved to the scratch location and the move is redirected to
// read from scratch, which unblocks the cycle. Each destination must be
// written by at most one queued move.
func (p *ParallelMoves) Resolve() []ResolvedMove {
	if len(p.pending) <= 1 {
		return append([]ResolvedMove(nil), p.pending...)
	}

	if invariantChecks {
		seen := make(map[ir.Allocation]bool, len(p.pending))
		for _, m := range p.pending {
			if m.From == m.To {
				continue
			}

			assert(!seen[m.To], "parallel move writes %s twice", m.To)
			seen[m.To] = true
		}
	}

	out := make([]ResolvedMove, 0, len(p.pending)+1)
	done := make([]bool, len(p.pending))
	remaining := len(p.pending)

	for remaining > 0 {
		progress := false

		for i := range p.pending {
			if done[i] || p.blocked(i, done) {
				continue
			}

			out = append(out, p.pending[i])
			done[i] = true
			remaining--
			progress = true
		}

		if remaining > 0 && !progress {
			// Only cycles remain. Save the first pending move's source
			// into scratch and let the move read scratch instead.
			for i := range p.pending {
				if done[i] {
					continue
				}

				log.Tracef("parallel-move cycle at %s -> %s; breaking via %s",
					p.pending[i].From, p.pending[i].To, p.scratch)
				out = append(out, ResolvedMove{
					From:   p.pending[i].From,
					To:     p.scratch,
					ToVReg: ir.InvalidVReg,
				})
				p.pending[i].From = p.scratch

				break
			}
		}
	}

	return out
}

// blocked reports whether some other still-pending move reads move i's
// destination.
func (p *ParallelMoves) blocked(i int, done []bool) bool {
	for j := range p.pending {
		if j == i || done[j] {
			continue
		}

		if p.pending[j].From == p.pending[i].To {
			return true
		}
	}

	return false
}
