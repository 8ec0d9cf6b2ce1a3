package backtrack

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/orizon-lang/regalloc/internal/ir"
)

// Half-moves let a single scan over every vreg's ranges discover both
// endpoints of every inter-block transfer independently; one sort then brings
// each edge's source and destinations together. The key packs
// (from_block, to_block, to_vreg, kind) high-to-low so that sorting by it
// groups one edge's traffic contiguously with the Source first.
type halfMoveKind uint8

const (
	halfMoveSource halfMoveKind = 0
	halfMoveDest   halfMoveKind = 1
)

type halfMove struct {
	key   uint64
	alloc ir.Allocation
}

func halfMoveKey(from, to ir.Block, toVReg VRegIndex, kind halfMoveKind) uint64 {
	assert(from < 1<<21, "half-move from_block %d exceeds 21 bits", from)
	assert(to < 1<<21, "half-move to_block %d exceeds 21 bits", to)
	assert(toVReg < 1<<21, "half-move to_vreg %d exceeds 21 bits", toVReg)

	return uint64(from)<<43 | uint64(to)<<22 | uint64(toVReg)<<1 | uint64(kind)
}

func (h halfMove) fromBlock() ir.Block { return ir.Block(h.key >> 43 & (1<<21 - 1)) }
func (h halfMove) toBlock() ir.Block   { return ir.Block(h.key >> 22 & (1<<21 - 1)) }
func (h halfMove) toVReg() VRegIndex   { return VRegIndex(h.key >> 1 & (1<<21 - 1)) }
func (h halfMove) kind() halfMoveKind  { return halfMoveKind(h.key & 1) }

// applyAllocationsAndInsertMoves is the apply-and-discover scan. One pass over
// every vreg's sorted range list finalizes operand allocations, inserts
// abutment moves between adjacent ranges, emits half-moves for every required
// inter-block transfer, and binds allocations to program-move endpoints and
// block parameters. It then resolves half-moves into queued edge moves and
// converts the reuse-input, multi-fixed-register, and program-move records
// into queued moves as well.
func (e *Env) applyAllocationsAndInsertMoves() error {
	// Refresh each vreg's range list from the arena and sort by start. All
	// splitting is over, so this cost is paid once.
	for v := range e.VRegs {
		vd := &e.VRegs[v]
		for i := range vd.Ranges {
			vd.Ranges[i].Range = e.Ranges[vd.Ranges[i].Index].Range
		}

		sort.Slice(vd.Ranges, func(i, j int) bool {
			return vd.Ranges[i].Range.From < vd.Ranges[j].Range.From
		})
	}

	halfMoves := make([]halfMove, 0, 6*e.Func.NumInsts())
	reuseInputInsts := make([]ir.Inst, 0, e.Func.NumInsts()/2)

	blockparamInIdx := 0
	blockparamOutIdx := 0
	progMoveSrcIdx := 0
	progMoveDstIdx := 0

	for v := range e.VRegs {
		vreg := VRegIndex(v)

		pinnedAlloc := ir.NoneAlloc
		if e.VRegs[v].IsPinned {
			if preg, ok := e.Func.IsPinnedVReg(e.VRegRegs[v]); ok {
				pinnedAlloc = ir.RegAlloc(preg)
			}
		}

		prev := InvalidLiveRangeIndex
		for _, entry := range e.VRegs[v].Ranges {
			alloc := pinnedAlloc
			if alloc.IsNone() {
				alloc = e.getAllocForRange(entry.Index)
			}

			rng := entry.Range
			log.Tracef("apply: %s range %s alloc %s", e.VRegRegs[v], rng, alloc)
			assert(!alloc.IsNone(), "range %d of %s has no allocation", entry.Index, e.VRegRegs[v])

			if e.opts.Annotations {
				e.annotate(rng.From, fmt.Sprintf(" <<< start %s in %s (range%d) (bundle%d)",
					e.VRegRegs[v], alloc, entry.Index, e.Ranges[entry.Index].Bundle))
				e.annotate(rng.To, fmt.Sprintf("     end   %s in %s (range%d) (bundle%d) >>>",
					e.VRegRegs[v], alloc, entry.Index, e.Ranges[entry.Index].Bundle))
			}

			// Does this range abut the previous one mid-block? If so, the
			// value must be carried over unless the new range starts at a
			// def (the def produces the value; copying the old one would be
			// wrong and could land after the instruction). Pinned vregs are
			// always in one register and never need this.
			if pinnedAlloc.IsNone() && prev.IsValid() {
				prevAlloc := e.getAllocForRange(prev)
				prevRange := e.Ranges[prev].Range
				firstIsDef := e.Ranges[entry.Index].HasFlag(StartsAtDef)
				assert(!prevAlloc.IsNone(), "previous range %d has no allocation", prev)

				if prevRange.To == rng.From && !e.isStartOfBlock(rng.From) &&
					!firstIsDef && prevAlloc != alloc {
					log.Tracef("abutment for %s: %s -> %s at %s",
						e.VRegRegs[v], prevAlloc, alloc, rng.From)
					assert(rng.From.Pos() == ir.PosBefore,
						"abutting range must start at a before-point, got %s", rng.From)
					e.insertMove(rng.From, PrioRegular, prevAlloc, alloc, e.VRegRegs[v])
				}
			}

			if pinnedAlloc.IsNone() {
				e.discoverEdgeTransfers(vreg, rng, alloc,
					&halfMoves, &blockparamInIdx, &blockparamOutIdx)
			}

			// Finalize operand allocations at every use site. Safepoints add
			// virtual uses with no slot; skip those.
			for _, u := range e.Ranges[entry.Index].Uses {
				assert(rng.Contains(u.Pos), "use at %s outside its range %s", u.Pos, rng)

				if u.Slot != SlotNone {
					e.setAlloc(u.Pos.Inst(), u.Slot, alloc)
				}

				if u.Operand.Constraint == ir.ConstraintReuse {
					reuseInputInsts = append(reuseInputInsts, u.Pos.Inst())
				}
			}

			e.bindProgMoves(vreg, rng, alloc, &progMoveSrcIdx, &progMoveDstIdx)

			prev = entry.Index
		}
	}

	if err := e.resolveHalfMoves(halfMoves); err != nil {
		return err
	}

	e.queueMultiFixedRegFixups()
	e.queueReuseInputCopies(reuseInputInsts)
	e.queueProgramMoves()

	return nil
}

// discoverEdgeTransfers walks the blocks this range covers and records the
// endpoints of every inter-block transfer the range participates in:
// half-move sources at covered block exits, half-move destinations at covered
// block entries, and the blockparam traffic matched from the pre-sorted side
// tables with rolling indices.
func (e *Env) discoverEdgeTransfers(
	vreg VRegIndex,
	rng CodeRange,
	alloc ir.Allocation,
	halfMoves *[]halfMove,
	blockparamInIdx, blockparamOutIdx *int,
) {
	// Blocks whose exits this range covers: each successor not already inside
	// the range needs a Source half-move if the vreg is live into it.
	block := e.CFG.InsnBlock[rng.From.Inst()]
	for block.IsValid() && block.Index() < e.Func.NumBlocks() {
		if rng.To < e.CFG.BlockExit[block].Next() {
			break
		}

		for _, succ := range e.Func.BlockSuccs(block) {
			if rng.Contains(e.CFG.BlockEntry[succ]) {
				continue
			}

			if e.isLiveIn(succ, vreg) {
				*halfMoves = append(*halfMoves, halfMove{
					key:   halfMoveKey(block, succ, vreg, halfMoveSource),
					alloc: alloc,
				})
			}
		}

		for *blockparamOutIdx < len(e.BlockparamOuts) {
			out := e.BlockparamOuts[*blockparamOutIdx]
			if out.FromVReg > vreg || (out.FromVReg == vreg && out.FromBlock > block) {
				break
			}

			if out.FromVReg == vreg && out.FromBlock == block {
				log.Tracef("blockparam-out: %s %s to v%d %s",
					e.VRegRegs[vreg], block, out.ToVReg, out.ToBlock)
				*halfMoves = append(*halfMoves, halfMove{
					key:   halfMoveKey(out.FromBlock, out.ToBlock, out.ToVReg, halfMoveSource),
					alloc: alloc,
				})

				if e.opts.Annotations {
					e.annotate(e.CFG.BlockExit[block], fmt.Sprintf(
						"blockparam-out: %s to %s: v%d to v%d in %s",
						out.FromBlock, out.ToBlock, out.FromVReg, out.ToVReg, alloc))
				}
			}

			*blockparamOutIdx++
		}

		block = block.Next()
	}

	// Blocks whose entries this range covers: each predecessor whose exit is
	// outside the range needs a Dest half-move, and blockparam inputs arrive
	// here too.
	block = e.CFG.InsnBlock[rng.From.Inst()]
	if e.CFG.BlockEntry[block] < rng.From {
		block = block.Next()
	}

	for block.IsValid() && block.Index() < e.Func.NumBlocks() {
		if e.CFG.BlockEntry[block] >= rng.To {
			break
		}

		for *blockparamInIdx < len(e.BlockparamIns) {
			in := e.BlockparamIns[*blockparamInIdx]
			if in.ToVReg > vreg || (in.ToVReg == vreg && in.ToBlock > block) {
				break
			}

			if in.ToVReg == vreg && in.ToBlock == block {
				log.Tracef("blockparam-in: v%d in %s from %s into %s",
					in.ToVReg, in.ToBlock, in.FromBlock, alloc)
				*halfMoves = append(*halfMoves, halfMove{
					key:   halfMoveKey(in.FromBlock, in.ToBlock, in.ToVReg, halfMoveDest),
					alloc: alloc,
				})

				if e.opts.Annotations {
					e.annotate(e.CFG.BlockEntry[block], fmt.Sprintf(
						"blockparam-in: %s to %s: into v%d in %s",
						in.FromBlock, in.ToBlock, in.ToVReg, alloc))
				}
			}

			*blockparamInIdx++
		}

		if !e.isLiveIn(block, vreg) {
			block = block.Next()
			continue
		}

		for _, pred := range e.Func.BlockPreds(block) {
			if rng.Contains(e.CFG.BlockExit[pred]) {
				continue
			}

			*halfMoves = append(*halfMoves, halfMove{
				key:   halfMoveKey(pred, block, vreg, halfMoveDest),
				alloc: alloc,
			})
		}

		block = block.Next()
	}

	// If the vreg is a block parameter and its defining block's entry lies in
	// this range, record the binding for DefAlloc emission.
	def := e.CFG.VRegDefBlockparam[vreg]
	if def.Block.IsValid() && rng.Contains(e.CFG.BlockEntry[def.Block]) {
		e.blockparamAllocs = append(e.blockparamAllocs, blockparamAlloc{
			Block: def.Block,
			Index: def.Index,
			VReg:  vreg,
			Alloc: alloc,
		})
	}
}

// bindProgMoves fills in the allocations of program-move endpoints covered by
// this range, advancing the monotonic indices into the pre-sorted side tables.
// Sources live at After of their instruction, so the instruction interval is
// [from.inst, to.inst) regardless of the endpoints' positions; destinations
// live at Before, so each endpoint shifts by one when it sits at After.
func (e *Env) bindProgMoves(
	vreg VRegIndex,
	rng CodeRange,
	alloc ir.Allocation,
	progMoveSrcIdx, progMoveDstIdx *int,
) {
	srcLess := func(m ProgMove, inst ir.Inst) bool {
		return m.VReg < vreg || (m.VReg == vreg && m.Inst < inst)
	}

	for *progMoveSrcIdx < len(e.ProgMoveSrcs) &&
		srcLess(e.ProgMoveSrcs[*progMoveSrcIdx], rng.From.Inst()) {
		*progMoveSrcIdx++
	}

	for *progMoveSrcIdx < len(e.ProgMoveSrcs) &&
		srcLess(e.ProgMoveSrcs[*progMoveSrcIdx], rng.To.Inst()) {
		e.ProgMoveSrcs[*progMoveSrcIdx].Alloc = alloc
		*progMoveSrcIdx++
	}

	dstStart := rng.From.Inst()
	if rng.From.Pos() == ir.PosAfter {
		dstStart = dstStart.Next()
	}

	dstEnd := rng.To.Inst()
	if rng.To.Pos() == ir.PosAfter {
		dstEnd = dstEnd.Next()
	}

	for *progMoveDstIdx < len(e.ProgMoveDsts) &&
		srcLess(e.ProgMoveDsts[*progMoveDstIdx], dstStart) {
		*progMoveDstIdx++
	}

	for *progMoveDstIdx < len(e.ProgMoveDsts) &&
		srcLess(e.ProgMoveDsts[*progMoveDstIdx], dstEnd) {
		e.ProgMoveDsts[*progMoveDstIdx].Alloc = alloc
		*progMoveDstIdx++
	}
}

// resolveHalfMoves sorts the half-moves so that each edge's Source leads its
// contiguous Dest run, then queues one move per distinct destination
// allocation at the insertion point the edge admits. An edge into a
// multi-predecessor block must come from a single-exit block (moves go before
// its final branch); otherwise moves go at the head of the destination. An
// edge with neither property is a critical edge the client failed to split.
func (e *Env) resolveHalfMoves(halfMoves []halfMove) error {
	sort.Slice(halfMoves, func(i, j int) bool { return halfMoves[i].key < halfMoves[j].key })
	e.stats.HalfMoves = len(halfMoves)

	i := 0
	for i < len(halfMoves) {
		for i < len(halfMoves) && halfMoves[i].kind() != halfMoveSource {
			i++
		}

		if i >= len(halfMoves) {
			break
		}

		src := halfMoves[i]
		i++

		destKey := src.key | 1
		firstDest := i
		for i < len(halfMoves) && halfMoves[i].key == destKey {
			i++
		}
		dests := halfMoves[firstDest:i]

		log.Tracef("half-move match: %s -> %s v%d, %d dest(s)",
			src.fromBlock(), src.toBlock(), src.toVReg(), len(dests))

		fromLast := e.Func.BlockInsns(src.fromBlock()).Last
		toFirst := e.Func.BlockInsns(src.toBlock()).First

		fromOuts := len(e.Func.BlockSuccs(src.fromBlock()))
		if e.Func.IsRet(fromLast) {
			fromOuts++
		}

		toIns := len(e.Func.BlockPreds(src.toBlock()))
		if src.toBlock() == e.Func.EntryBlock() {
			toIns++
		}

		var (
			insertionPoint ir.ProgPoint
			prio           MovePrio
		)

		switch {
		case toIns > 1 && fromOuts <= 1:
			// The moves semantically happen on the edge, but they must be
			// placed before the final branch so they execute. The client's
			// contract forbids register-reading branches in single-successor
			// blocks, which makes this placement safe.
			insertionPoint = ir.Before(fromLast)
			prio = PrioOutEdgeMoves
		case toIns <= 1:
			insertionPoint = ir.Before(toFirst)
			prio = PrioInEdgeMoves
		default:
			return errors.Errorf(
				"critical edge: cannot insert moves between %s and %s",
				src.fromBlock(), src.toBlock())
		}

		var last ir.Allocation
		for _, dest := range dests {
			if dest.alloc == last {
				continue
			}

			e.insertMove(insertionPoint, prio, src.alloc, dest.alloc,
				e.VRegRegs[dest.toVReg()])
			last = dest.alloc
		}
	}

	return nil
}

// queueMultiFixedRegFixups converts the recorded fixed-register conflicts
// into explicit copies and rewrites the affected operand slots.
func (e *Env) queueMultiFixedRegFixups() {
	fixups := e.MultiFixedRegFixups
	e.MultiFixedRegFixups = nil

	for _, fx := range fixups {
		log.Tracef("multi-fixed fixup at %s: %s -> %s", fx.Pos, fx.FromPReg, fx.ToPReg)
		e.insertMove(fx.Pos, PrioMultiFixedReg,
			ir.RegAlloc(fx.FromPReg), ir.RegAlloc(fx.ToPReg), ir.InvalidVReg)
		e.setAlloc(fx.Pos.Inst(), fx.Slot, ir.RegAlloc(fx.ToPReg))
	}
}

// queueReuseInputCopies arranges each reused input to appear already resident
// in its output's allocation at the instruction's before-point, then rewrites
// the input slot to the output allocation. The output's allocation is only
// truly valid at After, but upstream extends every other input to After so the
// def cannot interfere; this avoids forcing a copy on every reuse, which would
// be ruinous on ISAs where reused inputs are ubiquitous.
func (e *Env) queueReuseInputCopies(reuseInputInsts []ir.Inst) {
	for _, inst := range reuseInputInsts {
		var inputReused []int

		ops := e.Func.InstOperands(inst)
		for outIdx, op := range ops {
			if op.Constraint != ir.ConstraintReuse {
				continue
			}

			inIdx := op.ReuseInput

			if invariantChecks {
				for _, seen := range inputReused {
					assert(seen != inIdx, "input %d of %s reused twice", inIdx, inst)
				}
			}
			assert(op.Pos == ir.OpAfter, "reuse-constrained operand of %s not at after-point", inst)

			inputReused = append(inputReused, inIdx)

			inputAlloc := e.getAlloc(inst, inIdx)
			outputAlloc := e.getAlloc(inst, outIdx)
			if inputAlloc == outputAlloc {
				continue
			}

			log.Tracef("reuse-input at %s: %s -> %s", inst, inputAlloc, outputAlloc)

			if e.opts.Annotations {
				e.annotate(ir.Before(inst), fmt.Sprintf(
					" reuse-input-copy: %s -> %s", inputAlloc, outputAlloc))
			}

			e.insertMove(ir.Before(inst), PrioReusedInput,
				inputAlloc, outputAlloc, ops[inIdx].VReg)
			e.setAlloc(inst, inIdx, outputAlloc)
		}
	}
}

// queueProgramMoves zips the bound program-move sources and destinations and
// queues one reified move per pair. These share PrioRegular with the
// range-to-range moves because they behave identically: a use at one point
// connected to a def at the adjacent point, serialized together by the
// parallel-move resolver.
func (e *Env) queueProgramMoves() {
	sort.Slice(e.ProgMoveSrcs, func(i, j int) bool {
		return e.ProgMoveSrcs[i].Inst < e.ProgMoveSrcs[j].Inst
	})
	sort.Slice(e.ProgMoveDsts, func(i, j int) bool {
		return e.ProgMoveDsts[i].Inst.Prev() < e.ProgMoveDsts[j].Inst.Prev()
	})

	srcs := e.ProgMoveSrcs
	dsts := e.ProgMoveDsts
	e.ProgMoveSrcs = nil
	e.ProgMoveDsts = nil

	assert(len(srcs) == len(dsts), "program move src/dst count mismatch: %d vs %d",
		len(srcs), len(dsts))

	for k := range srcs {
		src, dst := srcs[k], dsts[k]
		log.Tracef("program move at %s: %s -> %s (v%d)", src.Inst, src.Alloc, dst.Alloc, dst.VReg)
		assert(!src.Alloc.IsNone(), "program move source at %s has no allocation", src.Inst)
		assert(!dst.Alloc.IsNone(), "program move dest at %s has no allocation", dst.Inst)
		assert(src.Inst == dst.Inst.Prev(), "program move pairing broken at %s", src.Inst)

		e.insertMove(ir.Before(dst.Inst), PrioRegular, src.Alloc, dst.Alloc,
			e.VRegRegs[dst.VReg])
	}
}
