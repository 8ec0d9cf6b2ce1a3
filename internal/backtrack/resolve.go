package backtrack

import (
	"fmt"
	"sort"

	"github.com/orizon-lang/regalloc/internal/ir"
	"github.com/orizon-lang/regalloc/internal/moves"
)

// resolveInsertedMoves groups the queued moves by (pos, prio), lowers each
// group through the parallel-move resolver one register class at a time, runs
// every produced move past the redundant-move eliminator, and emits the final
// edit stream together with the blockparam DefAlloc records.
func (e *Env) resolveInsertedMoves() {
	sort.SliceStable(e.insertedMoves, func(i, j int) bool {
		a, b := e.insertedMoves[i], e.insertedMoves[j]
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}

		return a.Prio < b.Prio
	})

	redundant := moves.NewRedundantMoveEliminator()
	lastPos := ir.Before(0)

	i := 0
	for i < len(e.insertedMoves) {
		start := i
		pos := e.insertedMoves[i].Pos
		prio := e.insertedMoves[i].Prio

		for i < len(e.insertedMoves) &&
			e.insertedMoves[i].Pos == pos && e.insertedMoves[i].Prio == prio {
			i++
		}

		group := e.insertedMoves[start:i]

		e.redundantMoveSideEffects(redundant, lastPos, pos)
		lastPos = pos

		e.resolveMoveGroup(redundant, pos, prio, group)
	}

	e.emitBlockparamAllocs()

	e.sortEdits()
	e.stats.Edits = len(e.edits)

	if e.opts.Annotations {
		for _, entry := range e.edits {
			e.annotate(entry.Pos, entry.Edit.String())
		}
	}
}

// resolveMoveGroup lowers one (pos, prio) group. Moves are partitioned by the
// source's register class, since cross-class moves are impossible and each
// class has its own scratch register; self-moves only matter for their
// DefAlloc annotation.
func (e *Env) resolveMoveGroup(
	redundant *moves.RedundantMoveEliminator,
	pos ir.ProgPoint,
	prio MovePrio,
	group []InsertedMove,
) {
	var intMoves, floatMoves, selfMoves []InsertedMove

	for _, m := range group {
		if m.From.IsReg() && m.To.IsReg() {
			assert(m.From.Class == m.To.Class, "class mismatch in group: %s -> %s", m.From, m.To)
		}

		if m.From == m.To {
			if m.ToVReg.IsValid() {
				selfMoves = append(selfMoves, m)
			}

			continue
		}

		if m.From.Class == ir.ClassInt {
			intMoves = append(intMoves, m)
		} else {
			floatMoves = append(floatMoves, m)
		}
	}

	for _, part := range []struct {
		class ir.RegClass
		moves []InsertedMove
	}{
		{ir.ClassInt, intMoves},
		{ir.ClassFloat, floatMoves},
	} {
		if len(part.moves) == 0 {
			continue
		}

		e.lowerParallelGroup(redundant, pos, prio, part.class, part.moves)
	}

	for _, m := range selfMoves {
		log.Tracef("self move at %s prio %s: %s (%s)", pos, prio, m.From, m.ToVReg)
		action := redundant.ProcessMove(m.From, m.To, m.ToVReg)
		assert(action.Elide, "self move %s -> %s not elided", m.From, m.To)

		if action.DefVReg.IsValid() {
			e.addEdit(pos, prio, ir.DefAlloc{Alloc: action.DefAlloc, VReg: action.DefVReg})
		}
	}
}

// lowerParallelGroup serializes one class's parallel moves and emits edits,
// lowering stack-to-stack moves through the class's scratch register. If the
// scratch already became a destination earlier in the group, its contents are
// preserved around the lowering in a lazily allocated extra spill slot.
func (e *Env) lowerParallelGroup(
	redundant *moves.RedundantMoveEliminator,
	pos ir.ProgPoint,
	prio MovePrio,
	class ir.RegClass,
	group []InsertedMove,
) {
	scratch := ir.RegAlloc(e.MachEnv.ScratchByClass[class])
	pm := moves.NewParallelMoves(scratch)

	log.Tracef("parallel moves at %s prio %s (%s)", pos, prio, class)
	for _, m := range group {
		pm.Add(m.From, m.To, m.ToVReg)
	}

	resolved := pm.Resolve()

	scratchUsed := false
	stackStackMove := false

	for _, rm := range resolved {
		if rm.From == scratch || rm.To == scratch {
			scratchUsed = true
		}

		if rm.From.IsStack() && rm.To.IsStack() {
			stackStackMove = true
		}
	}

	extraSlot := ir.NoneAlloc
	if scratchUsed && stackStackMove {
		if e.extraSpillSlot[class].IsNone() {
			e.extraSpillSlot[class] = e.allocateSpillSlot(class)
		}

		extraSlot = e.extraSpillSlot[class]
	}

	scratchUsedYet := false
	for _, rm := range resolved {
		action := redundant.ProcessMove(rm.From, rm.To, rm.ToVReg)
		if action.Elide {
			log.Tracef("  %s -> %s elided", rm.From, rm.To)
		} else {
			if rm.To == scratch {
				scratchUsedYet = true
			}

			switch {
			case rm.From.IsStack() && rm.To.IsStack() && !scratchUsedYet:
				e.addEdit(pos, prio, ir.Move{From: rm.From, To: scratch, ToVReg: rm.ToVReg})
				e.addEdit(pos, prio, ir.Move{From: scratch, To: rm.To, ToVReg: rm.ToVReg})
			case rm.From.IsStack() && rm.To.IsStack():
				// The scratch register is live within this group; park its
				// contents in the extra slot around the lowering.
				assert(!extraSlot.IsNone(), "stack-to-stack lowering without extra slot")
				e.addEdit(pos, prio, ir.Move{From: scratch, To: extraSlot, ToVReg: ir.InvalidVReg})
				e.addEdit(pos, prio, ir.Move{From: rm.From, To: scratch, ToVReg: rm.ToVReg})
				e.addEdit(pos, prio, ir.Move{From: scratch, To: rm.To, ToVReg: rm.ToVReg})
				e.addEdit(pos, prio, ir.Move{From: extraSlot, To: scratch, ToVReg: ir.InvalidVReg})
			default:
				e.addEdit(pos, prio, ir.Move{From: rm.From, To: rm.To, ToVReg: rm.ToVReg})
			}
		}

		if action.DefVReg.IsValid() {
			e.addEdit(pos, prio, ir.DefAlloc{Alloc: action.DefAlloc, VReg: action.DefVReg})
		}
	}
}

// redundantMoveSideEffects replays the writes that happened between two move
// groups into the eliminator: a block boundary or safepoint clears all state;
// otherwise every Def/Mod operand and clobber over the open instruction span
// invalidates its allocation.
func (e *Env) redundantMoveSideEffects(
	redundant *moves.RedundantMoveEliminator,
	from, to ir.ProgPoint,
) {
	if e.CFG.InsnBlock[from.Inst()] != e.CFG.InsnBlock[to.Inst()] {
		redundant.Clear()
		return
	}

	for inst := from.Inst(); inst <= to.Inst(); inst++ {
		if e.Func.IsSafepoint(inst) {
			redundant.Clear()
			return
		}
	}

	startInst := from.Inst()
	if from.Pos() == ir.PosAfter {
		startInst = startInst.Next()
	}

	endInst := to.Inst()
	if to.Pos() == ir.PosAfter {
		endInst = endInst.Next()
	}

	for inst := startInst; inst < endInst; inst++ {
		for slot, op := range e.Func.InstOperands(inst) {
			if op.Kind == ir.OperandDef || op.Kind == ir.OperandMod {
				redundant.ClearAlloc(e.getAlloc(inst, slot))
			}
		}

		for _, reg := range e.Func.InstClobbers(inst) {
			redundant.ClearAlloc(ir.RegAlloc(reg))
		}
	}
}

// emitBlockparamAllocs emits, per block, one DefAlloc for every block
// parameter at the block's entry point. The checker needs these even though
// no copy executes. Counts must match the block's declared parameter list.
func (e *Env) emitBlockparamAllocs() {
	sort.Slice(e.blockparamAllocs, func(i, j int) bool {
		a, b := e.blockparamAllocs[i], e.blockparamAllocs[j]
		if a.Block != b.Block {
			return a.Block < b.Block
		}

		return a.Index < b.Index
	})
	e.stats.BlockparamAllocs = len(e.blockparamAllocs)

	i := 0
	for i < len(e.blockparamAllocs) {
		start := i
		block := e.blockparamAllocs[i].Block

		for i < len(e.blockparamAllocs) && e.blockparamAllocs[i].Block == block {
			i++
		}

		params := e.blockparamAllocs[start:i]
		assert(len(params) == len(e.Func.BlockParams(block)),
			"%s has %d blockparam allocs for %d declared params",
			block, len(params), len(e.Func.BlockParams(block)))

		for _, p := range params {
			e.addEdit(e.CFG.BlockEntry[block], PrioBlockParam, ir.DefAlloc{
				Alloc: p.Alloc,
				VReg:  e.VRegRegs[p.VReg],
			})
		}
	}
}

// String renders one output record for the trace tooling.
func (entry EditEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", entry.Pos, entry.Prio, entry.Edit)
}
