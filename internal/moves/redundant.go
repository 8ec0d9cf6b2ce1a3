package moves

import (
	"github.com/orizon-lang/regalloc/internal/ir"
)

// RedundantMoveEliminator tracks the value known to reside in each allocation
// so that moves which would re-copy an identical value can be elided. Values
// are identified by opaque ids minted when an allocation is first observed as
// a move source; a move propagates its source's id to the destination. State
// must be invalidated at every write site: Def/Mod operands, clobbers,
// safepoints, and block boundaries.
type RedundantMoveEliminator struct {
	contents map[ir.Allocation]knownValue
	nextID   int
}

type knownValue struct {
	id   int
	vreg ir.VReg
}

// MoveAction is the eliminator's verdict on one move. When Elide is set the
// move must not be emitted; when DefVReg is valid a DefAlloc edit binding
// DefVReg to DefAlloc must be emitted so the checker still sees the vreg's
// location.
type MoveAction struct {
	Elide    bool
	DefAlloc ir.Allocation
	DefVReg  ir.VReg
}

// NewRedundantMoveEliminator returns an eliminator with no known contents.
func NewRedundantMoveEliminator() *RedundantMoveEliminator {
	return &RedundantMoveEliminator{contents: make(map[ir.Allocation]knownValue)}
}

// ProcessMove records the effect of moving from -> to and decides whether the
// move is a no-op. A self-move is always elided. toVReg, when valid, is the
// vreg the move intends to place in the destination.
func (e *RedundantMoveEliminator) ProcessMove(from, to ir.Allocation, toVReg ir.VReg) MoveAction {
	src, ok := e.contents[from]
	if !ok {
		src = knownValue{id: e.nextID, vreg: ir.InvalidVReg}
		e.nextID++
		e.contents[from] = src
	}

	if toVReg.IsValid() {
		src.vreg = toVReg
		e.contents[from] = src
	}

	dst, dstKnown := e.contents[to]
	elide := dstKnown && dst.id == src.id

	if elide {
		log.Tracef("redundant move %s -> %s elided", from, to)
	} else {
		e.ClearAlloc(to)
	}

	e.contents[to] = src

	action := MoveAction{Elide: elide, DefVReg: ir.InvalidVReg}
	if elide && toVReg.IsValid() {
		action.DefAlloc = to
		action.DefVReg = toVReg
	}

	return action
}

// Clear drops all tracked state.
func (e *RedundantMoveEliminator) Clear() {
	e.contents = make(map[ir.Allocation]knownValue)
}

// ClearAlloc invalidates whatever is known about one allocation.
func (e *RedundantMoveEliminator) ClearAlloc(a ir.Allocation) {
	delete(e.contents, a)
}
