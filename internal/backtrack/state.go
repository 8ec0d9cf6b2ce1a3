// Package backtrack implements the move-resolution and edit-emission core of
// the backtracking register allocator. Given live ranges whose bundles have
// already been assigned physical locations, it writes final allocations into
// every operand slot, discovers every point where a value must move between
// locations, and emits an ordered, executable edit stream.
package backtrack

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/regalloc/internal/cfg"
	"github.com/orizon-lang/regalloc/internal/ir"
)

var log = logrus.WithField("component", "backtrack")

// Dense indices into the allocator's parallel arenas.
type (
	VRegIndex      int32
	LiveRangeIndex int32
	BundleIndex    int32
	SpillSetIndex  int32
	SpillSlotIndex int32
)

const (
	InvalidVRegIndex      VRegIndex      = -1
	InvalidLiveRangeIndex LiveRangeIndex = -1
	InvalidSpillSlotIndex SpillSlotIndex = -1
)

func (i LiveRangeIndex) IsValid() bool { return i >= 0 }

// CodeRange is a half-open [From, To) span of program points.
type CodeRange struct {
	From ir.ProgPoint
	To   ir.ProgPoint
}

// Contains reports whether p lies within the range.
func (r CodeRange) Contains(p ir.ProgPoint) bool { return p >= r.From && p < r.To }

func (r CodeRange) String() string { return fmt.Sprintf("[%s, %s)", r.From, r.To) }

// LiveRangeFlag is a bitset of per-range properties.
type LiveRangeFlag uint8

// StartsAtDef marks a range whose first use is a def at the range's start.
const StartsAtDef LiveRangeFlag = 1 << 0

// SlotNone marks a use with no operand slot (virtual safepoint uses).
const SlotNone = -1

// Use is one def/use site owned by a live range.
type Use struct {
	Operand ir.Operand
	Pos     ir.ProgPoint
	Slot    int
}

// LiveRange is one contiguous span of a vreg's liveness, resolved to a single
// allocation through its bundle.
type LiveRange struct {
	Range  CodeRange
	Bundle BundleIndex
	Uses   []Use
	Flags  LiveRangeFlag
}

// HasFlag reports whether f is set on the range.
func (lr *LiveRange) HasFlag(f LiveRangeFlag) bool { return lr.Flags&f != 0 }

// LiveRangeListEntry is one element of a vreg's range list. Range mirrors the
// arena copy so the list can be sorted without chasing indices.
type LiveRangeListEntry struct {
	Range CodeRange
	Index LiveRangeIndex
}

// VRegData is the per-vreg view of the allocator state.
type VRegData struct {
	Ranges   []LiveRangeListEntry
	IsPinned bool
}

// Bundle either owns an allocation directly or resolves through its spillset.
type Bundle struct {
	Allocation ir.Allocation
	SpillSet   SpillSetIndex
}

// SpillSet names the spill slot shared by the bundles it covers.
type SpillSet struct {
	Slot  SpillSlotIndex
	Class ir.RegClass
}

// SpillSlotData is one stack slot and its resident allocation.
type SpillSlotData struct {
	Alloc ir.Allocation
	Class ir.RegClass
}

// BlockparamIn is one incoming block-parameter transfer, sorted by
// (ToVReg, ToBlock).
type BlockparamIn struct {
	ToVReg    VRegIndex
	ToBlock   ir.Block
	FromBlock ir.Block
}

// BlockparamOut is one outgoing block-parameter transfer, sorted by
// (FromVReg, FromBlock).
type BlockparamOut struct {
	FromVReg  VRegIndex
	FromBlock ir.Block
	ToBlock   ir.Block
	ToVReg    VRegIndex
}

// ProgMove is one endpoint of a user-visible move operation, bound to an
// allocation during the apply scan.
type ProgMove struct {
	VReg  VRegIndex
	Inst  ir.Inst
	Alloc ir.Allocation
}

// MultiFixedRegFixup requests an explicit copy between two fixed registers
// and a rewrite of the operand slot to the destination register.
type MultiFixedRegFixup struct {
	Pos      ir.ProgPoint
	FromPReg ir.PReg
	ToPReg   ir.PReg
	Slot     int
}

// MovePrio orders moves that share a program point. The order is a scheduling
// policy decision; every sort on (pos, prio) must honor it.
type MovePrio uint8

const (
	PrioInEdgeMoves MovePrio = iota
	PrioBlockParam
	PrioRegular
	PrioPostRegular
	PrioMultiFixedReg
	PrioReusedInput
	PrioOutEdgeMoves
)

func (p MovePrio) String() string {
	switch p {
	case PrioInEdgeMoves:
		return "in-edge"
	case PrioBlockParam:
		return "blockparam"
	case PrioRegular:
		return "regular"
	case PrioPostRegular:
		return "post-regular"
	case PrioMultiFixedReg:
		return "multi-fixed"
	case PrioReusedInput:
		return "reused-input"
	default:
		return "out-edge"
	}
}

// InsertedMove is one discovered move, queued until resolution groups it with
// the other moves at its (pos, prio) key.
type InsertedMove struct {
	Pos    ir.ProgPoint
	Prio   MovePrio
	From   ir.Allocation
	To     ir.Allocation
	ToVReg ir.VReg
}

// EditEntry is one ordered output record.
type EditEntry struct {
	Pos  ir.ProgPoint
	Prio MovePrio
	Edit ir.Edit
}

// Stats counts the work move resolution performed.
type Stats struct {
	HalfMoves        int
	Edits            int
	BlockparamAllocs int
}

// Options configures move resolution.
type Options struct {
	// Annotations attaches human-readable strings to program points for the
	// debug dump.
	Annotations bool
}

// Output is the result of move resolution: the final edit stream (sorted
// stably by (pos, prio)), stats, and optional annotations.
type Output struct {
	Edits       []EditEntry
	Stats       Stats
	Annotations map[ir.ProgPoint][]string
}

type blockparamAlloc struct {
	Block ir.Block
	Index int
	VReg  VRegIndex
	Alloc ir.Allocation
}

// Env is the allocator context move resolution runs over. The exported fields
// are the upstream phases' products; callers fill them and then call Run.
type Env struct {
	Func    ir.Function
	CFG     *cfg.Info
	MachEnv ir.MachineEnv

	VRegs      []VRegData
	VRegRegs   []ir.VReg
	Ranges     []LiveRange
	Bundles    []Bundle
	SpillSets  []SpillSet
	SpillSlots []SpillSlotData

	// LiveIns holds, per block, the set of vregs live at block entry.
	LiveIns []mapset.Set[VRegIndex]

	BlockparamIns       []BlockparamIn
	BlockparamOuts      []BlockparamOut
	ProgMoveSrcs        []ProgMove
	ProgMoveDsts        []ProgMove
	MultiFixedRegFixups []MultiFixedRegFixup

	// Allocs is the operand-slot storage, addressed via InstAllocOffsets.
	// Run builds both lazily from the function when left nil.
	Allocs           []ir.Allocation
	InstAllocOffsets []uint32

	opts             Options
	insertedMoves    []InsertedMove
	edits            []EditEntry
	blockparamAllocs []blockparamAlloc
	extraSpillSlot   [ir.NumClasses]ir.Allocation
	annotations      map[ir.ProgPoint][]string
	stats            Stats
}

// NewEnv returns an Env over f ready to have its state fields populated.
func NewEnv(f ir.Function, info *cfg.Info, machEnv ir.MachineEnv, opts Options) *Env {
	e := &Env{
		Func:    f,
		CFG:     info,
		MachEnv: machEnv,
		opts:    opts,
	}
	if opts.Annotations {
		e.annotations = make(map[ir.ProgPoint][]string)
	}

	return e
}

// Run performs move resolution: the apply-and-discover scan followed by
// resolve-and-emit. It fails only on an uncut critical edge.
func (e *Env) Run() (*Output, error) {
	e.initAllocs()

	if err := e.applyAllocationsAndInsertMoves(); err != nil {
		return nil, err
	}

	e.resolveInsertedMoves()

	return &Output{Edits: e.edits, Stats: e.stats, Annotations: e.annotations}, nil
}

func (e *Env) initAllocs() {
	if e.InstAllocOffsets != nil {
		return
	}

	e.InstAllocOffsets = make([]uint32, e.Func.NumInsts())
	total := uint32(0)

	for i := 0; i < e.Func.NumInsts(); i++ {
		e.InstAllocOffsets[i] = total
		total += uint32(len(e.Func.InstOperands(ir.Inst(i))))
	}

	if e.Allocs == nil {
		e.Allocs = make([]ir.Allocation, total)
	}
}

func (e *Env) getAlloc(inst ir.Inst, slot int) ir.Allocation {
	return e.Allocs[int(e.InstAllocOffsets[inst])+slot]
}

func (e *Env) setAlloc(inst ir.Inst, slot int, alloc ir.Allocation) {
	e.Allocs[int(e.InstAllocOffsets[inst])+slot] = alloc
}

// GetAlloc returns the finalized allocation of one operand slot.
func (e *Env) GetAlloc(inst ir.Inst, slot int) ir.Allocation { return e.getAlloc(inst, slot) }

// getAllocForRange resolves a live range's effective allocation: the bundle's
// own allocation, or the spill slot reached through the bundle's spillset.
func (e *Env) getAllocForRange(idx LiveRangeIndex) ir.Allocation {
	bundle := e.Ranges[idx].Bundle
	bd := &e.Bundles[bundle]

	if !bd.Allocation.IsNone() {
		return bd.Allocation
	}

	return e.SpillSlots[e.SpillSets[bd.SpillSet].Slot].Alloc
}

// allocateSpillSlot appends a fresh stack slot of the given class. Used only
// for the lazily created per-class scratch slot.
func (e *Env) allocateSpillSlot(class ir.RegClass) ir.Allocation {
	slot := SpillSlotIndex(len(e.SpillSlots))
	alloc := ir.StackAlloc(ir.SpillSlot(slot), class)
	e.SpillSlots = append(e.SpillSlots, SpillSlotData{Alloc: alloc, Class: class})

	return alloc
}

func (e *Env) isStartOfBlock(pos ir.ProgPoint) bool {
	block := e.CFG.InsnBlock[pos.Inst()]
	return pos == e.CFG.BlockEntry[block]
}

func (e *Env) isLiveIn(block ir.Block, vreg VRegIndex) bool {
	if int(block) >= len(e.LiveIns) || e.LiveIns[block] == nil {
		return false
	}

	return e.LiveIns[block].Contains(vreg)
}

// insertMove queues a discovered move for resolution.
func (e *Env) insertMove(pos ir.ProgPoint, prio MovePrio, from, to ir.Allocation, toVReg ir.VReg) {
	log.Tracef("insert move at %s prio %s: %s -> %s", pos, prio, from, to)

	if from.IsReg() && to.IsReg() {
		assert(from.Class == to.Class, "class mismatch on move %s -> %s", from, to)
	}

	e.insertedMoves = append(e.insertedMoves, InsertedMove{
		Pos:    pos,
		Prio:   prio,
		From:   from,
		To:     to,
		ToVReg: toVReg,
	})
}

// addEdit appends one output record, dropping unannotated self-moves.
func (e *Env) addEdit(pos ir.ProgPoint, prio MovePrio, edit ir.Edit) {
	if mv, ok := edit.(ir.Move); ok {
		if mv.From == mv.To && !mv.ToVReg.IsValid() {
			return
		}

		if mv.From.IsReg() && mv.To.IsReg() {
			assert(mv.From.Class == mv.To.Class, "class mismatch on edit %s", mv)
		}
	}

	e.edits = append(e.edits, EditEntry{Pos: pos, Prio: prio, Edit: edit})
}

func (e *Env) annotate(pos ir.ProgPoint, text string) {
	if e.annotations == nil {
		return
	}

	e.annotations[pos] = append(e.annotations[pos], text)
}

// sortEdits is the final stable (pos, prio) sort. Stability preserves the
// order the parallel-move resolver emitted within each key.
func (e *Env) sortEdits() {
	sort.SliceStable(e.edits, func(i, j int) bool {
		a, b := e.edits[i], e.edits[j]
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}

		return a.Prio < b.Prio
	})
}
