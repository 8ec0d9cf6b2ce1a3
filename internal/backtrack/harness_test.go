package backtrack

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/regalloc/internal/cfg"
	"github.com/orizon-lang/regalloc/internal/ir"
)

func intReg(n int) ir.Allocation  { return ir.RegAlloc(ir.NewPReg(n, ir.ClassInt)) }
func intSlot(n int) ir.Allocation { return ir.StackAlloc(ir.SpillSlot(n), ir.ClassInt) }
func iv(n int) ir.VReg            { return ir.NewVReg(n, ir.ClassInt) }

func testMachEnv() ir.MachineEnv {
	var me ir.MachineEnv
	me.ScratchByClass[ir.ClassInt] = ir.NewPReg(15, ir.ClassInt)
	me.ScratchByClass[ir.ClassFloat] = ir.NewPReg(15, ir.ClassFloat)

	return me
}

var scratchInt = ir.RegAlloc(ir.NewPReg(15, ir.ClassInt))

// plainInsts builds n empty instructions; the listed indices become rets.
func plainInsts(n int, retAt ...int) []ir.InstData {
	insts := make([]ir.InstData, n)
	for _, r := range retAt {
		insts[r].IsRet = true
	}

	return insts
}

// testEnv wraps an Env plus convenience constructors for the upstream state
// the scan consumes.
type testEnv struct {
	t   *testing.T
	f   *ir.FuncData
	env *Env
}

func newTestEnv(t *testing.T, f *ir.FuncData, opts Options) *testEnv {
	t.Helper()

	env := NewEnv(f, cfg.Compute(f), testMachEnv(), opts)
	env.LiveIns = make([]mapset.Set[VRegIndex], f.NumBlocks())
	for b := range env.LiveIns {
		env.LiveIns[b] = mapset.NewThreadUnsafeSet[VRegIndex]()
	}

	return &testEnv{t: t, f: f, env: env}
}

// addVReg registers the next dense vreg. Callers must have sized f.VRegs to
// cover every vreg they add.
func (te *testEnv) addVReg() VRegIndex {
	idx := VRegIndex(len(te.env.VRegs))
	te.env.VRegs = append(te.env.VRegs, VRegData{})
	te.env.VRegRegs = append(te.env.VRegRegs, iv(int(idx)))

	return idx
}

func (te *testEnv) addPinnedVReg() VRegIndex {
	idx := te.addVReg()
	te.env.VRegs[idx].IsPinned = true

	return idx
}

// addRange gives v a live range whose bundle owns alloc directly.
func (te *testEnv) addRange(
	v VRegIndex,
	from, to ir.ProgPoint,
	alloc ir.Allocation,
	flags LiveRangeFlag,
	uses ...Use,
) LiveRangeIndex {
	bundle := BundleIndex(len(te.env.Bundles))
	te.env.Bundles = append(te.env.Bundles, Bundle{Allocation: alloc})

	return te.attachRange(v, from, to, bundle, flags, uses)
}

// addSpilledRange gives v a live range resolved through the bundle ->
// spillset -> spillslot chain.
func (te *testEnv) addSpilledRange(
	v VRegIndex,
	from, to ir.ProgPoint,
	slotAlloc ir.Allocation,
	flags LiveRangeFlag,
	uses ...Use,
) LiveRangeIndex {
	slot := SpillSlotIndex(len(te.env.SpillSlots))
	te.env.SpillSlots = append(te.env.SpillSlots, SpillSlotData{
		Alloc: slotAlloc,
		Class: slotAlloc.Class,
	})

	set := SpillSetIndex(len(te.env.SpillSets))
	te.env.SpillSets = append(te.env.SpillSets, SpillSet{Slot: slot, Class: slotAlloc.Class})

	bundle := BundleIndex(len(te.env.Bundles))
	te.env.Bundles = append(te.env.Bundles, Bundle{SpillSet: set})

	return te.attachRange(v, from, to, bundle, flags, uses)
}

func (te *testEnv) attachRange(
	v VRegIndex,
	from, to ir.ProgPoint,
	bundle BundleIndex,
	flags LiveRangeFlag,
	uses []Use,
) LiveRangeIndex {
	idx := LiveRangeIndex(len(te.env.Ranges))
	te.env.Ranges = append(te.env.Ranges, LiveRange{
		Range:  CodeRange{From: from, To: to},
		Bundle: bundle,
		Uses:   uses,
		Flags:  flags,
	})
	te.env.VRegs[v].Ranges = append(te.env.VRegs[v].Ranges, LiveRangeListEntry{Index: idx})

	return idx
}

func (te *testEnv) liveIn(b ir.Block, vregs ...VRegIndex) {
	for _, v := range vregs {
		te.env.LiveIns[b].Add(v)
	}
}

func (te *testEnv) run() *Output {
	te.t.Helper()

	out, err := te.env.Run()
	require.NoError(te.t, err)

	return out
}

// moveEdits filters the output down to Move edits.
func moveEdits(out *Output) []EditEntry {
	var moves []EditEntry
	for _, entry := range out.Edits {
		if _, ok := entry.Edit.(ir.Move); ok {
			moves = append(moves, entry)
		}
	}

	return moves
}
