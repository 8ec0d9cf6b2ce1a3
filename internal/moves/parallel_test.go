package moves

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/regalloc/internal/ir"
)

func reg(n int) ir.Allocation  { return ir.RegAlloc(ir.NewPReg(n, ir.ClassInt)) }
func slot(n int) ir.Allocation { return ir.StackAlloc(ir.SpillSlot(n), ir.ClassInt) }
func vreg(n int) ir.VReg       { return ir.NewVReg(n, ir.ClassInt) }

var scratch = ir.RegAlloc(ir.NewPReg(15, ir.ClassInt))

func TestResolveEmpty(t *testing.T) {
	pm := NewParallelMoves(scratch)
	require.Empty(t, pm.Resolve())
}

func TestResolveSingle(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), vreg(0))

	resolved := pm.Resolve()
	require.Equal(t, []ResolvedMove{{From: reg(1), To: reg(2), ToVReg: vreg(0)}}, resolved)
}

func TestResolveIndependent(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), ir.InvalidVReg)
	pm.Add(reg(3), reg(4), ir.InvalidVReg)

	resolved := pm.Resolve()
	require.Equal(t, []ResolvedMove{
		{From: reg(1), To: reg(2), ToVReg: ir.InvalidVReg},
		{From: reg(3), To: reg(4), ToVReg: ir.InvalidVReg},
	}, resolved)
}

func TestResolveChainOrdersReadsFirst(t *testing.T) {
	// a -> b and b -> c in parallel: b must be read before it is written.
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), ir.InvalidVReg)
	pm.Add(reg(2), reg(3), ir.InvalidVReg)

	resolved := pm.Resolve()
	require.Equal(t, []ResolvedMove{
		{From: reg(2), To: reg(3), ToVReg: ir.InvalidVReg},
		{From: reg(1), To: reg(2), ToVReg: ir.InvalidVReg},
	}, resolved)
}

func TestResolveFanOut(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), ir.InvalidVReg)
	pm.Add(reg(1), reg(3), ir.InvalidVReg)

	resolved := pm.Resolve()
	require.Len(t, resolved, 2)
	for _, m := range resolved {
		require.Equal(t, reg(1), m.From)
	}
}

func TestResolveTwoCycle(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), vreg(0))
	pm.Add(reg(2), reg(1), vreg(1))

	resolved := pm.Resolve()
	require.Equal(t, []ResolvedMove{
		{From: reg(1), To: scratch, ToVReg: ir.InvalidVReg},
		{From: reg(2), To: reg(1), ToVReg: vreg(1)},
		{From: scratch, To: reg(2), ToVReg: vreg(0)},
	}, resolved)
}

func TestResolveStackCycle(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(slot(0), slot(1), ir.InvalidVReg)
	pm.Add(slot(1), slot(0), ir.InvalidVReg)

	resolved := pm.Resolve()
	require.Equal(t, []ResolvedMove{
		{From: slot(0), To: scratch, ToVReg: ir.InvalidVReg},
		{From: slot(1), To: slot(0), ToVReg: ir.InvalidVReg},
		{From: scratch, To: slot(1), ToVReg: ir.InvalidVReg},
	}, resolved)
}

func TestResolveThreeCycle(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(2), ir.InvalidVReg)
	pm.Add(reg(2), reg(3), ir.InvalidVReg)
	pm.Add(reg(3), reg(1), ir.InvalidVReg)

	resolved := pm.Resolve()
	require.Len(t, resolved, 4)

	// Simulate execution to check the schedule realizes the parallel
	// assignment: afterwards r2 holds old r1, r3 holds old r2, r1 holds old r3.
	state := map[ir.Allocation]string{
		reg(1): "a", reg(2): "b", reg(3): "c",
	}
	for _, m := range resolved {
		state[m.To] = state[m.From]
	}

	require.Equal(t, "a", state[reg(2)])
	require.Equal(t, "b", state[reg(3)])
	require.Equal(t, "c", state[reg(1)])
}

func TestResolveDuplicateDestPanics(t *testing.T) {
	pm := NewParallelMoves(scratch)
	pm.Add(reg(1), reg(3), ir.InvalidVReg)
	pm.Add(reg(2), reg(3), ir.InvalidVReg)

	require.Panics(t, func() { pm.Resolve() })
}
