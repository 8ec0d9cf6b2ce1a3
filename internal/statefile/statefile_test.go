package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/regalloc/internal/backtrack"
	"github.com/orizon-lang/regalloc/internal/ir"
)

// edgeMoveSnapshot captures a two-block function with one vreg that changes
// register across the edge.
const edgeMoveSnapshot = `{
  "format": "1.0.0",
  "function": {
    "entry": 0,
    "num_vregs": 1,
    "blocks": [
      {"first": 0, "last": 1, "succs": [1]},
      {"first": 2, "last": 3, "preds": [0]}
    ],
    "insts": [{}, {}, {}, {"is_ret": true}]
  },
  "machine": {
    "scratch_int": {"num": 15, "class": "int"},
    "scratch_float": {"num": 15, "class": "float"}
  },
  "state": {
    "vregs": [
      {"vreg": {"num": 0, "class": "int"}, "ranges": [0, 1]}
    ],
    "ranges": [
      {"from": {"inst": 0, "pos": "before"}, "to": {"inst": 2, "pos": "before"}, "bundle": 0},
      {"from": {"inst": 2, "pos": "before"}, "to": {"inst": 4, "pos": "before"}, "bundle": 1}
    ],
    "bundles": [
      {"alloc": {"kind": "reg", "index": 1, "class": "int"}, "spillset": 0},
      {"alloc": {"kind": "reg", "index": 2, "class": "int"}, "spillset": 0}
    ],
    "liveins": [[], [0]]
  }
}`

func TestParseAndRunEdgeMoveSnapshot(t *testing.T) {
	env, err := Parse([]byte(edgeMoveSnapshot), backtrack.Options{})
	require.NoError(t, err)

	out, err := env.Run()
	require.NoError(t, err)

	want := []backtrack.EditEntry{{
		Pos:  ir.Before(2),
		Prio: backtrack.PrioInEdgeMoves,
		Edit: ir.Move{
			From:   ir.RegAlloc(ir.NewPReg(1, ir.ClassInt)),
			To:     ir.RegAlloc(ir.NewPReg(2, ir.ClassInt)),
			ToVReg: ir.NewVReg(0, ir.ClassInt),
		},
	}}
	require.Equal(t, want, out.Edits)
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(edgeMoveSnapshot), 0o644))

	env, err := Load(path, backtrack.Options{})
	require.NoError(t, err)

	out, err := env.Run()
	require.NoError(t, err)
	require.Len(t, out.Edits, 1)
}

func TestRejectsIncompatibleFormat(t *testing.T) {
	_, err := Parse([]byte(`{"format": "2.0.0"}`), backtrack.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported snapshot format")
}

func TestRejectsMalformedVersion(t *testing.T) {
	_, err := Parse([]byte(`{"format": "not-a-version"}`), backtrack.Options{})
	require.Error(t, err)
}

func TestRejectsUnknownClass(t *testing.T) {
	const snap = `{
	  "format": "1.0.0",
	  "function": {"entry": 0, "num_vregs": 0,
	    "blocks": [{"first": 0, "last": 0}], "insts": [{"is_ret": true}]},
	  "machine": {
	    "scratch_int": {"num": 15, "class": "vector"},
	    "scratch_float": {"num": 15, "class": "float"}
	  },
	  "state": {"vregs": [], "ranges": [], "bundles": []}
	}`

	_, err := Parse([]byte(snap), backtrack.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown register class")
}

func TestRejectsBadRangeReference(t *testing.T) {
	const snap = `{
	  "format": "1.0.0",
	  "function": {"entry": 0, "num_vregs": 1,
	    "blocks": [{"first": 0, "last": 0}], "insts": [{"is_ret": true}]},
	  "machine": {
	    "scratch_int": {"num": 15, "class": "int"},
	    "scratch_float": {"num": 15, "class": "float"}
	  },
	  "state": {
	    "vregs": [{"vreg": {"num": 0, "class": "int"}, "ranges": [3]}],
	    "ranges": [], "bundles": []
	  }
	}`

	_, err := Parse([]byte(snap), backtrack.Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown range")
}

func TestParseOperandConstraints(t *testing.T) {
	op, err := parseOperand(Operand{
		VReg:       VReg{Num: 1, Class: "int"},
		Kind:       "def",
		Pos:        "after",
		Constraint: "reuse",
		Reuse:      intptr(0),
	})
	require.NoError(t, err)
	require.Equal(t, ir.OperandDef, op.Kind)
	require.Equal(t, ir.OpAfter, op.Pos)
	require.Equal(t, ir.ConstraintReuse, op.Constraint)
	require.Equal(t, 0, op.ReuseInput)

	_, err = parseOperand(Operand{VReg: VReg{Class: "int"}, Kind: "use", Constraint: "fixed"})
	require.Error(t, err)

	_, err = parseOperand(Operand{VReg: VReg{Class: "int"}, Kind: "use", Constraint: "reuse"})
	require.Error(t, err)
}

func intptr(n int) *int { return &n }
