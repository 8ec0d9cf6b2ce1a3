// Package statefile reads JSON snapshots of the allocator state that precedes
// move resolution, so the trace tooling can replay a captured function
// through the core. The format carries a semantic version; loaders accept any
// snapshot compatible with the current major version.
package statefile

import (
	"encoding/json"
	"os"

	semver "github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/orizon-lang/regalloc/internal/backtrack"
	"github.com/orizon-lang/regalloc/internal/cfg"
	"github.com/orizon-lang/regalloc/internal/ir"
)

// FormatVersion is the current snapshot format version; Build accepts any
// snapshot whose version shares its major version.
const FormatVersion = "1.0.0"

var supportedFormat = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}

	return c
}

// Snapshot is the top-level JSON document.
type Snapshot struct {
	Format   string   `json:"format"`
	Function Function `json:"function"`
	Machine  Machine  `json:"machine"`
	State    State    `json:"state"`
}

// Function mirrors the ir.Function contract.
type Function struct {
	Entry    int     `json:"entry"`
	NumVRegs int     `json:"num_vregs"`
	Blocks   []Block `json:"blocks"`
	Insts    []Inst  `json:"insts"`
	Pinned   []Pin   `json:"pinned,omitempty"`
}

type Block struct {
	First  int    `json:"first"`
	Last   int    `json:"last"`
	Preds  []int  `json:"preds,omitempty"`
	Succs  []int  `json:"succs,omitempty"`
	Params []VReg `json:"params,omitempty"`
}

type Inst struct {
	Operands    []Operand `json:"operands,omitempty"`
	Clobbers    []PReg    `json:"clobbers,omitempty"`
	IsRet       bool      `json:"is_ret,omitempty"`
	IsSafepoint bool      `json:"is_safepoint,omitempty"`
}

type Operand struct {
	VReg       VReg   `json:"vreg"`
	Kind       string `json:"kind"`          // "use" | "def" | "mod"
	Pos        string `json:"pos"`           // "before" | "after"
	Constraint string `json:"constraint"`    // "any" | "reg" | "stack" | "fixed" | "reuse"
	Fixed      *PReg  `json:"fixed,omitempty"`
	Reuse      *int   `json:"reuse,omitempty"`
}

type VReg struct {
	Num   int    `json:"num"`
	Class string `json:"class"`
}

type PReg struct {
	Num   int    `json:"num"`
	Class string `json:"class"`
}

type Pin struct {
	VReg VReg `json:"vreg"`
	PReg PReg `json:"preg"`
}

type Machine struct {
	ScratchInt   PReg `json:"scratch_int"`
	ScratchFloat PReg `json:"scratch_float"`
}

// Point is a program point as (inst, pos).
type Point struct {
	Inst int    `json:"inst"`
	Pos  string `json:"pos"`
}

type Alloc struct {
	Kind  string `json:"kind"` // "none" | "reg" | "stack"
	Index int    `json:"index,omitempty"`
	Class string `json:"class,omitempty"`
}

// State mirrors the allocator arenas consumed by move resolution.
type State struct {
	VRegs          []VRegState     `json:"vregs"`
	Ranges         []Range         `json:"ranges"`
	Bundles        []Bundle        `json:"bundles"`
	SpillSets      []SpillSet      `json:"spillsets,omitempty"`
	SpillSlots     []SpillSlot     `json:"spillslots,omitempty"`
	LiveIns        [][]int         `json:"liveins,omitempty"`
	BlockparamIns  []BlockparamIn  `json:"blockparam_ins,omitempty"`
	BlockparamOuts []BlockparamOut `json:"blockparam_outs,omitempty"`
	ProgMoveSrcs   []ProgMove      `json:"prog_move_srcs,omitempty"`
	ProgMoveDsts   []ProgMove      `json:"prog_move_dsts,omitempty"`
	MultiFixed     []MultiFixed    `json:"multi_fixed_reg_fixups,omitempty"`
}

type VRegState struct {
	VReg   VReg  `json:"vreg"`
	Ranges []int `json:"ranges"`
	Pinned bool  `json:"pinned,omitempty"`
}

type Range struct {
	From        Point `json:"from"`
	To          Point `json:"to"`
	Bundle      int   `json:"bundle"`
	Uses        []Use `json:"uses,omitempty"`
	StartsAtDef bool  `json:"starts_at_def,omitempty"`
}

type Use struct {
	At      Point   `json:"at"`
	Slot    int     `json:"slot"`
	Operand Operand `json:"operand"`
}

type Bundle struct {
	Alloc    Alloc `json:"alloc"`
	SpillSet int   `json:"spillset"`
}

type SpillSet struct {
	Slot  int    `json:"slot"`
	Class string `json:"class"`
}

type SpillSlot struct {
	Alloc Alloc  `json:"alloc"`
	Class string `json:"class"`
}

type BlockparamIn struct {
	ToVReg    int `json:"to_vreg"`
	ToBlock   int `json:"to_block"`
	FromBlock int `json:"from_block"`
}

type BlockparamOut struct {
	FromVReg  int `json:"from_vreg"`
	FromBlock int `json:"from_block"`
	ToBlock   int `json:"to_block"`
	ToVReg    int `json:"to_vreg"`
}

type ProgMove struct {
	VReg int `json:"vreg"`
	Inst int `json:"inst"`
}

type MultiFixed struct {
	At   Point `json:"at"`
	From PReg  `json:"from"`
	To   PReg  `json:"to"`
	Slot int   `json:"slot"`
}

// Load reads and builds the Env described by the snapshot at path.
func Load(path string, opts backtrack.Options) (*backtrack.Env, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading snapshot %s", path)
	}

	return Parse(data, opts)
}

// Parse decodes a snapshot and builds the Env it describes.
func Parse(data []byte, opts backtrack.Options) (*backtrack.Env, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}

	return Build(&snap, opts)
}

// Build constructs a ready-to-run Env from a decoded snapshot.
func Build(snap *Snapshot, opts backtrack.Options) (*backtrack.Env, error) {
	ver, err := semver.NewVersion(snap.Format)
	if err != nil {
		return nil, errors.Wrapf(err, "bad snapshot format version %q", snap.Format)
	}

	if !supportedFormat.Check(ver) {
		return nil, errors.Errorf("unsupported snapshot format %s (supported: %s)",
			snap.Format, supportedFormat)
	}

	f, err := buildFunction(&snap.Function)
	if err != nil {
		return nil, err
	}

	machEnv := ir.MachineEnv{}
	machEnv.ScratchByClass[ir.ClassInt], err = parsePReg(snap.Machine.ScratchInt)
	if err != nil {
		return nil, err
	}

	machEnv.ScratchByClass[ir.ClassFloat], err = parsePReg(snap.Machine.ScratchFloat)
	if err != nil {
		return nil, err
	}

	env := backtrack.NewEnv(f, cfg.Compute(f), machEnv, opts)
	if err := fillState(env, f, &snap.State); err != nil {
		return nil, err
	}

	return env, nil
}

func buildFunction(fn *Function) (*ir.FuncData, error) {
	f := &ir.FuncData{
		Entry: ir.Block(fn.Entry),
		VRegs: fn.NumVRegs,
	}

	for bi, b := range fn.Blocks {
		bd := ir.BlockData{First: ir.Inst(b.First), Last: ir.Inst(b.Last)}
		if b.Last < b.First {
			return nil, errors.Errorf("block%d has empty instruction span", bi)
		}

		for _, p := range b.Preds {
			bd.Preds = append(bd.Preds, ir.Block(p))
		}

		for _, s := range b.Succs {
			bd.Succs = append(bd.Succs, ir.Block(s))
		}

		for _, param := range b.Params {
			v, err := parseVReg(param)
			if err != nil {
				return nil, err
			}

			bd.Params = append(bd.Params, v)
		}

		f.Blocks = append(f.Blocks, bd)
	}

	for _, inst := range fn.Insts {
		id := ir.InstData{IsRet: inst.IsRet, IsSafepoint: inst.IsSafepoint}

		for _, op := range inst.Operands {
			o, err := parseOperand(op)
			if err != nil {
				return nil, err
			}

			id.Operands = append(id.Operands, o)
		}

		for _, c := range inst.Clobbers {
			p, err := parsePReg(c)
			if err != nil {
				return nil, err
			}

			id.Clobbers = append(id.Clobbers, p)
		}

		f.Insts = append(f.Insts, id)
	}

	if len(fn.Pinned) > 0 {
		f.Pinned = make(map[ir.VReg]ir.PReg, len(fn.Pinned))
		for _, pin := range fn.Pinned {
			v, err := parseVReg(pin.VReg)
			if err != nil {
				return nil, err
			}

			p, err := parsePReg(pin.PReg)
			if err != nil {
				return nil, err
			}

			f.Pinned[v] = p
		}
	}

	return f, nil
}

func fillState(env *backtrack.Env, f *ir.FuncData, st *State) error {
	for _, r := range st.Ranges {
		lr := backtrack.LiveRange{
			Range: backtrack.CodeRange{
				From: parsePoint(r.From),
				To:   parsePoint(r.To),
			},
			Bundle: backtrack.BundleIndex(r.Bundle),
		}
		if r.StartsAtDef {
			lr.Flags |= backtrack.StartsAtDef
		}

		for _, u := range r.Uses {
			op, err := parseOperand(u.Operand)
			if err != nil {
				return err
			}

			lr.Uses = append(lr.Uses, backtrack.Use{
				Operand: op,
				Pos:     parsePoint(u.At),
				Slot:    u.Slot,
			})
		}

		env.Ranges = append(env.Ranges, lr)
	}

	for _, vs := range st.VRegs {
		v, err := parseVReg(vs.VReg)
		if err != nil {
			return err
		}

		vd := backtrack.VRegData{IsPinned: vs.Pinned}
		for _, ri := range vs.Ranges {
			if ri < 0 || ri >= len(env.Ranges) {
				return errors.Errorf("vreg %s references unknown range %d", v, ri)
			}

			vd.Ranges = append(vd.Ranges, backtrack.LiveRangeListEntry{
				Index: backtrack.LiveRangeIndex(ri),
			})
		}

		env.VRegs = append(env.VRegs, vd)
		env.VRegRegs = append(env.VRegRegs, v)
	}

	for _, b := range st.Bundles {
		alloc, err := parseAlloc(b.Alloc)
		if err != nil {
			return err
		}

		env.Bundles = append(env.Bundles, backtrack.Bundle{
			Allocation: alloc,
			SpillSet:   backtrack.SpillSetIndex(b.SpillSet),
		})
	}

	for _, s := range st.SpillSets {
		class, err := parseClass(s.Class)
		if err != nil {
			return err
		}

		env.SpillSets = append(env.SpillSets, backtrack.SpillSet{
			Slot:  backtrack.SpillSlotIndex(s.Slot),
			Class: class,
		})
	}

	for _, s := range st.SpillSlots {
		alloc, err := parseAlloc(s.Alloc)
		if err != nil {
			return err
		}

		class, err := parseClass(s.Class)
		if err != nil {
			return err
		}

		env.SpillSlots = append(env.SpillSlots, backtrack.SpillSlotData{
			Alloc: alloc,
			Class: class,
		})
	}

	env.LiveIns = make([]mapset.Set[backtrack.VRegIndex], f.NumBlocks())
	for b := range env.LiveIns {
		env.LiveIns[b] = mapset.NewThreadUnsafeSet[backtrack.VRegIndex]()
	}

	for b, vregs := range st.LiveIns {
		if b >= f.NumBlocks() {
			return errors.Errorf("livein entry for unknown block%d", b)
		}

		for _, v := range vregs {
			env.LiveIns[b].Add(backtrack.VRegIndex(v))
		}
	}

	for _, in := range st.BlockparamIns {
		env.BlockparamIns = append(env.BlockparamIns, backtrack.BlockparamIn{
			ToVReg:    backtrack.VRegIndex(in.ToVReg),
			ToBlock:   ir.Block(in.ToBlock),
			FromBlock: ir.Block(in.FromBlock),
		})
	}

	for _, out := range st.BlockparamOuts {
		env.BlockparamOuts = append(env.BlockparamOuts, backtrack.BlockparamOut{
			FromVReg:  backtrack.VRegIndex(out.FromVReg),
			FromBlock: ir.Block(out.FromBlock),
			ToBlock:   ir.Block(out.ToBlock),
			ToVReg:    backtrack.VRegIndex(out.ToVReg),
		})
	}

	for _, m := range st.ProgMoveSrcs {
		env.ProgMoveSrcs = append(env.ProgMoveSrcs, backtrack.ProgMove{
			VReg: backtrack.VRegIndex(m.VReg),
			Inst: ir.Inst(m.Inst),
		})
	}

	for _, m := range st.ProgMoveDsts {
		env.ProgMoveDsts = append(env.ProgMoveDsts, backtrack.ProgMove{
			VReg: backtrack.VRegIndex(m.VReg),
			Inst: ir.Inst(m.Inst),
		})
	}

	for _, fx := range st.MultiFixed {
		from, err := parsePReg(fx.From)
		if err != nil {
			return err
		}

		to, err := parsePReg(fx.To)
		if err != nil {
			return err
		}

		env.MultiFixedRegFixups = append(env.MultiFixedRegFixups, backtrack.MultiFixedRegFixup{
			Pos:      parsePoint(fx.At),
			FromPReg: from,
			ToPReg:   to,
			Slot:     fx.Slot,
		})
	}

	return nil
}

func parseClass(s string) (ir.RegClass, error) {
	switch s {
	case "int":
		return ir.ClassInt, nil
	case "float":
		return ir.ClassFloat, nil
	default:
		return 0, errors.Errorf("unknown register class %q", s)
	}
}

func parseVReg(v VReg) (ir.VReg, error) {
	class, err := parseClass(v.Class)
	if err != nil {
		return ir.InvalidVReg, err
	}

	return ir.NewVReg(v.Num, class), nil
}

func parsePReg(p PReg) (ir.PReg, error) {
	class, err := parseClass(p.Class)
	if err != nil {
		return ir.PReg{}, err
	}

	return ir.NewPReg(p.Num, class), nil
}

func parsePoint(p Point) ir.ProgPoint {
	if p.Pos == "after" {
		return ir.After(ir.Inst(p.Inst))
	}

	return ir.Before(ir.Inst(p.Inst))
}

func parseAlloc(a Alloc) (ir.Allocation, error) {
	switch a.Kind {
	case "", "none":
		return ir.NoneAlloc, nil
	case "reg":
		class, err := parseClass(a.Class)
		if err != nil {
			return ir.NoneAlloc, err
		}

		return ir.RegAlloc(ir.NewPReg(a.Index, class)), nil
	case "stack":
		class, err := parseClass(a.Class)
		if err != nil {
			return ir.NoneAlloc, err
		}

		return ir.StackAlloc(ir.SpillSlot(a.Index), class), nil
	default:
		return ir.NoneAlloc, errors.Errorf("unknown allocation kind %q", a.Kind)
	}
}

func parseOperand(op Operand) (ir.Operand, error) {
	v, err := parseVReg(op.VReg)
	if err != nil {
		return ir.Operand{}, err
	}

	o := ir.Operand{VReg: v}

	switch op.Kind {
	case "use":
		o.Kind = ir.OperandUse
	case "def":
		o.Kind = ir.OperandDef
	case "mod":
		o.Kind = ir.OperandMod
	default:
		return ir.Operand{}, errors.Errorf("unknown operand kind %q", op.Kind)
	}

	if op.Pos == "after" {
		o.Pos = ir.OpAfter
	}

	switch op.Constraint {
	case "", "any":
		o.Constraint = ir.ConstraintAny
	case "reg":
		o.Constraint = ir.ConstraintReg
	case "stack":
		o.Constraint = ir.ConstraintStack
	case "fixed":
		if op.Fixed == nil {
			return ir.Operand{}, errors.New("fixed constraint without register")
		}

		o.Constraint = ir.ConstraintFixedReg
		o.FixedReg, err = parsePReg(*op.Fixed)
		if err != nil {
			return ir.Operand{}, err
		}
	case "reuse":
		if op.Reuse == nil {
			return ir.Operand{}, errors.New("reuse constraint without input index")
		}

		o.Constraint = ir.ConstraintReuse
		o.ReuseInput = *op.Reuse
	default:
		return ir.Operand{}, errors.Errorf("unknown operand constraint %q", op.Constraint)
	}

	return o, nil
}
