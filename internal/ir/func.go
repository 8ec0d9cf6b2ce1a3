package ir

// InstData is the per-instruction payload of a FuncData.
type InstData struct {
	Operands    []Operand
	Clobbers    []PReg
	IsRet       bool
	IsSafepoint bool
}

// BlockData is the per-block payload of a FuncData.
type BlockData struct {
	First  Inst
	Last   Inst
	Preds  []Block
	Succs  []Block
	Params []VReg
}

// FuncData is a concrete Function backed by plain slices. Tests and the trace
// tooling build one directly; real clients may implement Function themselves.
type FuncData struct {
	Insts  []InstData
	Blocks []BlockData
	Entry  Block
	VRegs  int
	Pinned map[VReg]PReg
}

var _ Function = (*FuncData)(nil)

func (f *FuncData) NumInsts() int     { return len(f.Insts) }
func (f *FuncData) NumBlocks() int    { return len(f.Blocks) }
func (f *FuncData) NumVRegs() int     { return f.VRegs }
func (f *FuncData) EntryBlock() Block { return f.Entry }

func (f *FuncData) BlockInsns(b Block) InstRange {
	bd := &f.Blocks[b]
	return InstRange{First: bd.First, Last: bd.Last}
}

func (f *FuncData) BlockPreds(b Block) []Block    { return f.Blocks[b].Preds }
func (f *FuncData) BlockSuccs(b Block) []Block    { return f.Blocks[b].Succs }
func (f *FuncData) BlockParams(b Block) []VReg    { return f.Blocks[b].Params }
func (f *FuncData) InstOperands(i Inst) []Operand { return f.Insts[i].Operands }
func (f *FuncData) InstClobbers(i Inst) []PReg    { return f.Insts[i].Clobbers }
func (f *FuncData) IsRet(i Inst) bool             { return f.Insts[i].IsRet }
func (f *FuncData) IsSafepoint(i Inst) bool       { return f.Insts[i].IsSafepoint }

func (f *FuncData) IsPinnedVReg(v VReg) (PReg, bool) {
	p, ok := f.Pinned[v]
	return p, ok
}
