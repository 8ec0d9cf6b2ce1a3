// Package cfg derives the control-flow side tables that move resolution
// queries: the instruction-to-block map, block entry and exit program points,
// and the def site of every block-parameter vreg.
package cfg

import (
	"github.com/orizon-lang/regalloc/internal/ir"
)

// BlockparamDef names the block and parameter index at which a vreg is
// defined as a block parameter. Block is InvalidBlock for ordinary vregs.
type BlockparamDef struct {
	Block ir.Block
	Index int
}

// Info holds the per-function CFG side tables.
type Info struct {
	// InsnBlock maps each instruction to its containing block.
	InsnBlock []ir.Block
	// BlockEntry is Before(first) of each block.
	BlockEntry []ir.ProgPoint
	// BlockExit is After(last) of each block.
	BlockExit []ir.ProgPoint
	// VRegDefBlockparam maps each vreg number to its blockparam def site.
	VRegDefBlockparam []BlockparamDef
}

// Compute builds the side tables for f. Block instruction spans must tile the
// instruction index space; each block must be non-empty.
func Compute(f ir.Function) *Info {
	info := &Info{
		InsnBlock:         make([]ir.Block, f.NumInsts()),
		BlockEntry:        make([]ir.ProgPoint, f.NumBlocks()),
		BlockExit:         make([]ir.ProgPoint, f.NumBlocks()),
		VRegDefBlockparam: make([]BlockparamDef, f.NumVRegs()),
	}

	for i := range info.InsnBlock {
		info.InsnBlock[i] = ir.InvalidBlock
	}

	for i := range info.VRegDefBlockparam {
		info.VRegDefBlockparam[i] = BlockparamDef{Block: ir.InvalidBlock}
	}

	for b := 0; b < f.NumBlocks(); b++ {
		block := ir.Block(b)
		insns := f.BlockInsns(block)
		info.BlockEntry[b] = ir.Before(insns.First)
		info.BlockExit[b] = ir.After(insns.Last)

		for i := insns.First; i <= insns.Last; i++ {
			info.InsnBlock[i] = block
		}

		for idx, param := range f.BlockParams(block) {
			info.VRegDefBlockparam[param.Num] = BlockparamDef{Block: block, Index: idx}
		}
	}

	return info
}
