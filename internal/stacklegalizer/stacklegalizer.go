// Package stacklegalizer implements the "fixStack" collaborator the
// Flattening.cpp original calls at the very end of every run. Collapsing a
// function's blocks under one dispatcher loop (internal/obfuscate/flatten.go)
// destroys the dominance relationships that let a value defined in one block
// be used directly in another: every original block becomes a switch case
// reached the same way, not necessarily preceded by its old predecessor.
// Legalize demotes every cross-block SSA value to a stack slot, storing once
// at the definition site and loading at each out-of-block use, the same
// fix-up idiom LLVM's own -reg2mem/-mem2reg pair perform.
package stacklegalizer

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
)

// Legalize rewrites f in place so that no instruction result is used outside
// the block that defines it, inserting alloca/store/load triples as needed.
// PHI nodes are left untouched: their cross-block references are the
// mechanism SSA form uses to merge values along control-flow edges, not a
// case this pass needs to fix.
func Legalize(f *ir.Func) error {
	if len(f.Blocks) == 0 {
		return nil
	}
	entry := f.Blocks[0]

	defBlock := make(map[value.Value]*ir.Block)
	defIndex := make(map[value.Value]int)
	for _, b := range f.Blocks {
		for i, inst := range b.Insts {
			if _, isPhi := inst.(*ir.InstPhi); isPhi {
				continue
			}
			if v, ok := inst.(value.Value); ok {
				defBlock[v] = b
				defIndex[v] = i
			}
		}
	}

	crossBlock := make(map[value.Value]bool)
	note := func(b *ir.Block, operands []*value.Value) {
		for _, opPtr := range operands {
			op := *opPtr
			if db, ok := defBlock[op]; ok && db != b {
				crossBlock[op] = true
			}
		}
	}
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if _, isPhi := inst.(*ir.InstPhi); isPhi {
				continue
			}
			note(b, inst.Operands())
		}
		if b.Term != nil {
			note(b, b.Term.Operands())
		}
	}
	if len(crossBlock) == 0 {
		return nil
	}

	slots := make(map[value.Value]*ir.InstAlloca, len(crossBlock))
	var allocas []ir.Instruction
	for v := range crossBlock {
		alloc := ir.NewAlloca(v.Type())
		slots[v] = alloc
		allocas = append(allocas, alloc)
	}
	entry.Insts = append(allocas, entry.Insts...)

	byDefBlock := make(map[*ir.Block][]value.Value)
	for v := range crossBlock {
		db := defBlock[v]
		byDefBlock[db] = append(byDefBlock[db], v)
	}
	for db, vs := range byDefBlock {
		sort.Slice(vs, func(i, j int) bool { return defIndex[vs[i]] < defIndex[vs[j]] })
		// entry.Insts was just prepended with len(allocas) alloca
		// instructions, so every index recorded against entry before that
		// prepend is now stale by that same amount.
		offset := 0
		if db == entry {
			offset = len(allocas)
		}
		for _, v := range vs {
			store := ir.NewStore(v, slots[v])
			idx := defIndex[v] + offset + 1
			db.Insts = insertInst(db.Insts, idx, store)
			offset++
		}
	}

	for _, b := range f.Blocks {
		for i := 0; i < len(b.Insts); i++ {
			inst := b.Insts[i]
			if _, isPhi := inst.(*ir.InstPhi); isPhi {
				continue
			}
			for _, opPtr := range inst.Operands() {
				op := *opPtr
				alloc, ok := slots[op]
				if !ok || defBlock[op] == b {
					continue
				}
				load := ir.NewLoad(op.Type(), alloc)
				b.Insts = insertInst(b.Insts, i, load)
				*opPtr = load
				i++
			}
		}
		if b.Term == nil {
			continue
		}
		for _, opPtr := range b.Term.Operands() {
			op := *opPtr
			alloc, ok := slots[op]
			if !ok || defBlock[op] == b {
				continue
			}
			load := ir.NewLoad(op.Type(), alloc)
			b.Insts = append(b.Insts, load)
			*opPtr = load
		}
	}
	return nil
}

// insertInst inserts inst into insts at position idx, shifting the tail
// right by one.
func insertInst(insts []ir.Instruction, idx int, inst ir.Instruction) []ir.Instruction {
	insts = append(insts, nil)
	copy(insts[idx+1:], insts[idx:])
	insts[idx] = inst
	return insts
}
