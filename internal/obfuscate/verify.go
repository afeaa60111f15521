package obfuscate

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"

	"veil/internal/obferrors"
)

// verifyInvariants re-checks the dominance and termination invariants of
// spec.md §3 after a rewrite has run. Passes that move or demote SSA values
// (stacklegalizer.Legalize in particular) are exactly the place a bookkeeping
// mistake silently produces IR that still parses but no longer verifies under
// LLVM's own verifier; callers treat a non-nil return as fatal rather than
// emitting the result.
func verifyInvariants(pass string, f *ir.Func) error {
	for _, b := range f.Blocks {
		if b.Term == nil {
			return obferrors.NewInvariantViolation(pass, fmt.Sprintf("block %q has no terminator", b.LocalName))
		}
	}

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

	checkUse := func(b *ir.Block, useIndex int, operands []*value.Value) error {
		for _, opPtr := range operands {
			op := *opPtr
			db, ok := defBlock[op]
			if !ok {
				continue // argument, constant, global: not this function's business
			}
			if db != b {
				return fmt.Errorf("value defined in block %q used directly in block %q (no stack slot)", db.LocalName, b.LocalName)
			}
			if defIndex[op] >= useIndex {
				return fmt.Errorf("value in block %q used at or before its own definition (def index %d, use index %d)", b.LocalName, defIndex[op], useIndex)
			}
		}
		return nil
	}

	for _, b := range f.Blocks {
		for i, inst := range b.Insts {
			if _, isPhi := inst.(*ir.InstPhi); isPhi {
				continue
			}
			if err := checkUse(b, i, inst.Operands()); err != nil {
				return obferrors.NewInvariantViolation(pass, err.Error())
			}
		}
		if b.Term != nil {
			if err := checkUse(b, len(b.Insts), b.Term.Operands()); err != nil {
				return obferrors.NewInvariantViolation(pass, err.Error())
			}
		}
	}
	return nil
}
