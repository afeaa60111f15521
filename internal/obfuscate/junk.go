package obfuscate

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"veil/internal/prng"
)

var intPredicates = []enum.IPred{
	enum.IPredEQ, enum.IPredNE,
	enum.IPredUGT, enum.IPredUGE, enum.IPredULT, enum.IPredULE,
	enum.IPredSGT, enum.IPredSGE, enum.IPredSLT, enum.IPredSLE,
}

var fpPredicates = []enum.FPred{
	enum.FPredFalse, enum.FPredOEQ, enum.FPredOGT, enum.FPredOGE,
	enum.FPredOLT, enum.FPredOLE, enum.FPredONE, enum.FPredORD,
	enum.FPredUEQ, enum.FPredTrue,
}

// SynthesizeJunk implements the Junk Synthesizer (spec.md §4.1): it clones
// src into a fresh block of f, remaps every operand through the resulting
// value map, and decorates binary operations with dead filler instructions
// and comparisons with randomized predicates. The returned block carries no
// terminator — the caller installs one.
//
// Rewriting comparison predicates changes the block's logical output, so
// this is only sound to call on code the caller has made unreachable at
// runtime (it may still be a successor in the CFG, as BCF's altered block
// is); every caller in this package does.
func SynthesizeJunk(src *ir.Block, f *ir.Func, nameHint string, rng *prng.Source) *ir.Block {
	dst, _ := cloneBlockInto(f, src, nameHint)

	for idx := 0; idx < len(dst.Insts); idx++ {
		inst := dst.Insts[idx]
		switch {
		case isBinaryOp(inst):
			r := rng.GetRange(10)
			rounds := r + rng.GetRange(10-r)
			shift := 0
			for round := 0; round < rounds; round++ {
				shift += mutateBinaryOp(dst, inst, idx+shift, rng)
			}
			idx += shift
		case isComparison(inst):
			mutateComparison(inst, rng)
		}
	}
	return dst
}

func isBinaryOp(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.InstAdd, *ir.InstSub, *ir.InstMul, *ir.InstUDiv, *ir.InstSDiv,
		*ir.InstURem, *ir.InstSRem, *ir.InstShl, *ir.InstLShr, *ir.InstAShr,
		*ir.InstAnd, *ir.InstOr, *ir.InstXor,
		*ir.InstFAdd, *ir.InstFSub, *ir.InstFMul, *ir.InstFDiv, *ir.InstFRem:
		return true
	}
	return false
}

func isFloatOp(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.InstFAdd, *ir.InstFSub, *ir.InstFMul, *ir.InstFDiv, *ir.InstFRem:
		return true
	}
	return false
}

func isComparison(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.InstICmp, *ir.InstFCmp:
		return true
	}
	return false
}

// mutateBinaryOp applies one randomly chosen dead-junk mutation before inst
// at position idx in dst.Insts, returning how many instructions it inserted
// so the caller can keep idx pointed at inst.
func mutateBinaryOp(dst *ir.Block, inst ir.Instruction, idx int, rng *prng.Source) int {
	ops := inst.Operands()
	a, b := *ops[0], *ops[1]
	float := isFloatOp(inst)

	choices := 4
	if float {
		choices = 3
	}
	switch rng.GetRange(choices) {
	case 0:
		return 0
	case 1:
		return insertJunkBefore(dst, idx, buildNegPlus(a, b, float)...)
	case 2:
		return insertJunkBefore(dst, idx, buildDiffTimes(a, b, float)...)
	default:
		return insertJunkBefore(dst, idx, ir.NewShl(a, b))
	}
}

// buildNegPlus builds the dead pair `neg(a); add(neg_a, b)` (or its
// floating-point analogue).
func buildNegPlus(a, b value.Value, float bool) []ir.Instruction {
	if float {
		neg := ir.NewFNeg(a)
		sum := ir.NewFAdd(neg, b)
		return []ir.Instruction{neg, sum}
	}
	zero := constant.NewInt(a.Type().(*types.IntType), 0)
	neg := ir.NewSub(zero, a)
	sum := ir.NewAdd(neg, b)
	return []ir.Instruction{neg, sum}
}

// buildDiffTimes builds the dead pair `diff = a - b; prod = diff * b` (or
// its floating-point analogue).
func buildDiffTimes(a, b value.Value, float bool) []ir.Instruction {
	if float {
		diff := ir.NewFSub(a, b)
		prod := ir.NewFMul(diff, b)
		return []ir.Instruction{diff, prod}
	}
	diff := ir.NewSub(a, b)
	prod := ir.NewMul(diff, b)
	return []ir.Instruction{diff, prod}
}

func insertJunkBefore(dst *ir.Block, idx int, junk ...ir.Instruction) int {
	if len(junk) == 0 {
		return 0
	}
	tail := append([]ir.Instruction{}, dst.Insts[idx:]...)
	dst.Insts = append(dst.Insts[:idx], junk...)
	dst.Insts = append(dst.Insts, tail...)
	return len(junk)
}

// mutateComparison implements spec.md §4.1 step 3's integer/floating-point
// comparison mutation: with equal odds, leave it alone, swap operands, or
// reassign the predicate uniformly at random.
func mutateComparison(inst ir.Instruction, rng *prng.Source) {
	switch c := inst.(type) {
	case *ir.InstICmp:
		switch rng.GetRange(3) {
		case 0:
		case 1:
			c.X, c.Y = c.Y, c.X
		default:
			c.Pred = intPredicates[rng.GetRange(len(intPredicates))]
		}
	case *ir.InstFCmp:
		switch rng.GetRange(3) {
		case 0:
		case 1:
			c.X, c.Y = c.Y, c.X
		default:
			c.Pred = fpPredicates[rng.GetRange(len(fpPredicates))]
		}
	}
}
