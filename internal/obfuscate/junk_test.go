package obfuscate

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"veil/internal/prng"
)

func buildAddBlock() (*ir.Func, *ir.Block) {
	f := ir.NewFunc("f", types.I32, ir.NewParam("a", types.I32), ir.NewParam("b", types.I32))
	b := f.NewBlock("entry")
	sum := b.NewAdd(f.Params[0], f.Params[1])
	b.Term = ir.NewRet(sum)
	return f, b
}

func TestSynthesizeJunkDoesNotMutateSource(t *testing.T) {
	f, b := buildAddBlock()
	before := len(b.Insts)

	SynthesizeJunk(b, f, "altered", prng.New())

	if len(b.Insts) != before {
		t.Fatalf("SynthesizeJunk mutated the source block: %d -> %d insts", before, len(b.Insts))
	}
	if _, ok := b.Insts[0].(*ir.InstAdd); !ok {
		t.Fatalf("source block's instruction was replaced in place")
	}
}

func TestSynthesizeJunkReturnsUnterminatedBlock(t *testing.T) {
	f, b := buildAddBlock()
	clone := SynthesizeJunk(b, f, "altered", prng.New())
	if clone.Term != nil {
		t.Fatalf("expected SynthesizeJunk's result to carry no terminator, got %T", clone.Term)
	}
}

func TestSynthesizeJunkNeverShrinksInstructionCount(t *testing.T) {
	f, b := buildAddBlock()
	clone := SynthesizeJunk(b, f, "altered", prng.New())
	if len(clone.Insts) < len(b.Insts) {
		t.Fatalf("clone has fewer instructions (%d) than source (%d)", len(clone.Insts), len(b.Insts))
	}
}

func TestMutateComparisonKeepsOriginalOperands(t *testing.T) {
	f := ir.NewFunc("g", types.I32, ir.NewParam("a", types.I32), ir.NewParam("b", types.I32))
	entry := f.NewBlock("entry")
	cmp := entry.NewICmp(0, f.Params[0], f.Params[1])
	entry.Term = ir.NewRet(constant.NewInt(types.I32, 0))

	rng := prng.New()
	for i := 0; i < 50; i++ {
		mutateComparison(cmp, rng)
	}
	if cmp.X != f.Params[0] && cmp.Y != f.Params[0] {
		t.Fatalf("comparison operands were replaced rather than swapped")
	}
}
