package obfuscate

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"veil/internal/prng"
	"veil/internal/stats"
)

// buildStraightLine builds A -> B -> C(ret), spec.md §8 scenario 4.
func buildStraightLine() (*ir.Func, *ir.Block, *ir.Block, *ir.Block) {
	f := ir.NewFunc("f", types.Void)
	a := f.NewBlock("A")
	b := f.NewBlock("B")
	c := f.NewBlock("C")
	a.Term = ir.NewBr(b)
	b.Term = ir.NewBr(c)
	c.Term = ir.NewRet(nil)
	return f, a, b, c
}

func TestFlattenTooFewBlocksIsNoop(t *testing.T) {
	f := ir.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	entry.Term = ir.NewRet(nil)

	changed, err := Flatten(f, prng.New(), stats.New())
	if err != nil {
		t.Fatalf("Flatten returned error: %v", err)
	}
	if changed {
		t.Fatalf("expected Flatten to report unchanged for a single-block function")
	}
	if len(f.Blocks) != 1 {
		t.Fatalf("expected block count to stay 1, got %d", len(f.Blocks))
	}
}

func TestFlattenInvokeIsUnsupported(t *testing.T) {
	f := ir.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	other := f.NewBlock("other")
	normal := f.NewBlock("normal")
	unwind := f.NewBlock("unwind")
	callee := ir.NewFunc("callee", types.Void)
	entry.Term = ir.NewInvoke(callee, nil, normal, unwind)
	other.Term = ir.NewRet(nil)
	normal.Term = ir.NewRet(nil)
	unwind.Term = ir.NewUnreachable()

	st := stats.New()
	changed, err := Flatten(f, prng.New(), st)
	if err != nil {
		t.Fatalf("Flatten returned error: %v", err)
	}
	if changed {
		t.Fatalf("expected Flatten to decline a function with an invoke entry")
	}
	if st.FunctionsFlattened != 0 {
		t.Fatalf("expected FunctionsFlattened to stay 0")
	}
}

func TestFlattenStraightLineStructure(t *testing.T) {
	f, _, _, c := buildStraightLine()
	st := stats.New()

	changed, err := Flatten(f, prng.New(), st)
	if err != nil {
		t.Fatalf("Flatten returned error: %v", err)
	}
	if !changed {
		t.Fatalf("expected Flatten to report a change")
	}
	if st.FunctionsFlattened != 1 {
		t.Fatalf("expected FunctionsFlattened=1, got %d", st.FunctionsFlattened)
	}
	// prologue, loopEntry, loopEnd, switchDefault, B, C == 6.
	if len(f.Blocks) != 6 {
		t.Fatalf("expected 6 blocks after flattening a 3-block straight line, got %d", len(f.Blocks))
	}

	var loopEntry *ir.Block
	for _, b := range f.Blocks {
		if b.LocalName == "loopEntry" {
			loopEntry = b
		}
	}
	if loopEntry == nil {
		t.Fatalf("expected a block named loopEntry")
	}
	sw, ok := loopEntry.Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("expected loopEntry to terminate in a switch, got %T", loopEntry.Term)
	}
	if len(sw.Cases) != 2 {
		t.Fatalf("expected 2 switch cases (B, C), got %d", len(sw.Cases))
	}

	if _, ok := c.Term.(*ir.TermRet); !ok {
		t.Fatalf("expected C to retain its return terminator untouched")
	}
}

func TestFlattenConditionalSplitsOffSelect(t *testing.T) {
	f := ir.NewFunc("f", types.Void)
	a := f.NewBlock("A")
	b := f.NewBlock("B")
	c := f.NewBlock("C")
	a.Term = ir.NewCondBr(constant.NewInt(types.I1, 1), b, c)
	b.Term = ir.NewRet(nil)
	c.Term = ir.NewRet(nil)

	st := stats.New()
	changed, err := Flatten(f, prng.New(), st)
	if err != nil {
		t.Fatalf("Flatten returned error: %v", err)
	}
	if !changed {
		t.Fatalf("expected Flatten to report a change")
	}

	var first *ir.Block
	for _, blk := range f.Blocks {
		if blk.LocalName == "A.first" {
			first = blk
		}
	}
	if first == nil {
		t.Fatalf("expected a split-off block named A.first carrying the original condition")
	}
	store, ok := lastStore(first)
	if !ok {
		t.Fatalf("expected A.first to end with a store into switchVar")
	}
	if _, ok := store.Src.(*ir.InstSelect); !ok {
		t.Fatalf("expected the stored value to come from a select, got %T", store.Src)
	}
}

func lastStore(b *ir.Block) (*ir.InstStore, bool) {
	for i := len(b.Insts) - 1; i >= 0; i-- {
		if s, ok := b.Insts[i].(*ir.InstStore); ok {
			return s, true
		}
	}
	return nil, false
}
