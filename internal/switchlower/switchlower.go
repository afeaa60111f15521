// Package switchlower implements the "switch lowerer" collaborator spec.md
// §4.3 step 1 and §6 require: flattening only understands 0/1/2-successor
// terminators, so any `switch` terminator must be rewritten into a chain of
// conditional branches before the flattening rewriter sees the function.
package switchlower

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

// Lower rewrites every switch terminator in f into an equivalent chain of
// `icmp eq` / conditional-branch blocks, in case order, falling through to
// the original default on no match. Functions with no switch terminators
// are left untouched.
func Lower(f *ir.Func) error {
	// Snapshot first: Lower appends new blocks to f.Blocks as it runs, and
	// those new blocks never themselves carry a switch terminator, but
	// ranging over a live slice while appending to it is asking for
	// trouble regardless.
	blocks := make([]*ir.Block, len(f.Blocks))
	copy(blocks, f.Blocks)

	for _, b := range blocks {
		sw, ok := b.Term.(*ir.TermSwitch)
		if !ok {
			continue
		}
		lowerOne(f, b, sw)
	}
	return nil
}

func lowerOne(f *ir.Func, b *ir.Block, sw *ir.TermSwitch) {
	cases := sw.Cases
	if len(cases) == 0 {
		b.Term = ir.NewBr(sw.TargetDefault)
		return
	}

	cur := b
	for i, c := range cases {
		last := i == len(cases)-1
		cmp := cur.NewICmp(enum.IPredEQ, sw.X, c.X)
		if last {
			cur.Term = ir.NewCondBr(cmp, c.Target, sw.TargetDefault)
			return
		}
		next := f.NewBlock("")
		cur.Term = ir.NewCondBr(cmp, c.Target, next)
		cur = next
	}
}
