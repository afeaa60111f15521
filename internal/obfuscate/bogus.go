package obfuscate

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"veil/internal/obferrors"
	"veil/internal/prng"
	"veil/internal/stats"
)

// BCFConfig is the per-function tuning surface for the Bogus Control-Flow
// Rewriter: a selection probability and a repetition count, spec.md §4.2.
type BCFConfig struct {
	ProbPercent int
	Loops       int
}

// RunBogusControlFlow runs the per-function BCF pass over f: for Loops
// iterations it snapshots f's block list and, for each block independently
// selected (a draw from [0,100) that is at most ProbPercent, so a chance of
// (ProbPercent+1)/100, capped at 1), splits it, synthesizes a junk clone, and
// wires the two through a trivial opaque-predicate diamond.
func RunBogusControlFlow(f *ir.Func, cfg BCFConfig, rng *prng.Source, st *stats.Stats) error {
	if cfg.ProbPercent < 1 || cfg.ProbPercent > 100 {
		return obferrors.NewConfigError("bcf_prob", cfg.ProbPercent, "must satisfy 0 < x <= 100")
	}
	if cfg.Loops < 1 {
		return obferrors.NewConfigError("bcf_loop", cfg.Loops, "must satisfy x > 0")
	}

	st.RecordFunctionSeen(f.Ident(), cfg.Loops)
	st.RecordInitialBlocks(f.Ident(), len(f.Blocks))

	for iter := 0; iter < cfg.Loops; iter++ {
		snapshot := make([]*ir.Block, len(f.Blocks))
		copy(snapshot, f.Blocks)
		for _, b := range snapshot {
			if rng.GetRange(100) > cfg.ProbPercent {
				continue
			}
			transformBlock(f, b, rng, st)
		}
	}

	st.RecordFinalBlocks(f.Ident(), len(f.Blocks))
	return verifyInvariants("bcf", f)
}

// transformBlock implements spec.md §4.2 steps 1-8 for one selected block.
func transformBlock(f *ir.Func, b *ir.Block, rng *prng.Source, st *stats.Stats) {
	sp := splitPoint(b)
	orig := splitBlockAt(f, b, sp)

	altered := SynthesizeJunk(orig, f, orig.LocalName+".altered", rng)

	trivial1 := freshTrivialPredicate(b)
	b.Term = ir.NewCondBr(trivial1, orig, altered)

	altered.Term = ir.NewBr(orig)

	o2 := splitBeforeTerminator(f, orig)
	trivial2 := freshTrivialPredicate(orig)
	orig.Term = ir.NewCondBr(trivial2, o2, altered)

	st.RecordSelection()
}

// splitPoint finds the index of the first instruction past any leading
// PHI/debug/lifetime markers, per spec.md §4.2 step 1.
func splitPoint(b *ir.Block) int {
	for i, inst := range b.Insts {
		if isLeadingMarker(inst) {
			continue
		}
		return i
	}
	return len(b.Insts)
}

func isLeadingMarker(inst ir.Instruction) bool {
	if _, ok := inst.(*ir.InstPhi); ok {
		return true
	}
	if call, ok := inst.(*ir.InstCall); ok {
		if fn, ok := call.Callee.(*ir.Func); ok {
			name := fn.Name()
			return strings.HasPrefix(name, "llvm.dbg.") || strings.HasPrefix(name, "llvm.lifetime.")
		}
	}
	return false
}

// splitBlockAt splits b at idx into b (prefix, instructions [0,idx)) and a
// new successor block holding the suffix and b's original terminator,
// spec.md §4.2 step 2. Any PHI in a successor of the new block that listed
// b as its predecessor is retargeted, since the new block is now the direct
// predecessor.
func splitBlockAt(f *ir.Func, b *ir.Block, idx int) *ir.Block {
	suffix := f.NewBlock(b.LocalName + ".split")
	suffix.Insts = append([]ir.Instruction{}, b.Insts[idx:]...)
	suffix.Term = b.Term

	b.Insts = b.Insts[:idx]
	b.Term = nil

	retargetPhiPredecessor(suffix.Term, b, suffix)
	return suffix
}

// splitBeforeTerminator splits o into o (body) and a new block holding only
// o's terminator, spec.md §4.2 step 7.
func splitBeforeTerminator(f *ir.Func, o *ir.Block) *ir.Block {
	tail := f.NewBlock(o.LocalName + ".part2")
	tail.Term = o.Term
	o.Term = nil

	retargetPhiPredecessor(tail.Term, o, tail)
	return tail
}

func retargetPhiPredecessor(term ir.Terminator, oldPred, newPred *ir.Block) {
	if term == nil {
		return
	}
	for _, succ := range term.Succs() {
		for _, inst := range succ.Insts {
			phi, ok := inst.(*ir.InstPhi)
			if !ok {
				break // PHIs only ever lead a block.
			}
			for _, inc := range phi.Incs {
				if inc.Pred == oldPred {
					inc.Pred = newPred
				}
			}
		}
	}
}

// freshTrivialPredicate appends a trivially-true `fcmp true 1.0, 1.0` to b
// and returns it. Installed as the condition of a conditional branch, it
// always takes the true edge at runtime (spec.md §4.2 step 5) until the
// module-level finalization pass below replaces it.
func freshTrivialPredicate(b *ir.Block) *ir.InstFCmp {
	one := constant.NewFloat(types.Double, 1.0)
	cmp := b.NewFCmp(enum.FPredTrue, one, one)
	return cmp
}

// InstallOpaquePredicates is the module-level finalization pass: it
// replaces every trivially-true opaque predicate BCF installed with a
// runtime-evaluated arithmetic one keyed on two never-mutated globals,
// spec.md §4.2 "Module-level predicate rewrite".
func InstallOpaquePredicates(m *ir.Module, rng *prng.Source) error {
	x := ir.NewGlobalDef("x", constant.NewInt(types.I32, 0))
	x.Linkage = enum.LinkageCommon
	y := ir.NewGlobalDef("y", constant.NewInt(types.I32, 0))
	y.Linkage = enum.LinkageCommon
	m.Globals = append(m.Globals, x, y)

	type target struct {
		block *ir.Block
		br    *ir.TermCondBr
		pred  *ir.InstFCmp
	}
	var targets []target
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			cb, ok := b.Term.(*ir.TermCondBr)
			if !ok {
				continue
			}
			fc, ok := cb.Cond.(*ir.InstFCmp)
			if !ok || fc.Pred != enum.FPredTrue {
				continue
			}
			targets = append(targets, target{b, cb, fc})
		}
	}

	for _, t := range targets {
		vx := t.block.NewLoad(types.I32, x)
		vy := t.block.NewLoad(types.I32, y)

		r := rng.GetRange(125)
		k := []int64{1, 3, 5, 7}[r%4]

		sum := t.block.NewAdd(vx, constant.NewInt(types.I32, k))
		prod := t.block.NewMul(sum, vx)
		rem := t.block.NewURem(prod, constant.NewInt(types.I32, 2))
		evenCheck := t.block.NewICmp(enum.IPredEQ, rem, constant.NewInt(types.I32, 0))

		c := int64(1 + rng.GetRange(125))
		boundCheck := t.block.NewICmp(enum.IPredSLT, vy, constant.NewInt(types.I32, c))

		var cond value.Value
		if r%2 == 0 {
			cond = t.block.NewOr(evenCheck, boundCheck)
		} else {
			cond = t.block.NewOr(boundCheck, evenCheck)
		}

		t.block.Term = ir.NewCondBr(cond, t.br.TargetTrue, t.br.TargetFalse)
	}

	// Deferred deletion: every trivial predicate fed exactly the branch just
	// replaced, so once all branches have new conditions none of them has a
	// remaining use.
	for _, t := range targets {
		removeInstruction(t.block, t.pred)
	}
	return nil
}

func removeInstruction(b *ir.Block, inst ir.Instruction) {
	for i, existing := range b.Insts {
		if existing == inst {
			b.Insts = append(b.Insts[:i], b.Insts[i+1:]...)
			return
		}
	}
}
