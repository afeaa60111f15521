package obfuscate

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"veil/internal/obferrors"
	"veil/internal/prng"
	"veil/internal/stacklegalizer"
	"veil/internal/stats"
	"veil/internal/switchlower"
)

// Flatten rewrites f's CFG into a single dispatcher loop keyed on a
// scrambled state variable, spec.md §4.3. Functions with fewer than two
// blocks, or whose entry terminates with an invoke, are left unchanged — the
// second case is reported back as false, nil rather than an error, per the
// "unsupported IR is recovered locally" policy of spec.md §7.
func Flatten(f *ir.Func, rng *prng.Source, st *stats.Stats) (bool, error) {
	for _, b := range f.Blocks {
		if _, ok := b.Term.(*ir.TermInvoke); ok {
			return false, nil
		}
	}
	if len(f.Blocks) <= 1 {
		return false, nil
	}

	if err := switchlower.Lower(f); err != nil {
		return false, err
	}

	orig := make([]*ir.Block, len(f.Blocks))
	copy(orig, f.Blocks)
	prologue := orig[0]
	orig = orig[1:]

	if cb, ok := prologue.Term.(*ir.TermCondBr); ok {
		first := f.NewBlock(prologue.LocalName + ".first")
		first.Term = cb
		retargetPhiPredecessor(cb, prologue, first)
		prologue.Term = nil
		orig = append([]*ir.Block{first}, orig...)
	}

	key := rng.NewScrambleKey()
	switchVar := prologue.NewAlloca(types.I32)
	prologue.NewStore(constant.NewInt(types.I32, int64(prng.Scramble32(0, key))), switchVar)

	loopEntry := f.NewBlock("loopEntry")
	loopEnd := f.NewBlock("loopEnd")
	loopEnd.Term = ir.NewBr(loopEntry)
	prologue.Term = ir.NewBr(loopEntry)

	switchDefault := f.NewBlock("switchDefault")
	switchDefault.Term = ir.NewBr(loopEnd)

	sw := loopEntry.NewLoad(types.I32, switchVar)
	labels := make(map[*ir.Block]uint32, len(orig))
	var cases []*ir.Case
	for i, b := range orig {
		label := prng.Scramble32(uint32(i), key)
		labels[b] = label
		cases = append(cases, ir.NewCase(constant.NewInt(types.I32, int64(label)), b))
	}
	loopEntry.Term = ir.NewSwitch(sw, switchDefault, cases...)
	fallbackLabel := prng.Scramble32(uint32(len(cases)-1), key)

	for _, b := range orig {
		switch term := b.Term.(type) {
		case *ir.TermRet:
		case *ir.TermUnreachable:
		case *ir.TermBr:
			label, ok := labels[term.Target]
			if !ok {
				label = fallbackLabel
			}
			b.Term = nil
			b.NewStore(constant.NewInt(types.I32, int64(label)), switchVar)
			b.Term = ir.NewBr(loopEnd)
		case *ir.TermCondBr:
			lt, ok := labels[term.TargetTrue]
			if !ok {
				lt = fallbackLabel
			}
			lf, ok := labels[term.TargetFalse]
			if !ok {
				lf = fallbackLabel
			}
			sel := b.NewSelect(term.Cond, constant.NewInt(types.I32, int64(lt)), constant.NewInt(types.I32, int64(lf)))
			b.Term = nil
			b.NewStore(sel, switchVar)
			b.Term = ir.NewBr(loopEnd)
		default:
			// Switch-lowering guarantees 0/1/2-successor terminators; seeing
			// anything else here means an earlier pass left the IR in a
			// shape this rewriter was never told to expect.
			return false, obferrors.NewUnsupportedIRError(f.Name(), "terminator has more than two successors after switch-lowering")
		}
	}

	// fixStack: flattening erases the direct block adjacency SSA dominance
	// relied on, so any value used outside its defining block needs to move
	// through memory. PHI nodes are a known gap here, matching the original
	// Flattening.cpp this is grounded on: it never claimed to flatten
	// functions with PHI nodes correctly either.
	if err := stacklegalizer.Legalize(f); err != nil {
		return false, err
	}
	if err := verifyInvariants("flatten", f); err != nil {
		return false, err
	}

	st.RecordFlattened()
	return true, nil
}
