// Package obfuscate implements the three core transformations: the Junk
// Synthesizer, the Bogus Control-Flow Rewriter, and the Flattening Rewriter.
package obfuscate

import "github.com/llir/llvm/ir"

// Kind tags which IR granularity a Pass runs over, the language-neutral
// restatement of the llvm-pass-tutorial original's FunctionPass /
// BasicBlockPass / ModulePass hierarchy: one interface, one tag, instead of
// three unrelated base classes.
type Kind int

const (
	FunctionKind Kind = iota
	BlockKind
	ModuleKind
)

// Pass is any of the three pass shapes; Kind() tells a driver which Run
// method applies and at what granularity to iterate. The transformations in
// this package are plain functions that do not implement these interfaces,
// and cmd/veil calls them directly.
type Pass interface {
	Kind() Kind
}

// FunctionPass runs once per function.
type FunctionPass interface {
	Pass
	RunOnFunction(f *ir.Func) (changed bool, err error)
}

// BlockPass runs once per basic block. Neither core transformation is
// shaped this way today, but the Junk Synthesizer's contract (block in,
// block out) fits it, and the tag exists so a future pass can use it
// without widening the Pass interface.
type BlockPass interface {
	Pass
	RunOnBlock(b *ir.Block) (changed bool, err error)
}

// ModulePass runs once per module.
type ModulePass interface {
	Pass
	RunOnModule(m *ir.Module) (changed bool, err error)
}
