package obfuscate

import (
	"fmt"
	"reflect"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
)

// valueMap is the value-to-value correspondence spec.md §4.1 step 1 builds
// while cloning a block: originals that were cloned map to their clone,
// everything else (arguments, constants, values from other blocks) maps to
// itself by simply being absent.
type valueMap map[value.Value]value.Value

func (m valueMap) remap(v value.Value) value.Value {
	if mapped, ok := m[v]; ok {
		return mapped
	}
	return v
}

// cloneBlockInto deep-clones src's instruction stream into a freshly created
// block named name in f and rewrites every operand through the resulting
// value map (spec.md §4.1 steps 1-2). The returned block carries no
// terminator — the caller installs one, since src's own terminator is never
// part of src.Insts.
func cloneBlockInto(f *ir.Func, src *ir.Block, name string) (*ir.Block, valueMap) {
	dst := f.NewBlock(name)

	clones := make([]ir.Instruction, len(src.Insts))
	vm := make(valueMap, len(src.Insts))
	for i, inst := range src.Insts {
		c := cloneInstruction(inst)
		clones[i] = c
		if srcVal, ok := inst.(value.Value); ok {
			if dstVal, ok := c.(value.Value); ok {
				vm[srcVal] = dstVal
			}
		}
	}
	for _, c := range clones {
		for _, opPtr := range c.Operands() {
			*opPtr = vm.remap(*opPtr)
		}
	}

	dst.Insts = clones
	return dst, vm
}

// cloneInstruction returns a fresh instruction with the same field values as
// inst. A plain struct copy handles every scalar field; slice-typed fields
// (an InstCall's argument list, an InstPhi's incoming edges, ...) are
// reallocated so the clone never shares backing storage with the original —
// a shallow copy of, say, InstCall.Args would otherwise mean rewriting an
// operand on the clone silently rewrites the original's call arguments too.
func cloneInstruction(inst ir.Instruction) ir.Instruction {
	rv := reflect.ValueOf(inst)
	if rv.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("obfuscate: clone: %T is not a pointer-shaped instruction", inst))
	}
	cp := reflect.New(rv.Elem().Type())
	elem := cp.Elem()
	elem.Set(rv.Elem())

	for i := 0; i < elem.NumField(); i++ {
		field := elem.Field(i)
		if field.Kind() != reflect.Slice || !field.CanSet() {
			continue
		}
		fresh := reflect.MakeSlice(field.Type(), field.Len(), field.Len())
		reflect.Copy(fresh, field)
		field.Set(fresh)
	}

	cloned := cp.Interface().(ir.Instruction)

	if phi, ok := inst.(*ir.InstPhi); ok {
		clonedPhi := cloned.(*ir.InstPhi)
		incs := make([]*ir.Incoming, len(phi.Incs))
		for i, inc := range phi.Incs {
			incCopy := *inc
			incs[i] = &incCopy
		}
		clonedPhi.Incs = incs
	}
	return cloned
}
