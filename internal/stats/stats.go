// Package stats holds the write-only counters spec.md §6 requires every
// pass run to emit. The obfuscation core is single-threaded and synchronous
// (spec.md §5), so these are plain fields, not atomics: there is never a
// second goroutine that could race a writer.
package stats

// Stats accumulates counters across one invocation of the toolkit, which may
// touch many functions in a module.
type Stats struct {
	// FunctionsSeen is incremented once per function the BCF pass runs on.
	FunctionsSeen int
	// IterationsPerFunc records the last bcf_loop value applied to each
	// function name. It is overwritten, not accumulated: a second BCF run on
	// the same function name replaces the earlier value. (The C++ original
	// keeps a single NumTimesOnFunctions counter that every function
	// overwrites; here the value is kept per function name.)
	IterationsPerFunc map[string]int
	// InitialBlocks and FinalBlocks record, per function, the basic-block
	// count observed the first time BCF touches it and the count after its
	// last iteration.
	InitialBlocks map[string]int
	FinalBlocks   map[string]int
	// BlocksModified counts basic blocks selected for bogus control flow,
	// summed across every function and iteration.
	BlocksModified int
	// BlocksAdded counts new basic blocks created by BCF (3 per selected
	// block: split-suffix, altered clone, split terminator-holder).
	BlocksAdded int
	// FunctionsFlattened counts functions the flattening pass successfully
	// rewrote into a dispatcher loop.
	FunctionsFlattened int
}

// New returns a zeroed Stats with its maps allocated.
func New() *Stats {
	return &Stats{
		IterationsPerFunc: make(map[string]int),
		InitialBlocks:     make(map[string]int),
		FinalBlocks:       make(map[string]int),
	}
}

// RecordFunctionSeen marks the start of a BCF run on fn and records the
// requested loop count (overwriting any prior value for fn — see
// IterationsPerFunc).
func (s *Stats) RecordFunctionSeen(fn string, loops int) {
	s.FunctionsSeen++
	s.IterationsPerFunc[fn] = loops
}

// RecordInitialBlocks stores the block count observed the first time BCF
// iterates over fn's block list, if not already recorded.
func (s *Stats) RecordInitialBlocks(fn string, n int) {
	if _, ok := s.InitialBlocks[fn]; !ok {
		s.InitialBlocks[fn] = n
	}
}

// RecordFinalBlocks overwrites the final block count for fn.
func (s *Stats) RecordFinalBlocks(fn string, n int) {
	s.FinalBlocks[fn] = n
}

// RecordSelection increments the modified/added counters for one selected
// block: 1 modified, 3 added, per spec.md §4.2.
func (s *Stats) RecordSelection() {
	s.BlocksModified++
	s.BlocksAdded += 3
}

// RecordFlattened increments FunctionsFlattened.
func (s *Stats) RecordFlattened() {
	s.FunctionsFlattened++
}
