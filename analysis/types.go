// Package analysis defines the per-test-case analysis pipeline: the set of program-analysis
// passes run against newly discovered content, the partially-filled AnalysisUpdate that
// tracks their completion, and the family of derived global states their results feed.
package analysis

import (
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
)

// PassType identifies a registered analysis pass by name.
type PassType string

const (
	PassCoverage       PassType = "coverage"
	PassConditions     PassType = "conditions"
	PassTaint          PassType = "taint"
	PassBytesTracer    PassType = "bytes_tracer"
	PassInstructionLog PassType = "instruction_log"
)

// PassSlot is the state of one pass's contribution to an AnalysisUpdate.
type PassSlot struct {
	Present bool
	Skipped bool
	Payload []byte
}

// filled reports whether this slot no longer blocks completion.
func (s PassSlot) filled() bool {
	return s.Present || s.Skipped
}

// AnalysisUpdate carries one fuzzer report through the analysis pipeline. It is owned by a
// single goroutine (the reactor) until every required pass slot is filled, at which point it
// is handed, by value reference, to the state-updater; no further mutation happens after that
// handoff, so no internal locking is required.
type AnalysisUpdate struct {
	Handle        store.TestCaseHandle
	FuzzerID      registry.FuzzerId
	ParentHandles []store.TestCaseHandle

	required map[PassType]struct{}
	passes   map[PassType]PassSlot
}

// NewAnalysisUpdate creates an update that will be considered complete once every pass in
// requiredPasses has reported (or been marked skipped).
func NewAnalysisUpdate(handle store.TestCaseHandle, fuzzerID registry.FuzzerId, parents []store.TestCaseHandle, requiredPasses []PassType) *AnalysisUpdate {
	required := make(map[PassType]struct{}, len(requiredPasses))
	for _, p := range requiredPasses {
		required[p] = struct{}{}
	}
	return &AnalysisUpdate{
		Handle:        handle,
		FuzzerID:      fuzzerID,
		ParentHandles: parents,
		required:      required,
		passes:        make(map[PassType]PassSlot, len(requiredPasses)),
	}
}

// Skip marks pass as not run for this update (the policy decision for duplicate reports
// whose pass was not registered with RunOnDuplicates).
func (u *AnalysisUpdate) Skip(pass PassType) {
	u.passes[pass] = PassSlot{Skipped: true}
}

// Complete marks pass as having produced payload.
func (u *AnalysisUpdate) Complete(pass PassType, payload []byte) {
	u.passes[pass] = PassSlot{Present: true, Payload: payload}
}

// IsComplete reports whether every required pass slot is filled.
func (u *AnalysisUpdate) IsComplete() bool {
	for pass := range u.required {
		if !u.passes[pass].filled() {
			return false
		}
	}
	return true
}

// Payload returns the raw bytes produced by pass, and whether that pass actually ran
// (false for skipped or still-pending passes).
func (u *AnalysisUpdate) Payload(pass PassType) ([]byte, bool) {
	slot, ok := u.passes[pass]
	if !ok || !slot.Present {
		return nil, false
	}
	return slot.Payload, true
}

// Verdict distinguishes a first-seen report from a repeat one, mirroring store.Verdict at
// the analysis-pipeline boundary so this package does not need to import store's enum name.
type Verdict int

const (
	New Verdict = iota
	Duplicate
)

// StateUpdate is the message the reactor hands to the state-updater once an AnalysisUpdate
// is complete, in FIFO submission order.
type StateUpdate struct {
	Verdict Verdict
	Update  *AnalysisUpdate
}

// Edge is an unordered pair of basic-block ids, canonicalized so map lookups do not need a
// symmetric comparator.
type Edge struct {
	Source, Target uint64
}

// NewEdge canonicalizes (a, b) so Edge{a,b} == Edge{b,a}.
func NewEdge(a, b uint64) Edge {
	if a <= b {
		return Edge{Source: a, Target: b}
	}
	return Edge{Source: b, Target: a}
}

// PassResultParser is the shape of a decoder from the CSV/JSON a pass binary writes to its
// output file into the shape a derived state's Update method expects (the bytes tracer emits
// JSON, every other pass CSV). No derived state takes one; each parses its payload itself.
type PassResultParser func(payload []byte) (any, error)
