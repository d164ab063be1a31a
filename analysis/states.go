package analysis

import (
	"bufio"
	"bytes"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"golang.org/x/exp/constraints"
)

// DerivedState is one family of global analysis knowledge, updated as a pure function of
// its previous value and a completed AnalysisUpdate.
type DerivedState interface {
	// Kind names this state for logging/audit purposes.
	Kind() string
	// RequiredPasses lists the pass kinds this state's Update reads from.
	RequiredPasses() []PassType
	// NeedsDuplicates reports whether Update should also run for Duplicate verdicts.
	NeedsDuplicates() bool
	// Update applies upd and returns a CBOR-serializable diff describing what changed.
	Update(upd *AnalysisUpdate) (diff any, err error)
}

// GlobalStates bundles every registered DerivedState behind one mutex, so the scheduler's
// facade can snapshot all of them consistently for the duration of one schedule decision.
type GlobalStates struct {
	mu     sync.Mutex
	states map[string]DerivedState

	GlobalCoverage              *GlobalCoverageState
	PerFuzzerCoverage           *PerFuzzerCoverageState
	ObservedConditions          *ObservedConditionsState
	PerFuzzerObservedConditions *PerFuzzerObservedConditionsState
	InstructionCount            *InstructionCountState
	ConditionBytes              *ConditionBytesState
	TestCaseBenefit             *TestCaseBenefitState
	FuzzerDiscoverers           *FuzzerDiscoverersState
	TaintedConditions           *TaintedConditionsState
	RegressorPredictions        *RegressorPredictionsState
}

// NewGlobalStates constructs the full default set of derived states.
func NewGlobalStates(cfg RegressorConfig) *GlobalStates {
	observedConditions := newObservedConditionsState()
	g := &GlobalStates{
		GlobalCoverage:              newGlobalCoverageState(),
		PerFuzzerCoverage:           newPerFuzzerCoverageState(),
		ObservedConditions:          observedConditions,
		PerFuzzerObservedConditions: newPerFuzzerObservedConditionsState(),
		InstructionCount:            newInstructionCountState(),
		ConditionBytes:              newConditionBytesState(),
		TestCaseBenefit:             newTestCaseBenefitState(),
		FuzzerDiscoverers:           newFuzzerDiscoverersState(),
		TaintedConditions:           newTaintedConditionsState(),
		RegressorPredictions:        newRegressorPredictionsState(cfg, observedConditions),
	}
	g.states = map[string]DerivedState{
		g.GlobalCoverage.Kind():              g.GlobalCoverage,
		g.PerFuzzerCoverage.Kind():           g.PerFuzzerCoverage,
		g.ObservedConditions.Kind():          g.ObservedConditions,
		g.PerFuzzerObservedConditions.Kind(): g.PerFuzzerObservedConditions,
		g.InstructionCount.Kind():            g.InstructionCount,
		g.ConditionBytes.Kind():              g.ConditionBytes,
		g.TestCaseBenefit.Kind():             g.TestCaseBenefit,
		g.FuzzerDiscoverers.Kind():           g.FuzzerDiscoverers,
		g.TaintedConditions.Kind():           g.TaintedConditions,
		g.RegressorPredictions.Kind():        g.RegressorPredictions,
	}
	return g
}

// All returns every registered derived state, used to compute the union of required passes
// at startup.
func (g *GlobalStates) All() []DerivedState {
	states := make([]DerivedState, 0, len(g.states))
	for _, s := range g.states {
		states = append(states, s)
	}
	return states
}

// Apply runs every derived state's Update (or only those with NeedsDuplicates for a
// Duplicate verdict) under the single GlobalStates lock, returning each state's diff keyed
// by kind for the audit log.
func (g *GlobalStates) Apply(verdict Verdict, upd *AnalysisUpdate) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	diffs := make(map[string]any, len(g.states))
	for kind, state := range g.states {
		if verdict == Duplicate && !state.NeedsDuplicates() {
			continue
		}
		diff, err := state.Update(upd)
		if err != nil {
			// A single pass's malformed output must not take down the whole batch of
			// derived states: the error is dropped without being logged or returned, and
			// this state's diff is left out of the result.
			continue
		}
		diffs[kind] = diff
	}
	return diffs
}

// Lock and Unlock let the scheduler facade hold the same mutex Apply uses, so a schedule
// decision observes a consistent snapshot across all states.
func (g *GlobalStates) Lock()   { g.mu.Lock() }
func (g *GlobalStates) Unlock() { g.mu.Unlock() }

// --- GlobalCoverage ---------------------------------------------------------------------

type GlobalCoverageState struct {
	Edges map[Edge]struct{}
}

func newGlobalCoverageState() *GlobalCoverageState {
	return &GlobalCoverageState{Edges: make(map[Edge]struct{})}
}

func (s *GlobalCoverageState) Kind() string              { return "global_coverage" }
func (s *GlobalCoverageState) RequiredPasses() []PassType { return []PassType{PassCoverage} }
func (s *GlobalCoverageState) NeedsDuplicates() bool      { return false }

func (s *GlobalCoverageState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassCoverage)
	if !ok {
		return []Edge{}, nil
	}
	edges, err := parseEdgeCSV(payload)
	if err != nil {
		return nil, err
	}
	added := make([]Edge, 0)
	for _, e := range edges {
		if _, exists := s.Edges[e]; !exists {
			s.Edges[e] = struct{}{}
			added = append(added, e)
		}
	}
	return added, nil
}

// --- PerFuzzerCoverage -------------------------------------------------------------------

type PerFuzzerCoverageState struct {
	Edges map[registry.FuzzerId]map[Edge]struct{}
}

func newPerFuzzerCoverageState() *PerFuzzerCoverageState {
	return &PerFuzzerCoverageState{Edges: make(map[registry.FuzzerId]map[Edge]struct{})}
}

func (s *PerFuzzerCoverageState) Kind() string              { return "per_fuzzer_coverage" }
func (s *PerFuzzerCoverageState) RequiredPasses() []PassType { return []PassType{PassCoverage} }
func (s *PerFuzzerCoverageState) NeedsDuplicates() bool      { return false }

func (s *PerFuzzerCoverageState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassCoverage)
	if !ok {
		return []Edge{}, nil
	}
	edges, err := parseEdgeCSV(payload)
	if err != nil {
		return nil, err
	}
	set, ok := s.Edges[upd.FuzzerID]
	if !ok {
		set = make(map[Edge]struct{})
		s.Edges[upd.FuzzerID] = set
	}
	added := make([]Edge, 0)
	for _, e := range edges {
		if _, exists := set[e]; !exists {
			set[e] = struct{}{}
			added = append(added, e)
		}
	}
	return added, nil
}

func parseEdgeCSV(payload []byte) ([]Edge, error) {
	edges := make([]Edge, 0)
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		src, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		dst, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			continue
		}
		edges = append(edges, NewEdge(src, dst))
	}
	return edges, scanner.Err()
}

// --- ObservedConditions ------------------------------------------------------------------

type ObservedConditionsState struct {
	Observed map[uint64]*big.Int
}

func newObservedConditionsState() *ObservedConditionsState {
	return &ObservedConditionsState{Observed: make(map[uint64]*big.Int)}
}

func (s *ObservedConditionsState) Kind() string              { return "observed_conditions" }
func (s *ObservedConditionsState) RequiredPasses() []PassType { return []PassType{PassConditions} }
func (s *ObservedConditionsState) NeedsDuplicates() bool      { return true }

func (s *ObservedConditionsState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassConditions)
	if !ok {
		return map[uint64]string{}, nil
	}
	changed := make(map[uint64]string)
	// Parse line by line so several rows for one condition id each contribute their bit.
	for _, line := range bytes.Split(payload, []byte("\n")) {
		rows, err := parseConditionCSV(line)
		if err != nil {
			return nil, err
		}
		for conditionID, stateBit := range rows {
			bitset, ok := s.Observed[conditionID]
			if !ok {
				bitset = big.NewInt(0)
				s.Observed[conditionID] = bitset
			}
			bitset.SetBit(bitset, stateBit, 1)
			changed[conditionID] = bitset.Text(2)
		}
	}
	return changed, nil
}

// IsUnsolved reports whether conditionID still has an untaken branch: a binary condition is
// solved once both its true and false outcomes have been observed at least once.
func (s *ObservedConditionsState) IsUnsolved(conditionID uint64) bool {
	bitset, ok := s.Observed[conditionID]
	if !ok {
		return true
	}
	return bitset.Bit(0) == 0 || bitset.Bit(1) == 0
}

// parseConditionCSV parses "condition_id,state_bit" rows.
func parseConditionCSV(payload []byte) (map[uint64]int, error) {
	rows := make(map[uint64]int)
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		bit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		rows[id] = bit
	}
	return rows, scanner.Err()
}

// --- PerFuzzerObservedConditions -----------------------------------------------------------

type PerFuzzerObservedConditionsState struct {
	Observed map[registry.FuzzerId]map[uint64]*big.Int
}

func newPerFuzzerObservedConditionsState() *PerFuzzerObservedConditionsState {
	return &PerFuzzerObservedConditionsState{Observed: make(map[registry.FuzzerId]map[uint64]*big.Int)}
}

func (s *PerFuzzerObservedConditionsState) Kind() string { return "per_fuzzer_observed_conditions" }
func (s *PerFuzzerObservedConditionsState) RequiredPasses() []PassType {
	return []PassType{PassConditions}
}
func (s *PerFuzzerObservedConditionsState) NeedsDuplicates() bool { return true }

func (s *PerFuzzerObservedConditionsState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassConditions)
	if !ok {
		return map[uint64]string{}, nil
	}
	perFuzzer, ok := s.Observed[upd.FuzzerID]
	if !ok {
		perFuzzer = make(map[uint64]*big.Int)
		s.Observed[upd.FuzzerID] = perFuzzer
	}
	changed := make(map[uint64]string)
	for _, line := range bytes.Split(payload, []byte("\n")) {
		rows, err := parseConditionCSV(line)
		if err != nil {
			return nil, err
		}
		for conditionID, stateBit := range rows {
			bitset, ok := perFuzzer[conditionID]
			if !ok {
				bitset = big.NewInt(0)
				perFuzzer[conditionID] = bitset
			}
			bitset.SetBit(bitset, stateBit, 1)
			changed[conditionID] = bitset.Text(2)
		}
	}
	return changed, nil
}

// --- InstructionCount ----------------------------------------------------------------------

type InstructionCountState struct {
	MinCount map[uint64]int
}

func newInstructionCountState() *InstructionCountState {
	return &InstructionCountState{MinCount: make(map[uint64]int)}
}

func (s *InstructionCountState) Kind() string              { return "instruction_count" }
func (s *InstructionCountState) RequiredPasses() []PassType { return []PassType{PassInstructionLog} }
func (s *InstructionCountState) NeedsDuplicates() bool      { return true }

func (s *InstructionCountState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassInstructionLog)
	if !ok {
		return map[uint64]int{}, nil
	}
	counts, err := parseConditionCSV(payload) // same "id,count" shape as "id,state_bit"
	if err != nil {
		return nil, err
	}
	changed := make(map[uint64]int, len(counts))
	for conditionID, count := range counts {
		if count <= 0 {
			continue
		}
		current, known := s.MinCount[conditionID]
		if !known || count < current {
			s.MinCount[conditionID] = count
			changed[conditionID] = count
		}
	}
	return changed, nil
}

// --- ConditionBytes --------------------------------------------------------------------

// TerminatorInfo is the retained per-instruction entry: the report that reached it with the
// fewest conditions already resolved, which is the most "interesting" ancestor to attribute
// input bytes from.
type TerminatorInfo struct {
	TimesSeen                   int
	InputOffsets                map[int]struct{}
	ConditionsBeforeCount        int
	TaintedConditionsBeforeCount int
}

type ConditionBytesState struct {
	ByInstruction map[uint64]*TerminatorInfo
}

func newConditionBytesState() *ConditionBytesState {
	return &ConditionBytesState{ByInstruction: make(map[uint64]*TerminatorInfo)}
}

func (s *ConditionBytesState) Kind() string              { return "condition_bytes" }
func (s *ConditionBytesState) RequiredPasses() []PassType { return []PassType{PassBytesTracer} }
func (s *ConditionBytesState) NeedsDuplicates() bool      { return false }

// bytesTracerTerminator mirrors the JSON shape the bytes-tracer pass writes, keyed by
// instruction id.
type bytesTracerTerminator struct {
	InputOffsets                 []int `json:"input_offsets"`
	ConditionsBeforeCount         int   `json:"conditions_before_count"`
	TaintedConditionsBeforeCount  int   `json:"tainted_conditions_before_count"`
}

func (s *ConditionBytesState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassBytesTracer)
	if !ok {
		return map[uint64]struct{}{}, nil
	}
	parsed, err := decodeBytesTracerJSON(payload)
	if err != nil {
		return nil, err
	}
	updatedInstructions := make([]uint64, 0)
	for instructionID, term := range parsed {
		existing, ok := s.ByInstruction[instructionID]
		if !ok || term.ConditionsBeforeCount < existing.ConditionsBeforeCount {
			offsets := make(map[int]struct{}, len(term.InputOffsets))
			for _, off := range term.InputOffsets {
				offsets[off] = struct{}{}
			}
			s.ByInstruction[instructionID] = &TerminatorInfo{
				TimesSeen:                    1,
				InputOffsets:                 offsets,
				ConditionsBeforeCount:        term.ConditionsBeforeCount,
				TaintedConditionsBeforeCount: term.TaintedConditionsBeforeCount,
			}
			updatedInstructions = append(updatedInstructions, instructionID)
		}
	}
	return updatedInstructions, nil
}

// --- TestCaseBenefit ---------------------------------------------------------------------

// InterproceduralCFG is a directed graph of basic-block ids with a monotonic "seen" bit per
// node. Successors starts empty and nothing in this repository loads it from an artifact, so
// until a caller fills it in, no node has a successor and every frontier is empty.
type InterproceduralCFG struct {
	Successors map[uint64][]uint64
	Seen       map[uint64]bool
}

func (cfg *InterproceduralCFG) markSeen(bb uint64) {
	if cfg.Seen == nil {
		cfg.Seen = make(map[uint64]bool)
	}
	cfg.Seen[bb] = true
}

// frontier returns the subset of tainted basic blocks with at least one unseen successor.
func (cfg *InterproceduralCFG) frontier(tainted []uint64) []uint64 {
	result := make([]uint64, 0)
	for _, bb := range tainted {
		for _, succ := range cfg.Successors[bb] {
			if !cfg.Seen[succ] {
				result = append(result, bb)
				break
			}
		}
	}
	return result
}

type TestCaseBenefitState struct {
	CFG      *InterproceduralCFG
	Frontier map[store.TestCaseHandle][]uint64
}

func newTestCaseBenefitState() *TestCaseBenefitState {
	return &TestCaseBenefitState{
		CFG:      &InterproceduralCFG{Successors: make(map[uint64][]uint64), Seen: make(map[uint64]bool)},
		Frontier: make(map[store.TestCaseHandle][]uint64),
	}
}

func (s *TestCaseBenefitState) Kind() string { return "test_case_benefit" }
func (s *TestCaseBenefitState) RequiredPasses() []PassType {
	return []PassType{PassCoverage, PassTaint}
}
func (s *TestCaseBenefitState) NeedsDuplicates() bool { return false }

// Update marks every node the edge tracer's coverage reports as seen, then takes the frontier
// over the basic-block taint tracer's reported node set. Seen and tainted come from two
// distinct passes; a node is never treated as tainted just because it was also covered.
func (s *TestCaseBenefitState) Update(upd *AnalysisUpdate) (any, error) {
	if payload, ok := upd.Payload(PassCoverage); ok {
		edges, err := parseEdgeCSV(payload)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			s.CFG.markSeen(e.Source)
			s.CFG.markSeen(e.Target)
		}
	}

	taintPayload, ok := upd.Payload(PassTaint)
	if !ok {
		return []uint64{}, nil
	}
	tainted, err := parseUintListCSV(taintPayload)
	if err != nil {
		return nil, err
	}

	frontier := s.CFG.frontier(tainted)
	s.Frontier[upd.Handle] = frontier
	return frontier, nil
}

// BenefitScore is the queue-scheduler priority metric: the size of this handle's frontier.
func (s *TestCaseBenefitState) BenefitScore(handle store.TestCaseHandle) float64 {
	return float64(len(s.Frontier[handle]))
}

// --- FuzzerDiscoverers ---------------------------------------------------------------------

// FuzzerDiscoverersState records, for each handle, every fuzzer id that independently
// reported it (renamed from the original's overloaded "FuzzerId" analysis kind name).
type FuzzerDiscoverersState struct {
	Discoverers map[store.TestCaseHandle][]registry.FuzzerId
}

func newFuzzerDiscoverersState() *FuzzerDiscoverersState {
	return &FuzzerDiscoverersState{Discoverers: make(map[store.TestCaseHandle][]registry.FuzzerId)}
}

func (s *FuzzerDiscoverersState) Kind() string              { return "fuzzer_discoverers" }
func (s *FuzzerDiscoverersState) RequiredPasses() []PassType { return nil }
func (s *FuzzerDiscoverersState) NeedsDuplicates() bool      { return true }

func (s *FuzzerDiscoverersState) Update(upd *AnalysisUpdate) (any, error) {
	s.Discoverers[upd.Handle] = append(s.Discoverers[upd.Handle], upd.FuzzerID)
	return s.Discoverers[upd.Handle], nil
}

// --- TaintedConditions ---------------------------------------------------------------------

type TaintedConditionsState struct {
	Tainted map[store.TestCaseHandle]map[uint64]struct{}
}

func newTaintedConditionsState() *TaintedConditionsState {
	return &TaintedConditionsState{Tainted: make(map[store.TestCaseHandle]map[uint64]struct{})}
}

func (s *TaintedConditionsState) Kind() string              { return "tainted_conditions" }
func (s *TaintedConditionsState) RequiredPasses() []PassType { return []PassType{PassTaint} }
func (s *TaintedConditionsState) NeedsDuplicates() bool      { return false }

func (s *TaintedConditionsState) Update(upd *AnalysisUpdate) (any, error) {
	payload, ok := upd.Payload(PassTaint)
	if !ok {
		return []uint64{}, nil
	}
	conditionIDs, err := parseUintListCSV(payload)
	if err != nil {
		return nil, err
	}
	set, ok := s.Tainted[upd.Handle]
	if !ok {
		set = make(map[uint64]struct{})
		s.Tainted[upd.Handle] = set
	}
	for _, id := range conditionIDs {
		set[id] = struct{}{}
	}
	return conditionIDs, nil
}

func parseUintListCSV(payload []byte) ([]uint64, error) {
	ids := make([]uint64, 0)
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

// --- RegressorPredictions ------------------------------------------------------------------

// FeatureBound is the [Lower, Upper] clamping range for one regressor feature.
type FeatureBound struct {
	Lower, Upper float64
}

// RegressorModel is a flat per-feature linear model: predicted cost = bias + Σ weight·clamped(feature).
// The orchestrator loads and evaluates only this linear description itself, never a native
// SVM model file or runtime.
type RegressorModel struct {
	Weights       [4]float64
	Bias          float64
	FeatureBounds [4]FeatureBound
}

// Predict clamps features into their configured bounds and evaluates the linear model. A
// feature is not linearly rescaled from its observed range; only out-of-range values change.
func (m RegressorModel) Predict(features [4]float64) float64 {
	cost := m.Bias
	for i, f := range features {
		scaled := clampToBounds(f, m.FeatureBounds[i].Lower, m.FeatureBounds[i].Upper)
		cost += m.Weights[i] * scaled
	}
	return cost
}

// clampToBounds clamps a raw feature value to [lower, upper], mapping NaN to lower. Values
// already inside the bounds are returned unchanged; no linear rescaling is applied.
func clampToBounds(v, lower, upper float64) float64 {
	if math.IsNaN(v) {
		return lower
	}
	return clamp(v, lower, upper)
}

// clamp constrains v to [lower, upper], generic over any ordered numeric type so both the
// regressor's float64 feature scaling and any future integer-bounded metric share one
// implementation.
func clamp[T constraints.Ordered](v, lower, upper T) T {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}

// StaticMetrics are the per-condition features loaded once at startup from the static-metrics
// artifact (oviedo, chain_size, compare_size), independent of any one test case.
type StaticMetrics struct {
	Oviedo      float64
	ChainSize   float64
	CompareSize float64
}

// RegressorConfig bundles everything RegressorPredictionsState needs to evaluate models: one
// model per fuzzer type, and the static per-condition metrics shared across all test cases.
type RegressorConfig struct {
	Models        map[registry.FuzzerType]RegressorModel
	StaticMetrics map[uint64]StaticMetrics
}

type RegressorPredictionsState struct {
	cfg         RegressorConfig
	observed    *ObservedConditionsState
	Predictions map[store.TestCaseHandle]map[uint64]map[registry.FuzzerType]float64
}

func newRegressorPredictionsState(cfg RegressorConfig, observed *ObservedConditionsState) *RegressorPredictionsState {
	return &RegressorPredictionsState{
		cfg:         cfg,
		observed:    observed,
		Predictions: make(map[store.TestCaseHandle]map[uint64]map[registry.FuzzerType]float64),
	}
}

func (s *RegressorPredictionsState) Kind() string { return "regressor_predictions" }
func (s *RegressorPredictionsState) RequiredPasses() []PassType {
	return []PassType{PassTaint, PassInstructionLog}
}
func (s *RegressorPredictionsState) NeedsDuplicates() bool { return false }

// Update predicts fuzzer cost only for conditions that are both tainted and still unsolved;
// a condition whose every branch outcome has already been observed is never worth predicting
// for, no matter how often it keeps getting exercised.
func (s *RegressorPredictionsState) Update(upd *AnalysisUpdate) (any, error) {
	taintPayload, ok := upd.Payload(PassTaint)
	if !ok {
		return map[uint64]map[registry.FuzzerType]float64{}, nil
	}
	taintedConditions, err := parseUintListCSV(taintPayload)
	if err != nil {
		return nil, err
	}

	instructionPayload, _ := upd.Payload(PassInstructionLog)
	counts, err := parseConditionCSV(instructionPayload)
	if err != nil {
		counts = map[uint64]int{}
	}

	perCondition := make(map[uint64]map[registry.FuzzerType]float64, len(taintedConditions))
	for _, conditionID := range taintedConditions {
		if s.observed != nil && !s.observed.IsUnsolved(conditionID) {
			continue
		}
		metrics := s.cfg.StaticMetrics[conditionID]
		features := [4]float64{
			metrics.Oviedo,
			metrics.ChainSize,
			metrics.CompareSize,
			float64(counts[conditionID]),
		}
		perFuzzer := make(map[registry.FuzzerType]float64, len(s.cfg.Models))
		for fuzzerType, model := range s.cfg.Models {
			perFuzzer[fuzzerType] = model.Predict(features)
		}
		perCondition[conditionID] = perFuzzer
	}

	s.Predictions[upd.Handle] = perCondition
	return perCondition, nil
}
