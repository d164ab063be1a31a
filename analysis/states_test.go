package analysis

import (
	"testing"

	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/stretchr/testify/require"
)

func testHandle(b byte) store.TestCaseHandle {
	var h store.TestCaseHandle
	h.Hash[0] = b
	h.Kind = store.KindNormal
	return h
}

func TestGlobalCoverageStateOnlyReportsNewEdges(t *testing.T) {
	s := newGlobalCoverageState()
	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassCoverage})
	upd.Complete(PassCoverage, []byte("1,2\n2,3\n"))

	added, err := s.Update(upd)
	require.NoError(t, err)
	require.ElementsMatch(t, []Edge{NewEdge(1, 2), NewEdge(2, 3)}, added)

	// Re-reporting the same edges yields no new additions.
	upd2 := NewAnalysisUpdate(testHandle(2), registry.FuzzerId(2), nil, []PassType{PassCoverage})
	upd2.Complete(PassCoverage, []byte("2,1\n"))
	added2, err := s.Update(upd2)
	require.NoError(t, err)
	require.Empty(t, added2)
}

func TestObservedConditionsIsUnsolvedUntilBothBranchesSeen(t *testing.T) {
	s := newObservedConditionsState()

	require.True(t, s.IsUnsolved(7), "an unseen condition is always unsolved")

	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassConditions})
	upd.Complete(PassConditions, []byte("7,0\n"))
	_, err := s.Update(upd)
	require.NoError(t, err)
	require.True(t, s.IsUnsolved(7), "only one branch observed")

	upd2 := NewAnalysisUpdate(testHandle(2), registry.FuzzerId(1), nil, []PassType{PassConditions})
	upd2.Complete(PassConditions, []byte("7,1\n"))
	_, err = s.Update(upd2)
	require.NoError(t, err)
	require.False(t, s.IsUnsolved(7), "both branches observed")
}

func TestRegressorPredictionsSkipsSolvedConditions(t *testing.T) {
	observed := newObservedConditionsState()
	cond := NewAnalysisUpdate(testHandle(9), registry.FuzzerId(1), nil, []PassType{PassConditions})
	cond.Complete(PassConditions, []byte("1,0\n1,1\n2,0\n"))
	_, err := observed.Update(cond)
	require.NoError(t, err)
	require.False(t, observed.IsUnsolved(1))
	require.True(t, observed.IsUnsolved(2))

	cfg := RegressorConfig{
		Models: map[registry.FuzzerType]RegressorModel{
			registry.TypeAFL: {Weights: [4]float64{1, 0, 0, 0}, FeatureBounds: [4]FeatureBound{{0, 10}, {0, 10}, {0, 10}, {0, 10}}},
		},
	}
	s := newRegressorPredictionsState(cfg, observed)

	upd := NewAnalysisUpdate(testHandle(9), registry.FuzzerId(1), nil, []PassType{PassTaint})
	upd.Complete(PassTaint, []byte("1\n2\n"))
	diff, err := s.Update(upd)
	require.NoError(t, err)

	predictions := diff.(map[uint64]map[registry.FuzzerType]float64)
	require.NotContains(t, predictions, uint64(1), "condition 1 is solved and should not be predicted for")
	require.Contains(t, predictions, uint64(2))
}

func TestTestCaseBenefitFrontierUsesTaintPassNotCoveragePass(t *testing.T) {
	s := newTestCaseBenefitState()
	s.CFG.Successors = map[uint64][]uint64{
		1: {2},
		2: {3},
	}

	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassCoverage, PassTaint})
	upd.Complete(PassCoverage, []byte("1,2\n"))
	upd.Complete(PassTaint, []byte("1\n2\n"))

	diff, err := s.Update(upd)
	require.NoError(t, err)

	frontier := diff.([]uint64)
	// Nodes 1 and 2 are tainted, but node 1's only successor (2) was covered and so is seen;
	// node 2's successor 3 is still unseen, so only node 2 is on the frontier.
	require.ElementsMatch(t, []uint64{2}, frontier)
	require.Equal(t, []uint64{2}, s.Frontier[testHandle(1)])
}

func TestTestCaseBenefitWithoutTaintPayloadReturnsEmptyFrontier(t *testing.T) {
	s := newTestCaseBenefitState()
	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassCoverage})
	upd.Complete(PassCoverage, []byte("1,2\n"))

	diff, err := s.Update(upd)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestConditionBytesKeepsShallowestOccurrenceAndNeverIncrementsOnTie(t *testing.T) {
	s := newConditionBytesState()

	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassBytesTracer})
	upd.Complete(PassBytesTracer, []byte(`{"10":{"input_offsets":[1,2],"conditions_before_count":5,"tainted_conditions_before_count":1}}`))
	_, err := s.Update(upd)
	require.NoError(t, err)
	require.Equal(t, 5, s.ByInstruction[10].ConditionsBeforeCount)
	require.Equal(t, 1, s.ByInstruction[10].TimesSeen)

	// A second report at the same depth must not replace the entry or bump TimesSeen.
	upd2 := NewAnalysisUpdate(testHandle(2), registry.FuzzerId(1), nil, []PassType{PassBytesTracer})
	upd2.Complete(PassBytesTracer, []byte(`{"10":{"input_offsets":[3],"conditions_before_count":5,"tainted_conditions_before_count":1}}`))
	_, err = s.Update(upd2)
	require.NoError(t, err)
	require.Equal(t, 1, s.ByInstruction[10].TimesSeen)
	require.Equal(t, map[int]struct{}{1: {}, 2: {}}, s.ByInstruction[10].InputOffsets)

	// A shallower occurrence does replace it.
	upd3 := NewAnalysisUpdate(testHandle(3), registry.FuzzerId(1), nil, []PassType{PassBytesTracer})
	upd3.Complete(PassBytesTracer, []byte(`{"10":{"input_offsets":[9],"conditions_before_count":2,"tainted_conditions_before_count":0}}`))
	_, err = s.Update(upd3)
	require.NoError(t, err)
	require.Equal(t, 2, s.ByInstruction[10].ConditionsBeforeCount)
	require.Equal(t, map[int]struct{}{9: {}}, s.ByInstruction[10].InputOffsets)
}

func TestGlobalStatesApplySkipsDuplicateOnlyStatesForDuplicateVerdict(t *testing.T) {
	g := NewGlobalStates(RegressorConfig{})
	upd := NewAnalysisUpdate(testHandle(1), registry.FuzzerId(1), nil, []PassType{PassCoverage, PassConditions})
	upd.Complete(PassCoverage, []byte("1,2\n"))
	upd.Complete(PassConditions, []byte("1,0\n"))

	diffs := g.Apply(Duplicate, upd)
	require.NotContains(t, diffs, "global_coverage", "GlobalCoverageState.NeedsDuplicates is false")
	require.Contains(t, diffs, "observed_conditions", "ObservedConditionsState.NeedsDuplicates is true")
}

func TestFuzzerDiscoverersAccumulatesAcrossReports(t *testing.T) {
	s := newFuzzerDiscoverersState()
	h := testHandle(1)

	upd1 := NewAnalysisUpdate(h, registry.FuzzerId(1), nil, nil)
	_, err := s.Update(upd1)
	require.NoError(t, err)

	upd2 := NewAnalysisUpdate(h, registry.FuzzerId(2), nil, nil)
	diff, err := s.Update(upd2)
	require.NoError(t, err)
	require.Equal(t, []registry.FuzzerId{1, 2}, diff)
}
