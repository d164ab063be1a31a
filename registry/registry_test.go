package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsNonZeroUniqueIDs(t *testing.T) {
	r := New()

	seen := make(map[FuzzerId]struct{})
	for i := 0; i < 100; i++ {
		id, err := r.Register(TypeAFL)
		require.NoError(t, err)
		require.NotZero(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestMarkReadyThenScheduleAll(t *testing.T) {
	r := New()
	id1, err := r.Register(TypeAFL)
	require.NoError(t, err)
	id2, err := r.Register(TypeAFL)
	require.NoError(t, err)

	require.NoError(t, r.MarkReady(id1))
	require.NoError(t, r.MarkReady(id2))
	require.Equal(t, ErrAlreadyReady, r.MarkReady(id1))

	require.ElementsMatch(t, []FuzzerType{TypeAFL}, r.AvailableTypes())

	drained := r.ScheduleAll(TypeAFL)
	require.Equal(t, []FuzzerId{id1, id2}, drained)
	require.Empty(t, r.AvailableTypes())
}

func TestScheduleOnePopsFront(t *testing.T) {
	r := New()
	id1, _ := r.Register(TypeLibFuzzer)
	id2, _ := r.Register(TypeLibFuzzer)
	require.NoError(t, r.MarkReady(id1))
	require.NoError(t, r.MarkReady(id2))

	require.Equal(t, id1, r.ScheduleOne(TypeLibFuzzer))
	require.Equal(t, id2, r.ScheduleOne(TypeLibFuzzer))
	require.Empty(t, r.AvailableTypes())
}

func TestScheduleOneOnEmptyQueuePanics(t *testing.T) {
	r := New()
	require.Panics(t, func() {
		r.ScheduleOne(TypeQSYM)
	})
}

func TestDeregisterRemovesFromReadyQueueAndReportsExistence(t *testing.T) {
	r := New()
	id, _ := r.Register(TypeAngora)
	require.NoError(t, r.MarkReady(id))

	require.True(t, r.Deregister(id))
	require.Empty(t, r.AvailableTypes())

	// Second deregistration of the same id reports false: no stray audit event should be
	// recorded by a caller that checks this return value.
	require.False(t, r.Deregister(id))
}

func TestNoIDAppearsInMoreThanOneReadyQueue(t *testing.T) {
	r := New()
	aflID, _ := r.Register(TypeAFL)
	fuzzID, _ := r.Register(TypeLibFuzzer)
	require.NoError(t, r.MarkReady(aflID))
	require.NoError(t, r.MarkReady(fuzzID))

	aflQueue := r.ScheduleAll(TypeAFL)
	fuzzQueue := r.ScheduleAll(TypeLibFuzzer)

	require.Equal(t, []FuzzerId{aflID}, aflQueue)
	require.Equal(t, []FuzzerId{fuzzID}, fuzzQueue)
}
