package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/collabfuzz/collabfuzz/analysis"
	"github.com/collabfuzz/collabfuzz/audit"
	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/collabfuzz/collabfuzz/transport"
	"github.com/collabfuzz/collabfuzz/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	facade   *Facade
	registry *registry.Registry
	store    *store.Store
	dispatch *transport.PubSubServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.New()
	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)

	auditLog, err := audit.Open(t.TempDir() + "/run_info.bolt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	dispatch, err := transport.ListenPubSub("127.0.0.1:0", logging.NewLogger(zerolog.Disabled, false, nil))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); _ = dispatch.Close() })
	go dispatch.Serve(ctx)

	states := analysis.NewGlobalStates(analysis.RegressorConfig{})

	facade := &Facade{
		states:   states,
		registry: reg,
		store:    st,
		dispatch: dispatch,
		auditLog: auditLog,
		logger:   logging.NewLogger(zerolog.Disabled, false, nil),
	}
	return &testEnv{facade: facade, registry: reg, store: st, dispatch: dispatch}
}

func (e *testEnv) readyFuzzer(t *testing.T, fuzzerType registry.FuzzerType) (registry.FuzzerId, *transport.SubClient) {
	t.Helper()
	id, err := e.registry.Register(fuzzerType)
	require.NoError(t, err)
	require.NoError(t, e.registry.MarkReady(id))

	client, err := transport.DialSub(e.dispatch.Addr().String(), []byte(id.String()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Give the server a moment to register the subscription before anything publishes.
	time.Sleep(20 * time.Millisecond)
	return id, client
}

func recvJob(t *testing.T, client *transport.SubClient) wire.JobMsg {
	t.Helper()
	client.SetReadDeadline(2 * time.Second)
	frame, err := client.Recv()
	require.NoError(t, err)
	require.Len(t, frame, 3)

	var job wire.JobMsg
	require.NoError(t, wire.Decode(frame[2], &job))
	return job
}

func storeHandle(t *testing.T, e *testEnv, content []byte) store.TestCaseHandle {
	t.Helper()
	handle, _, err := e.store.Store(store.TestCase{Content: content, Kind: store.KindNormal})
	require.NoError(t, err)
	return handle
}

func TestBroadcastSkipsWhenCoverageDoesNotGrow(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)
	handle := storeHandle(t, env, []byte("seed"))

	update := analysis.NewAnalysisUpdate(handle, 1, nil, nil)
	event := ScheduleEvent{Verdict: analysis.New, Update: update, Diffs: map[string]any{
		"global_coverage": []analysis.Edge{},
	}}

	Broadcast{}.Schedule(nil, env.facade, event)

	client.SetReadDeadline(200 * time.Millisecond)
	_, err := client.Recv()
	require.Error(t, err, "no edges added means Broadcast must not dispatch")
}

func TestBroadcastDispatchesWhenCoverageGrows(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)
	handle := storeHandle(t, env, []byte("seed"))

	update := analysis.NewAnalysisUpdate(handle, 1, nil, nil)
	event := ScheduleEvent{Verdict: analysis.New, Update: update, Diffs: map[string]any{
		"global_coverage": []analysis.Edge{analysis.NewEdge(1, 2)},
	}}

	Broadcast{}.Schedule(nil, env.facade, event)

	job := recvJob(t, client)
	require.Len(t, job.Seeds, 1)
	require.Equal(t, handle.HexHash(), job.Seeds[0].ID)
}

func TestBroadcastIgnoresDuplicateVerdict(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)
	handle := storeHandle(t, env, []byte("seed"))

	update := analysis.NewAnalysisUpdate(handle, 1, nil, nil)
	event := ScheduleEvent{Verdict: analysis.Duplicate, Update: update, Diffs: map[string]any{
		"global_coverage": []analysis.Edge{analysis.NewEdge(1, 2)},
	}}

	Broadcast{}.Schedule(nil, env.facade, event)

	client.SetReadDeadline(200 * time.Millisecond)
	_, err := client.Recv()
	require.Error(t, err, "duplicates never broadcast, regardless of the diff contents")
}

func TestRoundRobinCyclesAvailableTypes(t *testing.T) {
	env := newTestEnv(t)
	_, aflClient := env.readyFuzzer(t, registry.TypeAFL)
	_, angoraClient := env.readyFuzzer(t, registry.TypeAngora)

	policy := &RoundRobin{}
	handle1 := storeHandle(t, env, []byte("one"))
	handle2 := storeHandle(t, env, []byte("two"))

	policy.Schedule(nil, env.facade, ScheduleEvent{Update: analysis.NewAnalysisUpdate(handle1, 1, nil, nil)})
	policy.Schedule(nil, env.facade, ScheduleEvent{Update: analysis.NewAnalysisUpdate(handle2, 1, nil, nil)})

	seen := map[string]bool{}
	for _, c := range []*transport.SubClient{aflClient, angoraClient} {
		c.SetReadDeadline(500 * time.Millisecond)
		frame, err := c.Recv()
		if err == nil {
			seen[string(frame[0])] = true
		}
	}
	require.Len(t, seen, 2, "round robin should have visited both ready types across two dispatches")
}

func TestSelectiveFiltersBySenderAndReceiver(t *testing.T) {
	env := newTestEnv(t)
	senderID, err := env.registry.Register(registry.TypeAFL)
	require.NoError(t, err)
	require.NoError(t, env.registry.MarkReady(senderID))
	env.registry.ScheduleOne(registry.TypeAFL) // drain so AFL isn't "ready" as a receiver target too

	_, angoraClient := env.readyFuzzer(t, registry.TypeAngora)
	_, qsymClient := env.readyFuzzer(t, registry.TypeQSYM)

	policy := NewSelective([]registry.FuzzerType{registry.TypeAFL}, []registry.FuzzerType{registry.TypeAngora})
	handle := storeHandle(t, env, []byte("content"))
	update := analysis.NewAnalysisUpdate(handle, senderID, nil, nil)

	policy.Schedule(nil, env.facade, ScheduleEvent{Update: update})

	job := recvJob(t, angoraClient)
	require.Equal(t, handle.HexHash(), job.Seeds[0].ID)

	qsymClient.SetReadDeadline(200 * time.Millisecond)
	_, err = qsymClient.Recv()
	require.Error(t, err, "qsym is not an allowed receiver")
}

func TestEnFuzzQueueInsertAndFlush(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)

	policy := NewEnFuzz(time.Hour, 1.0)
	handle := storeHandle(t, env, []byte("queued"))
	update := analysis.NewAnalysisUpdate(handle, 1, nil, nil)

	policy.Schedule(nil, env.facade, ScheduleEvent{Verdict: analysis.New, Update: update})
	policy.Helper().Flush(env.facade)

	job := recvJob(t, client)
	require.Equal(t, handle.HexHash(), job.Seeds[0].ID)
}

func TestQueueFlushPopsConfiguredPercentage(t *testing.T) {
	env := newTestEnv(t)
	env.readyFuzzer(t, registry.TypeAFL)

	helper := NewQueueSchedulerHelper(func(*Facade, store.TestCaseHandle) float64 { return 1 }, time.Hour, 0.5)
	for i := 0; i < 4; i++ {
		handle := storeHandle(t, env, []byte{byte(i)})
		helper.Insert(env.facade, handle, []byte{byte(i)})
	}

	require.Equal(t, 4, len(helper.queue))
	helper.Flush(env.facade)
	require.Equal(t, 2, len(helper.queue), "50% flush on a queue of 4 pops exactly 2")
}

func TestNopNeverDispatches(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)
	handle := storeHandle(t, env, []byte("x"))

	Nop{}.Schedule(nil, env.facade, ScheduleEvent{Update: analysis.NewAnalysisUpdate(handle, 1, nil, nil)})

	client.SetReadDeadline(200 * time.Millisecond)
	_, err := client.Recv()
	require.Error(t, err)
}

func TestTestPolicyRecordsEventsAndOptionallyDispatches(t *testing.T) {
	env := newTestEnv(t)
	_, client := env.readyFuzzer(t, registry.TypeAFL)
	handle := storeHandle(t, env, []byte("recorded"))

	policy := &Test{Receiver: registry.TypeAFL, Dispatch: true}
	event := ScheduleEvent{Update: analysis.NewAnalysisUpdate(handle, 1, nil, nil)}
	policy.Schedule(nil, env.facade, event)

	require.Len(t, policy.Events, 1)
	job := recvJob(t, client)
	require.Equal(t, handle.HexHash(), job.Seeds[0].ID)
}
