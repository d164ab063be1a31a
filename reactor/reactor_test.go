package reactor

import (
	"context"
	"path/filepath"
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

type testReactor struct {
	reactor *Reactor
	updates chan stateUpdate
}

type stateUpdate struct {
	verdict analysis.Verdict
	update  *analysis.AnalysisUpdate
	diffs   map[string]any
}

func newTestReactor(t *testing.T) *testReactor {
	t.Helper()

	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	reg := registry.New()
	states := analysis.NewGlobalStates(analysis.RegressorConfig{})
	pool := analysis.NewWorkerPool(nil, 4, logging.NewLogger(zerolog.Disabled, false, nil))

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "run_info.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	updates := make(chan stateUpdate, 16)

	react, err := New(Config{
		Store:       st,
		Registry:    reg,
		States:      states,
		Pool:        pool,
		Audit:       auditLog,
		Logger:      logging.NewLogger(zerolog.Disabled, false, nil),
		ReportAddr:  "127.0.0.1:0",
		ControlAddr: "127.0.0.1:0",
		OnStateUpdate: func(verdict analysis.Verdict, update *analysis.AnalysisUpdate, diffs map[string]any) {
			updates <- stateUpdate{verdict: verdict, update: update, diffs: diffs}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); _ = react.Close() })
	go react.Run(ctx)

	return &testReactor{reactor: react, updates: updates}
}

func (tr *testReactor) controlCall(t *testing.T, msg wire.FuzzerCtrlMsg) wire.FuzzerCtrlMsg {
	t.Helper()
	client, err := transport.DialReqRep(tr.reactor.ControlAddr())
	require.NoError(t, err)
	defer client.Close()

	payload, err := wire.Encode(msg)
	require.NoError(t, err)

	reply, err := client.Call(transport.Frame{[]byte("C"), payload})
	require.NoError(t, err)
	require.Len(t, reply, 1)

	var out wire.FuzzerCtrlMsg
	require.NoError(t, wire.Decode(reply[0], &out))
	return out
}

func (tr *testReactor) reportCall(t *testing.T, seed wire.SeedMsg) wire.TestCaseReportReply {
	t.Helper()
	client, err := transport.DialReqRep(tr.reactor.ReportAddr())
	require.NoError(t, err)
	defer client.Close()

	payload, err := wire.Encode(seed)
	require.NoError(t, err)

	reply, err := client.Call(transport.Frame{[]byte("S"), payload})
	require.NoError(t, err)
	require.Len(t, reply, 1)

	var out wire.TestCaseReportReply
	require.NoError(t, wire.Decode(reply[0], &out))
	return out
}

func TestRegisterReadyDeregisterRoundTrip(t *testing.T) {
	tr := newTestReactor(t)

	registered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})
	require.Equal(t, wire.CmdRegister, registered.Command)
	require.NotEmpty(t, registered.FuzzerID)

	ready := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdReady, FuzzerID: registered.FuzzerID})
	require.Equal(t, wire.CmdAck, ready.Command)

	deregistered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdDeregister, FuzzerID: registered.FuzzerID})
	require.Equal(t, wire.CmdAck, deregistered.Command)

	// A second deregister of the same id is now unknown.
	failed := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdDeregister, FuzzerID: registered.FuzzerID})
	require.Equal(t, wire.CmdErr, failed.Command)
}

func TestReportNewTestCaseFlowsToStateUpdate(t *testing.T) {
	tr := newTestReactor(t)

	registered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})

	reply := tr.reportCall(t, wire.SeedMsg{
		Content:  []byte("hello world"),
		Kind:     wire.KindNormal,
		FuzzerID: registered.FuzzerID,
	})
	require.Empty(t, reply.Error)
	require.NotEmpty(t, reply.ID)

	select {
	case upd := <-tr.updates:
		require.Equal(t, analysis.New, upd.verdict)
		require.Equal(t, reply.ID, upd.update.Handle.HexHash())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state update")
	}
}

func TestReportDuplicateContentIsFlaggedDuplicate(t *testing.T) {
	tr := newTestReactor(t)
	registered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})

	seed := wire.SeedMsg{Content: []byte("repeat me"), Kind: wire.KindNormal, FuzzerID: registered.FuzzerID}
	first := tr.reportCall(t, seed)
	require.Empty(t, first.Error)
	<-tr.updates

	second := tr.reportCall(t, seed)
	require.Empty(t, second.Error)
	require.Equal(t, first.ID, second.ID)

	select {
	case upd := <-tr.updates:
		require.Equal(t, analysis.Duplicate, upd.verdict)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for duplicate state update")
	}
}

func TestReportCrashNeverEntersAnalysisPipeline(t *testing.T) {
	tr := newTestReactor(t)
	registered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})

	reply := tr.reportCall(t, wire.SeedMsg{Content: []byte("boom"), Kind: wire.KindCrash, FuzzerID: registered.FuzzerID})
	require.Empty(t, reply.Error)
	require.NotEmpty(t, reply.ID)

	select {
	case <-tr.updates:
		t.Fatal("crash reports must never produce a state update")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReportUnknownParentIsRejected(t *testing.T) {
	tr := newTestReactor(t)
	registered := tr.controlCall(t, wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})

	reply := tr.reportCall(t, wire.SeedMsg{
		Content:   []byte("child"),
		Kind:      wire.KindNormal,
		FuzzerID:  registered.FuzzerID,
		ParentIDs: []string{"deadbeef"},
	})
	require.NotEmpty(t, reply.Error)
}

func TestReportRejectsUntaggedFrame(t *testing.T) {
	tr := newTestReactor(t)

	client, err := transport.DialReqRep(tr.reactor.ReportAddr())
	require.NoError(t, err)
	defer client.Close()

	payload, err := wire.Encode(wire.SeedMsg{Content: []byte("x"), Kind: wire.KindNormal})
	require.NoError(t, err)

	reply, err := client.Call(transport.Frame{payload})
	require.NoError(t, err)
	require.Len(t, reply, 1)

	var out wire.TestCaseReportReply
	require.NoError(t, wire.Decode(reply[0], &out))
	require.NotEmpty(t, out.Error, "an untagged 1-part frame must be rejected, not decoded as the payload itself")
}

func TestControlRejectsWrongTag(t *testing.T) {
	tr := newTestReactor(t)

	client, err := transport.DialReqRep(tr.reactor.ControlAddr())
	require.NoError(t, err)
	defer client.Close()

	payload, err := wire.Encode(wire.FuzzerCtrlMsg{Command: wire.CmdRegister, FuzzerType: string(registry.TypeAFL)})
	require.NoError(t, err)

	reply, err := client.Call(transport.Frame{[]byte("S"), payload})
	require.NoError(t, err)
	require.Len(t, reply, 1)

	var out wire.FuzzerCtrlMsg
	require.NoError(t, wire.Decode(reply[0], &out))
	require.Equal(t, wire.CmdErr, out.Command, "the control endpoint must reject a frame tagged for the report endpoint")
}
