// Package reactor implements the single event loop tying the report, control, and worker
// channels together: it stores incoming content, dispatches it to the analysis worker pool,
// reassembles out-of-order pass results back into submission order, and feeds completed
// updates to the derived-state registry and the scheduler.
package reactor

import (
	"bytes"
	"container/list"
	"context"
	"strconv"
	"sync/atomic"

	"github.com/collabfuzz/collabfuzz/analysis"
	"github.com/collabfuzz/collabfuzz/audit"
	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/collabfuzz/collabfuzz/transport"
	"github.com/collabfuzz/collabfuzz/wire"
	"github.com/pkg/errors"
)

// pendingUpdate is one report's AnalysisUpdate sitting in the reassembly queue, together with
// its position in that queue so a worker reply landing out of order can be marked complete in
// O(1) without a queue scan.
type pendingUpdate struct {
	elem    *list.Element
	verdict analysis.Verdict
	update  *analysis.AnalysisUpdate
}

type reportJob struct {
	frame transport.Frame
	reply chan transport.Frame
}

type controlJob struct {
	frame transport.Frame
	reply chan transport.Frame
}

// StateSink receives completed, in-order state diffs, ultimately routed to the scheduler
// facade's Lock/Unlock-guarded view of GlobalStates and to the audit log.
type StateSink func(verdict analysis.Verdict, update *analysis.AnalysisUpdate, diffs map[string]any)

// Reactor is the orchestrator's single-threaded event loop. All of its unexported state
// (orderedQueue, serialToUpdate, serial) is touched only from the goroutine running Run, so
// none of it needs its own mutex — the one place that crosses goroutines, GlobalStates, owns
// its own lock.
type Reactor struct {
	store    *store.Store
	registry *registry.Registry
	states   *analysis.GlobalStates
	pool     *analysis.WorkerPool
	audit    *audit.Log
	logger   *logging.Logger

	onStateUpdate StateSink

	reportServer  *transport.ReqRepServer
	controlServer *transport.ReqRepServer

	reportJobs  chan reportJob
	controlJobs chan controlJob

	serial         uint64
	orderedQueue   *list.List
	serialToUpdate map[uint64]*pendingUpdate
}

// Config bundles the collaborators a Reactor is built from.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	States   *analysis.GlobalStates
	Pool     *analysis.WorkerPool
	Audit    *audit.Log
	Logger   *logging.Logger

	ReportAddr  string
	ControlAddr string

	OnStateUpdate StateSink
}

// New constructs a Reactor and binds its report and control listeners. Serve must be called to
// actually run the event loop.
func New(cfg Config) (*Reactor, error) {
	r := &Reactor{
		store:          cfg.Store,
		registry:       cfg.Registry,
		states:         cfg.States,
		pool:           cfg.Pool,
		audit:          cfg.Audit,
		logger:         cfg.Logger,
		onStateUpdate:  cfg.OnStateUpdate,
		reportJobs:     make(chan reportJob, 64),
		controlJobs:    make(chan controlJob, 64),
		orderedQueue:   list.New(),
		serialToUpdate: make(map[uint64]*pendingUpdate),
	}

	reportServer, err := transport.ListenReqRep(cfg.ReportAddr, r.enqueueReport, cfg.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "bind report endpoint")
	}
	r.reportServer = reportServer

	controlServer, err := transport.ListenReqRep(cfg.ControlAddr, r.enqueueControl, cfg.Logger)
	if err != nil {
		reportServer.Close()
		return nil, errors.Wrap(err, "bind control endpoint")
	}
	r.controlServer = controlServer

	return r, nil
}

// ReportAddr returns the bound report endpoint's address.
func (r *Reactor) ReportAddr() string { return r.reportServer.Addr().String() }

// ControlAddr returns the bound control endpoint's address.
func (r *Reactor) ControlAddr() string { return r.controlServer.Addr().String() }

// enqueueReport is the transport.Handler for the report endpoint: it hands the frame to the
// single reactor goroutine and blocks until that goroutine produces a reply, so the
// net.Conn-per-connection goroutines spawned by ReqRepServer never touch reactor state
// directly.
func (r *Reactor) enqueueReport(frame transport.Frame) transport.Frame {
	reply := make(chan transport.Frame, 1)
	r.reportJobs <- reportJob{frame: frame, reply: reply}
	return <-reply
}

func (r *Reactor) enqueueControl(frame transport.Frame) transport.Frame {
	reply := make(chan transport.Frame, 1)
	r.controlJobs <- controlJob{frame: frame, reply: reply}
	return <-reply
}

// Close releases the bound listeners. Run's context cancellation should be used to stop the
// event loop itself; Close is for releasing the sockets once Run has returned.
func (r *Reactor) Close() error {
	err1 := r.reportServer.Close()
	err2 := r.controlServer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Run drains the report, worker-result, and control channels in that priority order until ctx
// is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	results := r.pool.Results()

	for {
		if done := r.drainOnce(ctx, results); done {
			return nil
		}
	}
}

// drainOnce processes the highest-priority ready channel, or blocks on all of them plus
// ctx.Done() if none is immediately ready. Returns true once ctx is canceled.
func (r *Reactor) drainOnce(ctx context.Context, results <-chan analysis.Result) bool {
	select {
	case job := <-r.reportJobs:
		r.handleReport(job)
		return false
	default:
	}

	select {
	case result := <-results:
		r.handleResult(result)
		return false
	default:
	}

	select {
	case job := <-r.controlJobs:
		r.handleControl(job)
		return false
	default:
	}

	select {
	case job := <-r.reportJobs:
		r.handleReport(job)
	case result := <-results:
		r.handleResult(result)
	case job := <-r.controlJobs:
		r.handleControl(job)
	case <-ctx.Done():
		return true
	}
	return false
}

func (r *Reactor) handleReport(job reportJob) {
	payload, err := taggedPayload(job.frame, seedTag)
	if err != nil {
		job.reply <- errorReply(err)
		return
	}

	var seed wire.SeedMsg
	if err := wire.Decode(payload, &seed); err != nil {
		job.reply <- errorReply(errors.Wrap(err, "decode report"))
		return
	}

	kind, err := mapTestCaseKind(seed.Kind)
	if err != nil {
		job.reply <- errorReply(err)
		return
	}

	fuzzerID, err := parseFuzzerID(seed.FuzzerID)
	if err != nil {
		job.reply <- errorReply(err)
		return
	}

	parents := make([]store.TestCaseHandle, 0, len(seed.ParentIDs))
	for _, parentID := range seed.ParentIDs {
		handle, ok := r.store.HandleFromID(parentID)
		if !ok {
			job.reply <- errorReply(errors.Errorf("unknown parent test case id %s", parentID))
			return
		}
		parents = append(parents, handle)
	}

	handle, verdict, err := r.store.Store(store.TestCase{Content: seed.Content, Kind: kind})
	if err != nil {
		job.reply <- errorReply(errors.Wrap(err, "store test case"))
		return
	}

	if r.audit != nil {
		if err := r.audit.RecordTestCase(handle); err != nil && r.logger != nil {
			r.logger.Warn("failed to record test case in audit log", err)
		}
		if _, err := r.audit.RecordDiscovery(handle, fuzzerID); err != nil && r.logger != nil {
			r.logger.Warn("failed to record discovery in audit log", err)
		}
	}

	if kind != store.KindNormal {
		// crashes and hangs are stored and audited but never enter the analysis pipeline.
		job.reply <- idReply(handle)
		return
	}

	passes := r.pool.Passes()
	requiredPasses := make([]analysis.PassType, len(passes))
	for i, pass := range passes {
		requiredPasses[i] = pass.Type()
	}

	update := analysis.NewAnalysisUpdate(handle, fuzzerID, parents, requiredPasses)

	pending := &pendingUpdate{verdict: toAnalysisVerdict(verdict), update: update}
	pending.elem = r.orderedQueue.PushBack(pending)

	contacted := 0
	for _, pass := range passes {
		runForDuplicate := verdict == store.New || pass.RunOnDuplicates()
		if !runForDuplicate {
			update.Skip(pass.Type())
			continue
		}
		serial := r.nextSerial()
		if r.pool.Dispatch(pass.Type(), serial, seed.Content) {
			r.serialToUpdate[serial] = pending
			contacted++
		} else {
			update.Skip(pass.Type())
		}
	}

	if contacted == 0 {
		r.flush()
	}

	job.reply <- idReply(handle)
}

func (r *Reactor) handleResult(result analysis.Result) {
	pending, ok := r.serialToUpdate[result.Serial]
	if !ok {
		return
	}
	delete(r.serialToUpdate, result.Serial)

	if result.Payload == nil {
		pending.update.Skip(result.Pass)
	} else {
		pending.update.Complete(result.Pass, result.Payload)
	}

	if pending.update.IsComplete() {
		r.flush()
	}
}

// flush pops and publishes every contiguous complete update at the front of the queue, so
// a later report's results never overtake an earlier one still waiting on a slow pass.
func (r *Reactor) flush() {
	for {
		front := r.orderedQueue.Front()
		if front == nil {
			return
		}
		pending := front.Value.(*pendingUpdate)
		if !pending.update.IsComplete() {
			return
		}
		r.orderedQueue.Remove(front)

		diffs := r.states.Apply(pending.verdict, pending.update)

		if r.audit != nil {
			for kind, diff := range diffs {
				if err := r.audit.RecordAnalysisState(pending.update.Handle, pending.update.FuzzerID, kind, diff); err != nil && r.logger != nil {
					r.logger.Warn("failed to record analysis state in audit log", kind, err)
				}
			}
		}

		if r.onStateUpdate != nil {
			r.onStateUpdate(pending.verdict, pending.update, diffs)
		}
	}
}

func (r *Reactor) handleControl(job controlJob) {
	payload, err := taggedPayload(job.frame, controlTag)
	if err != nil {
		job.reply <- errorControlReply(err)
		return
	}

	var msg wire.FuzzerCtrlMsg
	if err := wire.Decode(payload, &msg); err != nil {
		job.reply <- errorControlReply(err)
		return
	}

	switch msg.Command {
	case wire.CmdRegister:
		fuzzerType := registry.FuzzerType(msg.FuzzerType)
		id, err := r.registry.Register(fuzzerType)
		if err != nil {
			job.reply <- errorControlReply(err)
			return
		}
		if r.audit != nil {
			if err := r.audit.RecordFuzzer(id, fuzzerType); err != nil && r.logger != nil {
				r.logger.Warn("failed to record fuzzer registration in audit log", err)
			}
			if err := r.audit.RecordFuzzerEvent(id, audit.EventRegistered); err != nil && r.logger != nil {
				r.logger.Warn("failed to record registration event in audit log", err)
			}
		}
		job.reply <- controlReplyFor(wire.CmdRegister, id)

	case wire.CmdReady:
		id, err := parseFuzzerID(msg.FuzzerID)
		if err != nil {
			job.reply <- errorControlReply(err)
			return
		}
		if err := r.registry.MarkReady(id); err != nil {
			job.reply <- errorControlReply(err)
			return
		}
		if r.audit != nil {
			if err := r.audit.RecordFuzzerEvent(id, audit.EventReady); err != nil && r.logger != nil {
				r.logger.Warn("failed to record ready event in audit log", err)
			}
		}
		job.reply <- controlReplyFor(wire.CmdAck, id)

	case wire.CmdDeregister:
		id, err := parseFuzzerID(msg.FuzzerID)
		if err != nil {
			job.reply <- errorControlReply(err)
			return
		}
		// only log the event when Deregister reports id was actually known.
		if r.registry.Deregister(id) {
			if r.audit != nil {
				if err := r.audit.RecordFuzzerEvent(id, audit.EventDeregistered); err != nil && r.logger != nil {
					r.logger.Warn("failed to record deregistration event in audit log", err)
				}
			}
			job.reply <- controlReplyFor(wire.CmdAck, id)
			return
		}
		job.reply <- errorControlReply(errors.Errorf("deregister: unknown fuzzer id %s", id))

	default:
		job.reply <- errorControlReply(errors.Errorf("unsupported control command %s", msg.Command))
	}
}

func (r *Reactor) nextSerial() uint64 {
	return atomic.AddUint64(&r.serial, 1)
}

// seedTag and controlTag are the first-part tags a conformant client prefixes its report and
// control requests with, per transport.Frame's own doc comment.
var (
	seedTag    = []byte("S")
	controlTag = []byte("C")
)

// taggedPayload validates that frame is a 2-part frame tagged with tag and returns its second
// part, the actual message payload.
func taggedPayload(frame transport.Frame, tag []byte) ([]byte, error) {
	if len(frame) != 2 {
		return nil, errors.Errorf("expected a 2-part tagged frame, got %d parts", len(frame))
	}
	if !bytes.Equal(frame[0], tag) {
		return nil, errors.Errorf("expected frame tag %q, got %q", tag, frame[0])
	}
	return frame[1], nil
}

func mapTestCaseKind(kind wire.TestCaseKind) (store.TestCaseKind, error) {
	switch kind {
	case wire.KindNormal:
		return store.KindNormal, nil
	case wire.KindCrash:
		return store.KindCrash, nil
	case wire.KindHang:
		return store.KindHang, nil
	default:
		return "", errors.Errorf("unknown test case kind %q", kind)
	}
}

func toAnalysisVerdict(v store.Verdict) analysis.Verdict {
	if v == store.New {
		return analysis.New
	}
	return analysis.Duplicate
}

func parseFuzzerID(s string) (registry.FuzzerId, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse fuzzer id %q", s)
	}
	return registry.FuzzerId(uint32(id)), nil
}

func idReply(handle store.TestCaseHandle) transport.Frame {
	payload, err := wire.Encode(wire.TestCaseReportReply{ID: handle.HexHash()})
	if err != nil {
		return errorReply(err)
	}
	return transport.Frame{payload}
}

func errorReply(err error) transport.Frame {
	payload, encErr := wire.Encode(wire.TestCaseReportReply{Error: err.Error()})
	if encErr != nil {
		return transport.Frame{[]byte(err.Error())}
	}
	return transport.Frame{payload}
}

func controlReplyFor(command wire.FuzzerCtrlCommand, id registry.FuzzerId) transport.Frame {
	payload, err := wire.Encode(wire.FuzzerCtrlMsg{Command: command, FuzzerID: id.String()})
	if err != nil {
		return errorControlReply(err)
	}
	return transport.Frame{payload}
}

func errorControlReply(err error) transport.Frame {
	payload, encErr := wire.Encode(wire.FuzzerCtrlMsg{Command: wire.CmdErr, FuzzerType: err.Error()})
	if encErr != nil {
		return transport.Frame{[]byte(err.Error())}
	}
	return transport.Frame{payload}
}
