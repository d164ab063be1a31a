// Package scheduler implements the pluggable dispatch policies that decide, for each
// completed analysis update, which ready fuzzers receive a copy of the test case. All
// policies run behind a single handler goroutine serialized against the derived-state and
// registry mutexes via Facade.
package scheduler

import (
	"context"
	"time"

	"github.com/collabfuzz/collabfuzz/analysis"
	"github.com/collabfuzz/collabfuzz/audit"
	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/collabfuzz/collabfuzz/transport"
	"github.com/collabfuzz/collabfuzz/wire"
)

// ScheduleEvent is what the reactor's state-updater feeds into the handler's channel.
type ScheduleEvent struct {
	Verdict  analysis.Verdict
	Update   *analysis.AnalysisUpdate
	Diffs    map[string]any
	Timeout  bool
	Shutdown bool
}

// Facade is a short-lived value handed to a Policy's Schedule call: read-only state and
// registry access plus the dispatch primitive. By convention (not enforced by the type
// system) policies must not retain a Facade past the Schedule call that received it — it
// holds the GlobalStates mutex for its lifetime.
type Facade struct {
	states   *analysis.GlobalStates
	registry *registry.Registry
	store    *store.Store
	dispatch *transport.PubSubServer
	auditLog *audit.Log
	logger   *logging.Logger
}

// Content retrieves the raw bytes behind handle, for policies that decided to dispatch it.
func (f *Facade) Content(handle store.TestCaseHandle) ([]byte, error) {
	tc, err := f.store.Retrieve(handle)
	if err != nil {
		return nil, err
	}
	return tc.Content, nil
}

// States returns the locked derived-state registry. Callers must not block while holding it.
func (f *Facade) States() *analysis.GlobalStates { return f.states }

// Registry returns the fuzzer registry.
func (f *Facade) Registry() *registry.Registry { return f.registry }

// AvailableTypes lists fuzzer types with at least one ready instance.
func (f *Facade) AvailableTypes() []registry.FuzzerType { return f.registry.AvailableTypes() }

// DispatchToAll atomically drains fuzzerType's ready queue and publishes handle to each
// popped id's dispatch topic.
func (f *Facade) DispatchToAll(handle store.TestCaseHandle, content []byte, fuzzerType registry.FuzzerType) int {
	ids := f.registry.ScheduleAll(fuzzerType)
	return f.dispatchTo(ids, handle, content)
}

// DispatchToOne drains a single fuzzer of fuzzerType, if one is ready, and dispatches to it.
func (f *Facade) DispatchToOne(handle store.TestCaseHandle, content []byte, fuzzerType registry.FuzzerType) bool {
	for _, available := range f.registry.AvailableTypes() {
		if available == fuzzerType {
			id := f.registry.ScheduleOne(fuzzerType)
			return f.dispatchTo([]registry.FuzzerId{id}, handle, content) == 1
		}
	}
	return false
}

func (f *Facade) dispatchTo(ids []registry.FuzzerId, handle store.TestCaseHandle, content []byte) int {
	if len(ids) == 0 {
		return 0
	}
	delivered := 0
	handles := make([]store.TestCaseHandle, 0, len(ids))
	for _, id := range ids {
		job := wire.JobMsg{
			FuzzerID: id.String(),
			Seeds: []wire.SeedMsg{{
				ID:      handle.HexHash(),
				Content: content,
				Kind:    wire.KindNormal,
			}},
		}
		payload, err := wire.Encode(job)
		if err != nil {
			if f.logger != nil {
				f.logger.Warn("failed to encode dispatch job", err)
			}
			continue
		}
		frame := transport.Frame{[]byte(id.String()), []byte("S"), payload}
		if f.dispatch.Publish(frame) > 0 {
			delivered++
			handles = append(handles, handle)
		}
	}
	if f.auditLog != nil && len(handles) > 0 {
		for _, id := range ids {
			if err := f.auditLog.RecordDispatch(id, handles); err != nil && f.logger != nil {
				f.logger.Warn("failed to record dispatch in audit log", err)
			}
		}
	}
	return delivered
}

// Policy is a pluggable dispatch decision. Schedule is called once per ScheduleEvent, never
// concurrently with itself, from the Handler goroutine.
type Policy interface {
	Schedule(ctx context.Context, facade *Facade, event ScheduleEvent)
}

// Handler runs the single scheduler goroutine: it serializes every Policy invocation and owns
// the Facade's lifetime for the duration of one Schedule call.
type Handler struct {
	policy   Policy
	states   *analysis.GlobalStates
	registry *registry.Registry
	store    *store.Store
	dispatch *transport.PubSubServer
	auditLog *audit.Log
	logger   *logging.Logger

	// metricsLogger reports the running new/duplicate test-case counters, tagged so the
	// console renderer can pick it out from ordinary scheduler chatter.
	metricsLogger       *logging.Logger
	newCount, dupeCount uint64

	events  chan ScheduleEvent
	timeout time.Duration
}

// NewHandler constructs a Handler around policy. timeout bounds how long the handler waits
// for the next event before synthesizing a Timeout ScheduleEvent for the policy. The
// queue-based family ignores Timeout events; their flushes come from RunFlushLoop's ticker.
func NewHandler(policy Policy, states *analysis.GlobalStates, reg *registry.Registry, st *store.Store, dispatch *transport.PubSubServer, auditLog *audit.Log, logger *logging.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		policy:        policy,
		states:        states,
		registry:      reg,
		store:         st,
		dispatch:      dispatch,
		auditLog:      auditLog,
		logger:        logger,
		metricsLogger: logger.NewSubLogger("module", logging.METRICS),
		events:        make(chan ScheduleEvent, 256),
		timeout:       timeout,
	}
}

// Submit enqueues event for scheduling. Safe to call from any goroutine.
func (h *Handler) Submit(event ScheduleEvent) {
	h.events <- event
}

// Run drains events (or synthesizes a Timeout event every h.timeout of silence) until ctx is
// canceled.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.dispatchSchedule(ctx, ScheduleEvent{Shutdown: true})
			return nil
		case event := <-h.events:
			h.dispatchSchedule(ctx, event)
		case <-time.After(h.timeout):
			h.dispatchSchedule(ctx, ScheduleEvent{Timeout: true})
		}
	}
}

// dispatchSchedule holds the GlobalStates mutex for the duration of one Schedule call, giving
// the policy a mutually consistent snapshot; policies must not block while it is held.
func (h *Handler) dispatchSchedule(ctx context.Context, event ScheduleEvent) {
	h.recordMetrics(event)

	h.states.Lock()
	defer h.states.Unlock()
	h.policy.Schedule(ctx, h.newFacade(), event)
}

// recordMetrics tallies new/duplicate discoveries and reports the running totals through the
// metrics logger. Timeout and shutdown events carry no verdict and are not counted.
func (h *Handler) recordMetrics(event ScheduleEvent) {
	if event.Timeout || event.Shutdown {
		return
	}
	switch event.Verdict {
	case analysis.New:
		h.newCount++
	case analysis.Duplicate:
		h.dupeCount++
	default:
		return
	}
	h.metricsLogger.Info(logging.StructuredLogInfo{"new": h.newCount, "duplicate": h.dupeCount})
}

// NewFacade constructs a Facade bound to this handler's collaborators, for use by a background
// flush goroutine (the queue-based policies) between Handler.Run's own Schedule calls. Callers
// outside the Handler goroutine must take states.Lock() themselves before using it.
func (h *Handler) NewFacade() *Facade {
	return h.newFacade()
}

func (h *Handler) newFacade() *Facade {
	return &Facade{states: h.states, registry: h.registry, store: h.store, dispatch: h.dispatch, auditLog: h.auditLog, logger: h.logger}
}
