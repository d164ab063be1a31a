package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/collabfuzz/collabfuzz/analysis"
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/store"
)

// Broadcast dispatches every new discovery to every ready fuzzer of every available type,
// provided it grew global edge coverage; duplicates and coverage-flat discoveries are dropped.
type Broadcast struct{}

func (Broadcast) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil || event.Verdict != analysis.New {
		return
	}
	addedEdges, _ := event.Diffs["global_coverage"].([]analysis.Edge)
	if len(addedEdges) == 0 {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	for _, fuzzerType := range facade.AvailableTypes() {
		facade.DispatchToAll(event.Update.Handle, content, fuzzerType)
	}
}

// Selective restricts dispatch to a configured sender/receiver type pairing.
type Selective struct {
	AllowedSenders   map[registry.FuzzerType]struct{}
	AllowedReceivers map[registry.FuzzerType]struct{}
}

func NewSelective(senders, receivers []registry.FuzzerType) *Selective {
	s := &Selective{AllowedSenders: make(map[registry.FuzzerType]struct{}), AllowedReceivers: make(map[registry.FuzzerType]struct{})}
	for _, t := range senders {
		s.AllowedSenders[t] = struct{}{}
	}
	for _, t := range receivers {
		s.AllowedReceivers[t] = struct{}{}
	}
	return s
}

func (s *Selective) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil {
		return
	}
	senderType, ok := facade.Registry().TypeOf(event.Update.FuzzerID)
	if !ok {
		return
	}
	if _, allowed := s.AllowedSenders[senderType]; !allowed {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	for _, fuzzerType := range facade.AvailableTypes() {
		if _, allowed := s.AllowedReceivers[fuzzerType]; allowed {
			facade.DispatchToAll(event.Update.Handle, content, fuzzerType)
		}
	}
}

// Regressor dispatches a handle to the receiver types predicted cheapest (argmin predicted
// cost) for each of its unsolved conditions, excluding the sender's own type.
type Regressor struct{}

func (Regressor) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil {
		return
	}
	senderType, _ := facade.Registry().TypeOf(event.Update.FuzzerID)
	predictions := facade.States().RegressorPredictions.Predictions[event.Update.Handle]
	if len(predictions) == 0 {
		return
	}

	winners := make(map[registry.FuzzerType]struct{})
	for _, perFuzzer := range predictions {
		var best registry.FuzzerType
		bestCost := math.Inf(1)
		for fuzzerType, cost := range perFuzzer {
			if fuzzerType == senderType {
				continue
			}
			if cost < bestCost {
				bestCost = cost
				best = fuzzerType
			}
		}
		if bestCost < math.Inf(1) {
			winners[best] = struct{}{}
		}
	}
	if len(winners) == 0 {
		return
	}

	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	for fuzzerType := range winners {
		facade.DispatchToAll(event.Update.Handle, content, fuzzerType)
	}
}

// RoundRobin cycles through the currently available fuzzer types, dispatching each new
// discovery to exactly one.
type RoundRobin struct {
	mu      sync.Mutex
	cursor  int
}

func (r *RoundRobin) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil {
		return
	}
	types := facade.AvailableTypes()
	if len(types) == 0 {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}

	r.mu.Lock()
	target := types[r.cursor%len(types)]
	r.cursor++
	r.mu.Unlock()

	facade.DispatchToOne(event.Update.Handle, content, target)
}

// Random dispatches each new discovery to one fuzzer of a uniformly random available type,
// using crypto/rand to match the registry's id-generation choice rather than math/rand.
type Random struct{}

func (Random) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil {
		return
	}
	types := facade.AvailableTypes()
	if len(types) == 0 {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	facade.DispatchToOne(event.Update.Handle, content, types[randIndex(len(types))])
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// Nop never dispatches anything; used when collaboration is disabled entirely.
type Nop struct{}

func (Nop) Schedule(context.Context, *Facade, ScheduleEvent) {}

// Test is a deterministic, scriptable policy for end-to-end test scenarios: it records every
// ScheduleEvent it sees and optionally dispatches to a fixed receiver type.
type Test struct {
	mu       sync.Mutex
	Events   []ScheduleEvent
	Receiver registry.FuzzerType
	Dispatch bool
}

func (t *Test) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	t.mu.Lock()
	t.Events = append(t.Events, event)
	t.mu.Unlock()

	if !t.Dispatch || event.Update == nil {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	facade.DispatchToAll(event.Update.Handle, content, t.Receiver)
}

// queuePolicy is the shared Schedule implementation for EnFuzz, TestCaseBenefit, CostBenefit,
// and HybridBenefit: insert every new discovery into the benefit queue and let the helper's
// own flush loop (started separately) drain it on an interval.
type queuePolicy struct {
	helper *QueueSchedulerHelper
}

func (p *queuePolicy) Schedule(_ context.Context, facade *Facade, event ScheduleEvent) {
	if event.Update == nil || event.Verdict != analysis.New {
		return
	}
	content, err := facade.Content(event.Update.Handle)
	if err != nil {
		return
	}
	p.helper.Insert(facade, event.Update.Handle, content)
}

// Helper exposes the underlying QueueSchedulerHelper so callers can start its flush loop.
func (p *queuePolicy) Helper() *QueueSchedulerHelper { return p.helper }

// NewEnFuzz builds the queue policy whose benefit is a constant, i.e. pure FIFO-by-arrival.
func NewEnFuzz(flushInterval time.Duration, flushPercent float64) *queuePolicy {
	helper := NewQueueSchedulerHelper(func(*Facade, store.TestCaseHandle) float64 { return 1 }, flushInterval, flushPercent)
	return &queuePolicy{helper: helper}
}

// NewTestCaseBenefit builds the queue policy whose benefit is the handle's CFG frontier size.
func NewTestCaseBenefit(flushInterval time.Duration, flushPercent float64) *queuePolicy {
	helper := NewQueueSchedulerHelper(func(f *Facade, h store.TestCaseHandle) float64 {
		return f.States().TestCaseBenefit.BenefitScore(h)
	}, flushInterval, flushPercent)
	return &queuePolicy{helper: helper}
}

// NewCostBenefit builds the queue policy whose benefit is 1/predicted_cost summed across the
// handle's tainted conditions and every receiver type's prediction.
func NewCostBenefit(flushInterval time.Duration, flushPercent float64) *queuePolicy {
	helper := NewQueueSchedulerHelper(costBenefitScore, flushInterval, flushPercent)
	return &queuePolicy{helper: helper}
}

// NewHybridBenefit builds the queue policy whose benefit is a weighted sum of the
// TestCaseBenefit frontier score and the CostBenefit score.
func NewHybridBenefit(flushInterval time.Duration, flushPercent, frontierWeight, costWeight float64) *queuePolicy {
	helper := NewQueueSchedulerHelper(func(f *Facade, h store.TestCaseHandle) float64 {
		return frontierWeight*f.States().TestCaseBenefit.BenefitScore(h) + costWeight*costBenefitScore(f, h)
	}, flushInterval, flushPercent)
	return &queuePolicy{helper: helper}
}

func costBenefitScore(f *Facade, h store.TestCaseHandle) float64 {
	predictions := f.States().RegressorPredictions.Predictions[h]
	total := 0.0
	for _, perFuzzer := range predictions {
		for _, cost := range perFuzzer {
			if cost > 0 {
				total += 1 / cost
			}
		}
	}
	return total
}
