package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/collabfuzz/collabfuzz/store"
)

// BenefitFunc computes a queued handle's current priority. Recomputed for every queued entry
// each time a new handle is inserted, since the states it reads (frontier size, predicted
// cost) may have moved since the entry was queued.
type BenefitFunc func(facade *Facade, handle store.TestCaseHandle) float64

type queueEntry struct {
	handle  store.TestCaseHandle
	content []byte
	benefit float64
	index   int
}

// benefitHeap is a max-heap on benefit, the container/heap.Interface implementation backing
// QueueSchedulerHelper. No priority-queue library appears anywhere in the retrieved example
// repos, so this is built directly on the standard library.
type benefitHeap []*queueEntry

func (h benefitHeap) Len() int            { return len(h) }
func (h benefitHeap) Less(i, j int) bool  { return h[i].benefit > h[j].benefit }
func (h benefitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *benefitHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *benefitHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// QueueSchedulerHelper is the shared machinery behind EnFuzz, TestCaseBenefit, CostBenefit,
// and HybridBenefit: a benefit-ordered queue drained on an interval by a background flush
// goroutine that dispatches the top percentage of entries to every ready fuzzer of every
// available type.
type QueueSchedulerHelper struct {
	benefit BenefitFunc

	mu    sync.Mutex
	queue benefitHeap

	flushInterval  time.Duration
	flushPercent   float64
}

// NewQueueSchedulerHelper constructs a helper. flushInterval defaults to 5s and flushPercent
// to 0.01 (1%) if zero, matching the policy defaults documented for the queue-based family.
func NewQueueSchedulerHelper(benefit BenefitFunc, flushInterval time.Duration, flushPercent float64) *QueueSchedulerHelper {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if flushPercent <= 0 {
		flushPercent = 0.01
	}
	return &QueueSchedulerHelper{
		benefit:       benefit,
		flushInterval: flushInterval,
		flushPercent:  flushPercent,
	}
}

// Insert adds handle to the queue and recomputes every queued entry's benefit, since the
// state the benefit function reads may have changed since earlier entries were queued. Called
// from the Handler goroutine, which already holds facade.states for the duration of Schedule.
func (h *QueueSchedulerHelper) Insert(facade *Facade, handle store.TestCaseHandle, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, entry := range h.queue {
		entry.benefit = h.benefit(facade, entry.handle)
	}
	heap.Init(&h.queue)

	heap.Push(&h.queue, &queueEntry{handle: handle, content: content, benefit: h.benefit(facade, handle)})
}

// Flush pops the top ceil(flushPercent * len(queue)) entries and dispatches each to every
// ready fuzzer of every available type via facade. Takes facade.states before its own queue
// mutex, the lock order the concurrency model requires between the handler and this helper.
func (h *QueueSchedulerHelper) Flush(facade *Facade) {
	facade.states.Lock()
	defer facade.states.Unlock()

	h.mu.Lock()
	n := len(h.queue)
	if n == 0 {
		h.mu.Unlock()
		return
	}
	count := int(float64(n)*h.flushPercent + 0.999999)
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	popped := make([]*queueEntry, 0, count)
	for i := 0; i < count; i++ {
		popped = append(popped, heap.Pop(&h.queue).(*queueEntry))
	}
	h.mu.Unlock()

	for _, entry := range popped {
		for _, fuzzerType := range facade.AvailableTypes() {
			facade.DispatchToAll(entry.handle, entry.content, fuzzerType)
		}
	}
}

// RunFlushLoop blocks, flushing on every tick of flushInterval, until ctx is canceled. Intended
// to run in its own goroutine, started alongside the scheduler Handler.
func (h *QueueSchedulerHelper) RunFlushLoop(ctx context.Context, newFacade func() *Facade) {
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Flush(newFacade())
		}
	}
}
