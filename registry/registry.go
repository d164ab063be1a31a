// Package registry tracks connected fuzzer instances: their assigned id, declared type, and
// per-type readiness queues feeding the scheduler's dispatch decisions.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// FuzzerId is a non-zero 32-bit identifier assigned uniquely at registration time.
type FuzzerId uint32

// String renders the id as the zero-padded 10-digit decimal form used on the wire, wide
// enough for any uint32.
func (id FuzzerId) String() string {
	return fmt.Sprintf("%010d", uint32(id))
}

// FuzzerType is the closed enumeration of fuzzer drivers the orchestrator recognizes.
type FuzzerType string

const (
	TypeUnknown   FuzzerType = "unknown"
	TypeAFL       FuzzerType = "afl"
	TypeAngora    FuzzerType = "angora"
	TypeQSYM      FuzzerType = "qsym"
	TypeLibFuzzer FuzzerType = "libfuzzer"
	TypeHoneyFuzz FuzzerType = "honggfuzz"
	TypeAFLFast   FuzzerType = "aflfast"
	TypeFairFuzz  FuzzerType = "fairfuzz"
	TypeRadamsa   FuzzerType = "radamsa"
)

// ErrAlreadyReady is returned by MarkReady when the id is already present in its type's
// ready queue; double-ready is a protocol error, not silently absorbed.
var ErrAlreadyReady = errors.New("fuzzer id is already marked ready")

// Registry maps fuzzer ids to their declared type and maintains a per-type FIFO of ids
// currently ready to receive work. A fuzzer id appears in at most one ready queue at a time.
type Registry struct {
	mu        sync.Mutex
	types     map[FuzzerId]FuzzerType
	ready     map[FuzzerType][]FuzzerId
	readySet  map[FuzzerId]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		types:    make(map[FuzzerId]FuzzerType),
		ready:    make(map[FuzzerType][]FuzzerId),
		readySet: make(map[FuzzerId]struct{}),
	}
}

// Register assigns a fresh, non-zero, process-unique id to a fuzzer of the given type.
func (r *Registry) Register(fuzzerType FuzzerType) (FuzzerId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.freshID()
	if err != nil {
		return 0, err
	}

	r.types[id] = fuzzerType
	if _, ok := r.ready[fuzzerType]; !ok {
		r.ready[fuzzerType] = nil
	}
	return id, nil
}

// freshID must be called with mu held.
func (r *Registry) freshID() (FuzzerId, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "generate random fuzzer id")
		}
		id := FuzzerId(binary.BigEndian.Uint32(buf[:]))
		if id == 0 {
			continue
		}
		if _, taken := r.types[id]; taken {
			continue
		}
		return id, nil
	}
}

// Deregister removes id from the registry and from its ready queue if present. The returned
// bool reports whether id was actually known; callers should only record an audit event when
// it is true.
func (r *Registry) Deregister(id FuzzerId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	fuzzerType, ok := r.types[id]
	if !ok {
		return false
	}
	delete(r.types, id)

	if _, wasReady := r.readySet[id]; wasReady {
		delete(r.readySet, id)
		queue := r.ready[fuzzerType]
		for i, queuedID := range queue {
			if queuedID == id {
				r.ready[fuzzerType] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
	}
	return true
}

// MarkReady appends id to its type's ready queue. Returns ErrAlreadyReady if id is already
// queued, and a plain error if id is not a registered fuzzer.
func (r *Registry) MarkReady(id FuzzerId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fuzzerType, ok := r.types[id]
	if !ok {
		return errors.Errorf("mark ready: unknown fuzzer id %s", id)
	}
	if _, alreadyReady := r.readySet[id]; alreadyReady {
		return ErrAlreadyReady
	}

	r.ready[fuzzerType] = append(r.ready[fuzzerType], id)
	r.readySet[id] = struct{}{}
	return nil
}

// AvailableTypes returns the types with at least one ready fuzzer.
func (r *Registry) AvailableTypes() []FuzzerType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]FuzzerType, 0, len(r.ready))
	for fuzzerType, queue := range r.ready {
		if len(queue) > 0 {
			types = append(types, fuzzerType)
		}
	}
	return types
}

// ScheduleAll atomically drains and returns the entire ready queue for fuzzerType.
func (r *Registry) ScheduleAll(fuzzerType FuzzerType) []FuzzerId {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.ready[fuzzerType]
	r.ready[fuzzerType] = nil
	for _, id := range queue {
		delete(r.readySet, id)
	}
	return queue
}

// ScheduleOne pops the front of fuzzerType's ready queue. Panics if the queue is empty;
// callers must check AvailableTypes first.
func (r *Registry) ScheduleOne(fuzzerType FuzzerType) FuzzerId {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.ready[fuzzerType]
	if len(queue) == 0 {
		panic(fmt.Sprintf("schedule one called with an empty ready queue for type %s", fuzzerType))
	}
	id := queue[0]
	r.ready[fuzzerType] = queue[1:]
	delete(r.readySet, id)
	return id
}

// TypeOf returns the declared type of id, if registered.
func (r *Registry) TypeOf(id FuzzerId) (FuzzerType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fuzzerType, ok := r.types[id]
	return fuzzerType, ok
}
