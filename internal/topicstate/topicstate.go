// Package topicstate implements spec.md §4.B: the per-(instance,topic)
// serialization point for one broker iterator, its consumed-offset ledger,
// and the single-slot failed-task carry-over buffer.
//
// To avoid the cyclic parent/child reference spec.md §9 calls out (a Read
// Task references its Topic State, and a Topic State's failed-task slot
// references a Read Task), this package defines CarryOver as the minimal
// interface a Read Task must satisfy to be deposited here. It never imports
// the readtask package — ownership of the concrete type stays with the
// caller, per the Design Notes' "borrowed reference" resolution.
//
// The broker iterator itself is opened through an injected OpenFunc rather
// than a concrete sarama.Client, so this package (and the Read Task logic
// built on top of it) can be exercised against a fake iterator in tests —
// broker connection construction is named in spec.md §1 as an external
// collaborator, not part of this core.
package topicstate

import (
	"sync"

	"github.com/mailgun/kafka-rest-proxy/internal/brokeriter"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
)

// Record is one client-facing decoded record, produced by the Consumer
// State's record factory and accumulated by a Read Task.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       interface{}
	Value     interface{}
}

// CarryOver is the subset of a Read Task's state a Topic State needs in
// order to preserve it across a failing read (spec.md §4.D "finish(err)").
type CarryOver interface {
	Messages() []Record
	BytesConsumed() int64
	ExceededMinResponseBytes() bool
	WillExceedMaxResponseBytes() bool
}

// OpenFunc opens a broker iterator for the topic this Topic State owns,
// resuming each partition from startOffsets (offsets are one past the last
// consumed offset for that partition; absent partitions start fresh).
type OpenFunc func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error)

// T is the serialized access point to one broker iterator for one
// (instance, topic) pair.
type T struct {
	topic string
	open  OpenFunc

	mu         sync.Mutex
	inUse      bool
	heldBy     interface{}
	iter       brokeriter.Iterator
	offsets    map[int32]int64
	failedTask CarryOver
}

// New creates a Topic State. The iterator is not opened until StartRead.
func New(topic string, open OpenFunc) *T {
	return &T{
		topic:   topic,
		open:    open,
		offsets: make(map[int32]int64),
	}
}

// StartRead acquires the in-use flag on behalf of owner and lazily opens
// the broker iterator on first call, resuming from the topic state's
// consumed-offset ledger. It fails with perrors.BrokerInitFailure if the
// broker client rejects iterator construction.
//
// owner is an opaque token (the calling Read Task) recorded so InUse checks
// from that same task don't see their own hold as contention; see
// HeldByOther.
func (t *T) StartRead(owner interface{}, iteratorTimeoutMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inUse {
		// The caller (the scheduler) is responsible for never dequeuing a
		// task whose Topic State is held by another task; this is a
		// defensive guard.
		return perrors.BrokerInitFailure{Cause: errAlreadyInUse}
	}
	t.inUse = true
	t.heldBy = owner
	if t.iter == nil {
		startOffsets := make(map[int32]int64, len(t.offsets))
		for p, off := range t.offsets {
			startOffsets[p] = off + 1
		}
		iter, err := t.open(startOffsets, iteratorTimeoutMs)
		if err != nil {
			t.inUse = false
			t.heldBy = nil
			return err
		}
		t.iter = iter
	}
	return nil
}

// FinishRead releases the in-use flag.
func (t *T) FinishRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inUse = false
	t.heldBy = nil
}

// HeldByOther reports whether this Topic State is currently held by a Read
// Task other than owner. The scheduler consults this to skip a ready task
// whose Topic State is held by a different in-flight task, rather than
// either blocking a worker on it or mistaking a task's own hold (retained
// between its cooperative steps) for contention (spec.md §4.E).
func (t *T) HeldByOther(owner interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse && t.heldBy != owner
}

// Iterator returns the bound broker iterator. Only valid after a
// successful StartRead.
func (t *T) Iterator() brokeriter.Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iter
}

// ClearFailedTask returns and removes the carry-over task, if any.
func (t *T) ClearFailedTask() (CarryOver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.failedTask
	t.failedTask = nil
	return prev, prev != nil
}

// SetFailedTask stores task as the carry-over task. Precondition: the slot was
// empty (spec.md §4.B invariant: the slot holds a task XOR a live Read Task
// references this Topic State).
func (t *T) SetFailedTask(task CarryOver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedTask = task
}

// ConsumedOffsets returns a snapshot of the partition->offset ledger.
func (t *T) ConsumedOffsets() map[int32]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int32]int64, len(t.offsets))
	for p, o := range t.offsets {
		out[p] = o
	}
	return out
}

// RecordOffset advances the consumed-offset ledger for one partition. It is
// called only from a Read Task's successful finish, the atomic commit point
// named in spec.md §4.D.
func (t *T) RecordOffset(partition int32, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.offsets[partition]; !ok || offset > prev {
		t.offsets[partition] = offset
	}
}

// Close releases the broker iterator, if one was opened. Used when an
// instance is torn down.
func (t *T) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.iter != nil {
		return t.iter.Close()
	}
	return nil
}

var errAlreadyInUse = errAlreadyInUseErr{}

type errAlreadyInUseErr struct{}

func (errAlreadyInUseErr) Error() string { return "topic state is already in use" }
