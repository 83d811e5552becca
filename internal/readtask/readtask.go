// Package readtask implements spec.md §4.D: the state machine driving one
// HTTP read request from first fetch attempt to callback completion.
//
// This is the core of the proxy. It is deliberately small and
// self-contained: construction resolves the task's Topic State and inherits
// any carried-over messages from a prior failing read, DoPartialRead
// advances the task by exactly one cooperative, non-blocking-beyond-one-poll
// step, and finish fires the completion callback exactly once.
package readtask

import (
	"math"

	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/consumerstate"
	"github.com/mailgun/kafka-rest-proxy/internal/logging"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

var log = logging.ForComponent("readtask")

var _ topicstate.CarryOver = (*Task)(nil)

// Callback is invoked exactly once when a Read Task completes. records is
// non-nil and possibly empty iff err is nil (spec.md §6).
type Callback func(records []topicstate.Record, err error)

// Config snapshots the tuning knobs a Read Task needs at construction time
// (spec.md §4.D "Config snapshot").
type Config struct {
	// ServerResponseMaxBytes is the server-side cap (consumer.response.max.bytes).
	ServerResponseMaxBytes int64
	// RequestTimeoutMs is proxy.fetch.max.wait.ms (or its per-instance override).
	RequestTimeoutMs int64
	// ResponseMinBytes is proxy.fetch.min.bytes (or its per-instance
	// override); negative disables the min-bytes shortcut.
	ResponseMinBytes int64
	// IteratorBackoffMs is consumer.iterator.backoff.ms.
	IteratorBackoffMs int64
}

type state int

const (
	stateUnbound state = iota
	stateBound
	stateDone
)

// Task is the transient state machine driving one HTTP read to its
// callback. It is mutated only by the worker goroutine currently advancing
// it (spec.md §5); no internal locking is needed.
type Task struct {
	parent     *consumerstate.T
	topicState *topicstate.T
	callback   Callback
	clock      clock.Clock

	maxResponseBytes  int64
	requestTimeoutMs  int64
	responseMinBytes  int64
	iteratorBackoffMs int64

	messages                   []topicstate.Record
	bytesConsumed              int64
	exceededMinResponseBytes   bool
	willExceedMaxResponseBytes bool

	started        int64
	waitExpiration int64
	finished       bool

	state              state
	topicStateAcquired bool
}

// New constructs a Read Task bound to topic within parent, per spec.md
// §4.D's construction steps 1-6. If resolving the Topic State fails (e.g.
// perrors.AlreadySubscribed), the task transitions straight to Done and its
// callback has already fired by the time New returns; callers must check
// Finished before submitting it to a scheduler.
func New(parent *consumerstate.T, topic string, requestMaxBytes int64, cfg Config, clk clock.Clock, callback Callback) *Task {
	maxResponseBytes := requestMaxBytes
	if cfg.ServerResponseMaxBytes < maxResponseBytes {
		maxResponseBytes = cfg.ServerResponseMaxBytes
	}
	responseMinBytes := cfg.ResponseMinBytes
	if responseMinBytes < 0 {
		// Negative configured value disables the min-bytes shortcut
		// (spec.md §4.D step 3); treated as +infinity so the comparison in
		// the inner pull loop never trips.
		responseMinBytes = math.MaxInt64
	}

	t := &Task{
		parent:            parent,
		callback:          callback,
		clock:             clk,
		maxResponseBytes:  maxResponseBytes,
		requestTimeoutMs:  cfg.RequestTimeoutMs,
		responseMinBytes:  responseMinBytes,
		iteratorBackoffMs: cfg.IteratorBackoffMs,
		started:           clk.NowMs(),
	}

	ts, err := parent.GetOrCreateTopicState(topic)
	if err != nil {
		log.WithError(err).Debugf("construction failed for topic %q", topic)
		t.finish(err)
		return t
	}
	t.topicState = ts

	if prev, ok := ts.ClearFailedTask(); ok {
		if pt, ok2 := prev.(*Task); ok2 {
			t.messages = append(t.messages, pt.Messages()...)
			t.bytesConsumed = pt.BytesConsumed()
			t.exceededMinResponseBytes = pt.ExceededMinResponseBytes()
			t.willExceedMaxResponseBytes = pt.WillExceedMaxResponseBytes()
		}
	}
	return t
}

// DoPartialRead advances the task by one cooperative step and returns
// whether the step hit the broker iterator's bounded timeout (spec.md
// §4.D). The worker should treat a true return as a hint, not an error:
// WaitExpiration already reflects the backoff.
func (t *Task) DoPartialRead() bool {
	if t.finished {
		return false
	}

	if t.parent.Tombstoned() {
		// The instance was deleted while this task sat in the scheduler's
		// ready or sleeping queue (Open Question: concurrent delete vs.
		// in-flight task). Surface ShuttingDown instead of completing as
		// if nothing happened.
		t.finish(perrors.ShuttingDown{Group: t.parent.Group, ID: t.parent.ID})
		return false
	}

	if t.state == stateUnbound {
		if err := t.parent.StartRead(t.topicState, t); err != nil {
			t.finish(err)
			return false
		}
		t.topicStateAcquired = true
		t.state = stateBound
		if t.messages == nil {
			t.messages = []topicstate.Record{}
		}
		t.waitExpiration = 0
	}

	iterationStart := t.clock.NowMs()
	backoff, err := t.pull()
	if err != nil {
		t.finish(err)
		return false
	}

	backoffExpiration := iterationStart + t.iteratorBackoffMs
	requestExpiration := t.started + t.requestTimeoutMs
	t.waitExpiration = minInt64(backoffExpiration, requestExpiration)

	now := t.clock.NowMs()
	requestTimedOut := now-t.started >= t.requestTimeoutMs
	if requestTimedOut || t.willExceedMaxResponseBytes || t.exceededMinResponseBytes {
		t.finish(nil)
	}
	return backoff
}

// pull runs the inner pull loop (spec.md §4.D step 2): peek, size-check,
// decide, advance — never advancing the iterator past a message that would
// blow the size cap, so it stays available for the next task or request.
func (t *Task) pull() (backoff bool, err error) {
	iter := t.topicState.Iterator()
	for {
		hasNext, herr := iter.HasNext()
		if herr != nil {
			if _, ok := herr.(perrors.IteratorTimeout); ok {
				return true, nil
			}
			return false, herr
		}
		if !hasNext {
			return false, nil
		}

		raw := iter.Peek()
		record, size, cerr := t.parent.CreateConsumerRecord(raw)
		if cerr != nil {
			return false, cerr
		}

		if t.bytesConsumed+int64(size) >= t.maxResponseBytes {
			t.willExceedMaxResponseBytes = true
			return false, nil
		}

		iter.Next()
		t.messages = append(t.messages, record)
		t.bytesConsumed += int64(size)

		if t.bytesConsumed > t.responseMinBytes {
			t.exceededMinResponseBytes = true
			return false, nil
		}
	}
}

// finish is the terminal transition (spec.md §4.D "finish(err)"). It is
// invoked exactly once per task, from construction-time failure, a pull
// error, or a stop condition.
func (t *Task) finish(err error) {
	if t.topicState != nil {
		if err == nil {
			for _, m := range t.messages {
				t.topicState.RecordOffset(m.Partition, m.Offset)
			}
		} else if len(t.messages) > 0 {
			t.topicState.SetFailedTask(t)
		}
	}
	if t.topicStateAcquired {
		t.parent.FinishRead(t.topicState)
	}
	t.invokeCallback(err)
	t.finished = true
	t.state = stateDone
}

// invokeCallback fires the completion callback exactly once, recovering
// from any panic so a misbehaving caller can never unwind into the worker
// (spec.md §7 "CallbackThrew").
func (t *Task) invokeCallback(err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("callback panicked: %v", r)
		}
	}()
	if err != nil {
		t.callback(nil, err)
		return
	}
	t.callback(t.messages, nil)
}

// Finished reports whether finish has already run.
func (t *Task) Finished() bool { return t.finished }

// TopicInUse reports whether this task's Topic State is currently held by
// a different task. A task's own hold, retained between its cooperative
// DoPartialRead steps until it finishes, is never contention against
// itself. The scheduler uses this to skip dequeuing a task that would
// otherwise block on another task's Topic State.
func (t *Task) TopicInUse() bool {
	if t.topicState == nil {
		return false
	}
	return t.topicState.HeldByOther(t)
}

// WaitExpiration returns the next time (clock ms) the scheduler should
// reconsider this task.
func (t *Task) WaitExpiration() int64 { return t.waitExpiration }

// Started returns the task's construction time in clock ms.
func (t *Task) Started() int64 { return t.started }

// Messages implements topicstate.CarryOver.
func (t *Task) Messages() []topicstate.Record { return t.messages }

// BytesConsumed implements topicstate.CarryOver.
func (t *Task) BytesConsumed() int64 { return t.bytesConsumed }

// ExceededMinResponseBytes implements topicstate.CarryOver.
func (t *Task) ExceededMinResponseBytes() bool { return t.exceededMinResponseBytes }

// WillExceedMaxResponseBytes implements topicstate.CarryOver.
func (t *Task) WillExceedMaxResponseBytes() bool { return t.willExceedMaxResponseBytes }

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
