package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailgun/kafka-rest-proxy/internal/brokeriter"
	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/consumerstate"
	"github.com/mailgun/kafka-rest-proxy/internal/format"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/readtask"
	"github.com/mailgun/kafka-rest-proxy/internal/scheduler"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

type fakeIterator struct {
	msgs []*brokeriter.Message
	idx  int
}

func (f *fakeIterator) HasNext() (bool, error) {
	if f.idx < len(f.msgs) {
		return true, nil
	}
	return false, perrors.IteratorTimeout{}
}
func (f *fakeIterator) Peek() *brokeriter.Message { return f.msgs[f.idx] }
func (f *fakeIterator) Next()                     { f.idx++ }
func (f *fakeIterator) Close() error              { return nil }

func TestScheduler_SubmitRunsTaskToCompletion(t *testing.T) {
	keyDec, _ := format.NewDecoder(format.Binary, "")
	valDec, _ := format.NewDecoder(format.Binary, "")
	iter := &fakeIterator{msgs: []*brokeriter.Message{
		{Topic: "t", Partition: 0, Offset: 0, Key: nil, Value: []byte("hello")},
	}}
	openTopic := func(topic string, startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		return iter, nil
	}
	parent := consumerstate.New("group1", "instance1", openTopic, nil, keyDec, valDec, 1000)

	clk := clock.NewVirtual(0)
	cfg := readtask.Config{
		ServerResponseMaxBytes: 1 << 20,
		RequestTimeoutMs:       50,
		ResponseMinBytes:       -1,
		IteratorBackoffMs:      10,
	}

	done := make(chan []topicstate.Record, 1)
	task := readtask.New(parent, "t", 1<<20, cfg, clk, func(records []topicstate.Record, err error) {
		require.NoError(t, err)
		done <- records
	})
	require.False(t, task.Finished())

	sched := scheduler.New(2, clk)
	defer sched.Stop()
	sched.Submit(task)

	select {
	case records := <-done:
		require.Len(t, records, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
}
