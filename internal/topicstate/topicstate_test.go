package topicstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgun/kafka-rest-proxy/internal/brokeriter"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

type fakeIterator struct{ closed bool }

func (f *fakeIterator) HasNext() (bool, error)    { return false, perrors.IteratorTimeout{} }
func (f *fakeIterator) Peek() *brokeriter.Message { return nil }
func (f *fakeIterator) Next()                     {}
func (f *fakeIterator) Close() error              { f.closed = true; return nil }

type fakeCarryOver struct {
	messages []topicstate.Record
}

func (f fakeCarryOver) Messages() []topicstate.Record    { return f.messages }
func (f fakeCarryOver) BytesConsumed() int64             { return 0 }
func (f fakeCarryOver) ExceededMinResponseBytes() bool   { return false }
func (f fakeCarryOver) WillExceedMaxResponseBytes() bool { return false }

func TestStartRead_OpensIteratorOnceAndResumesFromOffsets(t *testing.T) {
	var gotStart map[int32]int64
	opens := 0
	iter := &fakeIterator{}
	open := func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		opens++
		gotStart = startOffsets
		return iter, nil
	}
	ts := topicstate.New("t", open)

	ts.RecordOffset(0, 5)
	ts.RecordOffset(1, 9)

	require.NoError(t, ts.StartRead("owner-a", 100))
	assert.Equal(t, 1, opens)
	assert.Equal(t, int64(6), gotStart[0])
	assert.Equal(t, int64(10), gotStart[1])

	// A second StartRead with the same owner reuses the already-open
	// iterator rather than reopening it.
	ts.FinishRead()
	require.NoError(t, ts.StartRead("owner-a", 100))
	assert.Equal(t, 1, opens)
}

func TestStartRead_RejectsConcurrentOwner(t *testing.T) {
	open := func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		return &fakeIterator{}, nil
	}
	ts := topicstate.New("t", open)

	require.NoError(t, ts.StartRead("owner-a", 100))
	assert.True(t, ts.HeldByOther("owner-b"))
	assert.False(t, ts.HeldByOther("owner-a"))

	err := ts.StartRead("owner-b", 100)
	require.Error(t, err)
	_, ok := err.(perrors.BrokerInitFailure)
	assert.True(t, ok)
}

func TestFailedTaskSlot_SetAndClear(t *testing.T) {
	open := func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		return &fakeIterator{}, nil
	}
	ts := topicstate.New("t", open)

	_, ok := ts.ClearFailedTask()
	assert.False(t, ok)

	carry := fakeCarryOver{messages: []topicstate.Record{{Topic: "t", Offset: 3}}}
	ts.SetFailedTask(carry)

	got, ok := ts.ClearFailedTask()
	require.True(t, ok)
	assert.Equal(t, carry.Messages(), got.Messages())

	_, ok = ts.ClearFailedTask()
	assert.False(t, ok, "the slot is cleared by the first ClearFailedTask call")
}

func TestRecordOffset_OnlyAdvances(t *testing.T) {
	open := func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		return &fakeIterator{}, nil
	}
	ts := topicstate.New("t", open)

	ts.RecordOffset(0, 5)
	ts.RecordOffset(0, 3) // stale, should not regress
	assert.Equal(t, int64(5), ts.ConsumedOffsets()[0])

	ts.RecordOffset(0, 8)
	assert.Equal(t, int64(8), ts.ConsumedOffsets()[0])
}
