package manager_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/config"
	"github.com/mailgun/kafka-rest-proxy/internal/format"
	"github.com/mailgun/kafka-rest-proxy/internal/manager"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/scheduler"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

func newManager(t *testing.T) *manager.T {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewVirtual(0)
	sched := scheduler.New(1, clk)
	t.Cleanup(sched.Stop)
	return manager.New(cfg, nil, sched, clk)
}

func TestCreateConsumer_GeneratesIDWhenAbsent(t *testing.T) {
	m := newManager(t)
	resp, err := m.CreateConsumer("group1", manager.CreateConsumerRequest{Name: "alice", Format: format.Binary})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.InstanceID)
	assert.NotEqual(t, "alice", resp.InstanceID, "a supplied name without an id should still get a generated id")
}

func TestCreateConsumer_HonorsSuppliedID(t *testing.T) {
	m := newManager(t)
	resp, err := m.CreateConsumer("group1", manager.CreateConsumerRequest{ID: "fixed-id", Format: format.Binary})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", resp.InstanceID)
}

func TestCreateConsumer_RejectsDuplicateName(t *testing.T) {
	m := newManager(t)
	_, err := m.CreateConsumer("group1", manager.CreateConsumerRequest{Name: "bob", Format: format.Binary})
	require.NoError(t, err)

	_, err = m.CreateConsumer("group1", manager.CreateConsumerRequest{Name: "bob", Format: format.Binary})
	require.Error(t, err)
	_, ok := err.(perrors.AlreadyExists)
	assert.True(t, ok)
}

func TestCreateConsumer_RejectsDuplicateID(t *testing.T) {
	m := newManager(t)
	_, err := m.CreateConsumer("group1", manager.CreateConsumerRequest{ID: "dup-id", Format: format.Binary})
	require.NoError(t, err)

	_, err = m.CreateConsumer("group1", manager.CreateConsumerRequest{ID: "dup-id", Name: "different-name", Format: format.Binary})
	require.Error(t, err)
	_, ok := err.(perrors.AlreadyExists)
	assert.True(t, ok)
}

func TestReadTopic_UnknownInstanceFiresNotFoundSynchronously(t *testing.T) {
	m := newManager(t)
	called := false
	var gotErr error
	m.ReadTopic("group1", "missing", "some-topic", 0, func(records []topicstate.Record, err error) {
		called = true
		gotErr = err
	})
	require.True(t, called)
	_, ok := gotErr.(perrors.NotFound)
	assert.True(t, ok)
}

func TestDeleteConsumer_RemovesInstanceAndRejectsFutureReads(t *testing.T) {
	m := newManager(t)
	resp, err := m.CreateConsumer("group1", manager.CreateConsumerRequest{Name: "carol", Format: format.Binary})
	require.NoError(t, err)

	require.NoError(t, m.DeleteConsumer("group1", resp.InstanceID))

	err = m.DeleteConsumer("group1", resp.InstanceID)
	require.Error(t, err)
	_, ok := err.(perrors.NotFound)
	assert.True(t, ok)

	called := false
	var gotErr error
	m.ReadTopic("group1", resp.InstanceID, "some-topic", 0, func(records []topicstate.Record, err error) {
		called = true
		gotErr = err
	})
	assert.True(t, called)
	_, ok = gotErr.(perrors.NotFound)
	assert.True(t, ok, "reading a deleted instance should fail with NotFound")
}
