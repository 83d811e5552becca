// Package manager implements spec.md §4.F: the Manager Facade, the single
// entry point the HTTP surface calls into. It owns the instance registry,
// the shared broker client, and the worker pool, and is the one place
// where a Topic State's broker iterator is actually wired to sarama.
package manager

import (
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mailgun/kafka-rest-proxy/internal/brokeriter"
	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/mailgun/kafka-rest-proxy/internal/config"
	"github.com/mailgun/kafka-rest-proxy/internal/consumerstate"
	"github.com/mailgun/kafka-rest-proxy/internal/format"
	"github.com/mailgun/kafka-rest-proxy/internal/logging"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/readtask"
	"github.com/mailgun/kafka-rest-proxy/internal/scheduler"
)

var log = logging.ForComponent("manager")

// CreateConsumerRequest carries the fields spec.md §4.F's createConsumer
// accepts from the HTTP layer.
type CreateConsumerRequest struct {
	// ID, if set, is used verbatim and takes priority over Name; if both
	// are empty a uuid is generated (restoring the original Confluent
	// kafka-rest behavior: a name without an id still gets a generated
	// id, spec.md's distillation left this detail out).
	ID     string
	Name   string
	Format format.Name
	Schema string
}

// CreateConsumerResponse is returned to the HTTP layer on success.
type CreateConsumerResponse struct {
	InstanceID string
}

type instance struct {
	group, id, name string
	cs              *consumerstate.T
}

// T is the Manager Facade.
type T struct {
	cfg    *config.Proxy
	client sarama.Client
	sched  *scheduler.T
	clk    clock.Clock

	mu        sync.Mutex
	instances map[string]*instance // "group/id"
	names     map[string]string    // "group/name" -> id
}

// New constructs a Manager Facade bound to client, a shared sarama.Client
// every instance's broker iterators are opened from.
func New(cfg *config.Proxy, client sarama.Client, sched *scheduler.T, clk clock.Clock) *T {
	return &T{
		cfg:       cfg,
		client:    client,
		sched:     sched,
		clk:       clk,
		instances: make(map[string]*instance),
		names:     make(map[string]string),
	}
}

func instanceKey(group, id string) string { return group + "/" + id }
func nameKey(group, name string) string   { return group + "/" + name }

// CreateConsumer registers a new consumer instance within group, per
// spec.md §4.F "createConsumer".
func (m *T) CreateConsumer(group string, req CreateConsumerRequest) (CreateConsumerResponse, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nk := nameKey(group, name)
	if _, exists := m.names[nk]; exists {
		return CreateConsumerResponse{}, perrors.AlreadyExists{Msg: "consumer instance " + name + " already exists in group " + group}
	}
	ik := instanceKey(group, id)
	if _, exists := m.instances[ik]; exists {
		return CreateConsumerResponse{}, perrors.AlreadyExists{Msg: "consumer instance id " + id + " already exists in group " + group}
	}

	// Key and value share a decoder instance: the embedded format applies
	// uniformly to both per spec.md §1, and the Avro codec is immutable
	// once built from its schema.
	decoder, err := format.NewDecoder(req.Format, req.Schema)
	if err != nil {
		return CreateConsumerResponse{}, errors.Wrap(err, "failed to build embedded format decoder")
	}

	openTopic := func(topic string, startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
		return brokeriter.Open(m.client, topic, startOffsets, time.Duration(iteratorTimeoutMs)*time.Millisecond)
	}
	cs := consumerstate.New(group, id, openTopic, nil, decoder, decoder, m.cfg.Consumer.IteratorTimeoutMs)

	inst := &instance{group: group, id: id, name: name, cs: cs}
	m.instances[ik] = inst
	m.names[nk] = id

	log.WithField("group", group).WithField("id", id).Info("created consumer instance")
	return CreateConsumerResponse{InstanceID: id}, nil
}

// ReadTopic submits a Read Task for the given instance and topic, per
// spec.md §4.F "readTopic". If the instance doesn't exist, callback fires
// synchronously with perrors.NotFound rather than going through the
// scheduler.
func (m *T) ReadTopic(group, id, topic string, requestMaxBytes int64, callback readtask.Callback) {
	inst := m.lookup(group, id)
	if inst == nil {
		callback(nil, perrors.NotFound{Msg: "no such consumer instance " + id + " in group " + group})
		return
	}

	overrides := m.cfg.InstanceOverrides
	cfg := readtask.Config{
		ServerResponseMaxBytes: m.cfg.Consumer.ResponseMaxBytes,
		RequestTimeoutMs:       m.cfg.Consumer.RequestWaitMsFor(inst.name, overrides),
		ResponseMinBytes:       m.cfg.Consumer.ResponseMinBytesFor(inst.name, overrides),
		IteratorBackoffMs:      m.cfg.Consumer.IteratorBackoffMs,
	}
	if requestMaxBytes <= 0 {
		requestMaxBytes = m.cfg.Consumer.RequestMaxBytes
	}

	task := readtask.New(inst.cs, topic, requestMaxBytes, cfg, m.clk, callback)
	if !task.Finished() {
		m.sched.Submit(task)
	}
}

// CommitOffsets commits every topic's consumed-offset ledger to the broker
// via a sarama offset manager scoped to the instance's group, per spec.md
// §4.F "commitOffsets".
func (m *T) CommitOffsets(group, id string) error {
	inst := m.lookup(group, id)
	if inst == nil {
		return perrors.NotFound{Msg: "no such consumer instance " + id + " in group " + group}
	}

	offsetsByTopic := inst.cs.ConsumedOffsetsByTopic()
	if len(offsetsByTopic) == 0 {
		return nil
	}

	om, err := sarama.NewOffsetManagerFromClient(group, m.client)
	if err != nil {
		return perrors.BrokerIOFailure{Cause: errors.Wrap(err, "failed to create offset manager")}
	}
	defer om.Close()

	for topic, offsets := range offsetsByTopic {
		for partition, offset := range offsets {
			pom, err := om.ManagePartition(topic, partition)
			if err != nil {
				return perrors.BrokerIOFailure{Cause: errors.Wrapf(err, "failed to manage partition %s/%d", topic, partition)}
			}
			pom.MarkOffset(offset+1, "")
			pom.AsyncClose()
		}
	}
	return nil
}

// DeleteConsumer tombstones and tears down an instance, per spec.md §4.F
// "deleteConsumer": the instance stops accepting new reads immediately,
// and any in-flight Read Task observes perrors.ShuttingDown through its
// Consumer State's Tombstoned check on its next step rather than
// completing normally.
func (m *T) DeleteConsumer(group, id string) error {
	m.mu.Lock()
	ik := instanceKey(group, id)
	inst, ok := m.instances[ik]
	if !ok {
		m.mu.Unlock()
		return perrors.NotFound{Msg: "no such consumer instance " + id + " in group " + group}
	}
	delete(m.instances, ik)
	delete(m.names, nameKey(group, inst.name))
	m.mu.Unlock()

	inst.cs.Tombstone()
	return inst.cs.Close()
}

func (m *T) lookup(group, id string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[instanceKey(group, id)]
}

// Close tears down every remaining instance and the shared broker client,
// used on full proxy shutdown.
func (m *T) Close() error {
	m.mu.Lock()
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*instance)
	m.names = make(map[string]string)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.cs.Tombstone()
		if err := inst.cs.Close(); err != nil {
			log.WithError(err).Warn("failed to close consumer instance during shutdown")
		}
	}
	m.sched.Stop()
	return m.client.Close()
}
