// Package consumerstate implements spec.md §4.C: the per-instance
// singleton holding configuration, the format decoder, the topic-state
// table, subscription exclusivity, and the record factory.
package consumerstate

import (
	"sync"

	"github.com/mailgun/kafka-rest-proxy/internal/brokeriter"
	"github.com/mailgun/kafka-rest-proxy/internal/format"
	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
	"github.com/mailgun/kafka-rest-proxy/internal/topicstate"
)

// OpenTopic opens a broker iterator for topic; see topicstate.OpenFunc.
// Binding this per-instance (rather than threading a sarama.Client through
// every component) keeps broker connection construction — named in
// spec.md §1 as an external collaborator — out of this package's concerns.
type OpenTopic func(topic string, startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error)

// T is one consumer instance's state: (group, id), its broker connection,
// its embedded-format decoder, and at most one active Topic State.
type T struct {
	Group string
	ID    string

	openTopic         OpenTopic
	closeClient       func() error
	keyDecoder        format.Decoder
	valueDecoder      format.Decoder
	iteratorTimeoutMs int64

	mu          sync.Mutex
	activeTopic string
	topics      map[string]*topicstate.T
	tombstoned  bool
}

// New creates a Consumer State bound to group/id. openTopic opens the
// broker iterator for a topic on demand; closeClient releases the
// instance's broker connection on Close.
func New(group, id string, openTopic OpenTopic, closeClient func() error, keyDecoder, valueDecoder format.Decoder, iteratorTimeoutMs int64) *T {
	return &T{
		Group:             group,
		ID:                id,
		openTopic:         openTopic,
		closeClient:       closeClient,
		keyDecoder:        keyDecoder,
		valueDecoder:      valueDecoder,
		iteratorTimeoutMs: iteratorTimeoutMs,
		topics:            make(map[string]*topicstate.T),
	}
}

// GetOrCreateTopicState returns the existing Topic State for topic. If the
// instance already has an active Topic State bound to a different topic,
// it fails with perrors.AlreadySubscribed (spec.md §4.C).
func (t *T) GetOrCreateTopicState(topic string) (*topicstate.T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tombstoned {
		return nil, perrors.ShuttingDown{Group: t.Group, ID: t.ID}
	}
	if t.activeTopic != "" && t.activeTopic != topic {
		return nil, perrors.AlreadySubscribed{Group: t.Group, ID: t.ID, Topic: topic}
	}
	ts, ok := t.topics[topic]
	if !ok {
		open := func(startOffsets map[int32]int64, iteratorTimeoutMs int64) (brokeriter.Iterator, error) {
			return t.openTopic(topic, startOffsets, iteratorTimeoutMs)
		}
		ts = topicstate.New(topic, open)
		t.topics[topic] = ts
		t.activeTopic = topic
	}
	return ts, nil
}

// StartRead delegates to the Topic State, supplying the instance's
// configured iterator timeout. owner identifies the calling Read Task so
// the Topic State can distinguish its own hold from contention by another
// task; see topicstate.T.HeldByOther.
func (t *T) StartRead(ts *topicstate.T, owner interface{}) error {
	return ts.StartRead(owner, t.iteratorTimeoutMs)
}

// FinishRead releases the Topic State's in-use flag.
func (t *T) FinishRead(ts *topicstate.T) {
	ts.FinishRead()
}

// Tombstone marks the instance as shutting down: further
// GetOrCreateTopicState calls fail with perrors.ShuttingDown, matching
// spec.md §5's deletion-vs-in-flight-task policy.
func (t *T) Tombstone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tombstoned = true
}

// Tombstoned reports whether the instance has been marked for deletion.
func (t *T) Tombstoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tombstoned
}

// ConsumedOffsetsByTopic snapshots every Topic State's consumed-offset
// ledger, keyed by topic, for the Manager Facade's commitOffsets.
func (t *T) ConsumedOffsetsByTopic() map[string]map[int32]int64 {
	t.mu.Lock()
	topics := make(map[string]*topicstate.T, len(t.topics))
	for topic, ts := range t.topics {
		topics[topic] = ts
	}
	t.mu.Unlock()

	out := make(map[string]map[int32]int64, len(topics))
	for topic, ts := range topics {
		out[topic] = ts.ConsumedOffsets()
	}
	return out
}

// Close tears down every Topic State's broker iterator and the instance's
// broker client connection.
func (t *T) Close() error {
	t.mu.Lock()
	topics := make([]*topicstate.T, 0, len(t.topics))
	for _, ts := range t.topics {
		topics = append(topics, ts)
	}
	t.mu.Unlock()

	for _, ts := range topics {
		ts.Close()
	}
	if t.closeClient != nil {
		return t.closeClient()
	}
	return nil
}

// CreateConsumerRecord decodes a raw broker message into a client-facing
// Record and computes its rough size: the sum of the key and value
// decoders' RoughSize (raw payload length for binary and JSON, compact
// JSON length for Avro). It is an estimate of the bytes the record adds to
// the HTTP response; base64 expansion and JSON framing are not counted.
func (t *T) CreateConsumerRecord(raw *brokeriter.Message) (topicstate.Record, int, error) {
	decodedKey, err := t.keyDecoder.Decode(raw.Key)
	if err != nil {
		return topicstate.Record{}, 0, perrors.BrokerIOFailure{Cause: err}
	}
	decodedValue, err := t.valueDecoder.Decode(raw.Value)
	if err != nil {
		return topicstate.Record{}, 0, perrors.BrokerIOFailure{Cause: err}
	}
	record := topicstate.Record{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Key:       decodedKey.Value,
		Value:     decodedValue.Value,
	}
	roughSize := decodedKey.RoughSize + decodedValue.RoughSize
	return record, roughSize, nil
}
