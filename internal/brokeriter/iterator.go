// Package brokeriter bridges sarama's channel-based PartitionConsumer to
// the blocking hasNext()/peek()/next() iterator contract spec.md §6
// requires from the broker client: Kafka message arrival is push-style over
// channels, while the Read Task needs a pull-style iterator it can poll
// with a short bounded wait (spec.md §1's "two rhythms").
//
// This is adapted from the kafka-pixy multi-partition consumer pool
// (consumer/dumb_consumer.go in the teacher tree): the same
// "ConsumePartition per partition, fan messages into one channel" shape,
// but without kafka-pixy's own broker-leader-reassignment actor/mapper
// machinery, since sarama's ConsumePartition already tracks leader changes
// internally in the consumer-groups-era client this proxy targets.
package brokeriter

import (
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/mailgun/kafka-rest-proxy/internal/perrors"
)

// Message is one fetched Kafka record, prior to embedded-format decoding.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Iterator is the blocking broker iterator contract named in spec.md §6.
type Iterator interface {
	// HasNext blocks up to the configured iterator timeout waiting for a
	// message. It returns (true, nil) when one is available to Peek, or
	// (false, perrors.IteratorTimeout{}) when the bounded wait elapses with
	// nothing — the normal, expected "Empty" outcome (spec.md Design Notes).
	HasNext() (bool, error)
	// Peek returns the current message without advancing past it.
	Peek() *Message
	// Next advances past the message most recently returned by Peek.
	Next()
	// Close releases the underlying per-partition consumers.
	Close() error
}

// T consumes every partition of one topic and multiplexes their messages
// into arrival order across a single channel, starting each partition from
// the offset map supplied at construction (spec.md §4.B: "the iterator is
// never reset").
type T struct {
	topic         string
	timeout       time.Duration
	consumer      sarama.Consumer
	partitionCons []sarama.PartitionConsumer
	messagesCh    chan *sarama.ConsumerMessage
	errCh         chan error
	pending       *Message
	closed        bool
}

// Open creates a broker iterator for every partition of topic, resuming
// each from startOffsets[partition] (or sarama.OffsetNewest if absent).
func Open(client sarama.Client, topic string, startOffsets map[int32]int64, iteratorTimeout time.Duration) (*T, error) {
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return nil, perrors.BrokerInitFailure{Cause: errors.Wrap(err, "failed to create sarama consumer")}
	}
	partitions, err := client.Partitions(topic)
	if err != nil {
		consumer.Close()
		return nil, perrors.BrokerInitFailure{Cause: errors.Wrap(err, "failed to list partitions")}
	}

	it := &T{
		topic:      topic,
		timeout:    iteratorTimeout,
		consumer:   consumer,
		messagesCh: make(chan *sarama.ConsumerMessage, 256),
		errCh:      make(chan error, len(partitions)),
	}
	for _, p := range partitions {
		offset, ok := startOffsets[p]
		if !ok {
			offset = sarama.OffsetNewest
		}
		pc, err := consumer.ConsumePartition(topic, p, offset)
		if err != nil {
			it.Close()
			return nil, perrors.BrokerInitFailure{Cause: errors.Wrapf(err, "failed to consume partition %d", p)}
		}
		it.partitionCons = append(it.partitionCons, pc)
		go it.pump(pc)
	}
	return it, nil
}

func (it *T) pump(pc sarama.PartitionConsumer) {
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			it.messagesCh <- msg
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			select {
			case it.errCh <- err.Err:
			default:
			}
		}
	}
}

// HasNext implements Iterator.
func (it *T) HasNext() (bool, error) {
	if it.pending != nil {
		return true, nil
	}
	select {
	case msg := <-it.messagesCh:
		it.pending = &Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
		}
		return true, nil
	case err := <-it.errCh:
		return false, perrors.BrokerIOFailure{Cause: err}
	case <-time.After(it.timeout):
		return false, perrors.IteratorTimeout{}
	}
}

// Peek implements Iterator.
func (it *T) Peek() *Message {
	return it.pending
}

// Next implements Iterator.
func (it *T) Next() {
	it.pending = nil
}

// Close implements Iterator.
func (it *T) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	for _, pc := range it.partitionCons {
		pc.AsyncClose()
	}
	return it.consumer.Close()
}
