package gardener

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Queue decouples "a block just closed" notifications from Garden calls,
// letting the engine enqueue promotion work without blocking the turn
// pipeline on it. The default implementation is an in-process channel; a
// Kafka-backed implementation is available for multi-process deployments
// where the engine and the gardening worker are separate processes.
type Queue interface {
	Enqueue(ctx context.Context, blockID string) error
	// Dequeue blocks until a block id is available or ctx is cancelled.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// ChanQueue is the default, in-process Queue.
type ChanQueue struct {
	ch chan string
}

// NewChanQueue builds a buffered in-process queue.
func NewChanQueue(capacity int) *ChanQueue {
	return &ChanQueue{ch: make(chan string, capacity)}
}

func (q *ChanQueue) Enqueue(ctx context.Context, blockID string) error {
	select {
	case q.ch <- blockID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChanQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *ChanQueue) Close() error {
	close(q.ch)
	return nil
}

// KafkaQueue is a segmentio/kafka-go-backed Queue, for deployments where
// the block-closed producer (the engine) and the gardening consumer run in
// separate processes sharing a broker.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaQueue constructs a KafkaQueue bound to topic on brokers, using
// groupID for the consumer group so multiple gardener workers can share the
// queue without double-processing a block.
func NewKafkaQueue(brokers []string, topic, groupID string) *KafkaQueue {
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, blockID string) error {
	return q.writer.WriteMessages(ctx, kafka.Message{Value: []byte(blockID)})
}

func (q *KafkaQueue) Dequeue(ctx context.Context) (string, error) {
	msg, err := q.reader.ReadMessage(ctx)
	if err != nil {
		return "", err
	}
	return string(msg.Value), nil
}

func (q *KafkaQueue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
