// Package emitters publishes committed transfer states to message brokers.
package emitters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"goxbridge/logger"
	"goxbridge/types"
)

// messageWriter is the part of kafka.Writer the emitter uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes every transfer update to a topic, keyed by transfer id so
// updates of one transfer stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	mu     sync.Mutex
}

// NewKafka returns an asynchronous emitter: Publish only queues the message,
// delivery errors are logged when the batch completes.
func NewKafka(brokerAddress, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerAddress),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			MaxAttempts:  3,
			Completion:   logCompletion,
		},
	}
}

func logCompletion(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	logger.GetLogger().Error().Err(err).Int("messages", len(msgs)).Msg("failed to deliver transfer updates to Kafka")
}

func (k *Kafka) Publish(ctx context.Context, t *types.Transfer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		return fmt.Errorf("kafka emitter closed")
	}

	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(t.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	logger.GetLogger().Debug().
		Str("transfer", t.ID).
		Str("status", string(t.Status)).
		Msg("emitted transfer update to Kafka")
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.writer != nil {
		err := k.writer.Close()
		k.writer = nil
		return err
	}
	return nil
}
