package emitters

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/types"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeConn struct {
	subjects []string
	data     [][]byte
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.data = append(c.data, data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func sample(status types.Status) *types.Transfer {
	return &types.Transfer{ID: "t-1", SourceChain: "ethereum", DestinationChain: "solana", Asset: "USDC", Amount: "10", Status: status}
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}

	require.NoError(t, k.Publish(context.Background(), sample(types.StatusApproving)))
	require.NoError(t, k.Publish(context.Background(), sample(types.StatusSourceSubmitted)))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[1]
	assert.Equal(t, "t-1", string(msg.Key))
	assert.Equal(t, "source_submitted", string(msg.Headers[0].Value))
	var got types.Transfer
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, types.StatusSourceSubmitted, got.Status)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
	assert.Error(t, k.Publish(context.Background(), sample(types.StatusCompleted)))
	assert.NoError(t, k.Close())
}

func TestKafkaWriteError(t *testing.T) {
	k := &Kafka{writer: &fakeWriter{err: errors.New("leader not available")}}
	err := k.Publish(context.Background(), sample(types.StatusApproving))
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaQueuesWithoutBroker(t *testing.T) {
	k := NewKafka("127.0.0.1:1", "bridge.transfers")
	w, ok := k.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)
	assert.NotNil(t, w.Completion)

	start := time.Now()
	require.NoError(t, k.Publish(context.Background(), sample(types.StatusApproving)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNATSPublishesPerStatusSubject(t *testing.T) {
	c := &fakeConn{}
	n := &NATS{conn: c, subject: "bridge.transfers"}

	require.NoError(t, n.Publish(context.Background(), sample(types.StatusAttested)))
	require.NoError(t, n.Publish(context.Background(), sample(types.StatusFailed)))
	assert.Equal(t, []string{"bridge.transfers.attested", "bridge.transfers.failed"}, c.subjects)

	var got types.Transfer
	require.NoError(t, json.Unmarshal(c.data[0], &got))
	assert.Equal(t, "t-1", got.ID)

	require.NoError(t, n.Close())
	assert.True(t, c.drained)
}
