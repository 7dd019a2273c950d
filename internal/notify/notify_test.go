package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/logging"
	"github.com/digivault/escrowd/internal/metrics"
	"github.com/digivault/escrowd/internal/retry"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	topics   []string
	bodies   [][]byte
	stopped  bool
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("E_TOPIC_EXIT")
	}
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) Ping() error { return nil }
func (p *fakePublisher) Stop()       { p.stopped = true }

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func sampleNote() *escrow.Notification {
	return escrow.NewNotification("seller", escrow.NotifyFundsReleased, "Funds released",
		"Payout of 95000 for your sale has been released.", "tx_1",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestNSQSink_Publish(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNSQSink(pub, "", logging.Discard()).WithRetry(fastRetry)
	before := testutil.ToFloat64(metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "ok"))

	note := sampleNote()
	require.NoError(t, sink.Publish(context.Background(), note))

	require.Len(t, pub.bodies, 1)
	assert.Equal(t, DefaultTopic, pub.topics[0])

	var msg Message
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, note.ID, msg.ID)
	assert.Equal(t, "seller", msg.UserID)
	assert.Equal(t, escrow.NotifyFundsReleased, msg.Type)
	assert.Equal(t, "tx_1", msg.TransactionID)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", msg.CreatedAt)

	after := testutil.ToFloat64(metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "ok"))
	assert.Equal(t, before+1, after)
}

func TestNSQSink_RetriesTransientFailure(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	sink := NewNSQSink(pub, "custom.topic", logging.Discard()).WithRetry(fastRetry)

	require.NoError(t, sink.Publish(context.Background(), sampleNote()))
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "custom.topic", pub.topics[0])
}

func TestNSQSink_GivesUp(t *testing.T) {
	pub := &fakePublisher{failures: 10}
	sink := NewNSQSink(pub, "", logging.Discard()).WithRetry(fastRetry)
	before := testutil.ToFloat64(metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "error"))

	err := sink.Publish(context.Background(), sampleNote())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_TOPIC_EXIT")
	assert.Empty(t, pub.bodies)
	assert.Equal(t, 7, pub.failures)

	after := testutil.ToFloat64(metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "error"))
	assert.Equal(t, before+1, after)
}

func TestNSQSink_Stop(t *testing.T) {
	pub := &fakePublisher{}
	NewNSQSink(pub, "", logging.Discard()).Stop()
	assert.True(t, pub.stopped)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Publish(context.Background(), sampleNote()))
	assert.Contains(t, buf.String(), `"type":"FUNDS_RELEASED"`)
	assert.Contains(t, buf.String(), `"transaction_id":"tx_1"`)
}

func TestPublishAll_FailureDoesNotPropagate(t *testing.T) {
	pub := &fakePublisher{failures: 100}
	sink := NewNSQSink(pub, "", logging.Discard()).WithRetry(retry.Policy{Attempts: 1})

	// Must not panic or block; failures are only logged.
	escrow.PublishAll(context.Background(), sink, logging.Discard(), []*escrow.Notification{sampleNote(), sampleNote()})
	assert.Equal(t, 98, pub.failures)
}
