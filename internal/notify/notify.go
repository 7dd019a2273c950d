// Package notify fans committed escrow notifications out to delivery
// workers. Rows are already stored when a sink sees them, so sinks are
// best-effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/metrics"
	"github.com/digivault/escrowd/internal/retry"
)

// DefaultTopic is the NSQ topic notifications are published to.
const DefaultTopic = "escrow.notifications"

// Publisher is the subset of *nsq.Producer the sink needs.
type Publisher interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// NewProducer connects to nsqd at address and checks it answers.
func NewProducer(address string) (*nsq.Producer, error) {
	cfg := nsq.NewConfig()
	producer, err := nsq.NewProducer(address, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to ping nsqd: %w", err)
	}
	return producer, nil
}

// Message is the wire body published for each notification.
type Message struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
	CreatedAt     string `json:"createdAt"`
}

func toMessage(n *escrow.Notification) Message {
	return Message{
		ID:            n.ID,
		UserID:        n.UserID,
		Type:          n.Type,
		Title:         n.Title,
		Message:       n.Message,
		TransactionID: n.TransactionID,
		CreatedAt:     n.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// NSQSink publishes notifications as JSON to an NSQ topic.
type NSQSink struct {
	pub    Publisher
	topic  string
	policy retry.Policy
	logger *slog.Logger
}

// NewNSQSink creates a sink over pub. An empty topic uses DefaultTopic.
func NewNSQSink(pub Publisher, topic string, logger *slog.Logger) *NSQSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &NSQSink{pub: pub, topic: topic, policy: retry.Default, logger: logger}
}

// WithRetry overrides the publish retry policy.
func (s *NSQSink) WithRetry(p retry.Policy) *NSQSink {
	s.policy = p
	return s
}

func (s *NSQSink) Publish(ctx context.Context, n *escrow.Notification) error {
	body, err := json.Marshal(toMessage(n))
	if err != nil {
		metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "error").Inc()
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	err = retry.Do(ctx, s.policy, func(context.Context) error {
		return s.pub.Publish(s.topic, body)
	})
	if err != nil {
		metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "error").Inc()
		return fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
	}
	metrics.NotificationsPublishedTotal.WithLabelValues("nsq", "ok").Inc()
	s.logger.Debug("published notification", "topic", s.topic, "notification_id", n.ID, "type", n.Type)
	return nil
}

// Ping reports whether nsqd is reachable.
func (s *NSQSink) Ping(context.Context) error {
	return s.pub.Ping()
}

// Stop flushes and closes the producer.
func (s *NSQSink) Stop() {
	s.pub.Stop()
}

// LogSink writes notifications to the log. Used in development when no
// nsqd is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, n *escrow.Notification) error {
	s.logger.Info("notification",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"type", n.Type,
		"transaction_id", n.TransactionID,
		"title", n.Title)
	metrics.NotificationsPublishedTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

var (
	_ escrow.Notifier = (*NSQSink)(nil)
	_ escrow.Notifier = (*LogSink)(nil)
	_ Publisher       = (*nsq.Producer)(nil)
)
