// Package events publishes collection run events to a RabbitMQ topic
// exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/edgard/tgcollector/internal/collector"
	"github.com/edgard/tgcollector/internal/model"
)

// Routing keys.
const (
	RoutingKeyRunCompleted = "collection.run.completed"
	RoutingKeyRunFailed    = "collection.run.failed"
)

// RunEvent is the body of a run event.
type RunEvent struct {
	ID              string                `json:"id"`
	Type            string                `json:"type"`
	OccurredAt      time.Time             `json:"occurredAt"`
	RunID           string                `json:"runId"`
	Account         string                `json:"phone"`
	State           string                `json:"state"`
	Reason          string                `json:"reason,omitempty"`
	Error           string                `json:"error,omitempty"`
	DurationMillis  int64                 `json:"durationMs"`
	SkippedChats    []int64               `json:"skippedChats,omitempty"`
	RecordsAccepted int                   `json:"recordsAccepted"`
	FailedBatches   int                   `json:"failedBatches"`
	StatsStored     bool                  `json:"statsStored"`
	Stats           *model.AggregateStats `json:"stats,omitempty"`
}

// NewRunEvent describes out.
func NewRunEvent(out collector.Outcome, now time.Time) RunEvent {
	ev := RunEvent{
		ID:              uuid.NewString(),
		Type:            RoutingKeyRunCompleted,
		OccurredAt:      now.UTC(),
		RunID:           out.RunID,
		Account:         out.Account,
		State:           string(out.State),
		Reason:          out.Reason,
		DurationMillis:  out.Duration.Milliseconds(),
		RecordsAccepted: out.Records.Accepted(),
		FailedBatches:   len(out.Records.Failed()),
		StatsStored:     out.OK() && out.StatsReport.Succeeded(),
		Stats:           out.Stats,
	}
	if !out.OK() {
		ev.Type = RoutingKeyRunFailed
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	for _, s := range out.Skipped {
		ev.SkippedChats = append(ev.SkippedChats, s.ChatID)
	}
	return ev
}

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
	Close() error
}

// Publisher implements collector.Reporter.
type Publisher struct {
	exchange string
	open     func() (channel, error)
	close    func() error
	now      func() time.Time
	logger   *slog.Logger
}

// NewPublisher connects to RabbitMQ and declares the topic exchange.
func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(exchange, logger, func() (channel, error) { return conn.Channel() })
	p.close = conn.Close
	p.logger.Info("Connected to rabbitmq", "exchange", exchange)
	return p, nil
}

func newPublisher(exchange string, logger *slog.Logger, open func() (channel, error)) *Publisher {
	return &Publisher{
		exchange: exchange,
		open:     open,
		close:    func() error { return nil },
		now:      time.Now,
		logger:   logger.With("component", "event_publisher"),
	}
}

// Report publishes the run event of out and waits for the broker's
// confirmation.
func (p *Publisher) Report(ctx context.Context, out collector.Outcome) error {
	ev := NewRunEvent(out, p.now())
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode run event: %w", err)
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, ev.Type, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     ev.ID,
		CorrelationId: out.RunID,
		Timestamp:     ev.OccurredAt,
		Type:          ev.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to confirm run event: %w", err)
		}
		if !acked {
			return fmt.Errorf("broker rejected run event %s", ev.ID)
		}
	}

	p.logger.InfoContext(ctx, "Published run event", "key", ev.Type, "exchange", p.exchange, "run_id", out.RunID)
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.close()
}
