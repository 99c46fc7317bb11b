// Package amqpqueue claims jobs from a RabbitMQ queue and publishes status
// updates to an exchange.
package amqpqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

const contentType = "application/json"

// Broker is the part of the RabbitMQ client the source needs
type Broker interface {
	Get(ctx context.Context) (amqp.Delivery, bool, error)
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Source is a job source backed by a message broker
type Source struct {
	broker Broker
	logger *slog.Logger
}

// New creates a new Source instance
func New(broker Broker, logger *slog.Logger) *Source {
	return &Source{
		broker: broker,
		logger: logger,
	}
}

// RoutingKey returns the key a status update for job uid in state is published with
func RoutingKey(uid string, state domain.State) string {
	return fmt.Sprintf("job.%s.%s", uid, state)
}

// Claim takes one job message off the queue. Messages that do not match
// selector go back to the queue for other workers.
func (s *Source) Claim(ctx context.Context, selector domain.TagSelector) (*domain.Job, error) {
	delivery, ok, err := s.broker.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get job message: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var job domain.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		s.reject(delivery, false)
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if job.UID == "" {
		s.reject(delivery, false)
		return nil, fmt.Errorf("failed to decode job message: %w", domain.ErrMissingUID)
	}

	if !selector.Matches(job.Tags) {
		s.logger.Debug("Job does not match tag selector, requeueing",
			slog.String("job_uid", job.UID),
			slog.String("tags", job.Tags.String()),
			slog.String("tag_selector", selector.String()),
		)
		s.reject(delivery, true)
		return nil, nil
	}

	if err := delivery.Ack(false); err != nil {
		return nil, fmt.Errorf("failed to ack job message: %w", err)
	}

	return &job, nil
}

// Report publishes status to the updates exchange
func (s *Source) Report(ctx context.Context, uid string, status *domain.Status) error {
	if uid == "" {
		return domain.ErrMissingUID
	}

	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}

	if err := s.broker.Publish(ctx, RoutingKey(uid, status.State), body, contentType); err != nil {
		return fmt.Errorf("failed to publish update for job %s: %w", uid, err)
	}

	return nil
}

func (s *Source) reject(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		s.logger.Warn("Failed to nack job message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
