// Package source builds the job source selected by configuration.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/backbeatmedia/nexrender/internal/config"
	"github.com/backbeatmedia/nexrender/internal/source/amqpqueue"
	"github.com/backbeatmedia/nexrender/internal/source/httpapi"
	"github.com/backbeatmedia/nexrender/internal/source/pgqueue"
	"github.com/backbeatmedia/nexrender/internal/worker"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
	"github.com/backbeatmedia/nexrender/shared/postgresql"
	"github.com/backbeatmedia/nexrender/shared/rabbitmq"
)

// Deps are the process-wide values a source is built with
type Deps struct {
	Logger   *slog.Logger
	Executor string
}

// Source is a connected job source together with its connection lifecycle
type Source struct {
	worker.JobSource

	kind   string
	closer io.Closer
	health func(ctx context.Context) error
}

// Kind returns the configured source type
func (s *Source) Kind() string {
	return s.kind
}

// HealthCheck reports whether the source's backing connection is usable
func (s *Source) HealthCheck(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	return s.health(ctx)
}

// Close releases the source's connections
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// New connects the job source named by cfg.Type
func New(ctx context.Context, cfg config.SourceConfig, deps Deps) (*Source, error) {
	logger := deps.Logger.With(slog.String("source", cfg.Type))

	switch cfg.Type {
	case config.SourceHTTP:
		client := httpapi.NewClient(httpapi.Options{
			Host:    cfg.HTTP.Host,
			Secret:  cfg.HTTP.Secret,
			Headers: cfg.HTTP.Headers,
			Timeout: cfg.HTTP.Timeout,
			Logger:  logger,
		})
		return &Source{JobSource: client, kind: cfg.Type}, nil

	case config.SourceAMQP:
		mq := cfg.RabbitMQ
		client, err := rabbitmq.NewClient(ctx, &rabbitmq.Config{
			Host:            mq.Host,
			Port:            mq.Port,
			User:            mq.User,
			Password:        mq.Password,
			VHost:           mq.VHost,
			ExchangeName:    mq.Exchange.Name,
			ExchangeType:    mq.Exchange.Type,
			ExchangeDurable: mq.Exchange.Durable,
			QueueName:       mq.Queue.Name,
			QueueDurable:    mq.Queue.Durable,
			RetryAttempts:   mq.Connection.RetryAttempts,
			RetryInterval:   mq.Connection.RetryInterval,
			Heartbeat:       mq.Connection.Heartbeat,
		}, logger)
		if err != nil {
			return nil, err
		}

		return &Source{
			JobSource: amqpqueue.New(client, logger),
			kind:      cfg.Type,
			closer:    client,
			health: func(context.Context) error {
				if !client.IsConnected() {
					return errors.New("rabbitmq connection is closed")
				}
				return nil
			},
		}, nil

	case config.SourcePostgres:
		db := cfg.Database
		client, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:            db.Host,
			Port:            db.Port,
			User:            db.User,
			Password:        db.Password,
			Database:        db.Database,
			SSLMode:         db.SSLMode,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}

		src, err := pgqueue.New(client, pgqueue.Options{Table: db.Table, Executor: deps.Executor}, logger)
		if err != nil {
			client.Close()
			return nil, err
		}

		return &Source{
			JobSource: src,
			kind:      cfg.Type,
			closer:    client,
			health:    client.HealthCheck,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedSource, cfg.Type)
	}
}
