package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backbeatmedia/nexrender/internal/config"
	"github.com/backbeatmedia/nexrender/internal/source/httpapi"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
	"github.com/backbeatmedia/nexrender/shared/logger"
)

func testDeps() Deps {
	return Deps{Logger: logger.NewDiscard().Logger, Executor: "node-1"}
}

func TestNew_HTTP(t *testing.T) {
	src, err := New(context.Background(), config.SourceConfig{
		Type: config.SourceHTTP,
		HTTP: config.HTTPConfig{Host: "http://localhost:3050", Secret: "s3cret"},
	}, testDeps())

	require.NoError(t, err)
	assert.Equal(t, config.SourceHTTP, src.Kind())
	assert.IsType(t, &httpapi.Client{}, src.JobSource)
	assert.NoError(t, src.HealthCheck(context.Background()))
	assert.NoError(t, src.Close())
}

func TestNew_Unsupported(t *testing.T) {
	src, err := New(context.Background(), config.SourceConfig{Type: "redis"}, testDeps())

	assert.Nil(t, src)
	assert.ErrorIs(t, err, domain.ErrUnsupportedSource)
	assert.Contains(t, err.Error(), `"redis"`)
}

func TestNew_ConnectionFailures(t *testing.T) {
	tests := []struct {
		name    string
		config  config.SourceConfig
		wantErr string
	}{
		{
			name: "amqp broker unreachable",
			config: config.SourceConfig{
				Type: config.SourceAMQP,
				RabbitMQ: config.RabbitMQConfig{
					Host:       "127.0.0.1",
					Port:       1,
					Queue:      config.QueueConfig{Name: "render_jobs"},
					Exchange:   config.ExchangeConfig{Name: "render_job_updates"},
					Connection: config.ConnectionConfig{RetryAttempts: 1, RetryInterval: time.Millisecond},
				},
			},
			wantErr: "failed to create RabbitMQ client",
		},
		{
			name: "postgres unreachable",
			config: config.SourceConfig{
				Type:     config.SourcePostgres,
				Database: config.DatabaseConfig{Host: "127.0.0.1", Port: 1, Database: "nexrender"},
			},
			wantErr: "failed to connect to PostgreSQL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(context.Background(), tt.config, testDeps())

			require.Error(t, err)
			assert.Nil(t, src)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
