package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("OUTBOX_DB_DSN", "postgres://localhost/outbox")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := New()

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pgx", cfg.DB.Driver)
	assert.Equal(t, "postgres", cfg.DB.Dialect)
	assert.Equal(t, "outbox", cfg.DB.Table)
	assert.Equal(t, time.Second, cfg.Relay.Interval)
	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, BrokerKafka, cfg.Broker.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "data.contracts", cfg.Payload.TopicPrefix)
	assert.Equal(t, 30*time.Second, cfg.Lock.Expiry)
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing dsn",
			env:  map[string]string{"KAFKA_BROKERS": "k1:9092"},
			want: "OUTBOX_DB_DSN",
		},
		{
			name: "kafka without brokers",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn"},
			want: "KAFKA_BROKERS is required",
		},
		{
			name: "rabbitmq without url",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "OUTBOX_BROKER": "rabbitmq"},
			want: "RABBITMQ_URL is required",
		},
		{
			name: "nats without url",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "OUTBOX_BROKER": "nats"},
			want: "NATS_URL is required",
		},
		{
			name: "unknown broker",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "OUTBOX_BROKER": "sqs"},
			want: `unknown OUTBOX_BROKER "sqs"`,
		},
		{
			name: "zero publish timeout",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "KAFKA_BROKERS": "k", "OUTBOX_RELAY_PUBLISH_TIMEOUT": "0s"},
			want: "OUTBOX_RELAY_PUBLISH_TIMEOUT must be positive",
		},
		{
			name: "zero read timeout",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "KAFKA_BROKERS": "k", "OUTBOX_RELAY_READ_TIMEOUT": "0s"},
			want: "OUTBOX_RELAY_READ_TIMEOUT must be positive",
		},
		{
			name: "bad duration",
			env:  map[string]string{"OUTBOX_DB_DSN": "dsn", "KAFKA_BROKERS": "k", "OUTBOX_RELAY_INTERVAL": "soon"},
			want: `"Interval"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"OUTBOX_DB_DSN", "KAFKA_BROKERS", "OUTBOX_BROKER", "OUTBOX_RELAY_INTERVAL", "OUTBOX_RELAY_PUBLISH_TIMEOUT", "OUTBOX_RELAY_READ_TIMEOUT"} {
				t.Setenv(key, "")
				require.NoError(t, os.Unsetenv(key))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := New()

			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OUTBOX_DB_DSN=from-file\nOUTBOX_BROKER=nats\nNATS_URL=nats://localhost:4222\n"), 0o600))
	t.Setenv("OUTBOX_BROKER", "nats")
	t.Setenv("NATS_URL", "nats://override:4222")
	// godotenv.Load never overrides, so register the keys it sets for cleanup
	t.Setenv("OUTBOX_DB_DSN", "")
	require.NoError(t, os.Unsetenv("OUTBOX_DB_DSN"))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DB.DSN)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
}

func TestLoadMissingDotenv(t *testing.T) {
	t.Setenv("OUTBOX_DB_DSN", "dsn")
	t.Setenv("KAFKA_BROKERS", "k")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.NoError(t, err)
}
