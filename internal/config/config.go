// Package config loads the outbox-relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Log     Log
		DB      DB
		Relay   Relay
		Broker  Broker
		Kafka   Kafka
		Rabbit  RabbitMQ
		NATS    NATS
		Lock    Lock
		Payload Payload
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}

	DB struct {
		Driver  string `env:"OUTBOX_DB_DRIVER" envDefault:"pgx"`
		Dialect string `env:"OUTBOX_DB_DIALECT" envDefault:"postgres"`
		DSN     string `env:"OUTBOX_DB_DSN,required"`
		Table   string `env:"OUTBOX_TABLE" envDefault:"outbox"`
	}

	Relay struct {
		Interval        time.Duration `env:"OUTBOX_RELAY_INTERVAL" envDefault:"1s"`
		ReadTimeout     time.Duration `env:"OUTBOX_RELAY_READ_TIMEOUT" envDefault:"5s"`
		PublishTimeout  time.Duration `env:"OUTBOX_RELAY_PUBLISH_TIMEOUT" envDefault:"5s"`
		UpdateTimeout   time.Duration `env:"OUTBOX_RELAY_UPDATE_TIMEOUT" envDefault:"5s"`
		BatchSize       int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"100"`
		BackoffInitial  time.Duration `env:"OUTBOX_RELAY_BACKOFF_INITIAL" envDefault:"200ms"`
		BackoffMax      time.Duration `env:"OUTBOX_RELAY_BACKOFF_MAX" envDefault:"1m"`
		ShutdownTimeout time.Duration `env:"OUTBOX_RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	Broker struct {
		Kind           string `env:"OUTBOX_BROKER" envDefault:"kafka"`
		CircuitBreaker bool   `env:"OUTBOX_BROKER_CIRCUIT_BREAKER" envDefault:"false"`
	}

	Kafka struct {
		Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	}

	RabbitMQ struct {
		URL      string `env:"RABBITMQ_URL"`
		Exchange string `env:"RABBITMQ_EXCHANGE" envDefault:"outbox"`
	}

	NATS struct {
		URL string `env:"NATS_URL"`
	}

	Lock struct {
		RedisAddr string        `env:"REDIS_ADDR"`
		Key       string        `env:"OUTBOX_RELAY_LOCK_KEY" envDefault:"outbox:relay:lock"`
		Expiry    time.Duration `env:"OUTBOX_RELAY_LOCK_EXPIRY" envDefault:"30s"`
	}

	Payload struct {
		// DescriptorSet is a binary FileDescriptorSet (protoc --descriptor_set_out
		// --include_imports) holding every payload type found in the outbox.
		DescriptorSet string `env:"OUTBOX_DESCRIPTOR_SET"`
		TopicPrefix   string `env:"OUTBOX_TOPIC_PREFIX" envDefault:"data.contracts"`
	}
)

// Broker kinds.
const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
)

// Load reads dotenv, when the file exists, and then the environment.
// Variables already set in the environment win over the file.
func Load(dotenv string) (*Config, error) {
	if dotenv != "" {
		if _, err := os.Stat(dotenv); err == nil {
			if err := godotenv.Load(dotenv); err != nil {
				return nil, fmt.Errorf("loading %s: %w", dotenv, err)
			}
		}
	}

	return New()
}

// New parses the environment.
func New() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch strings.ToLower(c.Broker.Kind) {
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka broker"))
		}
	case BrokerRabbitMQ:
		if c.Rabbit.URL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq broker"))
		}
	case BrokerNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OUTBOX_BROKER %q", c.Broker.Kind))
	}

	for name, d := range map[string]time.Duration{
		"OUTBOX_RELAY_INTERVAL":         c.Relay.Interval,
		"OUTBOX_RELAY_READ_TIMEOUT":     c.Relay.ReadTimeout,
		"OUTBOX_RELAY_PUBLISH_TIMEOUT":  c.Relay.PublishTimeout,
		"OUTBOX_RELAY_UPDATE_TIMEOUT":   c.Relay.UpdateTimeout,
		"OUTBOX_RELAY_SHUTDOWN_TIMEOUT": c.Relay.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}
