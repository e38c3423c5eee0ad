// Package app wires the outbox-relay binary: database, payload codec, broker, lock and relay.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"

	outbox "github.com/oagudo/contract-outbox"
	"github.com/oagudo/contract-outbox/broker"
	"github.com/oagudo/contract-outbox/broker/kafka"
	"github.com/oagudo/contract-outbox/broker/nats"
	"github.com/oagudo/contract-outbox/broker/rabbitmq"
	"github.com/oagudo/contract-outbox/internal/config"
	"github.com/oagudo/contract-outbox/redislock"
)

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

var dialects = map[string]outbox.SQLDialect{
	"postgres":   outbox.SQLDialectPostgres,
	"postgresql": outbox.SQLDialectPostgres,
	"mysql":      outbox.SQLDialectMySQL,
	"mariadb":    outbox.SQLDialectMariaDB,
	"sqlite":     outbox.SQLDialectSQLite,
	"oracle":     outbox.SQLDialectOracle,
	"sqlserver":  outbox.SQLDialectSQLServer,
	"mssql":      outbox.SQLDialectSQLServer,
}

// ParseDialect maps a dialect name to an outbox.SQLDialect.
func ParseDialect(name string) (outbox.SQLDialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unsupported SQL dialect %q", name)
	}
	return d, nil
}

// OpenStore connects to the outbox database. The returned close function closes the pool.
func OpenStore(ctx context.Context, cfg config.DB) (*outbox.SQLStore, func() error, error) {
	dialect, err := ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("pinging %s database: %w", cfg.Driver, err)
	}

	dbCtx := outbox.NewDBContext(db, dialect, outbox.WithTableName(cfg.Table))
	return outbox.NewSQLStore(dbCtx), db.Close, nil
}

// NewCodec returns a codec knowing google.protobuf.Struct and every message of the
// descriptor set file at path, if any.
func NewCodec(path string) (*outbox.Codec, error) {
	codec := outbox.NewCodec()
	if err := codec.Register(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if path == "" {
		return codec, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor set: %w", err)
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(b, &fds); err != nil {
		return nil, fmt.Errorf("parsing descriptor set %s: %w", path, err)
	}
	if err := codec.RegisterDescriptorSet(&fds); err != nil {
		return nil, err
	}
	return codec, nil
}

// NewPublisher connects to the configured broker. The returned close function
// releases the broker connection.
func NewPublisher(cfg *config.Config, logger *zap.Logger) (outbox.Publisher, func() error, error) {
	var (
		pub     outbox.Publisher
		closeFn func() error
	)

	switch strings.ToLower(cfg.Broker.Kind) {
	case config.BrokerKafka:
		p, err := kafka.NewPublisher(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		pub, closeFn = p, p.Close
	case config.BrokerRabbitMQ:
		conn, err := amqp.Dial(cfg.Rabbit.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}
		p, err := rabbitmq.NewPublisher(ch, cfg.Rabbit.Exchange)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		pub, closeFn = p, conn.Close
	case config.BrokerNATS:
		p, nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, err
		}
		pub, closeFn = p, nc.Drain
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}

	if cfg.Broker.CircuitBreaker {
		pub = broker.WithCircuitBreaker(pub, broker.BreakerConfig{Name: cfg.Broker.Kind, Logger: logger})
	}
	return pub, closeFn, nil
}

// NewLocker returns a Redis relay lock, or nil when no Redis address is configured.
func NewLocker(cfg config.Lock, logger *zap.Logger) (outbox.Locker, func() error) {
	if cfg.RedisAddr == "" {
		return nil, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker := redislock.New(client,
		redislock.WithKey(cfg.Key),
		redislock.WithExpiry(cfg.Expiry),
		redislock.WithLogger(logger),
	)
	return locker, client.Close
}

// RelayOptions maps the relay configuration to relay options.
func RelayOptions(cfg config.Relay, logger *zap.Logger) []outbox.RelayOption {
	return []outbox.RelayOption{
		outbox.WithInterval(cfg.Interval),
		outbox.WithReadTimeout(cfg.ReadTimeout),
		outbox.WithPublishTimeout(cfg.PublishTimeout),
		outbox.WithUpdateTimeout(cfg.UpdateTimeout),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithExponentialBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		outbox.WithLogger(logger),
	}
}

// Run drains the outbox until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeDB, err := OpenStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	codec, err := NewCodec(cfg.Payload.DescriptorSet)
	if err != nil {
		return err
	}
	logger.Info("payload types registered", zap.Strings("types", codec.Registered()))

	pub, closeBroker, err := NewPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeBroker() }()

	opts := RelayOptions(cfg.Relay, logger)
	locker, closeLock := NewLocker(cfg.Lock, logger)
	defer func() { _ = closeLock() }()
	if locker != nil {
		opts = append(opts, outbox.WithLocker(locker))
	}

	relay, err := outbox.NewRelay(store, codec, pub, opts...)
	if err != nil {
		return err
	}

	relay.Start()
	logger.Info("outbox relay started",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("table", cfg.DB.Table),
		zap.Duration("interval", cfg.Relay.Interval),
	)

	go func() {
		// already logged by the relay
		for range relay.Errors() {
		}
	}()

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := relay.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping relay: %w", err)
	}
	logger.Info("outbox relay stopped")
	return nil
}

// Inspect writes up to limit undelivered records of store to w as a table.
func Inspect(ctx context.Context, store outbox.Store, w io.Writer, limit int) (int, error) {
	recs, err := store.FindUndelivered(ctx, limit)
	if err != nil {
		return 0, err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTYPE\tEVENT\tTOPIC\tKEY\tPAYLOAD TYPE")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.CreatedAt.Format(time.RFC3339),
			rec.MessageType,
			rec.EventType,
			rec.Topic,
			rec.Key,
			rec.PayloadTypeID,
		)
	}
	if err := tw.Flush(); err != nil {
		return 0, fmt.Errorf("writing records: %w", err)
	}
	return len(recs), nil
}
