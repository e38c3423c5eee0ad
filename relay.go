package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oagudo/contract-outbox/envelope"
)

// ErrRelayBusy is returned by RunOnce when another run of the same relay is in flight.
var ErrRelayBusy = errors.New("outbox relay run already in progress")

var errRunPanicked = errors.New("relay run panicked")

// Relay periodically drains unpublished outbox records to a broker.
//
// Records are visited in creation order and published one at a time. A record is
// marked published only after the broker confirmed it. The first failure stops
// the run; the remaining records are retried, in the same order, by the next run.
type Relay struct {
	store     Store
	codec     *Codec
	publisher Publisher
	locker    Locker

	interval       time.Duration
	readTimeout    time.Duration
	publishTimeout time.Duration
	updateTimeout  time.Duration
	batchSize      int
	backoff        DelayFunc

	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        relayMetrics
	now            func() time.Time

	running int32
	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	errMu     sync.RWMutex
	errClosed bool
	errCh     chan error
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithInterval sets the delay between the end of a relay run and the start of the next one.
// Default is 1 second.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithReadTimeout sets the timeout for reading a batch of records from the outbox.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.readTimeout = timeout
		}
	}
}

// WithPublishTimeout sets the timeout for publishing one record to the broker.
// A timed out publish fails the run and is retried by the next one.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.publishTimeout = timeout
		}
	}
}

// WithUpdateTimeout sets the timeout for marking a record as published.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.updateTimeout = timeout
		}
	}
}

// WithBatchSize sets how many records are read from the outbox at once.
// A run keeps reading batches until one comes back short.
// Default is 100. Zero or less reads every unpublished record in a single query.
func WithBatchSize(batchSize int) RelayOption {
	return func(r *Relay) {
		r.batchSize = batchSize
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithFailureBackoff adds delayFunc(n) to the interval after the n-th consecutive failed run
// (n starts at 0). The backoff resets after a successful run. Default is no backoff.
func WithFailureBackoff(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		r.backoff = delayFunc
	}
}

// WithExponentialBackoff is WithFailureBackoff(Exponential(initialDelay, maxDelay)).
func WithExponentialBackoff(initialDelay time.Duration, maxDelay time.Duration) RelayOption {
	return WithFailureBackoff(Exponential(initialDelay, maxDelay))
}

// WithFixedBackoff is WithFailureBackoff(Fixed(delay)).
func WithFixedBackoff(delay time.Duration) RelayOption {
	return WithFailureBackoff(Fixed(delay))
}

// WithLocker makes every run take locker first, so that only one relay instance drains
// the outbox at a time. Runs that cannot take the lock are skipped.
func WithLocker(locker Locker) RelayOption {
	return func(r *Relay) {
		r.locker = locker
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider. Default is the global one.
func WithTracerProvider(provider trace.TracerProvider) RelayOption {
	return func(r *Relay) {
		r.tracerProvider = provider
	}
}

// WithMeterProvider sets the meter provider. Default is the global one.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(r *Relay) {
		r.meterProvider = provider
	}
}

// WithRelayClock sets the time source used for delivery timestamps.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay creates a new Relay reading from store, decoding payloads with codec
// and publishing with publisher.
func NewRelay(store Store, codec *Codec, publisher Publisher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, errors.New("outbox relay: nil store")
	}
	if codec == nil {
		return nil, errors.New("outbox relay: nil codec")
	}
	if publisher == nil {
		return nil, errors.New("outbox relay: nil publisher")
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		store:          store,
		codec:          codec,
		publisher:      publisher,
		ctx:            ctx,
		cancel:         cancel,
		interval:       1 * time.Second,
		readTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		updateTimeout:  5 * time.Second,
		batchSize:      100,
		logger:         zap.NewNop(),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	if r.tracerProvider == nil {
		r.tracerProvider = otel.GetTracerProvider()
	}
	r.tracer = r.tracerProvider.Tracer(instrumentationName)

	metrics, err := newRelayMetrics(r.meterProvider)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("outbox relay: %w", err)
	}
	r.metrics = metrics

	return r, nil
}

// Start begins the background processing of outbox records.
// A new run is triggered one interval after the previous run finished.
// If Start is called multiple times, only the first call has an effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		timer := time.NewTimer(r.interval)

		defer r.wg.Done()
		defer r.closeErrors()
		defer timer.Stop()

		failures := 0
		for {
			select {
			case <-timer.C:
				_, err := r.RunOnce(r.ctx)
				timer.Reset(r.nextDelay(err, &failures))
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

func (r *Relay) nextDelay(err error, failures *int) time.Duration {
	switch {
	case err == nil:
		*failures = 0
	case errors.Is(err, ErrRelayBusy), errors.Is(err, context.Canceled):
	default:
		if r.backoff != nil {
			delay := r.backoff(*failures)
			*failures++
			return r.interval + delay
		}
	}
	return r.interval
}

// Stop gracefully shuts down the relay.
// It prevents new runs from starting and waits for the ongoing run, which finishes
// the record in flight and then stops. The provided context controls how long to wait
// for graceful shutdown before giving up.
//
// If the context expires before processing completes, Stop returns the context's
// error. If shutdown completes successfully, it returns nil.
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishError indicates that the broker did not confirm a record.
// The record stays unpublished and is retried by the next run.
type PublishError struct {
	Record Record
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing record %d to %s: %v", e.Record.ID, e.Record.Topic, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// PersistAckError indicates that a record was published but could not be marked
// as published. It will be published again by the next run.
type PersistAckError struct {
	Record Record
	Err    error
}

func (e *PersistAckError) Error() string {
	return fmt.Sprintf("marking published record %d: %v", e.Record.ID, e.Err)
}
func (e *PersistAckError) Unwrap() error { return e.Err }

// ReadError indicates an error when reading records from the outbox.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("reading outbox records: %v", e.Err) }

func (e *ReadError) Unwrap() error { return e.Err }

// LockError indicates that the relay lock could not be queried.
type LockError struct {
	Err error
}

func (e *LockError) Error() string { return fmt.Sprintf("acquiring relay lock: %v", e.Err) }

func (e *LockError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from relay runs.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors will be dropped to maintain relay throughput.
// The channel is closed when the relay is stopped.
//
// The returned error will be one of the following types, which can be checked
// using a type switch:
//   - *DecodeError:     A stored payload does not match its registered type.
//   - *PublishError:    The broker did not confirm a record.
//   - *PersistAckError: A published record could not be marked as published.
//   - *ReadError:       Failed to read records from the outbox.
//   - *LockError:       Failed to query the relay lock.
//
// Example of error handling:
//
//	for err := range relay.Errors() {
//		switch e := err.(type) {
//		case *outbox.DecodeError:
//			log.Printf("Undecodable record | ID: %d | Type: %s | Error: %v", e.RecordID, e.PayloadTypeID, e.Err)
//		case *outbox.PublishError:
//			log.Printf("Failed to publish record | ID: %d | Error: %v", e.Record.ID, e.Err)
//		case *outbox.PersistAckError:
//			log.Printf("Record will be published again | ID: %d | Error: %v", e.Record.ID, e.Err)
//		default:
//			log.Printf("Relay error | Error: %v", e)
//		}
//	}
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

func (r *Relay) sendError(err error) {
	r.errMu.RLock()
	defer r.errMu.RUnlock()

	if r.errClosed {
		return
	}

	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Relay) closeErrors() {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	r.errClosed = true
	close(r.errCh)
}

// RunResult summarizes a relay run.
type RunResult struct {
	// Published is the number of records published and marked as published.
	Published int

	// Skipped is true when the run did not start because the relay lock is held elsewhere.
	Skipped bool
}

// RunOnce performs a single relay run and returns once it is over.
//
// Runs never overlap: if a run of this relay is already in flight, RunOnce returns
// ErrRelayBusy immediately. Cancelling ctx stops the run between records; the record
// in flight is always completed.
func (r *Relay) RunOnce(ctx context.Context) (RunResult, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return RunResult{}, ErrRelayBusy
	}
	defer atomic.StoreInt32(&r.running, 0)

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "outbox.relay.run")
	defer span.End()

	res, err := r.run(ctx)

	r.metrics.recordRun(ctx, time.Since(start).Seconds())
	r.metrics.addPublished(ctx, res.Published)
	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Bool("outbox.skipped", res.Skipped),
	)

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "relay run failed")
			r.report(ctx, err)
		}
		return res, err
	}

	if res.Published > 0 {
		r.logger.Debug("relay run finished", zap.Int("published", res.Published))
	}

	return res, nil
}

func (r *Relay) report(ctx context.Context, err error) {
	var (
		decodeErr  *DecodeError
		publishErr *PublishError
		ackErr     *PersistAckError
		readErr    *ReadError
		lockErr    *LockError
	)

	switch {
	case errors.As(err, &decodeErr):
		r.metrics.addFailure(ctx, stageDecode)
		r.logger.Error("outbox record cannot be decoded",
			zap.Int64("record_id", decodeErr.RecordID),
			zap.String("payload_type", decodeErr.PayloadTypeID),
			zap.Error(decodeErr.Err),
		)
	case errors.As(err, &publishErr):
		r.metrics.addFailure(ctx, stagePublish)
		r.logger.Warn("failed to publish outbox record",
			zap.Int64("record_id", publishErr.Record.ID),
			zap.String("topic", publishErr.Record.Topic),
			zap.String("key", publishErr.Record.Key),
			zap.Error(publishErr.Err),
		)
	case errors.As(err, &ackErr):
		r.metrics.addFailure(ctx, stageAck)
		r.logger.Warn("outbox record published but not marked as published; it will be published again",
			zap.Int64("record_id", ackErr.Record.ID),
			zap.String("topic", ackErr.Record.Topic),
			zap.String("key", ackErr.Record.Key),
			zap.Error(ackErr.Err),
		)
	case errors.As(err, &readErr):
		r.metrics.addFailure(ctx, stageRead)
		r.logger.Warn("failed to read outbox records", zap.Error(readErr.Err))
	case errors.As(err, &lockErr):
		r.metrics.addFailure(ctx, stageLock)
		r.logger.Warn("failed to acquire relay lock", zap.Error(lockErr.Err))
	case errors.Is(err, errRunPanicked):
		r.metrics.addFailure(ctx, stagePanic)
		r.logger.Error("relay run panicked", zap.Error(err))
	default:
		r.metrics.addFailure(ctx, stageOther)
		r.logger.Warn("relay run failed", zap.Error(err))
	}

	r.sendError(err)
}

func (r *Relay) run(ctx context.Context) (res RunResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errRunPanicked, p)
		}
	}()

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx)
		if err != nil {
			return res, &LockError{Err: err}
		}
		if !acquired {
			res.Skipped = true
			return res, nil
		}
		defer unlock()
	}

	delivered := make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := r.read(ctx)
		if err != nil {
			return res, &ReadError{Err: err}
		}

		for _, rec := range batch {
			if _, seen := delivered[rec.ID]; seen {
				// The store keeps returning records it acknowledged as published.
				r.logger.Warn("outbox record still pending after being marked published", zap.Int64("record_id", rec.ID))
				return res, nil
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			if err := r.deliver(ctx, rec); err != nil {
				return res, err
			}
			delivered[rec.ID] = struct{}{}
			res.Published++
		}

		if r.batchSize <= 0 || len(batch) < r.batchSize {
			return res, nil
		}
	}
}

func (r *Relay) read(ctx context.Context) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	return r.store.FindUndelivered(ctx, r.batchSize)
}

// deliver publishes rec and marks it as published. It is not interrupted by the
// cancellation of ctx.
func (r *Relay) deliver(ctx context.Context, rec *Record) error {
	ctx = context.WithoutCancel(ctx)

	msg, err := r.codec.Decode(rec.PayloadTypeID, rec.Payload)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.RecordID = rec.ID
			return decodeErr
		}
		return &DecodeError{RecordID: rec.ID, PayloadTypeID: rec.PayloadTypeID, Err: err}
	}

	publishedAt := r.now().UTC()
	value, err := envelope.Marshal(envelope.Metadata{
		MessageType: string(rec.MessageType),
		MessageID:   rec.ID,
		EventType:   rec.EventType,
		PublishedAt: publishedAt,
	}, msg)
	if err != nil {
		return &DecodeError{RecordID: rec.ID, PayloadTypeID: rec.PayloadTypeID, Err: err}
	}

	d := &Delivery{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: value,
		Headers: map[string]string{
			HeaderMessageType: string(rec.MessageType),
			HeaderEventType:   rec.EventType,
			HeaderMessageID:   strconv.FormatInt(rec.ID, 10),
			HeaderPayloadType: rec.PayloadTypeID,
			HeaderDeliveryID:  uuid.NewString(),
		},
	}

	if err := r.publish(ctx, rec, d); err != nil {
		return &PublishError{Record: *rec, Err: err}
	}

	acked := *rec
	acked.Published = true
	acked.UpdatedAt = publishedAt
	if err := r.markPublished(ctx, &acked); err != nil {
		return &PersistAckError{Record: *rec, Err: err}
	}
	*rec = acked

	r.logger.Debug("published outbox record",
		zap.Int64("record_id", rec.ID),
		zap.String("topic", rec.Topic),
		zap.String("key", rec.Key),
		zap.String("event_type", rec.EventType),
	)

	return nil
}

func (r *Relay) publish(ctx context.Context, rec *Record, d *Delivery) error {
	ctx, span := r.tracer.Start(ctx, "outbox.relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.Int64("outbox.record_id", rec.ID),
			attribute.String("outbox.event_type", rec.EventType),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	err := r.publisher.Publish(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func (r *Relay) markPublished(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.updateTimeout)
	defer cancel()

	return r.store.MarkPublished(ctx, rec)
}
