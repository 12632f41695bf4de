// Package ingress turns broker deliveries into saga transitions exactly once
// per event id.
package ingress

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/tracing"
)

// Handler applies one event inside the transaction that also records it in
// the processed-event ledger
type Handler func(ctx context.Context, tx repositories.Store, env events.Envelope) error

// SeenCache is a fast, non-authoritative record of processed event ids
type SeenCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

type Options struct {
	Retry          retry.Policy
	HandlerTimeout time.Duration
}

var errAlreadyProcessed = errors.New("event already processed")

type Ingress struct {
	store    repositories.Store
	routes   map[string]Handler
	seen     SeenCache
	recorder audit.Recorder
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
	log      zerolog.Logger
	opts     Options
}

func New(
	store repositories.Store,
	routes map[string]Handler,
	seen SeenCache,
	recorder audit.Recorder,
	m *metrics.Metrics,
	tracer tracing.Tracer,
	opts Options,
	log zerolog.Logger,
) *Ingress {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 15 * time.Second
	}
	return &Ingress{
		store:    store,
		routes:   routes,
		seen:     seen,
		recorder: recorder,
		metrics:  m,
		tracer:   tracer,
		log:      log,
		opts:     opts,
	}
}

// Ingest handles one raw delivery. A nil error means the delivery can be
// acknowledged; that includes malformed, unknown, duplicate and dead-lettered
// events. An error means it should be redelivered.
func (in *Ingress) Ingest(ctx context.Context, raw []byte) error {
	start := time.Now()
	in.metrics.IncrementCounter(metrics.EventsReceived)

	env, err := events.Decode(raw)
	if err != nil {
		in.metrics.IncrementCounter(metrics.EventsMalformed)
		in.log.Warn().Err(err).Int("size", len(raw)).Msg("Dropping malformed event")
		return nil
	}

	log := in.log.With().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("source", env.Source).
		Logger()

	handler, ok := in.routes[env.EventType]
	if !ok {
		in.metrics.IncrementCounter(metrics.EventsUnrouted)
		if events.IsKnownTopic(env.EventType) {
			log.Debug().Msg("No handler for topic, acknowledging")
		} else {
			log.Warn().Msg("Unknown event type, acknowledging")
		}
		return nil
	}

	if seen, err := in.seen.Seen(ctx, env.EventID); err != nil {
		log.Warn().Err(err).Msg("Seen-event cache unavailable, falling back to ledger")
	} else if seen {
		in.metrics.IncrementCounter(metrics.EventsDuplicate)
		log.Debug().Msg("Event already processed")
		return nil
	}

	txn := in.tracer.StartTransaction("ingest/" + env.EventType)
	defer in.tracer.EndTransaction(txn)
	in.tracer.AddAttribute(txn, "event_id", env.EventID)
	ctx = tracing.WithTransaction(ctx, txn)

	var trail *audit.Trail
	runs, err := retry.Do(ctx, in.opts.Retry, classify, func() error {
		var unitCtx context.Context
		unitCtx, trail = audit.WithTrail(ctx)
		return in.apply(unitCtx, env, handler)
	})
	if runs > 1 {
		in.metrics.IncrementCounterBy(metrics.EventConflicts, int64(runs-1))
	}
	in.metrics.RecordDuration(metrics.IngestDuration, time.Since(start))

	switch {
	case err == nil:
		in.metrics.IncrementCounter(metrics.EventsProcessed)
		in.metrics.RecordResult(metrics.IngestErrorRate, nil)
		in.markSeen(ctx, env.EventID, log)
		trail.Flush(ctx, in.recorder, log)
		log.Debug().Int("runs", runs).Dur("elapsed", time.Since(start)).Msg("Event processed")
		return nil

	case errors.Is(err, errAlreadyProcessed):
		in.metrics.IncrementCounter(metrics.EventsDuplicate)
		in.markSeen(ctx, env.EventID, log)
		log.Debug().Msg("Duplicate event")
		return nil

	case events.IsMalformed(err):
		in.metrics.IncrementCounter(metrics.EventsMalformed)
		log.Warn().Err(err).Msg("Dropping event with malformed payload")
		return nil

	case errors.Is(err, repositories.ErrNotFound):
		log.Info().Err(err).Msg("Event refers to a missing record, acknowledging")
		return nil

	case ctx.Err() != nil:
		return ctx.Err()
	}

	in.tracer.RecordError(txn, err)
	in.metrics.RecordResult(metrics.IngestErrorRate, err)
	return in.deadLetter(ctx, env, raw, runs, err, log)
}

// apply runs one transactional unit: ledger insert, handler, commit
func (in *Ingress) apply(ctx context.Context, env events.Envelope, handler Handler) error {
	ctx, cancel := context.WithTimeout(ctx, in.opts.HandlerTimeout)
	defer cancel()
	defer in.tracer.StartSegment(newrelic.FromContext(ctx), "apply/"+env.EventType).End()

	return in.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		err := tx.Ledger().Record(ctx, &models.ProcessedEvent{
			EventID:     env.EventID,
			EventType:   env.EventType,
			Source:      env.Source,
			ProcessedAt: time.Now().UTC(),
		})
		if errors.Is(err, repositories.ErrDuplicate) {
			return errAlreadyProcessed
		}
		if err != nil {
			return err
		}
		return handler(ctx, tx, env)
	})
}

func classify(err error) retry.Class {
	switch {
	case errors.Is(err, repositories.ErrVersionConflict), errors.Is(err, repositories.ErrDuplicate):
		return retry.Conflict
	case errors.Is(err, errAlreadyProcessed), events.IsMalformed(err),
		errors.Is(err, repositories.ErrNotFound), errors.Is(err, context.Canceled):
		return retry.Permanent
	}
	return retry.Transient
}

func (in *Ingress) markSeen(ctx context.Context, eventID string, log zerolog.Logger) {
	if err := in.seen.MarkSeen(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark event as seen")
	}
}

// deadLetter parks an event that kept failing and raises an alert. The
// delivery is acknowledged once the dead letter is stored.
func (in *Ingress) deadLetter(ctx context.Context, env events.Envelope, raw []byte, runs int, cause error, log zerolog.Logger) error {
	in.metrics.IncrementCounter(metrics.IngestAlerts)
	log.Error().Err(cause).Int("runs", runs).Msg("ALERT: event failed after retries, dead-lettering")

	letter := &models.DeadLetter{
		ID:           uuid.New(),
		Stage:        models.StageIngest,
		Kind:         models.OutboxEvent,
		Topic:        env.EventType,
		PartitionKey: env.PartitionKey(),
		Payload:      raw,
		Error:        cause.Error(),
		Attempts:     runs,
	}
	if err := in.store.DeadLetters().Create(ctx, letter); err != nil {
		log.Error().Err(err).Msg("Failed to store dead letter, event will be redelivered")
		return errors.Wrap(err, "failed to dead-letter event")
	}
	in.metrics.IncrementCounter(metrics.EventsDeadLettered)
	return nil
}
