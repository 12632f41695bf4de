package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/compensation"
	"example.com/backstage/fulfillment/internal/inventory"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/tracing"
)

// DeniedFunc is told about an order whose reservation was refused
type DeniedFunc func(ctx context.Context, orderID string) error

// Relay drains the outbox in id order. Events go to the publisher, commands
// to the inventory service.
type Relay struct {
	store     repositories.Store
	publisher *Publisher
	inventory inventory.Client
	onDenied  DeniedFunc
	policy    retry.Policy
	batchSize int
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	log       zerolog.Logger
}

func NewRelay(
	store repositories.Store,
	publisher *Publisher,
	client inventory.Client,
	onDenied DeniedFunc,
	policy retry.Policy,
	batchSize int,
	m *metrics.Metrics,
	tracer tracing.Tracer,
	log zerolog.Logger,
) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		inventory: client,
		onDenied:  onDenied,
		policy:    policy,
		batchSize: batchSize,
		metrics:   m,
		tracer:    tracer,
		log:       log,
	}
}

// Drain handles one batch of pending rows and returns how many were settled.
// It stops at the first row whose outcome could not be recorded so that
// later rows do not overtake it.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { r.metrics.RecordDuration(metrics.RelayDuration, time.Since(start)) }()

	txn := r.tracer.StartTransaction("outbox/drain")
	defer r.tracer.EndTransaction(txn)
	ctx = tracing.WithTransaction(ctx, txn)

	pending, err := r.store.Outbox().Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		var handleErr error
		switch msg.Kind {
		case models.OutboxEvent:
			handleErr = r.publisher.PublishRaw(ctx, msg.Topic, msg.PartitionKey, msg.Payload)
		case models.OutboxCommand:
			handleErr = r.execute(ctx, msg)
		default:
			handleErr = r.deadLetterCommand(ctx, msg, 1, errors.Errorf("unknown outbox kind %q", msg.Kind))
		}

		if err := r.settle(ctx, msg, handleErr); err != nil {
			r.log.Error().Err(err).Uint64("outbox_id", msg.ID).Str("topic", msg.Topic).Msg("Outbox row left pending")
			return settled, err
		}
		settled++
	}

	if settled > 0 {
		r.log.Debug().Int("settled", settled).Msg("Outbox drained")
	}
	return settled, nil
}

func (r *Relay) settle(ctx context.Context, msg models.OutboxMessage, handleErr error) error {
	attempts := msg.Attempts + 1
	switch {
	case handleErr == nil:
		return r.store.Outbox().MarkSent(ctx, msg.ID, time.Now().UTC())
	case errors.Is(handleErr, ErrDeadLettered):
		return r.store.Outbox().MarkDeadLettered(ctx, msg.ID, attempts, handleErr.Error())
	}
	if err := r.store.Outbox().MarkAttempt(ctx, msg.ID, attempts, handleErr.Error()); err != nil {
		return err
	}
	return handleErr
}

// execute performs an inventory command with retries. Failures that will
// not heal are dead-lettered with stage "command".
func (r *Relay) execute(ctx context.Context, msg models.OutboxMessage) error {
	var cmd compensation.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return r.deadLetterCommand(ctx, msg, 1, errors.Wrap(err, "invalid command payload"))
	}

	defer r.tracer.StartSegment(newrelic.FromContext(ctx), "command/"+string(cmd.Type)).End()
	log := r.log.With().Str("command", string(cmd.Type)).Str("order_id", cmd.OrderID).Logger()

	denied := false
	runs, err := retry.Do(ctx, r.policy, classifyInventory, func() error {
		switch cmd.Type {
		case compensation.CommandRelease:
			return r.inventory.Release(ctx, cmd.OrderID, cmd.Reason)
		case compensation.CommandReserve:
			for _, line := range cmd.Items {
				outcome, err := r.inventory.Reserve(ctx, line.ProductID, line.Quantity, cmd.OrderID, cmd.CustomerID)
				if err != nil {
					return err
				}
				if outcome == inventory.OutcomeDenied {
					denied = true
					return nil
				}
			}
			return nil
		}
		return errors.Wrapf(inventory.ErrRejected, "unknown command type %q", cmd.Type)
	})

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.deadLetterCommand(ctx, msg, runs, err)
	}
	r.metrics.IncrementCounter(metrics.CommandsExecuted)

	if denied {
		r.metrics.IncrementCounter(metrics.ReservationsDenied)
		log.Warn().Msg("Reservation denied, cancelling order")
		if r.onDenied != nil {
			if err := r.onDenied(ctx, cmd.OrderID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
				return errors.Wrap(err, "failed to cancel order after denied reservation")
			}
		}
		return nil
	}

	log.Info().Int("attempts", runs).Msg("Inventory command executed")
	return nil
}

func (r *Relay) deadLetterCommand(ctx context.Context, msg models.OutboxMessage, runs int, cause error) error {
	r.log.Error().Err(cause).Uint64("outbox_id", msg.ID).Str("topic", msg.Topic).Msg("Inventory command failed, dead-lettering")
	letter := &models.DeadLetter{
		ID:           uuid.New(),
		Stage:        models.StageCommand,
		Kind:         models.OutboxCommand,
		Topic:        msg.Topic,
		PartitionKey: msg.PartitionKey,
		Payload:      msg.Payload,
		Error:        cause.Error(),
		Attempts:     runs,
	}
	if err := r.store.DeadLetters().Create(ctx, letter); err != nil {
		return errors.Wrap(err, "failed to dead-letter command")
	}
	r.metrics.IncrementCounter(metrics.OutboxDeadLettered)
	return errors.Wrap(ErrDeadLettered, cause.Error())
}

func classifyInventory(err error) retry.Class {
	if errors.Is(err, inventory.ErrRejected) || errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	return retry.Transient
}
