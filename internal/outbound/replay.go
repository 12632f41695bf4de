package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
)

// ErrAlreadyReplayed is returned when a dead letter was replayed before
var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// Replayer puts dead letters back in flight. Publish and command letters
// return to the outbox; ingest letters are fed through ingestion again.
type Replayer struct {
	store  repositories.Store
	ingest func(ctx context.Context, raw []byte) error
	log    zerolog.Logger
}

func NewReplayer(store repositories.Store, ingest func(ctx context.Context, raw []byte) error, log zerolog.Logger) *Replayer {
	return &Replayer{store: store, ingest: ingest, log: log}
}

// Replay re-enqueues the dead letter with the given id and marks it replayed
func (r *Replayer) Replay(ctx context.Context, id uuid.UUID) error {
	letter, err := r.store.DeadLetters().GetByID(ctx, id)
	if err != nil {
		return err
	}
	if letter.ReplayedAt != nil {
		return errors.Wrapf(ErrAlreadyReplayed, "dead letter %s", id)
	}

	log := r.log.With().Str("dead_letter_id", id.String()).Str("stage", letter.Stage).Str("topic", letter.Topic).Logger()

	if letter.Stage == models.StageIngest {
		if r.ingest == nil {
			return errors.Errorf("ingest replay is not configured for dead letter %s", id)
		}
		if err := r.ingest(ctx, letter.Payload); err != nil {
			return errors.Wrapf(err, "failed to replay dead letter %s", id)
		}
		if err := r.store.DeadLetters().MarkReplayed(ctx, id, time.Now().UTC()); err != nil {
			return err
		}
		log.Info().Msg("Dead letter re-ingested")
		return nil
	}

	kind := letter.Kind
	if kind == "" {
		kind = models.OutboxEvent
		if letter.Stage == models.StageCommand {
			kind = models.OutboxCommand
		}
	}

	err = r.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		msg := &models.OutboxMessage{
			Kind:         kind,
			Topic:        letter.Topic,
			PartitionKey: letter.PartitionKey,
			Payload:      letter.Payload,
		}
		if err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return err
		}
		return tx.DeadLetters().MarkReplayed(ctx, id, time.Now().UTC())
	})
	if err != nil {
		return errors.Wrapf(err, "failed to replay dead letter %s", id)
	}
	log.Info().Msg("Dead letter returned to outbox")
	return nil
}

// ReplayAll replays every unreplayed letter matching filter, oldest first.
// It stops at the first failure and returns how many were replayed.
func (r *Replayer) ReplayAll(ctx context.Context, filter repositories.DeadLetterFilter) (int, error) {
	filter.IncludeReplayed = false
	letters, err := r.store.DeadLetters().List(ctx, filter)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, letter := range letters {
		if err := r.Replay(ctx, letter.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
