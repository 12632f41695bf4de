package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/backstage/fulfillment/internal/models"
)

type ledgerRepository struct {
	db *gorm.DB
}

func (r *ledgerRepository) Record(ctx context.Context, event *models.ProcessedEvent) error {
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Create(event).Error
	return translate(err, "record event %s", event.EventID)
}

type outboxRepository struct {
	db *gorm.DB
}

func (r *outboxRepository) Enqueue(ctx context.Context, messages ...*models.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	for _, m := range messages {
		if m.Status == "" {
			m.Status = models.OutboxPending
		}
	}
	err := r.db.WithContext(ctx).Create(messages).Error
	return translate(err, "enqueue %d outbox messages", len(messages))
}

func (r *outboxRepository) Pending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var messages []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", models.OutboxPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, translate(err, "list pending outbox messages")
	}
	return messages, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id uint64, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.OutboxSent, "sent_at": at}).Error
	return translate(err, "mark outbox message %d sent", id)
}

func (r *outboxRepository) MarkAttempt(ctx context.Context, id uint64, attempts int, lastErr string) error {
	err := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"attempts": attempts, "last_error": lastErr}).Error
	return translate(err, "record attempt on outbox message %d", id)
}

func (r *outboxRepository) MarkDeadLettered(ctx context.Context, id uint64, attempts int, lastErr string) error {
	err := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.OutboxDeadLettered,
			"attempts":   attempts,
			"last_error": lastErr,
		}).Error
	return translate(err, "dead-letter outbox message %d", id)
}

type deadLetterRepository struct {
	db *gorm.DB
}

func (r *deadLetterRepository) Create(ctx context.Context, letter *models.DeadLetter) error {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(letter).Error
	return translate(err, "create dead letter for %s", letter.Topic)
}

func (r *deadLetterRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	var letter models.DeadLetter
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&letter).Error; err != nil {
		return nil, translate(err, "get dead letter %s", id)
	}
	return &letter, nil
}

func (r *deadLetterRepository) List(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, error) {
	q := r.db.WithContext(ctx).Model(&models.DeadLetter{})
	if filter.Stage != "" {
		q = q.Where("stage = ?", filter.Stage)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.IncludeReplayed {
		q = q.Where("replayed_at IS NULL")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var letters []models.DeadLetter
	if err := q.Order("created_at ASC").Find(&letters).Error; err != nil {
		return nil, translate(err, "list dead letters")
	}
	return letters, nil
}

func (r *deadLetterRepository) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.DeadLetter{}).Where("id = ?", id).Update("replayed_at", at)
	if res.Error != nil {
		return translate(res.Error, "mark dead letter %s replayed", id)
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "dead letter %s", id)
	}
	return nil
}
