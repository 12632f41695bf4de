package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/fulfillment/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate record")
)

// OrderRepository persists the saga's orders. Update is conditioned on the
// version the caller read and bumps it on success.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	ListStaleReservations(ctx context.Context, requestedBefore time.Time, limit int) ([]models.Order, error)
}

// InvoiceRepository persists invoices, their payments and their history
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *models.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Invoice, error)
	Update(ctx context.Context, invoice *models.Invoice) error
	AddPayment(ctx context.Context, payment *models.PaymentRecord) error
	FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	AppendHistory(ctx context.Context, entry *models.InvoiceHistory) error
	History(ctx context.Context, invoiceID uuid.UUID) ([]models.InvoiceHistory, error)
	LastSequence(ctx context.Context, prefix string) (int, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error)
}

// LedgerRepository is the processed-event ledger. Record returns ErrDuplicate
// when the event id is already present.
type LedgerRepository interface {
	Record(ctx context.Context, event *models.ProcessedEvent) error
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, messages ...*models.OutboxMessage) error
	Pending(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id uint64, at time.Time) error
	MarkAttempt(ctx context.Context, id uint64, attempts int, lastErr string) error
	MarkDeadLettered(ctx context.Context, id uint64, attempts int, lastErr string) error
}

// DeadLetterFilter narrows a dead letter listing
type DeadLetterFilter struct {
	Stage           string
	Since           time.Time
	Limit           int
	IncludeReplayed bool
}

type DeadLetterRepository interface {
	Create(ctx context.Context, letter *models.DeadLetter) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store groups the repositories. Repositories obtained from the tx passed to
// WithTransaction commit or roll back together.
type Store interface {
	Orders() OrderRepository
	Invoices() InvoiceRepository
	Ledger() LedgerRepository
	Outbox() OutboxRepository
	DeadLetters() DeadLetterRepository
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by gorm
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Orders() OrderRepository           { return &orderRepository{db: s.db} }
func (s *gormStore) Invoices() InvoiceRepository       { return &invoiceRepository{db: s.db} }
func (s *gormStore) Ledger() LedgerRepository          { return &ledgerRepository{db: s.db} }
func (s *gormStore) Outbox() OutboxRepository          { return &outboxRepository{db: s.db} }
func (s *gormStore) DeadLetters() DeadLetterRepository { return &deadLetterRepository{db: s.db} }

func (s *gormStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormStore{db: tx})
	})
}

// translate maps gorm errors onto the package sentinels
func translate(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrap(ErrNotFound, msg)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrap(ErrDuplicate, msg)
	}
	return errors.Wrap(err, "failed to "+msg)
}
