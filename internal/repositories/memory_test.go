package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/fulfillment/internal/models"
)

func TestMemoryOrderVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	order := &models.Order{ID: "O1", CustomerID: "C1", Status: models.OrderPending,
		Items: []models.OrderItem{{ProductID: "P1", Quantity: 1, UnitPrice: 100}}}
	require.NoError(t, store.Orders().Create(ctx, order))
	require.ErrorIs(t, store.Orders().Create(ctx, order), ErrDuplicate)

	first, err := store.Orders().GetByID(ctx, "O1")
	require.NoError(t, err)
	second, err := store.Orders().GetByID(ctx, "O1")
	require.NoError(t, err)

	first.Status = models.OrderConfirmed
	require.NoError(t, store.Orders().Update(ctx, first))
	require.Equal(t, int64(2), first.Version)

	second.Status = models.OrderCancelled
	require.ErrorIs(t, store.Orders().Update(ctx, second), ErrVersionConflict)

	stored, err := store.Orders().GetByID(ctx, "O1")
	require.NoError(t, err)
	require.Equal(t, models.OrderConfirmed, stored.Status)

	_, err = store.Orders().GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.WithTransaction(ctx, func(ctx context.Context, tx Store) error {
		require.NoError(t, tx.Ledger().Record(ctx, &models.ProcessedEvent{EventID: "e-1", EventType: "payment.success"}))
		require.NoError(t, tx.Outbox().Enqueue(ctx, &models.OutboxMessage{Kind: models.OutboxEvent, Topic: "order.updated", Payload: []byte(`{}`)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.False(t, store.Processed("e-1"))
	require.Empty(t, store.OutboxMessages())
}

func TestMemoryLedgerRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Ledger().Record(ctx, &models.ProcessedEvent{EventID: "e-1"}))
	require.ErrorIs(t, store.Ledger().Record(ctx, &models.ProcessedEvent{EventID: "e-1"}), ErrDuplicate)
}

func TestMemoryInvoiceSequenceAndOverdue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC)

	for _, inv := range []*models.Invoice{
		{InvoiceNumber: "INV-2025-10-00001", Status: models.InvoiceSent, TotalAmount: 100, DueAmount: 100, DueDate: now.Add(-time.Hour)},
		{InvoiceNumber: "INV-2025-10-00007", Status: models.InvoicePaid, TotalAmount: 100, PaidAmount: 100, DueDate: now.Add(-time.Hour)},
		{InvoiceNumber: "INV-2025-09-00042", Status: models.InvoiceDraft, TotalAmount: 100, DueAmount: 100, DueDate: now.Add(time.Hour)},
	} {
		require.NoError(t, store.Invoices().Create(ctx, inv))
	}

	seq, err := store.Invoices().LastSequence(ctx, "INV-2025-10-")
	require.NoError(t, err)
	require.Equal(t, 7, seq)

	seq, err = store.Invoices().LastSequence(ctx, "INV-2025-11-")
	require.NoError(t, err)
	require.Zero(t, seq)

	overdue, err := store.Invoices().ListOverdueCandidates(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "INV-2025-10-00001", overdue[0].InvoiceNumber)
}

func TestMemoryOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &models.OutboxMessage{Kind: models.OutboxEvent, Topic: "order.updated", Payload: []byte(`{}`)}
	b := &models.OutboxMessage{Kind: models.OutboxCommand, Topic: "inventory.release", Payload: []byte(`{}`)}
	require.NoError(t, store.Outbox().Enqueue(ctx, a, b))
	require.Less(t, a.ID, b.ID)

	require.NoError(t, store.Outbox().MarkSent(ctx, a.ID, time.Now()))
	require.NoError(t, store.Outbox().MarkAttempt(ctx, b.ID, 1, "timeout"))

	pending, err := store.Outbox().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, b.ID, pending[0].ID)
	require.Equal(t, 1, pending[0].Attempts)
}
