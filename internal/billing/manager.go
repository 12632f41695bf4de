package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
)

var (
	ErrInvalidAmount     = errors.New("payment amount must be positive")
	ErrInvoiceClosed     = errors.New("invoice is paid or cancelled")
	ErrInvalidTransition = errors.New("invoice status transition not allowed")
)

// Options configures a Manager
type Options struct {
	DueDays  int
	Currency string
	Source   string
	Retry    retry.Policy
}

// Payment is a payment to apply to an invoice
type Payment struct {
	Amount        int64
	Method        string
	TransactionID string
	PaidAt        time.Time
}

// Manager owns the invoice lifecycle. Methods suffixed with Tx run inside a
// caller's transaction; the others open their own and retry on conflicts.
type Manager struct {
	store    repositories.Store
	recorder audit.Recorder
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
}

func NewManager(store repositories.Store, recorder audit.Recorder, opts Options, log zerolog.Logger) *Manager {
	if opts.DueDays <= 0 {
		opts.DueDays = 30
	}
	return &Manager{
		store:    store,
		recorder: recorder,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func classify(err error) retry.Class {
	switch {
	case errors.Is(err, repositories.ErrVersionConflict):
		return retry.Conflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvoiceClosed),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, repositories.ErrNotFound):
		return retry.Permanent
	}
	return retry.Transient
}

// run executes fn in a transaction with conflict retries and records the
// audit trail after a successful commit
func (m *Manager) run(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	var trail *audit.Trail
	_, err := retry.Do(ctx, m.opts.Retry, classify, func() error {
		var txCtx context.Context
		txCtx, trail = audit.WithTrail(ctx)
		return m.store.WithTransaction(txCtx, fn)
	})
	if err != nil {
		return err
	}
	trail.Flush(ctx, m.recorder, m.log)
	return nil
}

// CreateForOrderTx creates the invoice for a priced order. It returns the
// existing invoice when the order already has one.
func (m *Manager) CreateForOrderTx(ctx context.Context, tx repositories.Store, order *models.Order) (*models.Invoice, error) {
	existing, err := tx.Invoices().GetByOrderID(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	last, err := tx.Invoices().LastSequence(ctx, NumberPrefix(now))
	if err != nil {
		return nil, err
	}

	orderID := order.ID
	inv := &models.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: FormatNumber(now, last+1),
		OrderID:       &orderID,
		InvoiceType:   models.InvoiceOneTime,
		CustomerID:    order.CustomerID,
		Status:        models.InvoiceDraft,
		Tax:           order.Tax,
		ShippingCost:  order.ShippingCost,
		Discount:      order.Discount,
		Currency:      m.opts.Currency,
		DueDate:       now.AddDate(0, 0, m.opts.DueDays),
		Notes:         order.Notes,
	}
	for _, item := range order.Items {
		amount := int64(item.Quantity) * item.UnitPrice
		inv.Subtotal += amount
		inv.Items = append(inv.Items, models.InvoiceItem{
			ID:          uuid.New(),
			ProductID:   item.ProductID,
			Description: fmt.Sprintf("Product %s", item.ProductID),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      amount,
		})
	}
	inv.TotalAmount = ComputeTotal(inv.Subtotal, inv.Tax, inv.ShippingCost, inv.Discount)
	if inv.TotalAmount < 0 {
		return nil, errors.Wrapf(ErrInvalidAmount, "order %s discount exceeds its total", order.ID)
	}
	inv.DueAmount = inv.TotalAmount

	if err := tx.Invoices().Create(ctx, inv); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			// another unit took the same number; re-running picks the next one
			return nil, errors.Wrap(repositories.ErrVersionConflict, err.Error())
		}
		return nil, err
	}

	details := fmt.Sprintf("invoice created for order %s, total %d", order.ID, inv.TotalAmount)
	if err := m.appendHistory(ctx, tx, inv, models.ActionCreated, details); err != nil {
		return nil, err
	}

	_, err = outbound.EnqueueEvent(ctx, tx.Outbox(), m.opts.Source, events.InvoiceCreated, events.InvoiceCreatedData{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.InvoiceNumber,
		OrderID:       order.ID,
		CustomerID:    inv.CustomerID,
		TotalAmount:   events.Amount(inv.TotalAmount),
		DueDate:       inv.DueDate,
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Str("order_id", order.ID).
		Int64("total_amount", inv.TotalAmount).
		Msg("Invoice created")
	return inv, nil
}

// ApplyPaymentTx records a payment on inv. A transaction id that was already
// applied leaves the invoice untouched. The applied amount is capped at the
// remaining due so dueAmount never goes negative.
func (m *Manager) ApplyPaymentTx(ctx context.Context, tx repositories.Store, inv *models.Invoice, p Payment) (*models.Invoice, error) {
	if p.Amount <= 0 {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount %d", p.Amount)
	}

	var txnID *string
	if p.TransactionID != "" {
		if _, err := tx.Invoices().FindPaymentByTransaction(ctx, p.TransactionID); err == nil {
			m.log.Info().
				Str("invoice_number", inv.InvoiceNumber).
				Str("transaction_id", p.TransactionID).
				Msg("Payment already applied, skipping")
			return inv, nil
		} else if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		id := p.TransactionID
		txnID = &id
	}

	if IsClosed(inv.Status) {
		return nil, errors.Wrapf(ErrInvoiceClosed, "invoice %s is %s", inv.InvoiceNumber, inv.Status)
	}

	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = m.now()
	}
	record := &models.PaymentRecord{
		ID:            uuid.New(),
		InvoiceID:     inv.ID,
		Amount:        p.Amount,
		Method:        p.Method,
		TransactionID: txnID,
		PaidAt:        paidAt,
	}
	if err := tx.Invoices().AddPayment(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			// a concurrent unit recorded the transaction first; the statement
			// failed, so re-run the unit and let the lookup above skip it
			return nil, errors.Wrap(repositories.ErrVersionConflict, err.Error())
		}
		return nil, err
	}

	applied := p.Amount
	remaining := Remaining(*inv)
	if applied > remaining {
		applied = remaining
	}
	previous := inv.Status
	inv.PaidAmount += applied
	inv.DueAmount = inv.TotalAmount - inv.PaidAmount

	details := fmt.Sprintf("amount=%d method=%s transaction=%s", p.Amount, p.Method, p.TransactionID)
	if p.Amount > applied {
		details += fmt.Sprintf(" overpaid=%d", p.Amount-applied)
		m.log.Warn().
			Str("invoice_number", inv.InvoiceNumber).
			Int64("overpaid", p.Amount-applied).
			Msg("Payment exceeds amount due")
	}
	if err := m.appendHistory(ctx, tx, inv, models.ActionPaymentRecorded, details); err != nil {
		return nil, err
	}

	if IsPaid(*inv) {
		inv.Status = models.InvoicePaid
		inv.PaidAt = &paidAt
		if err := m.appendHistory(ctx, tx, inv, models.ActionPaid, fmt.Sprintf("paid in full, previous status %s", previous)); err != nil {
			return nil, err
		}
	}

	if err := tx.Invoices().Update(ctx, inv); err != nil {
		return nil, err
	}
	if err := m.enqueueUpdated(ctx, tx, inv); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Int64("paid_amount", inv.PaidAmount).
		Int64("due_amount", inv.DueAmount).
		Str("status", string(inv.Status)).
		Msg("Payment applied")
	return inv, nil
}

// ApplyPayment applies a payment to an invoice in its own transaction
func (m *Manager) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, amount int64, method, transactionID string) (*models.Invoice, error) {
	if amount <= 0 {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount %d", amount)
	}

	var result *models.Invoice
	err := m.run(ctx, func(ctx context.Context, tx repositories.Store) error {
		inv, err := tx.Invoices().GetByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		result, err = m.ApplyPaymentTx(ctx, tx, inv, Payment{Amount: amount, Method: method, TransactionID: transactionID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelForOrderTx cancels the open invoice of an order. Paid, cancelled or
// missing invoices are left alone.
func (m *Manager) CancelForOrderTx(ctx context.Context, tx repositories.Store, orderID, reason string) error {
	inv, err := tx.Invoices().GetByOrderID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if IsClosed(inv.Status) {
		return nil
	}

	previous := inv.Status
	inv.Status = models.InvoiceCancelled
	details := fmt.Sprintf("%s -> %s: %s", previous, inv.Status, reason)
	if err := m.appendHistory(ctx, tx, inv, models.ActionStatusChanged, details); err != nil {
		return err
	}
	if err := tx.Invoices().Update(ctx, inv); err != nil {
		return err
	}
	return m.enqueueUpdated(ctx, tx, inv)
}

// MarkSent moves a draft invoice to sent and stamps its issue time
func (m *Manager) MarkSent(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	return m.advance(ctx, invoiceID, models.InvoiceSent, models.ActionSent)
}

// MarkViewed moves a sent invoice to viewed
func (m *Manager) MarkViewed(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	return m.advance(ctx, invoiceID, models.InvoiceViewed, models.ActionViewed)
}

func (m *Manager) advance(ctx context.Context, invoiceID uuid.UUID, to models.InvoiceStatus, action string) (*models.Invoice, error) {
	var result *models.Invoice
	err := m.run(ctx, func(ctx context.Context, tx repositories.Store) error {
		inv, err := tx.Invoices().GetByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		result = inv
		if inv.Status == to {
			return nil
		}
		if !CanAdvance(inv.Status, to) {
			return errors.Wrapf(ErrInvalidTransition, "%s -> %s", inv.Status, to)
		}

		previous := inv.Status
		inv.Status = to
		if to == models.InvoiceSent && inv.IssuedAt == nil {
			issued := m.now()
			inv.IssuedAt = &issued
		}
		if err := m.appendHistory(ctx, tx, inv, action, fmt.Sprintf("%s -> %s", previous, to)); err != nil {
			return err
		}
		if err := tx.Invoices().Update(ctx, inv); err != nil {
			return err
		}
		return m.enqueueUpdated(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns an invoice with its history. An invoice found past its due
// date is moved to overdue before it is returned.
func (m *Manager) Get(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, []models.InvoiceHistory, error) {
	inv, err := m.store.Invoices().GetByID(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}

	if overdueCandidate(*inv, m.now()) {
		err := m.run(ctx, func(ctx context.Context, tx repositories.Store) error {
			current, err := tx.Invoices().GetByID(ctx, invoiceID)
			if err != nil {
				return err
			}
			if err := m.markOverdueTx(ctx, tx, current); err != nil {
				return err
			}
			inv = current
			return nil
		})
		if err != nil {
			m.log.Warn().Err(err).Str("invoice_number", inv.InvoiceNumber).Msg("Failed to mark invoice overdue on read")
		}
	}

	history, err := m.store.Invoices().History(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	return inv, history, nil
}

// SweepOverdue marks every unpaid invoice past its due date as overdue and
// returns how many were changed
func (m *Manager) SweepOverdue(ctx context.Context, limit int) (int, error) {
	now := m.now()
	candidates, err := m.store.Invoices().ListOverdueCandidates(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, candidate := range candidates {
		id := candidate.ID
		err := m.run(ctx, func(ctx context.Context, tx repositories.Store) error {
			inv, err := tx.Invoices().GetByID(ctx, id)
			if err != nil {
				return err
			}
			return m.markOverdueTx(ctx, tx, inv)
		})
		if err != nil {
			m.log.Error().Err(err).Str("invoice_number", candidate.InvoiceNumber).Msg("Failed to mark invoice overdue")
			continue
		}
		marked++
	}

	if marked > 0 {
		m.log.Info().Int("marked", marked).Msg("Overdue sweep finished")
	}
	return marked, nil
}

func overdueCandidate(inv models.Invoice, now time.Time) bool {
	switch inv.Status {
	case models.InvoiceDraft, models.InvoiceSent, models.InvoiceViewed:
		return IsOverdue(inv, now)
	}
	return false
}

func (m *Manager) markOverdueTx(ctx context.Context, tx repositories.Store, inv *models.Invoice) error {
	if !overdueCandidate(*inv, m.now()) {
		return nil
	}
	previous := inv.Status
	inv.Status = models.InvoiceOverdue
	details := fmt.Sprintf("%s -> overdue, due %s, remaining %d", previous, inv.DueDate.Format(time.RFC3339), Remaining(*inv))
	if err := m.appendHistory(ctx, tx, inv, models.ActionOverdue, details); err != nil {
		return err
	}
	if err := tx.Invoices().Update(ctx, inv); err != nil {
		return err
	}
	_, err := outbound.EnqueueEvent(ctx, tx.Outbox(), m.opts.Source, events.InvoiceOverdue, events.InvoiceOverdueData{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.InvoiceNumber,
		CustomerID:    inv.CustomerID,
		DueAmount:     events.Amount(inv.DueAmount),
		DueDate:       inv.DueDate,
	})
	return err
}

func (m *Manager) enqueueUpdated(ctx context.Context, tx repositories.Store, inv *models.Invoice) error {
	data := events.InvoiceUpdatedData{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.InvoiceNumber,
		Status:        string(inv.Status),
		PaidAmount:    events.Amount(inv.PaidAmount),
		DueAmount:     events.Amount(inv.DueAmount),
	}
	if inv.OrderID != nil {
		data.OrderID = *inv.OrderID
	}
	_, err := outbound.EnqueueEvent(ctx, tx.Outbox(), m.opts.Source, events.InvoiceUpdated, data)
	return err
}

func (m *Manager) appendHistory(ctx context.Context, tx repositories.Store, inv *models.Invoice, action, details string) error {
	entry := &models.InvoiceHistory{
		ID:            uuid.New(),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Action:        action,
		Details:       details,
		CreatedAt:     m.now(),
	}
	if err := tx.Invoices().AppendHistory(ctx, entry); err != nil {
		return err
	}
	audit.Add(ctx, audit.Entry{
		Time:        entry.CreatedAt,
		Aggregate:   "invoice",
		AggregateID: inv.InvoiceNumber,
		Action:      action,
		To:          string(inv.Status),
		Details:     map[string]interface{}{"details": details, "invoice_id": inv.ID.String()},
	})
	return nil
}
