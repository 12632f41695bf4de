package repositories

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/fulfillment/internal/models"
)

type invoiceRepository struct {
	db *gorm.DB
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *models.Invoice) error {
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	if invoice.Version == 0 {
		invoice.Version = 1
	}
	for i := range invoice.Items {
		if invoice.Items[i].ID == uuid.Nil {
			invoice.Items[i].ID = uuid.New()
		}
		invoice.Items[i].InvoiceID = invoice.ID
	}
	err := r.db.WithContext(ctx).Omit("Payments").Create(invoice).Error
	return translate(err, "create invoice %s", invoice.InvoiceNumber)
}

func (r *invoiceRepository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Items").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("paid_at ASC") })
}

func (r *invoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.preloaded(ctx).Where("id = ?", id).First(&invoice).Error; err != nil {
		return nil, translate(err, "get invoice %s", id)
	}
	return &invoice, nil
}

func (r *invoiceRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.preloaded(ctx).Where("order_id = ?", orderID).Order("created_at DESC").First(&invoice).Error
	if err != nil {
		return nil, translate(err, "get invoice for order %s", orderID)
	}
	return &invoice, nil
}

// Update writes the invoice's status and amounts conditioned on its version
func (r *invoiceRepository) Update(ctx context.Context, invoice *models.Invoice) error {
	res := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND version = ?", invoice.ID, invoice.Version).
		Updates(map[string]interface{}{
			"status":      invoice.Status,
			"paid_amount": invoice.PaidAmount,
			"due_amount":  invoice.DueAmount,
			"issued_at":   invoice.IssuedAt,
			"paid_at":     invoice.PaidAt,
			"notes":       invoice.Notes,
			"version":     invoice.Version + 1,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return translate(res.Error, "update invoice %s", invoice.InvoiceNumber)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Invoice{}).Where("id = ?", invoice.ID).Count(&count).Error; err != nil {
			return translate(err, "check invoice %s", invoice.InvoiceNumber)
		}
		if count == 0 {
			return errors.Wrapf(ErrNotFound, "invoice %s", invoice.InvoiceNumber)
		}
		return errors.Wrapf(ErrVersionConflict, "invoice %s at version %d", invoice.InvoiceNumber, invoice.Version)
	}
	invoice.Version++
	return nil
}

func (r *invoiceRepository) AddPayment(ctx context.Context, payment *models.PaymentRecord) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(payment).Error
	return translate(err, "record payment on invoice %s", payment.InvoiceID)
}

func (r *invoiceRepository) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error; err != nil {
		return nil, translate(err, "find payment %s", transactionID)
	}
	return &payment, nil
}

func (r *invoiceRepository) AppendHistory(ctx context.Context, entry *models.InvoiceHistory) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Create(entry).Error
	return translate(err, "append history for invoice %s", entry.InvoiceNumber)
}

func (r *invoiceRepository) History(ctx context.Context, invoiceID uuid.UUID) ([]models.InvoiceHistory, error) {
	var entries []models.InvoiceHistory
	err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("created_at ASC").Find(&entries).Error
	if err != nil {
		return nil, translate(err, "list history for invoice %s", invoiceID)
	}
	return entries, nil
}

// LastSequence returns the highest sequence number used with prefix, or 0.
// Sequences are zero padded so the lexical maximum is the numeric maximum.
func (r *invoiceRepository) LastSequence(ctx context.Context, prefix string) (int, error) {
	var numbers []string
	err := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("invoice_number LIKE ?", prefix+"%").
		Order("invoice_number DESC").
		Limit(1).
		Pluck("invoice_number", &numbers).Error
	if err != nil {
		return 0, translate(err, "read invoice sequence for %s", prefix)
	}
	if len(numbers) == 0 {
		return 0, nil
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(numbers[0], prefix))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid invoice number %s", numbers[0])
	}
	return seq, nil
}

func (r *invoiceRepository) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("status IN ? AND due_date < ? AND paid_amount < total_amount",
			[]models.InvoiceStatus{models.InvoiceDraft, models.InvoiceSent, models.InvoiceViewed}, now).
		Order("due_date ASC").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, translate(err, "list overdue invoices")
	}
	return invoices, nil
}
