package billing

import (
	"fmt"
	"time"

	"example.com/backstage/fulfillment/internal/models"
)

// ComputeTotal returns subtotal + tax + shipping - discount
func ComputeTotal(subtotal, tax, shippingCost, discount int64) int64 {
	return subtotal + tax + shippingCost - discount
}

// IsPaid reports whether the invoice has been paid in full
func IsPaid(inv models.Invoice) bool {
	return inv.PaidAmount >= inv.TotalAmount
}

// IsOverdue reports whether the due date has passed on an unpaid invoice
func IsOverdue(inv models.Invoice, now time.Time) bool {
	return now.After(inv.DueDate) && !IsPaid(inv)
}

// Remaining is the amount still due
func Remaining(inv models.Invoice) int64 {
	return inv.TotalAmount - inv.PaidAmount
}

// IsClosed reports whether the invoice status is terminal
func IsClosed(status models.InvoiceStatus) bool {
	return status == models.InvoicePaid || status == models.InvoiceCancelled
}

// NumberPrefix is the per-month prefix of invoice numbers, e.g. "INV-2025-10-"
func NumberPrefix(t time.Time) string {
	return fmt.Sprintf("INV-%04d-%02d-", t.Year(), int(t.Month()))
}

// FormatNumber renders the invoice number for the seq-th invoice of t's month
func FormatNumber(t time.Time, seq int) string {
	return fmt.Sprintf("%s%05d", NumberPrefix(t), seq)
}

// statusRank orders the presentation statuses. Payment and cancellation
// are not part of this ladder.
var statusRank = map[models.InvoiceStatus]int{
	models.InvoiceDraft:  0,
	models.InvoiceSent:   1,
	models.InvoiceViewed: 2,
}

// CanAdvance reports whether an invoice may move from one presentation status
// to the next one (draft -> sent -> viewed).
func CanAdvance(from, to models.InvoiceStatus) bool {
	f, ok := statusRank[from]
	if !ok {
		return false
	}
	t, ok := statusRank[to]
	if !ok {
		return false
	}
	return t == f+1
}
