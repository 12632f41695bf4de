// Package saga coordinates an order across inventory reservation, payment
// and invoicing.
package saga

import (
	"github.com/pkg/errors"

	"example.com/backstage/fulfillment/internal/models"
)

// ErrInvalidTransition is returned when a requested command does not apply
// to the order's current status
var ErrInvalidTransition = errors.New("order status transition not allowed")

// Trigger is something that can move an order
type Trigger string

const (
	TriggerReserved       Trigger = "reserved"
	TriggerReleased       Trigger = "released"
	TriggerPaymentSuccess Trigger = "payment_success"
	TriggerPaymentFailed  Trigger = "payment_failed"
	TriggerCancel         Trigger = "cancel"
	TriggerShip           Trigger = "ship"
)

var transitions = map[Trigger]struct {
	from []models.OrderStatus
	to   models.OrderStatus
}{
	TriggerReserved:       {[]models.OrderStatus{models.OrderPending}, models.OrderConfirmed},
	TriggerReleased:       {[]models.OrderStatus{models.OrderPending, models.OrderConfirmed}, models.OrderCancelled},
	TriggerPaymentSuccess: {[]models.OrderStatus{models.OrderPending, models.OrderConfirmed}, models.OrderPaid},
	TriggerPaymentFailed:  {[]models.OrderStatus{models.OrderPending, models.OrderConfirmed}, models.OrderFailed},
	TriggerCancel:         {[]models.OrderStatus{models.OrderPending, models.OrderConfirmed, models.OrderPaid}, models.OrderCancelled},
	TriggerShip:           {[]models.OrderStatus{models.OrderPaid}, models.OrderShipped},
}

// Next returns the status an order in current moves to on trigger. The
// second result is false when the trigger does not apply.
func Next(current models.OrderStatus, trigger Trigger) (models.OrderStatus, bool) {
	t, ok := transitions[trigger]
	if !ok {
		return current, false
	}
	for _, from := range t.from {
		if from == current {
			return t.to, true
		}
	}
	return current, false
}
