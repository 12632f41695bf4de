// Package compensation decides which inventory commands undo or advance a
// saga step. It performs no I/O; the outbound relay executes the commands.
package compensation

import (
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/models"
)

// Signal is a failure observed by the saga
type Signal string

const (
	SignalPaymentFailed      Signal = "payment_failed"
	SignalReservationDenied  Signal = "reservation_denied"
	SignalReservationTimeout Signal = "reservation_timeout"
	SignalOrderCancelled     Signal = "order_cancelled"
)

type CommandType string

const (
	CommandReserve CommandType = "inventory.reserve"
	CommandRelease CommandType = "inventory.release"
)

// Line is a product quantity carried by a reserve command
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Command is a remote call the relay performs against the inventory service
type Command struct {
	Type       CommandType `json:"type"`
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Items      []Line      `json:"items,omitempty"`
}

// Decide returns the compensating commands for signal on order. An order
// whose reservation is already released needs nothing.
func Decide(signal Signal, order models.Order) []Command {
	if order.ReservationStatus == models.ReservationReleased {
		return nil
	}

	var reason string
	switch signal {
	case SignalPaymentFailed:
		// Release is idempotent on the inventory side, so it is sent even when
		// the saga has not yet seen the reservation outcome.
		reason = events.ReasonPaymentFailed
	case SignalReservationDenied:
		reason = events.ReasonReservationDenied
	case SignalReservationTimeout:
		reason = events.ReasonReservationTimeout
	case SignalOrderCancelled:
		if !HoldsReservation(order) {
			return nil
		}
		reason = events.ReasonOrderCancelled
	default:
		return nil
	}

	return []Command{Release(order.ID, reason)}
}

// HoldsReservation reports whether the inventory may hold stock for order
func HoldsReservation(order models.Order) bool {
	switch order.ReservationStatus {
	case models.ReservationRequested, models.ReservationReserved:
		return true
	}
	for _, item := range order.Items {
		if item.ReservedQuantity > 0 {
			return true
		}
	}
	return false
}

// Release builds a release command
func Release(orderID, reason string) Command {
	return Command{Type: CommandRelease, OrderID: orderID, Reason: reason}
}

// Reserve builds the reservation request for every line of order
func Reserve(order models.Order) Command {
	lines := make([]Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return Command{Type: CommandReserve, OrderID: order.ID, CustomerID: order.CustomerID, Items: lines}
}
