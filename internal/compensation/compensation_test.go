package compensation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/models"
)

func order(reservation models.ReservationStatus) models.Order {
	return models.Order{
		ID:                "O2",
		CustomerID:        "C1",
		Status:            models.OrderConfirmed,
		ReservationStatus: reservation,
		Items:             []models.OrderItem{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}},
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name        string
		signal      Signal
		reservation models.ReservationStatus
		want        []Command
	}{
		{"payment failed on reserved order", SignalPaymentFailed, models.ReservationReserved,
			[]Command{{Type: CommandRelease, OrderID: "O2", Reason: events.ReasonPaymentFailed}}},
		{"payment failed before reservation outcome", SignalPaymentFailed, models.ReservationNone,
			[]Command{{Type: CommandRelease, OrderID: "O2", Reason: events.ReasonPaymentFailed}}},
		{"cancel with reservation", SignalOrderCancelled, models.ReservationRequested,
			[]Command{{Type: CommandRelease, OrderID: "O2", Reason: events.ReasonOrderCancelled}}},
		{"cancel without reservation", SignalOrderCancelled, models.ReservationNone, nil},
		{"reservation denied", SignalReservationDenied, models.ReservationRequested,
			[]Command{{Type: CommandRelease, OrderID: "O2", Reason: events.ReasonReservationDenied}}},
		{"reservation timeout", SignalReservationTimeout, models.ReservationRequested,
			[]Command{{Type: CommandRelease, OrderID: "O2", Reason: events.ReasonReservationTimeout}}},
		{"already released", SignalPaymentFailed, models.ReservationReleased, nil},
		{"unknown signal", Signal("shipment_lost"), models.ReservationReserved, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Decide(tc.signal, order(tc.reservation)))
		})
	}
}

func TestHoldsReservationWithPartialLines(t *testing.T) {
	o := order(models.ReservationNone)
	require.False(t, HoldsReservation(o))

	o.Items[1].ReservedQuantity = 1
	require.True(t, HoldsReservation(o))
}

func TestReserveCarriesEveryLine(t *testing.T) {
	cmd := Reserve(order(models.ReservationNone))
	require.Equal(t, CommandReserve, cmd.Type)
	require.Equal(t, "C1", cmd.CustomerID)
	require.Equal(t, []Line{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}}, cmd.Items)
}
