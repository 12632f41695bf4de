package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/compensation"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
)

type SagaSuite struct {
	suite.Suite
	store   *repositories.MemoryStore
	billing *billing.Manager
	svc     *Service
	ctx     context.Context
}

func TestSagaSuite(t *testing.T) {
	suite.Run(t, new(SagaSuite))
}

func (s *SagaSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repositories.NewMemoryStore()
	policy := retry.Policy{MaxAttempts: 2, ConflictRetries: 2, BaseBackoff: time.Millisecond}
	s.billing = billing.NewManager(s.store, nil, billing.Options{DueDays: 30, Currency: "VND", Source: "test", Retry: policy}, zerolog.Nop())
	s.svc = NewService(s.store, s.billing, nil, Options{Source: "test", ReservationTimeout: 15 * time.Minute, Retry: policy}, zerolog.Nop())
}

func (s *SagaSuite) envelope(eventType string, payload interface{}) events.Envelope {
	env, err := events.New(eventType, "upstream", payload)
	s.Require().NoError(err)
	return env
}

// handle runs a handler the way ingress does: one transaction per event
func (s *SagaSuite) handle(eventType string, payload interface{}) error {
	env := s.envelope(eventType, payload)
	h, ok := s.svc.Routes()[eventType]
	s.Require().True(ok, "no route for %s", eventType)
	return s.store.WithTransaction(s.ctx, func(ctx context.Context, tx repositories.Store) error {
		return h(ctx, tx, env)
	})
}

func (s *SagaSuite) seedOrder(id string, status models.OrderStatus, reservation models.ReservationStatus) {
	requested := time.Now().UTC()
	err := s.store.Orders().Create(s.ctx, &models.Order{
		ID:                     id,
		CustomerID:             "C1",
		Status:                 status,
		PaymentStatus:          models.PaymentUnpaid,
		ReservationStatus:      reservation,
		ReservationRequestedAt: &requested,
		Subtotal:               500000,
		Tax:                    50000,
		ShippingCost:           30000,
		Items: []models.OrderItem{
			{ProductID: "P1", Quantity: 2, UnitPrice: 200000},
			{ProductID: "P2", Quantity: 1, UnitPrice: 100000},
		},
	})
	s.Require().NoError(err)
}

func (s *SagaSuite) order(id string) *models.Order {
	o, err := s.store.Orders().GetByID(s.ctx, id)
	s.Require().NoError(err)
	return o
}

func (s *SagaSuite) topics() []string {
	var out []string
	for _, m := range s.store.OutboxMessages() {
		out = append(out, m.Topic)
	}
	return out
}

func (s *SagaSuite) commands() []compensation.Command {
	var out []compensation.Command
	for _, m := range s.store.OutboxMessages() {
		if m.Kind != models.OutboxCommand {
			continue
		}
		var cmd compensation.Command
		s.Require().NoError(json.Unmarshal(m.Payload, &cmd))
		out = append(out, cmd)
	}
	return out
}

func (s *SagaSuite) TestOrderCreatedRegistersAndRequestsReservation() {
	payload := events.OrderCreatedData{
		OrderID:     "O7",
		CustomerID:  "C1",
		Items:       []events.OrderItem{{ProductID: "P1", Quantity: 2, Price: 200000}},
		TotalAmount: 430000,
		Tax:         30000,
	}
	s.Require().NoError(s.handle(events.OrderCreated, payload))
	s.Require().NoError(s.handle(events.OrderCreated, payload))

	o := s.order("O7")
	s.Equal(models.OrderPending, o.Status)
	s.Equal(models.ReservationRequested, o.ReservationStatus)
	s.Equal(int64(400000), o.Subtotal)

	cmds := s.commands()
	s.Require().Len(cmds, 1)
	s.Equal(compensation.CommandReserve, cmds[0].Type)
	s.Equal([]compensation.Line{{ProductID: "P1", Quantity: 2}}, cmds[0].Items)
}

// Scenario A
func (s *SagaSuite) TestReservationConfirmsAndInvoices() {
	s.seedOrder("O1", models.OrderPending, models.ReservationRequested)

	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O1"}))

	o := s.order("O1")
	s.Equal(models.OrderConfirmed, o.Status)
	s.Equal(models.ReservationReserved, o.ReservationStatus)

	inv, err := s.store.Invoices().GetByOrderID(s.ctx, "O1")
	s.Require().NoError(err)
	s.Equal(int64(580000), inv.TotalAmount)
	s.Equal(int64(580000), inv.DueAmount)
	s.Equal([]string{events.InvoiceCreated, events.OrderUpdated}, s.topics())
}

func (s *SagaSuite) TestPartialReservationAccumulates() {
	s.seedOrder("O1", models.OrderPending, models.ReservationRequested)

	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O1", ProductID: "P1", Quantity: 2}))
	o := s.order("O1")
	s.Equal(models.OrderPending, o.Status)
	s.Equal(2, o.Items[0].ReservedQuantity)
	s.Empty(s.topics())

	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{
		OrderID: "O1",
		Items:   []events.ReservedItem{{ProductID: "P2", Quantity: 1}},
	}))
	s.Equal(models.OrderConfirmed, s.order("O1").Status)
}

// Scenario B
func (s *SagaSuite) TestPaymentSuccessPaysInvoiceAndOrder() {
	s.seedOrder("O1", models.OrderPending, models.ReservationRequested)
	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O1"}))

	payment := events.PaymentSuccessData{PaymentID: "PAY-1", OrderID: "O1", Amount: 580000, Method: "card", TransactionID: "TXN-1"}
	s.Require().NoError(s.handle(events.PaymentSuccess, payment))

	o := s.order("O1")
	s.Equal(models.OrderPaid, o.Status)
	s.Equal(models.PaymentPaid, o.PaymentStatus)

	inv, err := s.store.Invoices().GetByOrderID(s.ctx, "O1")
	s.Require().NoError(err)
	s.Equal(int64(580000), inv.PaidAmount)
	s.Equal(int64(0), inv.DueAmount)
	s.Equal(models.InvoicePaid, inv.Status)

	// the same capture delivered under a new event id changes nothing
	published := len(s.store.OutboxMessages())
	s.Require().NoError(s.handle(events.PaymentSuccess, payment))
	inv, err = s.store.Invoices().GetByOrderID(s.ctx, "O1")
	s.Require().NoError(err)
	s.Equal(int64(580000), inv.PaidAmount)
	s.Len(s.store.OutboxMessages(), published)
}

func (s *SagaSuite) TestPaymentBeforeReservation() {
	s.seedOrder("O1", models.OrderPending, models.ReservationRequested)

	s.Require().NoError(s.handle(events.PaymentSuccess, events.PaymentSuccessData{OrderID: "O1", Amount: 580000, TransactionID: "TXN-1"}))
	s.Equal(models.OrderPaid, s.order("O1").Status)

	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O1"}))
	o := s.order("O1")
	s.Equal(models.OrderPaid, o.Status)
	s.Equal(models.ReservationReserved, o.ReservationStatus)

	inv, err := s.store.Invoices().GetByOrderID(s.ctx, "O1")
	s.Require().NoError(err)
	s.Equal(models.InvoicePaid, inv.Status)
}

// Scenario C
func (s *SagaSuite) TestPaymentFailedCompensates() {
	s.seedOrder("O2", models.OrderConfirmed, models.ReservationReserved)

	s.Require().NoError(s.handle(events.PaymentFailed, events.PaymentFailedData{OrderID: "O2", Amount: 580000, Reason: "card_declined"}))

	o := s.order("O2")
	s.Equal(models.OrderFailed, o.Status)
	s.Equal(models.PaymentFailed, o.PaymentStatus)
	s.Equal(models.ReservationReleased, o.ReservationStatus)
	s.Equal([]compensation.Command{{Type: compensation.CommandRelease, OrderID: "O2", Reason: events.ReasonPaymentFailed}}, s.commands())
	s.Contains(s.topics(), events.OrderUpdated)
}

// Scenario E
func (s *SagaSuite) TestReleaseForCancelledOrderIsNoop() {
	s.seedOrder("O3", models.OrderCancelled, models.ReservationReleased)

	s.Require().NoError(s.handle(events.InventoryReleased, events.InventoryReleasedData{OrderID: "O3", Reason: events.ReasonOrderCancelled}))

	o := s.order("O3")
	s.Equal(models.OrderCancelled, o.Status)
	s.Equal(int64(1), o.Version)
	s.Empty(s.store.OutboxMessages())
}

func (s *SagaSuite) TestReleaseCancelsOpenOrder() {
	s.seedOrder("O4", models.OrderPending, models.ReservationRequested)
	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O4"}))

	s.Require().NoError(s.handle(events.InventoryReleased, events.InventoryReleasedData{OrderID: "O4", Reason: events.ReasonOrderCancelled}))

	o := s.order("O4")
	s.Equal(models.OrderCancelled, o.Status)
	inv, err := s.store.Invoices().GetByOrderID(s.ctx, "O4")
	s.Require().NoError(err)
	s.Equal(models.InvoiceCancelled, inv.Status)
	s.Contains(s.topics(), events.OrderCancelled)
}

func (s *SagaSuite) TestUnknownOrderIsSkipped() {
	s.NoError(s.handle(events.PaymentSuccess, events.PaymentSuccessData{OrderID: "missing", Amount: 10}))
	s.NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "missing"}))
	s.Empty(s.store.OutboxMessages())
}

func (s *SagaSuite) TestMalformedPayload() {
	err := s.handle(events.PaymentSuccess, map[string]interface{}{"orderId": "O1", "amount": -5})
	s.True(events.IsMalformed(err))
}

// handleRaw runs a handler on a payload written the way peers write it
func (s *SagaSuite) handleRaw(eventType, data string) error {
	env := events.Envelope{EventID: "raw-" + eventType, EventType: eventType, Source: "upstream", Data: []byte(data)}
	return s.store.WithTransaction(s.ctx, func(ctx context.Context, tx repositories.Store) error {
		return s.svc.Routes()[eventType](ctx, tx, env)
	})
}

func (s *SagaSuite) TestFractionalPaymentIsApplied() {
	s.seedOrder("O1", models.OrderConfirmed, models.ReservationReserved)

	s.Require().NoError(s.handleRaw(events.PaymentSuccess,
		`{"paymentId":"PAY-1","orderId":"O1","amount":2000.50,"method":"card","transactionId":"TXN-1"}`))

	o := s.order("O1")
	s.Equal(models.OrderPaid, o.Status)
	inv, err := s.store.Invoices().GetByOrderID(s.ctx, "O1")
	s.Require().NoError(err)
	s.Equal(int64(200050), inv.PaidAmount)
	s.Equal(int64(379950), inv.DueAmount)
}

func (s *SagaSuite) TestOrderWithOversizedDiscountIsRejected() {
	err := s.handleRaw(events.OrderCreated,
		`{"orderId":"O8","customerId":"C1","items":[{"productId":"P1","quantity":1,"price":1000}],"discount":5000}`)
	s.True(events.IsMalformed(err))

	_, err = s.store.Orders().GetByID(s.ctx, "O8")
	s.True(errors.Is(err, repositories.ErrNotFound))
	s.Empty(s.store.OutboxMessages())
}

func (s *SagaSuite) TestLateReservationForCancelledOrderIsReleased() {
	s.seedOrder("O5", models.OrderCancelled, models.ReservationReleased)
	o := s.order("O5")
	o.CancelReason = events.ReasonOrderCancelled
	s.Require().NoError(s.store.Orders().Update(s.ctx, o))

	s.Require().NoError(s.handle(events.InventoryReserved, events.InventoryReservedData{OrderID: "O5"}))
	s.Equal([]compensation.Command{{Type: compensation.CommandRelease, OrderID: "O5", Reason: events.ReasonOrderCancelled}}, s.commands())
}

func (s *SagaSuite) TestCancelAndShip() {
	s.seedOrder("O6", models.OrderPending, models.ReservationRequested)

	cancelled, err := s.svc.Cancel(s.ctx, "O6", "")
	s.Require().NoError(err)
	s.Equal(models.OrderCancelled, cancelled.Status)
	s.Equal([]compensation.Command{{Type: compensation.CommandRelease, OrderID: "O6", Reason: events.ReasonOrderCancelled}}, s.commands())

	_, err = s.svc.Cancel(s.ctx, "O6", "")
	s.True(errors.Is(err, ErrInvalidTransition))

	_, err = s.svc.Ship(s.ctx, "O6")
	s.True(errors.Is(err, ErrInvalidTransition))

	_, err = s.svc.Ship(s.ctx, "nope")
	s.True(errors.Is(err, repositories.ErrNotFound))

	s.seedOrder("O8", models.OrderPaid, models.ReservationReserved)
	shipped, err := s.svc.Ship(s.ctx, "O8")
	s.Require().NoError(err)
	s.Equal(models.OrderShipped, shipped.Status)
	s.Equal(events.OrderCompleted, s.topics()[len(s.topics())-1])
}

func (s *SagaSuite) TestReservationDeniedCancels() {
	s.seedOrder("O9", models.OrderPending, models.ReservationRequested)

	s.Require().NoError(s.svc.OnReservationDenied(s.ctx, "O9"))
	o := s.order("O9")
	s.Equal(models.OrderCancelled, o.Status)
	s.Equal(events.ReasonReservationDenied, o.CancelReason)

	// a second denial for a finished order is ignored
	s.Require().NoError(s.svc.OnReservationDenied(s.ctx, "O9"))
}

func (s *SagaSuite) TestExpireStaleReservations() {
	s.seedOrder("O10", models.OrderPending, models.ReservationRequested)
	s.seedOrder("O11", models.OrderConfirmed, models.ReservationReserved)

	s.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	expired, err := s.svc.ExpireStaleReservations(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, expired)

	o := s.order("O10")
	s.Equal(models.OrderCancelled, o.Status)
	s.Equal(events.ReasonReservationTimeout, o.CancelReason)
	s.Equal(models.OrderConfirmed, s.order("O11").Status)
}

// lifecycle position of each status; terminal states share the last one
var rank = map[models.OrderStatus]int{
	models.OrderPending:   0,
	models.OrderConfirmed: 1,
	models.OrderPaid:      2,
	models.OrderShipped:   3,
	models.OrderCancelled: 3,
	models.OrderFailed:    3,
}

func TestNextNeverMovesBackwards(t *testing.T) {
	statuses := []models.OrderStatus{
		models.OrderPending, models.OrderConfirmed, models.OrderPaid,
		models.OrderShipped, models.OrderCancelled, models.OrderFailed,
	}
	triggers := []Trigger{TriggerReserved, TriggerReleased, TriggerPaymentSuccess, TriggerPaymentFailed, TriggerCancel, TriggerShip}

	for _, from := range statuses {
		for _, trigger := range triggers {
			to, ok := Next(from, trigger)
			if !ok {
				assert.Equal(t, from, to)
				continue
			}
			assert.True(t, rank[to] > rank[from], "%s -%s-> %s", from, trigger, to)
			assert.False(t, from.IsTerminal(), "%s is terminal", from)
		}
	}
}

func TestNextTable(t *testing.T) {
	to, ok := Next(models.OrderPending, TriggerReserved)
	require.True(t, ok)
	assert.Equal(t, models.OrderConfirmed, to)

	_, ok = Next(models.OrderConfirmed, TriggerReserved)
	assert.False(t, ok)

	to, ok = Next(models.OrderPaid, TriggerShip)
	require.True(t, ok)
	assert.Equal(t, models.OrderShipped, to)

	_, ok = Next(models.OrderPaid, TriggerPaymentFailed)
	assert.False(t, ok)
}
