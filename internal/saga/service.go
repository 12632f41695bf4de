package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/compensation"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/ingress"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
)

// Options configures a Service
type Options struct {
	Source             string
	ReservationTimeout time.Duration
	Retry              retry.Policy
}

// Service applies saga transitions to orders. The On* handlers run inside
// the ingress transaction; Cancel, Ship and the sweeps open their own.
type Service struct {
	store    repositories.Store
	billing  *billing.Manager
	recorder audit.Recorder
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
}

// NewService builds the saga service. With a nil recorder the audit trail
// of its own commands is dropped.
func NewService(store repositories.Store, billingManager *billing.Manager, recorder audit.Recorder, opts Options, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		billing:  billingManager,
		recorder: recorder,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes is the handler table for the topics the saga reacts to
func (s *Service) Routes() map[string]ingress.Handler {
	return map[string]ingress.Handler{
		events.OrderCreated:      s.OnOrderCreated,
		events.InventoryReserved: s.OnInventoryReserved,
		events.InventoryReleased: s.OnInventoryReleased,
		events.PaymentSuccess:    s.OnPaymentSuccess,
		events.PaymentFailed:     s.OnPaymentFailed,
	}
}

// loadOrder returns nil without error when the order is unknown
func (s *Service) loadOrder(ctx context.Context, tx repositories.Store, orderID string, env events.Envelope) (*models.Order, error) {
	order, err := tx.Orders().GetByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		s.log.Warn().
			Str("order_id", orderID).
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Msg("Event for unknown order, skipping")
		return nil, nil
	}
	return order, err
}

// OnOrderCreated registers an unknown order as pending and requests its
// reservation
func (s *Service) OnOrderCreated(ctx context.Context, tx repositories.Store, env events.Envelope) error {
	data, err := events.DecodeData[events.OrderCreatedData](env)
	if err != nil {
		return err
	}

	if _, err := tx.Orders().GetByID(ctx, string(data.OrderID)); err == nil {
		s.log.Debug().Str("order_id", string(data.OrderID)).Msg("Order already registered")
		return nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	now := s.now()
	order := &models.Order{
		ID:                     string(data.OrderID),
		CustomerID:             string(data.CustomerID),
		Status:                 models.OrderPending,
		PaymentStatus:          models.PaymentUnpaid,
		ReservationStatus:      models.ReservationRequested,
		ReservationRequestedAt: &now,
		Tax:                    int64(data.Tax),
		ShippingCost:           int64(data.ShippingCost),
		Discount:               int64(data.Discount),
		ShippingAddress:        data.ShippingAddress,
		BillingAddress:         data.BillingAddress,
		Notes:                  data.Notes,
	}
	for i, item := range data.Items {
		order.Items = append(order.Items, models.OrderItem{
			Position:  i,
			ProductID: string(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: int64(item.Price),
		})
		order.Subtotal += int64(item.Quantity) * int64(item.Price)
	}

	if total := billing.ComputeTotal(order.Subtotal, order.Tax, order.ShippingCost, order.Discount); data.TotalAmount > 0 && total != int64(data.TotalAmount) {
		s.log.Warn().
			Str("order_id", order.ID).
			Int64("announced_total", int64(data.TotalAmount)).
			Int64("computed_total", total).
			Msg("Order total differs from its lines")
	}

	if err := tx.Orders().Create(ctx, order); err != nil {
		return err
	}
	if err := outbound.EnqueueCommands(ctx, tx.Outbox(), compensation.Reserve(*order)); err != nil {
		return err
	}

	s.trace(ctx, order, "registered", "", models.OrderPending, env.EventID, nil)
	s.log.Info().Str("order_id", order.ID).Int("items", len(order.Items)).Msg("Order registered, reservation requested")
	return nil
}

// OnInventoryReserved confirms a pending order once every line is reserved
// and creates its invoice
func (s *Service) OnInventoryReserved(ctx context.Context, tx repositories.Store, env events.Envelope) error {
	data, err := events.DecodeData[events.InventoryReservedData](env)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, tx, string(data.OrderID), env)
	if err != nil || order == nil {
		return err
	}

	switch order.Status {
	case models.OrderCancelled, models.OrderFailed:
		// stock reserved after the order ended has to be given back
		reason := order.CancelReason
		if order.Status == models.OrderFailed {
			reason = events.ReasonPaymentFailed
		}
		s.log.Warn().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Late reservation, releasing")
		return outbound.EnqueueCommands(ctx, tx.Outbox(), compensation.Release(order.ID, reason))
	case models.OrderShipped:
		return nil
	}
	if order.ReservationStatus == models.ReservationReserved {
		s.log.Debug().Str("order_id", order.ID).Msg("Reservation already complete")
		return nil
	}

	complete := accumulate(order, data.Lines())
	if !complete {
		order.ReservationStatus = models.ReservationRequested
		if err := tx.Orders().Update(ctx, order); err != nil {
			return err
		}
		s.trace(ctx, order, "partially_reserved", order.Status, order.Status, env.EventID, map[string]interface{}{"lines": len(data.Lines())})
		return nil
	}

	order.ReservationStatus = models.ReservationReserved
	previous := order.Status
	next, ok := Next(order.Status, TriggerReserved)
	if ok {
		order.Status = next
	}
	if err := tx.Orders().Update(ctx, order); err != nil {
		return err
	}

	if _, err := s.billing.CreateForOrderTx(ctx, tx, order); err != nil {
		return err
	}
	if ok {
		if err := s.enqueueUpdated(ctx, tx, order, previous); err != nil {
			return err
		}
	}

	s.trace(ctx, order, string(TriggerReserved), previous, order.Status, env.EventID, nil)
	s.log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Inventory reserved")
	return nil
}

// accumulate adds reserved lines to the order items and reports whether
// every item quantity is covered. No lines means the whole order.
func accumulate(order *models.Order, lines []events.ReservedItem) bool {
	if len(lines) == 0 {
		for i := range order.Items {
			order.Items[i].ReservedQuantity = order.Items[i].Quantity
		}
		return true
	}

	for _, line := range lines {
		left := line.Quantity
		for i := range order.Items {
			item := &order.Items[i]
			if item.ProductID != string(line.ProductID) || left == 0 {
				continue
			}
			add := item.Quantity - item.ReservedQuantity
			if add > left {
				add = left
			}
			item.ReservedQuantity += add
			left -= add
		}
	}

	for _, item := range order.Items {
		if item.ReservedQuantity < item.Quantity {
			return false
		}
	}
	return true
}

// OnInventoryReleased cancels an open order whose stock was released for
// an order cancellation
func (s *Service) OnInventoryReleased(ctx context.Context, tx repositories.Store, env events.Envelope) error {
	data, err := events.DecodeData[events.InventoryReleasedData](env)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, tx, string(data.OrderID), env)
	if err != nil || order == nil {
		return err
	}

	if order.Status.IsTerminal() {
		s.log.Debug().
			Str("order_id", order.ID).
			Str("status", string(order.Status)).
			Str("reason", data.Reason).
			Msg("Release for finished order, nothing to do")
		return nil
	}

	if data.Reason != events.ReasonOrderCancelled {
		if order.ReservationStatus == models.ReservationReleased {
			return nil
		}
		order.ReservationStatus = models.ReservationReleased
		if err := tx.Orders().Update(ctx, order); err != nil {
			return err
		}
		s.trace(ctx, order, "reservation_released", order.Status, order.Status, env.EventID, map[string]interface{}{"reason": data.Reason})
		return nil
	}

	next, ok := Next(order.Status, TriggerReleased)
	if !ok {
		s.log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Release does not apply, skipping")
		return nil
	}
	previous := order.Status
	order.Status = next
	order.ReservationStatus = models.ReservationReleased
	order.CancelReason = data.Reason
	if err := tx.Orders().Update(ctx, order); err != nil {
		return err
	}
	if err := s.billing.CancelForOrderTx(ctx, tx, order.ID, data.Reason); err != nil {
		return err
	}
	if err := s.enqueueCancelled(ctx, tx, order); err != nil {
		return err
	}

	s.trace(ctx, order, string(TriggerReleased), previous, order.Status, env.EventID, map[string]interface{}{"reason": data.Reason})
	s.log.Info().Str("order_id", order.ID).Msg("Order cancelled after inventory release")
	return nil
}

// OnPaymentSuccess marks the order paid and applies the payment to its invoice
func (s *Service) OnPaymentSuccess(ctx context.Context, tx repositories.Store, env events.Envelope) error {
	data, err := events.DecodeData[events.PaymentSuccessData](env)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, tx, string(data.OrderID), env)
	if err != nil || order == nil {
		return err
	}

	previous := order.Status
	next, ok := Next(order.Status, TriggerPaymentSuccess)
	if !ok && order.Status != models.OrderPaid {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("status", string(order.Status)).
			Str("transaction_id", data.TransactionID).
			Msg("Payment for order that cannot be paid, skipping")
		return nil
	}

	if ok {
		order.Status = next
		order.PaymentStatus = models.PaymentPaid
		if err := tx.Orders().Update(ctx, order); err != nil {
			return err
		}
	}

	inv, err := tx.Invoices().GetByOrderID(ctx, order.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		inv, err = s.billing.CreateForOrderTx(ctx, tx, order)
	}
	if err != nil {
		return err
	}
	_, err = s.billing.ApplyPaymentTx(ctx, tx, inv, billing.Payment{
		Amount:        int64(data.Amount),
		Method:        data.Method,
		TransactionID: data.TransactionID,
		PaidAt:        env.Timestamp,
	})
	if errors.Is(err, billing.ErrInvoiceClosed) {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Payment not applied to invoice")
	} else if err != nil {
		return err
	}

	if ok {
		if err := s.enqueueUpdated(ctx, tx, order, previous); err != nil {
			return err
		}
		s.trace(ctx, order, string(TriggerPaymentSuccess), previous, order.Status, env.EventID, map[string]interface{}{
			"amount":         int64(data.Amount),
			"transaction_id": data.TransactionID,
		})
	}
	s.log.Info().Str("order_id", order.ID).Int64("amount", int64(data.Amount)).Msg("Payment applied")
	return nil
}

// OnPaymentFailed fails the order and enqueues the release of its stock
func (s *Service) OnPaymentFailed(ctx context.Context, tx repositories.Store, env events.Envelope) error {
	data, err := events.DecodeData[events.PaymentFailedData](env)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, tx, string(data.OrderID), env)
	if err != nil || order == nil {
		return err
	}

	next, ok := Next(order.Status, TriggerPaymentFailed)
	if !ok {
		s.log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Payment failure does not apply, skipping")
		return nil
	}

	previous := order.Status
	commands := compensation.Decide(compensation.SignalPaymentFailed, *order)
	order.Status = next
	order.PaymentStatus = models.PaymentFailed
	if len(commands) > 0 {
		order.ReservationStatus = models.ReservationReleased
	}
	if err := tx.Orders().Update(ctx, order); err != nil {
		return err
	}
	if err := outbound.EnqueueCommands(ctx, tx.Outbox(), commands...); err != nil {
		return err
	}
	if err := s.billing.CancelForOrderTx(ctx, tx, order.ID, events.ReasonPaymentFailed); err != nil {
		return err
	}
	if err := s.enqueueUpdated(ctx, tx, order, previous); err != nil {
		return err
	}

	s.trace(ctx, order, string(TriggerPaymentFailed), previous, order.Status, env.EventID, map[string]interface{}{
		"reason":        data.Reason,
		"compensations": len(commands),
	})
	s.log.Warn().Str("order_id", order.ID).Str("reason", data.Reason).Msg("Payment failed, compensating")
	return nil
}

// Get returns an order
func (s *Service) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.Orders().GetByID(ctx, orderID)
}

// Cancel cancels an order on request
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	if reason == "" {
		reason = events.ReasonOrderCancelled
	}
	return s.cancel(ctx, orderID, compensation.SignalOrderCancelled, reason, true)
}

// OnReservationDenied cancels an order whose reservation the inventory
// service refused. Orders that already ended are left alone.
func (s *Service) OnReservationDenied(ctx context.Context, orderID string) error {
	_, err := s.cancel(ctx, orderID, compensation.SignalReservationDenied, events.ReasonReservationDenied, false)
	return err
}

func (s *Service) cancel(ctx context.Context, orderID string, signal compensation.Signal, reason string, strict bool) (*models.Order, error) {
	var result *models.Order
	err := s.run(ctx, func(ctx context.Context, tx repositories.Store) error {
		order, err := tx.Orders().GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		result = order
		next, ok := Next(order.Status, TriggerCancel)
		if !ok {
			if strict {
				return errors.Wrapf(ErrInvalidTransition, "order %s is %s", order.ID, order.Status)
			}
			s.log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Cancel does not apply, skipping")
			return nil
		}
		return s.cancelTx(ctx, tx, order, next, signal, reason)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) cancelTx(ctx context.Context, tx repositories.Store, order *models.Order, next models.OrderStatus, signal compensation.Signal, reason string) error {
	previous := order.Status
	commands := compensation.Decide(signal, *order)
	order.Status = next
	order.CancelReason = reason
	if len(commands) > 0 {
		order.ReservationStatus = models.ReservationReleased
	}
	if err := tx.Orders().Update(ctx, order); err != nil {
		return err
	}
	if err := outbound.EnqueueCommands(ctx, tx.Outbox(), commands...); err != nil {
		return err
	}
	if err := s.billing.CancelForOrderTx(ctx, tx, order.ID, reason); err != nil {
		return err
	}
	if err := s.enqueueCancelled(ctx, tx, order); err != nil {
		return err
	}

	s.trace(ctx, order, string(TriggerCancel), previous, order.Status, "", map[string]interface{}{
		"reason":        reason,
		"compensations": len(commands),
	})
	s.log.Info().Str("order_id", order.ID).Str("reason", reason).Msg("Order cancelled")
	return nil
}

// Ship marks a paid order shipped and completes it
func (s *Service) Ship(ctx context.Context, orderID string) (*models.Order, error) {
	var result *models.Order
	err := s.run(ctx, func(ctx context.Context, tx repositories.Store) error {
		order, err := tx.Orders().GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		next, ok := Next(order.Status, TriggerShip)
		if !ok {
			return errors.Wrapf(ErrInvalidTransition, "order %s is %s", order.ID, order.Status)
		}
		previous := order.Status
		order.Status = next
		if err := tx.Orders().Update(ctx, order); err != nil {
			return err
		}
		_, err = outbound.EnqueueEvent(ctx, tx.Outbox(), s.opts.Source, events.OrderCompleted, events.OrderCompletedData{
			OrderID:     events.ID(order.ID),
			CustomerID:  events.ID(order.CustomerID),
			CompletedAt: s.now(),
		})
		if err != nil {
			return err
		}
		s.trace(ctx, order, string(TriggerShip), previous, order.Status, "", nil)
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("order_id", orderID).Msg("Order shipped")
	return result, nil
}

// ExpireStaleReservations cancels pending orders whose reservation has been
// outstanding for longer than the configured timeout
func (s *Service) ExpireStaleReservations(ctx context.Context, limit int) (int, error) {
	if s.opts.ReservationTimeout <= 0 {
		return 0, nil
	}
	stale, err := s.store.Orders().ListStaleReservations(ctx, s.now().Add(-s.opts.ReservationTimeout), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		id := candidate.ID
		err := s.run(ctx, func(ctx context.Context, tx repositories.Store) error {
			order, err := tx.Orders().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if order.Status != models.OrderPending || order.ReservationStatus != models.ReservationRequested {
				return nil
			}
			return s.cancelTx(ctx, tx, order, models.OrderCancelled, compensation.SignalReservationTimeout, events.ReasonReservationTimeout)
		})
		if err != nil {
			s.log.Error().Err(err).Str("order_id", id).Msg("Failed to expire reservation")
			continue
		}
		expired++
	}

	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("Stale reservations expired")
	}
	return expired, nil
}

func classify(err error) retry.Class {
	switch {
	case errors.Is(err, repositories.ErrVersionConflict):
		return retry.Conflict
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, repositories.ErrNotFound),
		errors.Is(err, billing.ErrInvoiceClosed):
		return retry.Permanent
	}
	return retry.Transient
}

func (s *Service) run(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	var trail *audit.Trail
	_, err := retry.Do(ctx, s.opts.Retry, classify, func() error {
		var txCtx context.Context
		txCtx, trail = audit.WithTrail(ctx)
		return s.store.WithTransaction(txCtx, fn)
	})
	if err != nil {
		return err
	}
	trail.Flush(ctx, s.recorder, s.log)
	return nil
}

func (s *Service) enqueueUpdated(ctx context.Context, tx repositories.Store, order *models.Order, previous models.OrderStatus) error {
	_, err := outbound.EnqueueEvent(ctx, tx.Outbox(), s.opts.Source, events.OrderUpdated, events.OrderUpdatedData{
		OrderID:        events.ID(order.ID),
		CustomerID:     events.ID(order.CustomerID),
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		PaymentStatus:  string(order.PaymentStatus),
	})
	return err
}

func (s *Service) enqueueCancelled(ctx context.Context, tx repositories.Store, order *models.Order) error {
	_, err := outbound.EnqueueEvent(ctx, tx.Outbox(), s.opts.Source, events.OrderCancelled, events.OrderCancelledData{
		OrderID:    events.ID(order.ID),
		CustomerID: events.ID(order.CustomerID),
		Reason:     order.CancelReason,
	})
	return err
}

func (s *Service) trace(ctx context.Context, order *models.Order, action string, from, to models.OrderStatus, eventID string, details map[string]interface{}) {
	audit.Add(ctx, audit.Entry{
		Aggregate:   "order",
		AggregateID: order.ID,
		Action:      action,
		From:        string(from),
		To:          string(to),
		EventID:     eventID,
		Details:     details,
	})
}
