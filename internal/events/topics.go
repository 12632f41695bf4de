package events

// Topic registry. These strings are shared with every other platform service
// and must not change. New topics may be added; old consumers ignore them.
const (
	CustomerCreated = "customer.created"
	CustomerUpdated = "customer.updated"
	CustomerDeleted = "customer.deleted"
	SegmentChanged  = "segment.changed"

	ProductCreated      = "product.created"
	ProductUpdated      = "product.updated"
	ProductDeleted      = "product.deleted"
	ProductStockChanged = "product.stock.changed"

	PlanCreated = "plan.created"
	PlanUpdated = "plan.updated"
	PlanDeleted = "plan.deleted"

	FeatureCreated = "feature.created"
	FeatureUpdated = "feature.updated"
	FeatureDeleted = "feature.deleted"

	OrderCreated   = "order.created"
	OrderUpdated   = "order.updated"
	OrderCancelled = "order.cancelled"
	OrderCompleted = "order.completed"

	PaymentInitiated = "payment.initiated"
	PaymentSuccess   = "payment.success"
	PaymentFailed    = "payment.failed"

	InvoiceCreated = "invoice.created"
	InvoiceUpdated = "invoice.updated"
	InvoiceOverdue = "invoice.overdue"

	InventoryCreated  = "inventory.created"
	InventoryAdjusted = "inventory.adjusted"
	InventoryReserved = "inventory.reserved"
	InventoryReleased = "inventory.released"
	InventoryLowStock = "inventory.low_stock"
)

// SchemaVersion is the envelope version this service produces.
const SchemaVersion = "1.0"

var knownTopics = map[string]struct{}{
	CustomerCreated: {}, CustomerUpdated: {}, CustomerDeleted: {}, SegmentChanged: {},
	ProductCreated: {}, ProductUpdated: {}, ProductDeleted: {}, ProductStockChanged: {},
	PlanCreated: {}, PlanUpdated: {}, PlanDeleted: {},
	FeatureCreated: {}, FeatureUpdated: {}, FeatureDeleted: {},
	OrderCreated: {}, OrderUpdated: {}, OrderCancelled: {}, OrderCompleted: {},
	PaymentInitiated: {}, PaymentSuccess: {}, PaymentFailed: {},
	InvoiceCreated: {}, InvoiceUpdated: {}, InvoiceOverdue: {},
	InventoryCreated: {}, InventoryAdjusted: {}, InventoryReserved: {}, InventoryReleased: {}, InventoryLowStock: {},
}

// IsKnownTopic reports whether eventType is part of the registry
func IsKnownTopic(eventType string) bool {
	_, ok := knownTopics[eventType]
	return ok
}

// Topics returns every registered topic
func Topics() []string {
	out := make([]string, 0, len(knownTopics))
	for t := range knownTopics {
		out = append(out, t)
	}
	return out
}

// Release reasons understood by the inventory service
const (
	ReasonOrderCancelled     = "order_cancelled"
	ReasonOrderCompleted     = "order_completed"
	ReasonManualRelease      = "manual_release"
	ReasonPaymentFailed      = "payment_failed"
	ReasonReservationDenied  = "reservation_denied"
	ReasonReservationTimeout = "reservation_timeout"
)
