package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OrderStatus is the saga state of an order
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// IsTerminal reports whether no further transition can leave s
func (s OrderStatus) IsTerminal() bool {
	return s == OrderShipped || s == OrderCancelled || s == OrderFailed
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

// ReservationStatus mirrors what the saga knows about the inventory
// reservation held for an order. The inventory service owns the reservation.
type ReservationStatus string

const (
	ReservationNone      ReservationStatus = "none"
	ReservationRequested ReservationStatus = "requested"
	ReservationReserved  ReservationStatus = "reserved"
	ReservationReleased  ReservationStatus = "released"
)

// Order is the saga's view of a customer order
type Order struct {
	ID                     string            `gorm:"type:varchar(64);primaryKey" json:"id"`
	CustomerID             string            `gorm:"type:varchar(64);not null;index" json:"customer_id"`
	Status                 OrderStatus       `gorm:"type:varchar(16);not null;index" json:"status"`
	PaymentStatus          PaymentStatus     `gorm:"type:varchar(16);not null" json:"payment_status"`
	ReservationStatus      ReservationStatus `gorm:"type:varchar(16);not null;default:none" json:"reservation_status"`
	ReservationRequestedAt *time.Time        `json:"reservation_requested_at,omitempty"`
	Subtotal               int64             `gorm:"not null;default:0" json:"subtotal"`
	Tax                    int64             `gorm:"not null;default:0" json:"tax"`
	ShippingCost           int64             `gorm:"not null;default:0" json:"shipping_cost"`
	Discount               int64             `gorm:"not null;default:0" json:"discount"`
	ShippingAddress        string            `json:"shipping_address,omitempty"`
	BillingAddress         string            `json:"billing_address,omitempty"`
	Notes                  string            `json:"notes,omitempty"`
	CancelReason           string            `json:"cancel_reason,omitempty"`
	Version                int64             `gorm:"not null;default:1" json:"version"`
	CreatedAt              time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	Items                  []OrderItem       `gorm:"foreignKey:OrderID" json:"items"`
}

// OrderItem is one priced line of an order
type OrderItem struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID          string    `gorm:"type:varchar(64);not null;index" json:"order_id"`
	Position         int       `gorm:"not null" json:"position"`
	ProductID        string    `gorm:"type:varchar(64);not null" json:"product_id"`
	Quantity         int       `gorm:"not null" json:"quantity"`
	UnitPrice        int64     `gorm:"not null" json:"unit_price"`
	ReservedQuantity int       `gorm:"not null;default:0" json:"reserved_quantity"`
}

// BeforeCreate assigns an id to order items created without one
func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

type InvoiceType string

const (
	InvoiceOneTime   InvoiceType = "onetime"
	InvoiceRecurring InvoiceType = "recurring"
)

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoiceViewed    InvoiceStatus = "viewed"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice tracks the monetary state of an order or a subscription period
type Invoice struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceNumber  string          `gorm:"type:varchar(32);not null;uniqueIndex" json:"invoice_number"`
	OrderID        *string         `gorm:"type:varchar(64);index" json:"order_id,omitempty"`
	SubscriptionID *string         `gorm:"type:varchar(64);index" json:"subscription_id,omitempty"`
	InvoiceType    InvoiceType     `gorm:"type:varchar(16);not null;default:onetime" json:"invoice_type"`
	CustomerID     string          `gorm:"type:varchar(64);not null;index:idx_invoices_customer_status" json:"customer_id"`
	Status         InvoiceStatus   `gorm:"type:varchar(16);not null;index:idx_invoices_customer_status;index:idx_invoices_status_created" json:"status"`
	Subtotal       int64           `gorm:"not null" json:"subtotal"`
	Tax            int64           `gorm:"not null;default:0" json:"tax"`
	ShippingCost   int64           `gorm:"not null;default:0" json:"shipping_cost"`
	Discount       int64           `gorm:"not null;default:0" json:"discount"`
	TotalAmount    int64           `gorm:"not null" json:"total_amount"`
	PaidAmount     int64           `gorm:"not null;default:0" json:"paid_amount"`
	DueAmount      int64           `gorm:"not null" json:"due_amount"`
	Currency       string          `gorm:"type:varchar(8);not null" json:"currency"`
	DueDate        time.Time       `gorm:"not null;index" json:"due_date"`
	Notes          string          `json:"notes,omitempty"`
	IssuedAt       *time.Time      `json:"issued_at,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	PeriodStart    *time.Time      `json:"period_start,omitempty"`
	PeriodEnd      *time.Time      `json:"period_end,omitempty"`
	Version        int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index:idx_invoices_status_created" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	Items          []InvoiceItem   `gorm:"foreignKey:InvoiceID" json:"items"`
	Payments       []PaymentRecord `gorm:"foreignKey:InvoiceID" json:"payments"`
}

type InvoiceItem struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceID   uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	ProductID   string    `gorm:"type:varchar(64)" json:"product_id"`
	Description string    `json:"description"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	UnitPrice   int64     `gorm:"not null" json:"unit_price"`
	Amount      int64     `gorm:"not null" json:"amount"`
}

// PaymentRecord is a payment applied to an invoice. TransactionID is unique
// when present so a replayed capture cannot be applied twice.
type PaymentRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceID     uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Method        string    `gorm:"type:varchar(32)" json:"method"`
	TransactionID *string   `gorm:"type:varchar(128);uniqueIndex" json:"transaction_id,omitempty"`
	PaidAt        time.Time `gorm:"not null" json:"paid_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// History actions
const (
	ActionCreated         = "created"
	ActionSent            = "sent"
	ActionViewed          = "viewed"
	ActionPaid            = "paid"
	ActionOverdue         = "overdue"
	ActionStatusChanged   = "status_changed"
	ActionPaymentRecorded = "payment_recorded"
)

// InvoiceHistory is an append-only audit row. Rows are never updated.
type InvoiceHistory struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	InvoiceID     uuid.UUID `gorm:"type:uuid;not null;index:idx_invoice_history_invoice_created" json:"invoice_id"`
	InvoiceNumber string    `gorm:"type:varchar(32);not null" json:"invoice_number"`
	Action        string    `gorm:"type:varchar(32);not null" json:"action"`
	Details       string    `json:"details,omitempty"`
	CreatedAt     time.Time `gorm:"not null;index:idx_invoice_history_invoice_created" json:"created_at"`
}

func (InvoiceHistory) TableName() string { return "invoice_history" }

// ProcessedEvent is a row of the processed-event ledger
type ProcessedEvent struct {
	EventID     string    `gorm:"type:varchar(64);primaryKey" json:"event_id"`
	EventType   string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Source      string    `gorm:"type:varchar(64)" json:"source"`
	ProcessedAt time.Time `gorm:"not null;index" json:"processed_at"`
}

type OutboxKind string

const (
	OutboxEvent   OutboxKind = "event"
	OutboxCommand OutboxKind = "command"
)

type OutboxStatus string

const (
	OutboxPending      OutboxStatus = "pending"
	OutboxSent         OutboxStatus = "sent"
	OutboxDeadLettered OutboxStatus = "dead_lettered"
)

// OutboxMessage is written in the same transaction as the state change that
// produced it and drained by the relay in id order.
type OutboxMessage struct {
	ID           uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind         OutboxKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Topic        string       `gorm:"type:varchar(64);not null" json:"topic"`
	PartitionKey string       `gorm:"type:varchar(64);index" json:"partition_key"`
	Payload      []byte       `gorm:"type:jsonb;not null" json:"payload"`
	Status       OutboxStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts     int          `gorm:"not null;default:0" json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

// Dead letter stages
const (
	StageIngest  = "ingest"
	StagePublish = "publish"
	StageCommand = "command"
)

// DeadLetter holds a message that could not be handled after retries
type DeadLetter struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Stage        string     `gorm:"type:varchar(16);not null;index" json:"stage"`
	Kind         OutboxKind `gorm:"type:varchar(16)" json:"kind"`
	Topic        string     `gorm:"type:varchar(64)" json:"topic"`
	PartitionKey string     `gorm:"type:varchar(64)" json:"partition_key"`
	Payload      []byte     `gorm:"type:jsonb" json:"payload"`
	Error        string     `gorm:"type:text" json:"error"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	ReplayedAt   *time.Time `json:"replayed_at,omitempty"`
}

// SetupModels runs the schema migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Order{},
		&OrderItem{},
		&Invoice{},
		&InvoiceItem{},
		&PaymentRecord{},
		&InvoiceHistory{},
		&ProcessedEvent{},
		&OutboxMessage{},
		&DeadLetter{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to migrate models")
	}
	return nil
}
