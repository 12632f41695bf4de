package events

import (
	"time"

	"github.com/go-playground/validator/v10"
)

func init() {
	validate.RegisterStructValidation(validateOrderCreated, OrderCreatedData{})
}

type OrderItem struct {
	ProductID ID     `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Price     Amount `json:"price" validate:"gte=0"`
}

type OrderCreatedData struct {
	OrderID         ID          `json:"orderId" validate:"required"`
	CustomerID      ID          `json:"customerId" validate:"required"`
	Items           []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount     Amount      `json:"totalAmount" validate:"gte=0"`
	Tax             Amount      `json:"tax,omitempty" validate:"gte=0"`
	ShippingCost    Amount      `json:"shippingCost,omitempty" validate:"gte=0"`
	Discount        Amount      `json:"discount,omitempty" validate:"gte=0"`
	ShippingAddress string      `json:"shippingAddress,omitempty"`
	BillingAddress  string      `json:"billingAddress,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

// Subtotal is the sum of the item lines
func (d OrderCreatedData) Subtotal() Amount {
	var sum Amount
	for _, item := range d.Items {
		sum += Amount(item.Quantity) * item.Price
	}
	return sum
}

// validateOrderCreated rejects discounts larger than the amount they reduce
func validateOrderCreated(sl validator.StructLevel) {
	d := sl.Current().Interface().(OrderCreatedData)
	if d.Discount > d.Subtotal()+d.Tax+d.ShippingCost {
		sl.ReportError(d.Discount, "Discount", "discount", "lteorder", "")
	}
}

type OrderUpdatedData struct {
	OrderID        ID     `json:"orderId"`
	CustomerID     ID     `json:"customerId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
	PaymentStatus  string `json:"paymentStatus"`
}

type OrderCancelledData struct {
	OrderID    ID     `json:"orderId"`
	CustomerID ID     `json:"customerId"`
	Reason     string `json:"reason"`
}

type OrderCompletedData struct {
	OrderID     ID        `json:"orderId"`
	CustomerID  ID        `json:"customerId"`
	CompletedAt time.Time `json:"completedAt"`
}

type PaymentSuccessData struct {
	PaymentID     ID     `json:"paymentId"`
	OrderID       ID     `json:"orderId" validate:"required"`
	Amount        Amount `json:"amount" validate:"gt=0"`
	Method        string `json:"method"`
	TransactionID string `json:"transactionId"`
}

type PaymentFailedData struct {
	PaymentID ID     `json:"paymentId"`
	OrderID   ID     `json:"orderId" validate:"required"`
	Amount    Amount `json:"amount"`
	Reason    string `json:"reason"`
}

type ReservedItem struct {
	ProductID ID  `json:"productId" validate:"required"`
	Quantity  int `json:"quantity" validate:"gt=0"`
}

// InventoryReservedData accepts either a list of items or the single-item
// form {productId, quantity} that the inventory service emits per line.
type InventoryReservedData struct {
	OrderID   ID             `json:"orderId" validate:"required"`
	Items     []ReservedItem `json:"items,omitempty" validate:"omitempty,dive"`
	ProductID ID             `json:"productId,omitempty"`
	Quantity  int            `json:"quantity,omitempty"`
}

// Lines normalises both payload forms into a list of reserved items
func (d InventoryReservedData) Lines() []ReservedItem {
	if len(d.Items) > 0 {
		return d.Items
	}
	if d.ProductID != "" && d.Quantity > 0 {
		return []ReservedItem{{ProductID: d.ProductID, Quantity: d.Quantity}}
	}
	return nil
}

type InventoryReleasedData struct {
	OrderID ID     `json:"orderId" validate:"required"`
	Reason  string `json:"reason"`
}

type InvoiceCreatedData struct {
	InvoiceID     string    `json:"invoiceId"`
	InvoiceNumber string    `json:"invoiceNumber"`
	OrderID       string    `json:"orderId,omitempty"`
	CustomerID    string    `json:"customerId"`
	TotalAmount   Amount    `json:"totalAmount"`
	DueDate       time.Time `json:"dueDate"`
}

type InvoiceUpdatedData struct {
	InvoiceID     string `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
	OrderID       string `json:"orderId,omitempty"`
	Status        string `json:"status"`
	PaidAmount    Amount `json:"paidAmount"`
	DueAmount     Amount `json:"dueAmount"`
}

type InvoiceOverdueData struct {
	InvoiceID     string    `json:"invoiceId"`
	InvoiceNumber string    `json:"invoiceNumber"`
	CustomerID    string    `json:"customerId"`
	DueAmount     Amount    `json:"dueAmount"`
	DueDate       time.Time `json:"dueDate"`
}
