package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/fulfillment/internal/models"
)

type orderRepository struct {
	db *gorm.DB
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.Version == 0 {
		order.Version = 1
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		order.Items[i].Position = i
	}
	err := r.db.WithContext(ctx).Create(order).Error
	return translate(err, "create order %s", order.ID)
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, translate(err, "get order %s", id)
	}
	return &order, nil
}

// Update writes the order's mutable columns if the stored version still
// equals order.Version, then bumps order.Version.
func (r *orderRepository) Update(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND version = ?", order.ID, order.Version).
			Updates(map[string]interface{}{
				"status":                   order.Status,
				"payment_status":           order.PaymentStatus,
				"reservation_status":       order.ReservationStatus,
				"reservation_requested_at": order.ReservationRequestedAt,
				"cancel_reason":            order.CancelReason,
				"notes":                    order.Notes,
				"version":                  order.Version + 1,
				"updated_at":               time.Now().UTC(),
			})
		if res.Error != nil {
			return translate(res.Error, "update order %s", order.ID)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
				return translate(err, "check order %s", order.ID)
			}
			if count == 0 {
				return errors.Wrapf(ErrNotFound, "order %s", order.ID)
			}
			return errors.Wrapf(ErrVersionConflict, "order %s at version %d", order.ID, order.Version)
		}

		for _, item := range order.Items {
			err := tx.Model(&models.OrderItem{}).
				Where("id = ?", item.ID).
				Update("reserved_quantity", item.ReservedQuantity).Error
			if err != nil {
				return translate(err, "update order item %s", item.ID)
			}
		}

		order.Version++
		return nil
	})
}

func (r *orderRepository) ListStaleReservations(ctx context.Context, requestedBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND reservation_status = ? AND reservation_requested_at < ?",
			models.OrderPending, models.ReservationRequested, requestedBefore).
		Order("reservation_requested_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, translate(err, "list stale reservations")
	}
	return orders, nil
}
