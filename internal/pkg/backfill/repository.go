package backfill

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository reads the order ledger.
type Repository interface {
	ListPaidOrders(since, until time.Time, afterID uint, limit int) ([]models.Order, error)
	HasEarlierPaidOrder(order *models.Order) (bool, error)
	OrderPlanID(orderID uint) (*uint, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ListPaidOrders(since, until time.Time, afterID uint, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.
		Where("id > ? AND status = ? AND is_canceled = ?", afterID, models.OrderStatusPaid, false).
		Where("ordered_at >= ? AND ordered_at < ?", since, until).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// HasEarlierPaidOrder reports whether the user paid for the same plan
// before this order. Ties on the order date are broken by id.
func (r *gormRepository) HasEarlierPaidOrder(order *models.Order) (bool, error) {
	q := r.db.Model(&models.Order{}).
		Where("user_id = ? AND status = ? AND is_canceled = ? AND id <> ?", order.UserID, models.OrderStatusPaid, false, order.ID).
		Where("(ordered_at < ? OR (ordered_at = ? AND id < ?))", order.OrderedAt, order.OrderedAt, order.ID)
	if order.PlanID != nil {
		q = q.Where("plan_id = ?", *order.PlanID)
	} else {
		q = q.Where("plan_id IS NULL")
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormRepository) OrderPlanID(orderID uint) (*uint, error) {
	var order models.Order
	err := r.db.Select("id", "plan_id").First(&order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order.PlanID, nil
}
