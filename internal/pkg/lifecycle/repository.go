package lifecycle

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository is the order ledger, user directory, plan catalog and coupon
// ledger as seen by the lifecycle.
type Repository interface {
	GetUser(id uint) (*models.User, error)
	FindUserByEmail(email string) (*models.User, error)
	GetPlan(id uint) (*models.Plan, error)
	GetOrder(id uint) (*models.Order, error)
	MarkOrderPaid(id uint, txnID, paymentRef string, paidAt time.Time) (bool, error)
	SetOrderStatus(id uint, status string) (bool, error)
	CancelOrder(id uint) error
	FindOrCreateCycleOrder(order *models.Order) (bool, *models.Order, error)
	ClaimCycleKey(orderID uint, key string) (bool, error)
	RedeemCoupon(couponID, userID uint, orderID *uint) (bool, error)
	GetOrCreateUserSettings(userID uint) (*models.UserSettings, error)
	SaveUserSettings(us *models.UserSettings) error
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUser(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByEmail(email string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("email = ?", models.NormalizeEmail(email)).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetPlan(id uint) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) GetOrder(id uint) (*models.Order, error) {
	var o models.Order
	if err := r.db.First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// MarkOrderPaid moves an unpaid order to paid. It returns false when the
// order was already paid.
func (r *gormRepository) MarkOrderPaid(id uint, txnID, paymentRef string, paidAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":  models.OrderStatusPaid,
		"paid_at": paidAt,
	}
	if txnID != "" {
		updates["txn_id"] = txnID
	}
	if paymentRef != "" {
		updates["payment_ref"] = paymentRef
	}
	tx := r.db.Model(&models.Order{}).
		Where("id = ? AND status <> ?", id, models.OrderStatusPaid).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

// SetOrderStatus changes the status of an order that has not been paid.
func (r *gormRepository) SetOrderStatus(id uint, status string) (bool, error) {
	tx := r.db.Model(&models.Order{}).
		Where("id = ? AND status <> ?", id, models.OrderStatusPaid).
		Update("status", status)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) CancelOrder(id uint) error {
	return r.db.Model(&models.Order{}).Where("id = ?", id).Update("is_canceled", true).Error
}

// FindOrCreateCycleOrder returns the paid order of one billing cycle, keyed on
// its cycle key. Concurrent callers for the same cycle get the same row.
func (r *gormRepository) FindOrCreateCycleOrder(order *models.Order) (bool, *models.Order, error) {
	if order.CycleKey == nil || *order.CycleKey == "" {
		return false, nil, errors.New("cycle order without cycle key")
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cycle_key"}},
		DoNothing: true,
	}).Create(order)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, order, nil
	}

	var existing models.Order
	if err := r.db.Where("cycle_key = ?", *order.CycleKey).First(&existing).Error; err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

// ClaimCycleKey stamps a cycle key on an order that has none, unless another
// order already holds it.
func (r *gormRepository) ClaimCycleKey(orderID uint, key string) (bool, error) {
	var holders int64
	if err := r.db.Model(&models.Order{}).Where("cycle_key = ?", key).Count(&holders).Error; err != nil {
		return false, err
	}
	if holders > 0 {
		return false, nil
	}
	tx := r.db.Model(&models.Order{}).
		Where("id = ? AND cycle_key IS NULL", orderID).
		Update("cycle_key", key)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) RedeemCoupon(couponID, userID uint, orderID *uint) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "coupon_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&models.CouponRedemption{CouponID: couponID, UserID: userID, OrderID: orderID})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	return models.GetOrCreateUserSettings(r.db, userID)
}

func (r *gormRepository) SaveUserSettings(us *models.UserSettings) error {
	return r.db.Save(us).Error
}
