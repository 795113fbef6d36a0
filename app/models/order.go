package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
	OrderStatusFailed  = "failed"
	OrderStatusExpired = "expired"
)

// Order is the purchase ledger row. It is created pending at checkout and moved
// to paid/failed/expired only by the subscription lifecycle.
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"not null;index:idx_orders_user_plan,priority:1" json:"user_id"`
	PlanID          *uint           `gorm:"index:idx_orders_user_plan,priority:2" json:"plan_id,omitempty"`
	Status          string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_orders_status_date,priority:1" json:"status"`
	PaymentMethod   string          `gorm:"type:varchar(120);default:''" json:"payment_method"`
	PaymentProvider string          `gorm:"type:varchar(32);default:''" json:"payment_provider"`
	TxnID           string          `gorm:"type:varchar(191);default:'';index" json:"txn_id"`
	PaymentRef      string          `gorm:"type:varchar(191);default:'';index" json:"payment_ref"`
	InvoiceID       string          `gorm:"type:varchar(191);default:''" json:"invoice_id"`
	CouponID        *uint           `gorm:"index" json:"coupon_id,omitempty"`
	TotalPrice      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_price"`
	Currency        string          `gorm:"type:varchar(8);default:''" json:"currency"`
	IsCanceled      bool            `gorm:"default:false" json:"is_canceled"`
	OrderedAt       time.Time       `gorm:"type:datetime;not null;index:idx_orders_status_date,priority:2" json:"ordered_at"`
	PaidAt          *time.Time      `gorm:"type:datetime;default:null" json:"paid_at,omitempty"`
	CycleKey        *string         `gorm:"type:varchar(191);uniqueIndex:ux_orders_cycle_key" json:"cycle_key,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPaid reports whether the order reached the paid state.
func (o *Order) IsPaid() bool {
	return o != nil && o.Status == OrderStatusPaid
}

// OrderCycleKey identifies the billing cycle of a subscription. At most one
// order holds a given key.
func OrderCycleKey(provider, subscriptionID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", provider, subscriptionID, start.UTC().Unix())
}
