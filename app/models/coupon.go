package models

import "time"

// Coupon is a discount offer that can be redeemed once per user.
type Coupon struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Code        string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"code"`
	DiscountPct int       `gorm:"not null;default:0" json:"discount_pct"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CouponRedemption records that a user consumed a coupon.
type CouponRedemption struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CouponID  uint      `gorm:"not null;index:ux_coupon_redemptions_coupon_user,unique,priority:1" json:"coupon_id"`
	UserID    uint      `gorm:"not null;index:ux_coupon_redemptions_coupon_user,unique,priority:2" json:"user_id"`
	OrderID   *uint     `json:"order_id,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
