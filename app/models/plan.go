package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is an entry of the sellable plan catalog.
type Plan struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Name         string          `gorm:"type:varchar(100);not null" json:"name"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	Currency     string          `gorm:"type:varchar(8);not null;default:'mxn'" json:"currency"`
	DurationDays int             `gorm:"not null;default:30" json:"duration_days"`
	IsActive     bool            `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Duration returns the access period granted by one billing cycle.
func (p *Plan) Duration() time.Duration {
	days := p.DurationDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
