package models

import "time"

const (
	PlanRefKindPrice   = "price"
	PlanRefKindProduct = "product"
)

// BillingPlanMapping maps provider price/product references onto catalog plans.
type BillingPlanMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_ref,unique,priority:1;index" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_billing_plan_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	RefKind         string    `gorm:"type:varchar(16);not null;default:'price'" json:"ref_kind"`
	PlanID          uint      `gorm:"not null;index" json:"plan_id"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
