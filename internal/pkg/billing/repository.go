package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindActivePlanMapping(provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	UpsertBillingAccount(account *models.BillingAccount) error
	GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error)
	GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	UpsertSubscription(sub *models.BillingSubscription) error
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	GetWebhookEvent(id uint) (*models.BillingWebhookEvent, error)
	ClaimWebhookEvent(id uint, now time.Time) (bool, error)
	UpdateWebhookEvent(id uint, updates map[string]interface{}) error
	ResetWebhookEvent(id uint, fromStatus string) (bool, error)
	MarkWebhookEventEnqueued(id uint) error
	ListDueWebhookEvents(now, staleBefore time.Time, limit int) ([]models.BillingWebhookEvent, error)
	ListWebhookEventsPage(filter WebhookPageFilter) ([]models.BillingWebhookEvent, error)
}

// WebhookPageFilter selects one keyset page of inbox rows.
type WebhookPageFilter struct {
	Providers  []string
	EventTypes []string
	Statuses   []string
	Since      time.Time
	Until      time.Time
	AfterID    uint
	Limit      int
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertBillingAccount(account *models.BillingAccount) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return r.db.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
		First(account).Error
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.BillingSubscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"provider_customer_id",
			"provider_plan_ref",
			"plan_id",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"last_event_id",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ClaimWebhookEvent moves a row into processing. Only one caller wins.
func (r *gormRepository) ClaimWebhookEvent(id uint, now time.Time) (bool, error) {
	tx := r.db.Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{
			models.WebhookStatusReceived,
			models.WebhookStatusFailed,
			models.WebhookStatusEnqueued,
		}).
		Updates(map[string]interface{}{
			"status":                models.WebhookStatusProcessing,
			"processing_started_at": now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateWebhookEvent(id uint, updates map[string]interface{}) error {
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// MarkWebhookEventEnqueued flags a waiting row as handed to the queue. A row a
// worker already claimed keeps its status.
func (r *gormRepository) MarkWebhookEventEnqueued(id uint) error {
	return r.db.Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{
			models.WebhookStatusReceived,
			models.WebhookStatusFailed,
			models.WebhookStatusEnqueued,
		}).
		Update("status", models.WebhookStatusEnqueued).Error
}

// ResetWebhookEvent puts a closed row back to received, guarded by the
// status the caller saw.
func (r *gormRepository) ResetWebhookEvent(id uint, fromStatus string) (bool, error) {
	tx := r.db.Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":                models.WebhookStatusReceived,
			"next_retry_at":         nil,
			"processing_error":      "",
			"processing_started_at": nil,
			"processed_at":          nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ListDueWebhookEvents(now, staleBefore time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.db.
		Where("status = ?", models.WebhookStatusReceived).
		Or("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.WebhookStatusFailed, now).
		Or("status = ? AND updated_at <= ?", models.WebhookStatusEnqueued, staleBefore).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) ListWebhookEventsPage(f WebhookPageFilter) ([]models.BillingWebhookEvent, error) {
	q := r.db.Where("id > ?", f.AfterID)
	if len(f.Providers) > 0 {
		q = q.Where("provider IN ?", f.Providers)
	}
	if len(f.EventTypes) > 0 {
		q = q.Where("event_type IN ?", f.EventTypes)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}
	var events []models.BillingWebhookEvent
	err := q.Order("id ASC").Limit(f.Limit).Find(&events).Error
	return events, err
}
