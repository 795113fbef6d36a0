package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

const maxProcessingErrorLen = 2000

// Service provides provider-neutral billing state and the webhook inbox.
type Service struct {
	repo Repository
	cfg  InboxConfig
	now  func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, cfg InboxConfig) *Service {
	return &Service{repo: repo, cfg: cfg, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), InboxConfigFromEnv())
}

// WithClock overrides the service clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) InboxConfig() InboxConfig {
	return s.cfg
}

// UpsertBillingAccount links a provider customer to a local user.
func (s *Service) UpsertBillingAccount(ctx context.Context, userID uint, provider, providerAccountID, email string) (*models.BillingAccount, error) {
	_ = ctx
	p := providerFamily(provider)
	paID := strings.TrimSpace(providerAccountID)
	if userID == 0 || p == "" || paID == "" {
		return nil, errors.New("user_id, provider and provider_account_id are required")
	}

	account := &models.BillingAccount{
		UserID:            userID,
		Provider:          p,
		ProviderAccountID: paID,
		Email:             strings.TrimSpace(email),
	}
	if err := s.repo.UpsertBillingAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetBillingAccountByProviderAccountID resolves a provider account to local account linkage.
func (s *Service) GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	_ = ctx
	p := providerFamily(provider)
	paID := strings.TrimSpace(providerAccountID)
	if p == "" || paID == "" {
		return nil, errors.New("provider and provider_account_id are required")
	}
	return s.repo.GetBillingAccountByProviderAccountID(p, paID)
}

// ResolveMappedPlan returns the plan mapped to the first ref that has an
// active mapping. gorm.ErrRecordNotFound when none does.
func (s *Service) ResolveMappedPlan(ctx context.Context, provider string, refs ...string) (uint, error) {
	_ = ctx
	p := providerFamily(provider)
	seen := make(map[string]struct{}, len(refs))
	for _, raw := range refs {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		m, err := s.repo.FindActivePlanMapping(p, ref)
		if err == nil {
			return m.PlanID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	return 0, gorm.ErrRecordNotFound
}

// GetSubscription returns the stored subscription state, or nil when the
// subscription has not been seen yet.
func (s *Service) GetSubscription(ctx context.Context, provider, subscriptionID string) (*models.BillingSubscription, error) {
	_ = ctx
	sub, err := s.repo.GetSubscription(providerFamily(provider), strings.TrimSpace(subscriptionID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sub, err
}

// SyncSubscription stores the state carried by a transition.
func (s *Service) SyncSubscription(ctx context.Context, userID uint, t *SubscriptionTransition, planID *uint) (*models.BillingSubscription, error) {
	_ = ctx
	provider := providerFamily(t.Provider)
	if userID == 0 || provider == "" || strings.TrimSpace(t.SubscriptionID) == "" {
		return nil, errors.New("user_id, provider and provider_subscription_id are required")
	}
	status := t.Status
	if status == "" {
		status = models.BillingStatusActive
	}

	sub := &models.BillingSubscription{
		UserID:                 userID,
		Provider:               provider,
		ProviderSubscriptionID: strings.TrimSpace(t.SubscriptionID),
		ProviderCustomerID:     t.CustomerID,
		ProviderPlanRef:        t.PriceID,
		PlanID:                 planID,
		Status:                 status,
		CurrentPeriodStart:     t.CurrentPeriodStart,
		CurrentPeriodEnd:       t.CurrentPeriodEnd,
		CancelAtPeriodEnd:      t.CancelAtPeriodEnd,
		LastEventID:            t.ProviderEventID,
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// PayloadHash hashes the canonical JSON form of payload so that re-serialized
// deliveries of one event hash alike.
func PayloadHash(payload []byte) string {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := normalizeProvider(in.Provider)
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	hash := PayloadHash([]byte(in.PayloadJSON))
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		eventID = "hash:" + hash
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		PayloadHash:     hash,
		SignatureValid:  in.SignatureValid,
		Status:          models.WebhookStatusReceived,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

func (s *Service) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	_ = ctx
	return s.repo.GetWebhookEvent(id)
}

// ClaimWebhookEvent moves an inbox row into processing. It returns false
// when another worker holds the row or it already reached a final state.
func (s *Service) ClaimWebhookEvent(ctx context.Context, id uint) (bool, error) {
	_ = ctx
	return s.repo.ClaimWebhookEvent(id, s.now().UTC())
}

func (s *Service) MarkWebhookEnqueued(ctx context.Context, id uint) error {
	_ = ctx
	return s.repo.MarkWebhookEventEnqueued(id)
}

func (s *Service) MarkWebhookProcessed(ctx context.Context, id uint) error {
	_ = ctx
	return s.repo.UpdateWebhookEvent(id, map[string]interface{}{
		"status":           models.WebhookStatusProcessed,
		"processed_at":     s.now().UTC(),
		"next_retry_at":    nil,
		"processing_error": "",
	})
}

// MarkWebhookIgnored closes a row the lifecycle had no use for.
func (s *Service) MarkWebhookIgnored(ctx context.Context, id uint, reason string) error {
	_ = ctx
	return s.repo.UpdateWebhookEvent(id, map[string]interface{}{
		"status":           models.WebhookStatusIgnored,
		"processed_at":     s.now().UTC(),
		"next_retry_at":    nil,
		"processing_error": truncate(reason, maxProcessingErrorLen),
	})
}

// MarkWebhookFailed records a failed attempt. Retryable failures are
// rescheduled with backoff until MaxAttempts; the rest end up ignored.
// Returns the status written.
func (s *Service) MarkWebhookFailed(ctx context.Context, event *models.BillingWebhookEvent, procErr error) (string, error) {
	_ = ctx
	now := s.now().UTC()
	attempts := event.Attempts + 1
	msg := ""
	if procErr != nil {
		msg = truncate(procErr.Error(), maxProcessingErrorLen)
	}

	updates := map[string]interface{}{
		"attempts":         attempts,
		"processing_error": msg,
	}
	status := models.WebhookStatusIgnored
	if IsRetryable(procErr) && attempts < s.cfg.MaxAttempts {
		status = models.WebhookStatusFailed
		updates["next_retry_at"] = now.Add(s.cfg.Backoff(attempts))
	} else {
		updates["next_retry_at"] = nil
		updates["processed_at"] = now
	}
	updates["status"] = status

	if err := s.repo.UpdateWebhookEvent(event.ID, updates); err != nil {
		return "", err
	}
	event.Attempts = attempts
	event.Status = status
	return status, nil
}

// RetryWebhookEvent reopens a failed or ignored row for another run.
func (s *Service) RetryWebhookEvent(ctx context.Context, id uint) error {
	_ = ctx
	event, err := s.repo.GetWebhookEvent(id)
	if err != nil {
		return err
	}
	if event.Status != models.WebhookStatusFailed && event.Status != models.WebhookStatusIgnored {
		return fmt.Errorf("%w: event %d is %s", ErrWebhookNotRetryable, id, event.Status)
	}
	reset, err := s.repo.ResetWebhookEvent(id, event.Status)
	if err != nil {
		return err
	}
	if !reset {
		return fmt.Errorf("%w: event %d changed state", ErrWebhookNotRetryable, id)
	}
	return nil
}

// DueWebhookEvents lists rows the sweeper should hand back to the queue:
// never enqueued, failed and due, or enqueued but stale.
func (s *Service) DueWebhookEvents(ctx context.Context) ([]models.BillingWebhookEvent, error) {
	_ = ctx
	now := s.now().UTC()
	return s.repo.ListDueWebhookEvents(now, now.Add(-s.cfg.StaleEnqueued), s.cfg.SweepBatchSize)
}

func (s *Service) ListWebhookEventsPage(ctx context.Context, filter WebhookPageFilter) ([]models.BillingWebhookEvent, error) {
	_ = ctx
	return s.repo.ListWebhookEventsPage(filter)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
