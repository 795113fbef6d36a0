// Package attribution recovers the marketing context of a payment from the
// user's earlier checkout or payment events.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
)

const (
	CheckoutLookback = 45 * 24 * time.Hour
	PaymentLookback  = 365 * 24 * time.Hour
)

// Context is the attribution found for a payment.
type Context struct {
	SessionID     *string
	VisitorID     *string
	Attribution   *eventstore.Attribution
	SourceEvent   string
	SourceEventTs time.Time
}

type Resolver struct {
	db    *gorm.DB
	ready eventstore.ReadinessChecker
}

func NewResolver(db *gorm.DB, ready eventstore.ReadinessChecker) *Resolver {
	return &Resolver{db: db, ready: ready}
}

// Resolve returns the user's most recent checkout event at or before
// referenceTs within 45 days, falling back to the most recent earlier
// payment_success within 365 days. planID, when set, narrows both lookups.
func (r *Resolver) Resolve(ctx context.Context, userID uint, planID *uint, referenceTs time.Time) (*Context, error) {
	if userID == 0 {
		return nil, nil
	}
	if r.ready != nil {
		if err := r.ready.EnsureReady(ctx); err != nil {
			return nil, err
		}
	}
	ref := referenceTs.UTC()

	row, err := r.latest(ctx, userID, planID, func(q *gorm.DB) *gorm.DB {
		return q.Where("event_name IN ?", models.CheckoutEventNames()).
			Where("event_ts <= ? AND event_ts >= ?", ref, ref.Add(-CheckoutLookback))
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		row, err = r.latest(ctx, userID, planID, func(q *gorm.DB) *gorm.DB {
			return q.Where("event_name = ?", models.EventPaymentSuccess).
				Where("event_ts < ? AND event_ts >= ?", ref, ref.Add(-PaymentLookback))
		})
		if err != nil {
			return nil, err
		}
	}
	if row == nil {
		return nil, nil
	}
	return fromRow(row), nil
}

func (r *Resolver) latest(ctx context.Context, userID uint, planID *uint, scope func(*gorm.DB) *gorm.DB) (*models.AnalyticsEvent, error) {
	q := r.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).Where("user_id = ?", userID)
	if planID != nil && *planID > 0 {
		q = q.Where("plan_id = ?", *planID)
	}

	var row models.AnalyticsEvent
	err := scope(q).Order("event_ts DESC").Order("id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve attribution: %w", eventstore.ErrStorageUnavailable, err)
	}
	return &row, nil
}

func fromRow(row *models.AnalyticsEvent) *Context {
	return &Context{
		SessionID: trimmed(deref(row.SessionID), 80),
		VisitorID: trimmed(deref(row.VisitorID), 80),
		Attribution: Normalize(&eventstore.Attribution{
			Source:   deref(row.UTMSource),
			Medium:   deref(row.UTMMedium),
			Campaign: deref(row.UTMCampaign),
			Term:     deref(row.UTMTerm),
			Content:  deref(row.UTMContent),
			Fbclid:   deref(row.Fbclid),
			Gclid:    deref(row.Gclid),
		}),
		SourceEvent:   row.EventName,
		SourceEventTs: row.EventTs,
	}
}

// Normalize trims and caps every field. It returns nil when nothing is left.
func Normalize(a *eventstore.Attribution) *eventstore.Attribution {
	if a == nil {
		return nil
	}
	out := &eventstore.Attribution{
		Source:   cut(a.Source, 120),
		Medium:   cut(a.Medium, 120),
		Campaign: cut(a.Campaign, 180),
		Term:     cut(a.Term, 180),
		Content:  cut(a.Content, 180),
		Fbclid:   cut(a.Fbclid, 255),
		Gclid:    cut(a.Gclid, 255),
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

// Merge combines caller-supplied attribution with the resolved context field
// by field: the caller's value wins, the resolved value fills gaps.
func Merge(caller *eventstore.Attribution, resolved *Context) *eventstore.Attribution {
	override := Normalize(caller)
	var fallback *eventstore.Attribution
	if resolved != nil {
		fallback = Normalize(resolved.Attribution)
	}
	if override == nil && fallback == nil {
		return nil
	}
	if override == nil {
		override = &eventstore.Attribution{}
	}
	if fallback == nil {
		fallback = &eventstore.Attribution{}
	}
	return &eventstore.Attribution{
		Source:   pick(override.Source, fallback.Source),
		Medium:   pick(override.Medium, fallback.Medium),
		Campaign: pick(override.Campaign, fallback.Campaign),
		Term:     pick(override.Term, fallback.Term),
		Content:  pick(override.Content, fallback.Content),
		Fbclid:   pick(override.Fbclid, fallback.Fbclid),
		Gclid:    pick(override.Gclid, fallback.Gclid),
	}
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func cut(s string, max int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > max {
		return string(r[:max])
	}
	return s
}

func trimmed(s string, max int) *string {
	v := cut(s, max)
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
