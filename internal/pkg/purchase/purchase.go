// Package purchase writes monetizable events to the event store with
// deterministic ids so provider replays collapse into one row.
package purchase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/attribution"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
)

type Ingester interface {
	Ingest(ctx context.Context, events []eventstore.EventInput, ic eventstore.IngestContext) (eventstore.IngestResult, error)
}

type AttributionResolver interface {
	Resolve(ctx context.Context, userID uint, planID *uint, referenceTs time.Time) (*attribution.Context, error)
}

// PaymentSuccess describes one confirmed payment.
type PaymentSuccess struct {
	Provider        string
	ProviderEventID string
	ProviderRef     string
	UserID          uint
	OrderID         *uint
	PlanID          *uint
	Amount          *decimal.Decimal
	Currency        string
	IsRenewal       bool
	EventTs         time.Time
	SessionID       string
	VisitorID       string
	Attribution     *eventstore.Attribution
	Metadata        map[string]any
}

type Recorder struct {
	store    Ingester
	resolver AttributionResolver
	now      func() time.Time
}

func NewRecorder(store Ingester, resolver AttributionResolver) *Recorder {
	return &Recorder{store: store, resolver: resolver, now: time.Now}
}

var providerSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeProvider lowercases a provider name and replaces anything outside
// [a-z0-9_-] with an underscore.
func NormalizeProvider(provider string) string {
	p := providerSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(provider)), "_")
	if p == "" {
		return "unknown"
	}
	return p
}

// PaymentSuccessEventID prefers the order id, then the provider event id,
// then a per-user timestamp.
func PaymentSuccessEventID(provider string, orderID *uint, providerEventID string, userID uint, now time.Time) string {
	p := NormalizeProvider(provider)
	switch {
	case orderID != nil && *orderID > 0:
		return truncate(fmt.Sprintf("%s:order:%d:%s", p, *orderID, models.EventPaymentSuccess), 80)
	case strings.TrimSpace(providerEventID) != "":
		return truncate(fmt.Sprintf("%s:event:%s:%s", p, truncate(strings.TrimSpace(providerEventID), 40), models.EventPaymentSuccess), 80)
	default:
		return truncate(fmt.Sprintf("%s:user:%d:%d:%s", p, userID, now.UnixMilli(), models.EventPaymentSuccess), 80)
	}
}

// RecordSuccess resolves attribution for the payment and stores a
// payment_success event. Replays of the same order are absorbed.
func (r *Recorder) RecordSuccess(ctx context.Context, in PaymentSuccess) (eventstore.IngestResult, error) {
	if in.UserID == 0 {
		return eventstore.IngestResult{}, nil
	}
	eventTs := in.EventTs
	if eventTs.IsZero() {
		eventTs = r.now()
	}
	orderID := positive(in.OrderID)
	planID := positive(in.PlanID)

	var resolved *attribution.Context
	if r.resolver != nil {
		var err error
		resolved, err = r.resolver.Resolve(ctx, in.UserID, planID, eventTs)
		if err != nil {
			return eventstore.IngestResult{}, err
		}
	}

	userID := in.UserID
	event := eventstore.EventInput{
		EventID:       PaymentSuccessEventID(in.Provider, orderID, in.ProviderEventID, in.UserID, r.now()),
		EventName:     models.EventPaymentSuccess,
		EventCategory: models.EventCategoryPurchase,
		EventTs:       &eventTs,
		UserID:        &userID,
		SessionID:     in.SessionID,
		VisitorID:     in.VisitorID,
		Attribution:   attribution.Merge(in.Attribution, resolved),
		Currency:      in.Currency,
		Amount:        nonNegative(in.Amount),
		PlanID:        planID,
		Metadata:      passThrough(in.ProviderEventID, in.Metadata),
		Purchase: &eventstore.Purchase{
			OrderID:     orderID,
			Provider:    NormalizeProvider(in.Provider),
			ProviderRef: in.ProviderRef,
			IsRenewal:   in.IsRenewal,
		},
	}
	if resolved != nil {
		if strings.TrimSpace(event.SessionID) == "" && resolved.SessionID != nil {
			event.SessionID = *resolved.SessionID
		}
		if strings.TrimSpace(event.VisitorID) == "" && resolved.VisitorID != nil {
			event.VisitorID = *resolved.VisitorID
		}
		srcTs := resolved.SourceEventTs
		event.Purchase.SourceEvent = resolved.SourceEvent
		event.Purchase.SourceEventTs = &srcTs
	}

	res, err := r.store.Ingest(ctx, []eventstore.EventInput{event}, eventstore.IngestContext{SessionUserID: &userID})
	if err != nil {
		return res, err
	}
	if res.Accepted == 0 {
		log.Debugf("[Purchase] %s already recorded", event.EventID)
	}
	return res, nil
}

// LifecycleEvent is a non-payment subscription event.
type LifecycleEvent struct {
	Kind            string
	Provider        string
	ProviderEventID string
	ProviderRef     string
	UserID          uint
	OrderID         *uint
	PlanID          *uint
	Amount          *decimal.Decimal
	Currency        string
	EventTs         time.Time
	Metadata        map[string]any
}

// LifecycleEventID is "<provider>:<providerEventId>:<kind>"; without a
// provider event id the order id or user id stands in.
func LifecycleEventID(kind, provider, providerEventID string, orderID *uint, userID uint, now time.Time) string {
	p := NormalizeProvider(provider)
	if ref := strings.TrimSpace(providerEventID); ref != "" {
		return truncate(fmt.Sprintf("%s:%s:%s", p, truncate(ref, 60), kind), 80)
	}
	if orderID != nil && *orderID > 0 {
		return truncate(fmt.Sprintf("%s:order:%d:%s", p, *orderID, kind), 80)
	}
	return truncate(fmt.Sprintf("%s:user:%d:%d:%s", p, userID, now.UnixMilli(), kind), 80)
}

var lifecycleCategories = map[string]string{
	models.EventTrialStarted:         models.EventCategoryPurchase,
	models.EventTrialConverted:       models.EventCategoryPurchase,
	models.EventPaymentFailed:        models.EventCategoryPurchase,
	models.EventSubscriptionCanceled: models.EventCategoryRetention,
	models.EventInvoluntaryChurn:     models.EventCategoryRetention,
}

// RecordLifecycle stores trial, failure and cancellation events.
func (r *Recorder) RecordLifecycle(ctx context.Context, in LifecycleEvent) (eventstore.IngestResult, error) {
	if in.UserID == 0 {
		return eventstore.IngestResult{}, nil
	}
	category, ok := lifecycleCategories[in.Kind]
	if !ok {
		return eventstore.IngestResult{}, fmt.Errorf("%w: unknown lifecycle kind %q", eventstore.ErrValidation, in.Kind)
	}
	eventTs := in.EventTs
	if eventTs.IsZero() {
		eventTs = r.now()
	}
	orderID := positive(in.OrderID)
	userID := in.UserID

	event := eventstore.EventInput{
		EventID:       LifecycleEventID(in.Kind, in.Provider, in.ProviderEventID, orderID, userID, r.now()),
		EventName:     in.Kind,
		EventCategory: category,
		EventTs:       &eventTs,
		UserID:        &userID,
		Currency:      in.Currency,
		Amount:        nonNegative(in.Amount),
		PlanID:        positive(in.PlanID),
		Metadata:      passThrough(in.ProviderEventID, in.Metadata),
		Purchase: &eventstore.Purchase{
			OrderID:     orderID,
			Provider:    NormalizeProvider(in.Provider),
			ProviderRef: in.ProviderRef,
		},
	}
	return r.store.Ingest(ctx, []eventstore.EventInput{event}, eventstore.IngestContext{SessionUserID: &userID})
}

func passThrough(providerEventID string, extra map[string]any) map[string]any {
	meta := make(map[string]any, len(extra)+1)
	if ref := strings.TrimSpace(providerEventID); ref != "" {
		meta["provider_event_id"] = truncate(ref, 120)
	}
	for k, v := range extra {
		meta[k] = v
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func positive(v *uint) *uint {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}

func nonNegative(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsNegative() {
		return nil
	}
	return d
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
