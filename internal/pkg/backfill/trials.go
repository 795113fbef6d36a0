package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

const (
	KindTrials = "trials"

	trialBackfillSource = "webhook_inbox_trial_events"
)

type trialCandidate struct {
	kind    string
	row     *models.BillingWebhookEvent
	t       *billing.SubscriptionTransition
	userID  uint
	planID  *uint
	eventTs time.Time
}

// trialLookups memoizes customer and plan resolution for one run.
type trialLookups struct {
	userByCustomer map[string]uint
	planByOrder    map[uint]*uint
	planByPrice    map[string]*uint
}

func newTrialLookups() *trialLookups {
	return &trialLookups{
		userByCustomer: map[string]uint{},
		planByOrder:    map[uint]*uint{},
		planByPrice:    map[string]*uint{},
	}
}

// TrialKind detects a trial transition in a normalized Stripe
// subscription event. Empty when the event is neither.
func TrialKind(t *billing.SubscriptionTransition) string {
	switch {
	case t.EventType == billing.StripeSubscriptionCreated && t.Status == models.BillingStatusTrialing:
		return models.EventTrialStarted
	case t.EventType == billing.StripeSubscriptionUpdated && t.Status == models.BillingStatusActive &&
		t.PreviousStatus == models.BillingStatusTrialing:
		return models.EventTrialConverted
	default:
		return ""
	}
}

// trialProviderEventID keeps the Stripe event id, else falls back to the
// inbox row so the stored id reads stripe:inbox:<row>:<kind>.
func trialProviderEventID(row *models.BillingWebhookEvent, t *billing.SubscriptionTransition) string {
	if id := strings.TrimSpace(firstNonEmpty(t.ProviderEventID, row.ProviderEventID)); id != "" {
		return id
	}
	return fmt.Sprintf("inbox:%d", row.ID)
}

// TrialEventID is the id a trial event replayed from an inbox row gets. It
// matches what the live lifecycle stores for the same delivery.
func TrialEventID(row *models.BillingWebhookEvent, t *billing.SubscriptionTransition, kind string) string {
	return purchase.LifecycleEventID(kind, models.BillingProviderStripe, trialProviderEventID(row, t), nil, 0, time.Time{})
}

// Trials replays Stripe subscription events from the webhook inbox and
// inserts trial_started and trial_converted events that are missing.
func (r *Reconciler) Trials(ctx context.Context, o Options) (*Report, error) {
	startedAt := r.now().UTC()
	since, until, err := o.Window(startedAt, DefaultTrialDays)
	if err != nil {
		return nil, err
	}
	report := newReport(KindTrials, o, since, until, startedAt)
	if !newProviderSet(o.Providers).allows(models.BillingProviderStripe) {
		report.FinishedAt = r.now().UTC()
		log.Infof("[Backfill] trials skipped, stripe not selected")
		return report, nil
	}
	if err := r.events.EnsureReady(ctx); err != nil {
		return nil, err
	}
	batch := o.batch(DefaultTrialBatch)
	lookups := newTrialLookups()
	if !o.Apply {
		log.Infof("[Backfill] trials dry-run %s..%s, pass --apply to insert", since.Format("2006-01-02"), until.Format("2006-01-02"))
	}

	var lastID uint
scan:
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rows, err := r.billing.ListWebhookEventsPage(ctx, billing.WebhookPageFilter{
			Providers:  []string{models.BillingProviderStripe},
			EventTypes: []string{billing.StripeSubscriptionCreated, billing.StripeSubscriptionUpdated},
			Since:      since,
			Until:      until,
			AfterID:    lastID,
			Limit:      batch,
		})
		if err != nil {
			return report, fmt.Errorf("list inbox rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		report.Scanned += len(rows)
		lastID = rows[len(rows)-1].ID

		for i := range rows {
			c, err := r.trialCandidate(ctx, &rows[i], lookups, report)
			if err != nil {
				report.Failed++
				log.Warnf("[Backfill] inbox row %d: %v (continuing)", rows[i].ID, err)
				continue
			}
			if c == nil {
				continue
			}
			report.Parsed++

			exists, err := r.events.ExistsByEventID(ctx, TrialEventID(c.row, c.t, c.kind))
			if err != nil {
				report.Failed++
				log.Warnf("[Backfill] inbox row %d: event lookup: %v (continuing)", c.row.ID, err)
				continue
			}
			if exists {
				continue
			}
			if left := o.remaining(report); left == 0 {
				break scan
			}
			report.Missing++
			if !o.Apply {
				continue
			}
			if err := r.insertTrial(ctx, c); err != nil {
				report.Failed++
				log.Warnf("[Backfill] inbox row %d: %v (continuing)", c.row.ID, err)
				continue
			}
			report.Inserted++
		}
		log.Infof("[Backfill] trials batch processed: %s", report)
		if len(rows) < batch {
			break
		}
	}

	report.FinishedAt = r.now().UTC()
	log.Infof("[Backfill] trials %s completed: %s", report.Mode, report)
	return report, nil
}

// trialCandidate parses one row. A nil candidate means the row was counted
// as skipped.
func (r *Reconciler) trialCandidate(ctx context.Context, row *models.BillingWebhookEvent, lk *trialLookups, report *Report) (*trialCandidate, error) {
	t, err := billing.NormalizeStripe([]byte(row.PayloadJSON))
	if err != nil {
		report.SkippedInvalidPayload++
		return nil, nil
	}
	if t.EventType == "" {
		t.EventType = row.EventType
	}
	kind := TrialKind(t)
	if kind == "" {
		report.SkippedNoTransition++
		return nil, nil
	}

	userID, err := r.trialUser(ctx, t, lk)
	if err != nil {
		return nil, err
	}
	if userID == 0 {
		report.SkippedNoUser++
		return nil, nil
	}
	planID, err := r.trialPlan(ctx, t, lk)
	if err != nil {
		return nil, err
	}

	// The trial and the first paid cycle both begin at a period start.
	eventTs := row.CreatedAt
	if ts := firstTime(t.CurrentPeriodStart, nonZero(t.OccurredAt)); ts != nil {
		eventTs = *ts
	}
	return &trialCandidate{kind: kind, row: row, t: t, userID: userID, planID: planID, eventTs: eventTs}, nil
}

func (r *Reconciler) trialUser(ctx context.Context, t *billing.SubscriptionTransition, lk *trialLookups) (uint, error) {
	if t.UserID > 0 {
		return t.UserID, nil
	}
	customer := strings.TrimSpace(t.CustomerID)
	if customer == "" {
		return 0, nil
	}
	if id, ok := lk.userByCustomer[customer]; ok {
		return id, nil
	}
	var userID uint
	account, err := r.billing.GetBillingAccountByProviderAccountID(ctx, models.BillingProviderStripe, customer)
	switch {
	case err == nil:
		userID = account.UserID
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return 0, err
	}
	lk.userByCustomer[customer] = userID
	return userID, nil
}

func (r *Reconciler) trialPlan(ctx context.Context, t *billing.SubscriptionTransition, lk *trialLookups) (*uint, error) {
	if t.OrderID > 0 {
		if plan, ok := lk.planByOrder[t.OrderID]; ok {
			return plan, nil
		}
		plan, err := r.repo.OrderPlanID(t.OrderID)
		if err != nil {
			return nil, err
		}
		lk.planByOrder[t.OrderID] = plan
		return plan, nil
	}
	for _, ref := range t.PlanRefs() {
		plan, ok := lk.planByPrice[ref]
		if !ok {
			id, err := r.billing.ResolveMappedPlan(ctx, models.BillingProviderStripe, ref)
			switch {
			case err == nil:
				plan = &id
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return nil, err
			}
			lk.planByPrice[ref] = plan
		}
		if plan != nil {
			return plan, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) insertTrial(ctx context.Context, c *trialCandidate) error {
	var amount *decimal.Decimal
	if c.kind == models.EventTrialStarted {
		zero := decimal.Zero
		amount = &zero
	}
	meta := map[string]any{
		"webhook_event_type": c.row.EventType,
		"webhook_provider":   c.row.Provider,
		"webhook_inbox_id":   c.row.ID,
		"backfill_source":    trialBackfillSource,
	}
	if c.t.SubscriptionID != "" {
		meta["stripe_subscription_id"] = c.t.SubscriptionID
	}
	_, err := r.recorder.RecordLifecycle(ctx, purchase.LifecycleEvent{
		Kind:            c.kind,
		Provider:        models.BillingProviderStripe,
		ProviderEventID: trialProviderEventID(c.row, c.t),
		ProviderRef:     c.t.SubscriptionID,
		UserID:          c.userID,
		PlanID:          c.planID,
		Amount:          amount,
		Currency:        c.t.Currency,
		EventTs:         c.eventTs,
		Metadata:        meta,
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil && !v.IsZero() {
			return v
		}
	}
	return nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
