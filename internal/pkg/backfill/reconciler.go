package backfill

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

// EventLookup answers whether an event is already stored.
type EventLookup interface {
	EnsureReady(ctx context.Context) error
	Exists(ctx context.Context, f eventstore.ExistsFilter) (bool, error)
	ExistsByEventID(ctx context.Context, eventID string) (bool, error)
}

// Recorder writes the synthetic events.
type Recorder interface {
	RecordSuccess(ctx context.Context, in purchase.PaymentSuccess) (eventstore.IngestResult, error)
	RecordLifecycle(ctx context.Context, in purchase.LifecycleEvent) (eventstore.IngestResult, error)
}

// Billing is the inbox and account side of the billing service.
type Billing interface {
	ListWebhookEventsPage(ctx context.Context, filter billing.WebhookPageFilter) ([]models.BillingWebhookEvent, error)
	GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error)
	ResolveMappedPlan(ctx context.Context, provider string, refs ...string) (uint, error)
}

// Reconciler runs payment and trial backfills.
type Reconciler struct {
	repo     Repository
	events   EventLookup
	recorder Recorder
	billing  Billing
	now      func() time.Time
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(repo Repository, events EventLookup, recorder Recorder, billingSvc Billing, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:     repo,
		events:   events,
		recorder: recorder,
		billing:  billingSvc,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
