// Package lifecycle applies normalized provider transitions to local state:
// the order ledger, access grants, the event store and notifications.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

// Billing is the provider-state side of the billing service.
type Billing interface {
	GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error)
	UpsertBillingAccount(ctx context.Context, userID uint, provider, providerAccountID, email string) (*models.BillingAccount, error)
	ResolveMappedPlan(ctx context.Context, provider string, refs ...string) (uint, error)
	GetSubscription(ctx context.Context, provider, subscriptionID string) (*models.BillingSubscription, error)
	SyncSubscription(ctx context.Context, userID uint, t *billing.SubscriptionTransition, planID *uint) (*models.BillingSubscription, error)
}

type Recorder interface {
	RecordSuccess(ctx context.Context, in purchase.PaymentSuccess) (eventstore.IngestResult, error)
	RecordLifecycle(ctx context.Context, in purchase.LifecycleEvent) (eventstore.IngestResult, error)
}

// Outcome summarizes what Apply did.
type Outcome struct {
	Classification Classification
	UserID         uint
	PlanID         *uint
	OrderID        uint
	Events         []string
}

type Machine struct {
	repo     Repository
	billing  Billing
	recorder Recorder
	notifier notify.Notifier
	gateways map[string]billing.StripeAPI
	dunning  DunningConfig
	now      func() time.Time
}

type Option func(*Machine)

// WithGateway registers the provider API used for identity and plan recovery.
func WithGateway(provider string, gw billing.StripeAPI) Option {
	return func(m *Machine) { m.gateways[provider] = gw }
}

func WithDunning(cfg DunningConfig) Option {
	return func(m *Machine) { m.dunning = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(repo Repository, billingSvc Billing, recorder Recorder, notifier notify.Notifier, opts ...Option) *Machine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	m := &Machine{
		repo:     repo,
		billing:  billingSvc,
		recorder: recorder,
		notifier: notifier,
		gateways: map[string]billing.StripeAPI{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run carries the resolved state of one transition.
type run struct {
	t               *billing.SubscriptionTransition
	user            *models.User
	plan            *models.Plan
	planID          *uint
	order           *models.Order
	stored          *models.BillingSubscription
	prevStatus      string
	prevPeriodStart *time.Time
	out             *Outcome
}

// Apply runs one transition. Side effects are keyed on provider event ids and
// order ids so a replayed transition changes nothing.
func (m *Machine) Apply(ctx context.Context, t *billing.SubscriptionTransition) (*Outcome, error) {
	switch t.Action {
	case billing.ActionIgnore, "":
		return &Outcome{Classification: ClassNone}, nil
	case billing.ActionOrderPaid, billing.ActionOrderFailed, billing.ActionOrderExpired, billing.ActionOrderCanceled:
		return m.applyOrder(ctx, t)
	}

	r := &run{t: t, out: &Outcome{}}
	user, err := m.resolveUser(ctx, t)
	if err != nil {
		return r.out, err
	}
	r.user = user
	r.out.UserID = user.ID

	stored, err := m.billing.GetSubscription(ctx, t.Provider, t.SubscriptionID)
	if err != nil {
		return r.out, err
	}
	r.stored = stored
	r.prevStatus = t.PreviousStatus
	r.prevPeriodStart = t.PreviousPeriodStart
	if stored != nil {
		if r.prevStatus == "" {
			r.prevStatus = stored.Status
		}
		if r.prevPeriodStart == nil {
			r.prevPeriodStart = stored.CurrentPeriodStart
		}
	}

	if t.OrderID > 0 {
		order, err := m.repo.GetOrder(t.OrderID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return r.out, err
		}
		if order != nil && order.UserID == user.ID {
			r.order = order
			r.out.OrderID = order.ID
		}
	}

	if err := m.resolvePlan(ctx, r); err != nil {
		return r.out, err
	}
	r.out.PlanID = r.planID

	status := t.Status
	if t.Action == billing.ActionSubscriptionDeleted {
		status = models.BillingStatusCanceled
	}
	class := ClassifyStatus(status, r.prevStatus, t.CurrentPeriodStart, r.prevPeriodStart)
	r.out.Classification = class
	log.Infof("[Lifecycle] %s %s sub=%s user=%d %s -> %s: %s", t.Provider, t.EventType, t.SubscriptionID, user.ID, r.prevStatus, status, class)

	var applyErr error
	switch class {
	case ClassInitialActivation, ClassTrialConversion, ClassRenewal:
		applyErr = m.applyActive(ctx, r, class)
	case ClassTrialStarted:
		applyErr = m.applyTrialStarted(ctx, r)
	case ClassPastDue:
		applyErr = m.applyPastDue(ctx, r)
	case ClassCanceled:
		applyErr = m.applyCanceled(ctx, r)
	case ClassIncomplete:
	case ClassIncompleteExpired:
		if r.order != nil {
			_, applyErr = m.repo.SetOrderStatus(r.order.ID, models.OrderStatusFailed)
		}
	default:
		if err := m.revokeAccess(user.ID); err != nil {
			return r.out, err
		}
		applyErr = fmt.Errorf("%w: %q", ErrUnrecognizedStatus, status)
	}
	if applyErr != nil && !errors.Is(applyErr, ErrUnrecognizedStatus) {
		return r.out, applyErr
	}

	if _, err := m.billing.SyncSubscription(ctx, user.ID, t, r.planID); err != nil {
		return r.out, err
	}
	return r.out, applyErr
}

func (m *Machine) applyActive(ctx context.Context, r *run, class Classification) error {
	t := r.t
	now := m.now().UTC()

	// A first activation only has effects while its order is unpaid, or,
	// without an order, while the subscription was not active before.
	if class == ClassInitialActivation {
		if r.order != nil && r.order.IsPaid() {
			return m.grantAccess(r)
		}
		if r.order == nil && r.prevStatus == models.BillingStatusActive {
			return m.grantAccess(r)
		}
	}

	order, settle, err := m.cycleOrder(r, class)
	if err != nil {
		return err
	}
	var orderID *uint
	if order != nil {
		id := order.ID
		orderID = &id
		r.out.OrderID = id
	}

	if class == ClassTrialConversion {
		if _, err := m.recordLifecycle(ctx, r, models.EventTrialConverted, orderID); err != nil {
			return err
		}
	}

	ts := t.OccurredAt
	if ts.IsZero() {
		ts = now
	}
	res, err := m.recorder.RecordSuccess(ctx, purchase.PaymentSuccess{
		Provider:        t.Provider,
		ProviderEventID: t.ProviderEventID,
		ProviderRef:     firstNonEmpty(t.PaymentRef, t.SubscriptionID),
		UserID:          r.user.ID,
		OrderID:         orderID,
		PlanID:          r.planID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		IsRenewal:       class == ClassRenewal,
		EventTs:         ts,
	})
	if err != nil {
		return err
	}
	if res.Accepted > 0 {
		r.out.Events = append(r.out.Events, models.EventPaymentSuccess)
	}

	if settle && order != nil {
		if _, err := m.repo.MarkOrderPaid(order.ID, t.SubscriptionID, t.PaymentRef, now); err != nil {
			return err
		}
		// The settled order stands for this cycle, so replays resolve to it.
		if key := cycleKey(t, cycleStart(t)); key != "" {
			if _, err := m.repo.ClaimCycleKey(order.ID, key); err != nil {
				return err
			}
		}
		if class == ClassInitialActivation && order.CouponID != nil {
			if _, err := m.repo.RedeemCoupon(*order.CouponID, r.user.ID, orderID); err != nil {
				return err
			}
		}
	}

	until := m.grantUntil(r)
	if err := m.applyGrant(r, until); err != nil {
		return err
	}

	if res.Accepted == 0 {
		return nil
	}
	switch class {
	case ClassInitialActivation:
		m.notifier.PaymentReceipt(ctx, m.receipt(r, order, until, false))
		m.notifier.Tag(ctx, r.user.ID, r.user.Email, notify.TagSuccessfulPayment)
	case ClassTrialConversion:
		m.notifier.PaymentReceipt(ctx, m.receipt(r, order, until, true))
		m.notifier.Tag(ctx, r.user.ID, r.user.Email, notify.TagTrialConverted, notify.TagSuccessfulPayment)
	case ClassRenewal:
		m.notifier.Tag(ctx, r.user.ID, r.user.Email, notify.TagSubscriptionRenewed)
	}
	return nil
}

// cycleOrder picks the order a payment settles. An unpaid referenced order is
// used as is; otherwise the cycle's order is found or created by cycle key.
func (m *Machine) cycleOrder(r *run, class Classification) (*models.Order, bool, error) {
	if r.order != nil && !r.order.IsPaid() {
		return r.order, true, nil
	}
	t := r.t
	start := cycleStart(t)
	if start == nil {
		if class == ClassInitialActivation && r.order == nil {
			return nil, false, nil
		}
		n := m.now().UTC().Truncate(time.Second)
		start = &n
	}
	key := cycleKey(t, start)
	if key == "" {
		log.Warnf("[Lifecycle] %s %s without subscription id, payment recorded without order", t.Provider, t.ProviderEventID)
		return nil, false, nil
	}

	now := m.now().UTC()
	order := &models.Order{
		UserID:          r.user.ID,
		PlanID:          r.planID,
		Status:          models.OrderStatusPaid,
		PaymentMethod:   firstNonEmpty(t.PaymentMethod, t.Provider),
		PaymentProvider: t.Provider,
		TxnID:           t.SubscriptionID,
		PaymentRef:      t.PaymentRef,
		Currency:        t.Currency,
		OrderedAt:       *start,
		PaidAt:          &now,
		CycleKey:        &key,
	}
	if t.Amount != nil {
		order.TotalPrice = *t.Amount
	} else if r.plan != nil {
		order.TotalPrice = r.plan.Price
	}
	_, stored, err := m.repo.FindOrCreateCycleOrder(order)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// cycleStart is the start of the billing cycle a transition pays for: the
// period start, else the provider event time.
func cycleStart(t *billing.SubscriptionTransition) *time.Time {
	var start time.Time
	switch {
	case t.CurrentPeriodStart != nil:
		start = *t.CurrentPeriodStart
	case !t.OccurredAt.IsZero():
		start = t.OccurredAt
	default:
		return nil
	}
	start = start.UTC().Truncate(time.Second)
	return &start
}

func cycleKey(t *billing.SubscriptionTransition, start *time.Time) string {
	if start == nil || t.SubscriptionID == "" {
		return ""
	}
	return models.OrderCycleKey(t.Provider, t.SubscriptionID, *start)
}

func (m *Machine) applyTrialStarted(ctx context.Context, r *run) error {
	if r.prevStatus == models.BillingStatusTrialing {
		return nil
	}
	var orderID *uint
	if r.order != nil {
		id := r.order.ID
		orderID = &id
	}
	if _, err := m.recordLifecycle(ctx, r, models.EventTrialStarted, orderID); err != nil {
		return err
	}
	until := r.t.TrialEnd
	if until == nil {
		until = r.t.CurrentPeriodEnd
	}
	if until == nil {
		u := m.grantUntil(r)
		until = &u
	}
	return m.applyGrant(r, *until)
}

func (m *Machine) applyPastDue(ctx context.Context, r *run) error {
	var orderID *uint
	if r.order != nil {
		id := r.order.ID
		orderID = &id
	}

	// The unpaid cycle starts at the current period start.
	meta := map[string]any{"dunning_enabled": m.dunning.Enabled}
	failedAt := m.now()
	if r.t.CurrentPeriodStart != nil {
		failedAt = *r.t.CurrentPeriodStart
	}
	if stage := ComputeDunningStage(failedAt, m.now()); stage != nil {
		meta["dunning_stage_days"] = *stage
	}

	res, err := m.recordLifecycleMeta(ctx, r, models.EventPaymentFailed, orderID, meta)
	if err != nil {
		return err
	}
	if !m.dunning.Enabled {
		if _, err := m.recordLifecycle(ctx, r, models.EventInvoluntaryChurn, orderID); err != nil {
			return err
		}
		if r.order != nil {
			if err := m.repo.CancelOrder(r.order.ID); err != nil {
				return err
			}
		}
		if err := m.revokeAccess(r.user.ID); err != nil {
			return err
		}
	}
	if res.Accepted > 0 {
		m.notifier.Tag(ctx, r.user.ID, r.user.Email, notify.TagFailedPayment)
	}
	return nil
}

func (m *Machine) applyCanceled(ctx context.Context, r *run) error {
	if err := m.revokeAccess(r.user.ID); err != nil {
		return err
	}
	if r.stored != nil && r.stored.Status == models.BillingStatusCanceled {
		return nil
	}
	var orderID *uint
	if r.order != nil {
		id := r.order.ID
		orderID = &id
		if err := m.repo.CancelOrder(r.order.ID); err != nil {
			return err
		}
	}
	_, err := m.recordLifecycle(ctx, r, models.EventSubscriptionCanceled, orderID)
	return err
}

func (m *Machine) recordLifecycle(ctx context.Context, r *run, kind string, orderID *uint) (eventstore.IngestResult, error) {
	return m.recordLifecycleMeta(ctx, r, kind, orderID, nil)
}

func (m *Machine) recordLifecycleMeta(ctx context.Context, r *run, kind string, orderID *uint, meta map[string]any) (eventstore.IngestResult, error) {
	t := r.t
	ts := t.OccurredAt
	if ts.IsZero() {
		ts = m.now()
	}
	res, err := m.recorder.RecordLifecycle(ctx, purchase.LifecycleEvent{
		Kind:            kind,
		Provider:        t.Provider,
		ProviderEventID: t.ProviderEventID,
		ProviderRef:     t.SubscriptionID,
		UserID:          r.user.ID,
		OrderID:         orderID,
		PlanID:          r.planID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		EventTs:         ts,
		Metadata:        meta,
	})
	if err != nil {
		return res, err
	}
	if res.Accepted > 0 {
		r.out.Events = append(r.out.Events, kind)
	}
	return res, nil
}

// grantUntil is the end of the current period, else one plan duration from now.
func (m *Machine) grantUntil(r *run) time.Time {
	now := m.now().UTC()
	if end := r.t.CurrentPeriodEnd; end != nil && end.After(now) {
		return end.UTC()
	}
	if r.plan != nil {
		return now.Add(r.plan.Duration())
	}
	return now.Add(30 * 24 * time.Hour)
}

func (m *Machine) grantAccess(r *run) error {
	return m.applyGrant(r, m.grantUntil(r))
}

func (m *Machine) applyGrant(r *run, until time.Time) error {
	us, err := m.repo.GetOrCreateUserSettings(r.user.ID)
	if err != nil {
		return err
	}
	name := "paid"
	if r.plan != nil {
		name = r.plan.Name
	}
	// Never shorten an existing grant.
	if us.HasAccess(m.now()) && us.AccessExpiresAt.After(until) {
		until = *us.AccessExpiresAt
	}
	us.GrantAccess(name, r.planID, until)
	return m.repo.SaveUserSettings(us)
}

func (m *Machine) revokeAccess(userID uint) error {
	us, err := m.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return err
	}
	if !us.HasAccess(m.now()) && us.AccessRevokedAt != nil {
		return nil
	}
	us.RevokeAccess(m.now().UTC())
	return m.repo.SaveUserSettings(us)
}

func (m *Machine) receipt(r *run, order *models.Order, until time.Time, trial bool) notify.Receipt {
	rc := notify.Receipt{
		UserID:         r.user.ID,
		Email:          r.user.Email,
		Name:           r.user.Name,
		Amount:         r.t.Amount,
		Currency:       r.t.Currency,
		Provider:       r.t.Provider,
		AccessUntil:    &until,
		TrialConverted: trial,
	}
	if r.plan != nil {
		rc.PlanName = r.plan.Name
	}
	if order != nil {
		rc.OrderID = order.ID
		if rc.Amount == nil {
			amount := order.TotalPrice
			rc.Amount = &amount
		}
	}
	return rc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
