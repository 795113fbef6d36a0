package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

// applyOrder handles one-off order settlement events such as cash payments.
func (m *Machine) applyOrder(ctx context.Context, t *billing.SubscriptionTransition) (*Outcome, error) {
	out := &Outcome{OrderID: t.OrderID}
	order, err := m.repo.GetOrder(t.OrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, fmt.Errorf("%w: %d", ErrOrderNotFound, t.OrderID)
	}
	if err != nil {
		return out, err
	}
	user, err := m.repo.GetUser(order.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, fmt.Errorf("%w: order %d user %d", ErrUnresolvableIdentity, order.ID, order.UserID)
	}
	if err != nil {
		return out, err
	}
	out.UserID = user.ID
	out.PlanID = order.PlanID

	r := &run{t: t, user: user, order: order, planID: order.PlanID, out: out}
	if order.PlanID != nil {
		plan, err := m.repo.GetPlan(*order.PlanID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return out, err
		}
		r.plan = plan
	}
	orderID := order.ID

	switch t.Action {
	case billing.ActionOrderPaid:
		out.Classification = ClassOrderPaid
		return out, m.settleOrder(ctx, r)

	case billing.ActionOrderFailed:
		out.Classification = ClassOrderFailed
		if order.IsPaid() {
			return out, nil
		}
		if _, err := m.repo.SetOrderStatus(order.ID, models.OrderStatusFailed); err != nil {
			return out, err
		}
		res, err := m.recordLifecycle(ctx, r, models.EventPaymentFailed, &orderID)
		if err != nil {
			return out, err
		}
		if res.Accepted > 0 {
			m.notifier.Tag(ctx, user.ID, user.Email, notify.TagFailedPayment)
		}

	case billing.ActionOrderExpired:
		out.Classification = ClassOrderExpired
		if _, err := m.repo.SetOrderStatus(order.ID, models.OrderStatusExpired); err != nil {
			return out, err
		}

	case billing.ActionOrderCanceled:
		out.Classification = ClassOrderCanceled
		if order.IsCanceled {
			return out, nil
		}
		if err := m.repo.CancelOrder(order.ID); err != nil {
			return out, err
		}
		if order.IsPaid() {
			if err := m.revokeAccess(user.ID); err != nil {
				return out, err
			}
			if _, err := m.recordLifecycle(ctx, r, models.EventSubscriptionCanceled, &orderID); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (m *Machine) settleOrder(ctx context.Context, r *run) error {
	t, order := r.t, r.order
	if order.IsPaid() {
		log.Infof("[Lifecycle] order %d already paid, %s %s ignored", order.ID, t.Provider, t.EventType)
		return nil
	}
	if t.CustomerID != "" {
		if _, err := m.billing.UpsertBillingAccount(ctx, r.user.ID, t.Provider, t.CustomerID, firstNonEmpty(t.CustomerEmail, r.user.Email)); err != nil {
			return err
		}
	}

	orderID := order.ID
	amount := t.Amount
	if amount == nil {
		total := order.TotalPrice
		amount = &total
	}
	ts := t.OccurredAt
	if ts.IsZero() {
		ts = m.now()
	}
	res, err := m.recorder.RecordSuccess(ctx, purchase.PaymentSuccess{
		Provider:        firstNonEmpty(order.PaymentProvider, t.Provider),
		ProviderEventID: t.ProviderEventID,
		ProviderRef:     firstNonEmpty(t.PaymentRef, order.TxnID),
		UserID:          r.user.ID,
		OrderID:         &orderID,
		PlanID:          order.PlanID,
		Amount:          amount,
		Currency:        firstNonEmpty(t.Currency, order.Currency),
		EventTs:         ts,
	})
	if err != nil {
		return err
	}
	if res.Accepted > 0 {
		r.out.Events = append(r.out.Events, models.EventPaymentSuccess)
	}

	if _, err := m.repo.MarkOrderPaid(order.ID, "", t.PaymentRef, m.now().UTC()); err != nil {
		return err
	}
	if order.CouponID != nil {
		if _, err := m.repo.RedeemCoupon(*order.CouponID, r.user.ID, &orderID); err != nil {
			return err
		}
	}
	until := m.grantUntil(r)
	if err := m.applyGrant(r, until); err != nil {
		return err
	}

	if res.Accepted > 0 {
		m.notifier.PaymentReceipt(ctx, m.receipt(r, order, until, false))
		m.notifier.Tag(ctx, r.user.ID, r.user.Email, notify.TagSuccessfulPayment)
	}
	return nil
}
