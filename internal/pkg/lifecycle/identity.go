package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

// resolveUser finds the local user behind a transition: checkout metadata
// first, then the linked billing account, then the customer email. A user
// found by email gets the customer id linked for next time.
func (m *Machine) resolveUser(ctx context.Context, t *billing.SubscriptionTransition) (*models.User, error) {
	if t.UserID > 0 {
		user, err := m.repo.GetUser(t.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if t.CustomerID != "" {
		account, err := m.billing.GetBillingAccountByProviderAccountID(ctx, t.Provider, t.CustomerID)
		if err == nil {
			return m.repo.GetUser(account.UserID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	email := t.CustomerEmail
	if email == "" && t.CustomerID != "" {
		if gw, ok := m.gateways[t.Provider]; ok {
			var err error
			email, err = gw.CustomerEmail(ctx, t.CustomerID)
			if err != nil {
				var pe *billing.ProviderError
				if errors.As(err, &pe) && billing.IsRetryable(err) {
					return nil, err
				}
				return nil, fmt.Errorf("%w: customer %s: %w", ErrUnresolvableIdentity, t.CustomerID, err)
			}
		}
	}
	if email == "" {
		return nil, fmt.Errorf("%w: no user id, account or email for customer %q", ErrUnresolvableIdentity, t.CustomerID)
	}

	user, err := m.repo.FindUserByEmail(email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no user with email of customer %q", ErrUnresolvableIdentity, t.CustomerID)
	}
	if err != nil {
		return nil, err
	}

	if t.CustomerID != "" {
		if _, err := m.billing.UpsertBillingAccount(ctx, user.ID, t.Provider, t.CustomerID, email); err != nil {
			return nil, err
		}
		log.Infof("[Lifecycle] linked %s customer %s to user %d", t.Provider, t.CustomerID, user.ID)
	}
	return user, nil
}

// resolvePlan walks the plan chain: mapped price or product ref, the product
// behind the price from the provider API, the plan on the referenced order,
// and finally the plan last stored for the subscription.
func (m *Machine) resolvePlan(ctx context.Context, r *run) error {
	t := r.t
	planID, err := m.billing.ResolveMappedPlan(ctx, t.Provider, t.PlanRefs()...)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if planID == 0 && t.PriceID != "" {
		if gw, ok := m.gateways[t.Provider]; ok {
			product, gwErr := gw.PriceProduct(ctx, t.PriceID)
			switch {
			case gwErr != nil:
				log.Warnf("[Lifecycle] price %s product lookup failed: %v", t.PriceID, gwErr)
			case product != "" && product != t.ProductID:
				planID, err = m.billing.ResolveMappedPlan(ctx, t.Provider, product)
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
		}
	}

	if planID == 0 && r.order != nil && r.order.PlanID != nil {
		planID = *r.order.PlanID
	}
	if planID == 0 && r.stored != nil && r.stored.PlanID != nil {
		planID = *r.stored.PlanID
	}
	if planID == 0 {
		log.Warnf("[Lifecycle] no plan for %s subscription %s (refs %v)", t.Provider, t.SubscriptionID, t.PlanRefs())
		return nil
	}

	r.planID = &planID
	plan, err := m.repo.GetPlan(planID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	r.plan = plan
	return nil
}
