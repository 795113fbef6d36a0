package backfill

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

const (
	KindPayments = "payments"

	paymentBackfillSource = "orders_payment_success"
)

// BackfillOrderRef is the provider reference synthetic payment events carry.
func BackfillOrderRef(orderID uint) string {
	return fmt.Sprintf("backfill_order_%d", orderID)
}

// Payments inserts payment_success for every paid, not canceled order in
// the window that has no matching event yet.
func (r *Reconciler) Payments(ctx context.Context, o Options) (*Report, error) {
	startedAt := r.now().UTC()
	since, until, err := o.Window(startedAt, DefaultPaymentDays)
	if err != nil {
		return nil, err
	}
	if err := r.events.EnsureReady(ctx); err != nil {
		return nil, err
	}
	batch := o.batch(DefaultPaymentBatch)
	providers := newProviderSet(o.Providers)
	report := newReport(KindPayments, o, since, until, startedAt)
	if !o.Apply {
		log.Infof("[Backfill] payments dry-run %s..%s, pass --apply to insert", since.Format("2006-01-02"), until.Format("2006-01-02"))
	}

	var lastID uint
scan:
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		orders, err := r.repo.ListPaidOrders(since, until, lastID, batch)
		if err != nil {
			return report, fmt.Errorf("list paid orders: %w", err)
		}
		if len(orders) == 0 {
			break
		}
		report.Scanned += len(orders)
		lastID = orders[len(orders)-1].ID

		for i := range orders {
			order := &orders[i]
			provider := OrderProvider(order)
			if !providers.allows(provider) {
				report.SkippedProvider++
				continue
			}
			report.Parsed++

			exists, err := r.events.Exists(ctx, eventstore.ExistsFilter{
				EventName:    models.EventPaymentSuccess,
				OrderID:      order.ID,
				ProviderRefs: []string{order.TxnID, order.PaymentRef, BackfillOrderRef(order.ID)},
			})
			if err != nil {
				report.Failed++
				log.Warnf("[Backfill] order %d: event lookup: %v (continuing)", order.ID, err)
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
			if err := r.insertPayment(ctx, order, provider); err != nil {
				report.Failed++
				log.Warnf("[Backfill] order %d: %v (continuing)", order.ID, err)
				continue
			}
			report.Inserted++
		}
		log.Infof("[Backfill] payments batch processed: %s", report)
		if len(orders) < batch {
			break
		}
	}

	report.FinishedAt = r.now().UTC()
	log.Infof("[Backfill] payments %s completed: %s", report.Mode, report)
	return report, nil
}

func (r *Reconciler) insertPayment(ctx context.Context, order *models.Order, provider string) error {
	renewal, err := r.repo.HasEarlierPaidOrder(order)
	if err != nil {
		return err
	}
	orderID := order.ID
	amount := order.TotalPrice
	ref := BackfillOrderRef(order.ID)
	if txn := strings.TrimSpace(order.TxnID); txn != "" {
		ref = txn
	} else if pr := strings.TrimSpace(order.PaymentRef); pr != "" {
		ref = pr
	}
	meta := map[string]any{"backfill_source": paymentBackfillSource}
	if m := strings.TrimSpace(order.PaymentMethod); m != "" {
		meta["payment_method"] = m
	}

	_, err = r.recorder.RecordSuccess(ctx, purchase.PaymentSuccess{
		Provider:        provider,
		ProviderEventID: BackfillOrderRef(order.ID),
		ProviderRef:     ref,
		UserID:          order.UserID,
		OrderID:         &orderID,
		PlanID:          order.PlanID,
		Amount:          &amount,
		Currency:        order.Currency,
		IsRenewal:       renewal,
		EventTs:         order.OrderedAt,
		Metadata:        meta,
	})
	return err
}
