// Package notify sends payment emails and CRM tags. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
)

// CRM tags applied by the subscription lifecycle.
const (
	TagSuccessfulPayment   = "SUCCESSFUL_PAYMENT"
	TagTrialConverted      = "TRIAL_CONVERTED"
	TagSubscriptionRenewed = "SUBSCRIPTION_RENEWED"
	TagFailedPayment       = "FAILED_PAYMENT"
)

const deliveryTimeout = 10 * time.Second

// Receipt is the data behind a payment confirmation email.
type Receipt struct {
	UserID         uint
	Email          string
	Name           string
	PlanName       string
	Amount         *decimal.Decimal
	Currency       string
	Provider       string
	OrderID        uint
	AccessUntil    *time.Time
	TrialConverted bool
}

type Notifier interface {
	PaymentReceipt(ctx context.Context, r Receipt)
	Tag(ctx context.Context, userID uint, email string, tags ...string)
}

// Noop drops every notification.
type Noop struct{}

func (Noop) PaymentReceipt(context.Context, Receipt)      {}
func (Noop) Tag(context.Context, uint, string, ...string) {}

// Dispatcher delivers receipts by email and tags through a CRM webhook.
type Dispatcher struct {
	send       mail.SendFunc
	crmURL     string
	crmToken   string
	httpClient *http.Client
	wg         sync.WaitGroup
}

func NewDispatcher(send mail.SendFunc, crmURL, crmToken string) *Dispatcher {
	return &Dispatcher{
		send:       send,
		crmURL:     strings.TrimSpace(crmURL),
		crmToken:   strings.TrimSpace(crmToken),
		httpClient: &http.Client{Timeout: deliveryTimeout},
	}
}

func NewDispatcherFromEnv() *Dispatcher {
	var send mail.SendFunc
	if mail.Configured() {
		send = mail.SendMail
	}
	return NewDispatcher(send, env.GetEnv("CRM_WEBHOOK_URL", ""), env.GetEnv("CRM_WEBHOOK_TOKEN", ""))
}

func (d *Dispatcher) PaymentReceipt(_ context.Context, r Receipt) {
	if d.send == nil || strings.TrimSpace(r.Email) == "" {
		return
	}
	subject, body := renderReceipt(r)
	d.goDeliver(func() {
		if err := d.send(r.Email, subject, body); err != nil {
			log.Errorf("[Notify] receipt for user %d failed: %v", r.UserID, err)
		}
	})
}

func (d *Dispatcher) Tag(_ context.Context, userID uint, email string, tags ...string) {
	if d.crmURL == "" || len(tags) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"email":   email,
		"tags":    tags,
	})
	if err != nil {
		log.Errorf("[Notify] encode CRM payload: %v", err)
		return
	}
	d.goDeliver(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := d.postCRM(ctx, payload); err != nil {
			log.Errorf("[Notify] CRM tags %v for user %d failed: %v", tags, userID, err)
		}
	})
}

// Wait blocks until in-flight deliveries finish. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) goDeliver(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Notify] delivery panicked: %v", r)
			}
		}()
		fn()
	}()
}

func (d *Dispatcher) postCRM(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.crmURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.crmToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.crmToken)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

func renderReceipt(r Receipt) (string, string) {
	subject := "Payment confirmed"
	if r.TrialConverted {
		subject = "Your trial is now a subscription"
	}
	var b strings.Builder
	name := r.Name
	if name == "" {
		name = r.Email
	}
	fmt.Fprintf(&b, "<p>Hi %s,</p>", html.EscapeString(name))
	if r.PlanName != "" {
		fmt.Fprintf(&b, "<p>Plan: %s</p>", html.EscapeString(r.PlanName))
	}
	if r.Amount != nil {
		fmt.Fprintf(&b, "<p>Amount: %s %s</p>", r.Amount.StringFixed(2), html.EscapeString(strings.ToUpper(r.Currency)))
	}
	if r.AccessUntil != nil {
		fmt.Fprintf(&b, "<p>Access until: %s</p>", r.AccessUntil.UTC().Format("2006-01-02"))
	}
	if r.OrderID > 0 {
		fmt.Fprintf(&b, "<p>Order #%d</p>", r.OrderID)
	}
	return subject, b.String()
}
