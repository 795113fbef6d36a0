package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
)

const webhookTimeout = 15 * time.Second

// WebhookVerifier checks a delivery against its provider signature.
type WebhookVerifier func(ctx context.Context, header func(key string) string, payload []byte) bool

// WebhookInbox persists deliveries and tracks their queue state.
type WebhookInbox interface {
	jobqueue.Inbox
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.BillingWebhookEvent, error)
}

// WebhookController verifies, stores and enqueues provider webhooks. The
// response only reflects inbox persistence.
type WebhookController struct {
	inbox     WebhookInbox
	queue     jobqueue.Enqueuer
	verifiers map[string]WebhookVerifier
	telemetry *telemetry.Telemetry
}

func NewWebhookController(inbox WebhookInbox, queue jobqueue.Enqueuer, verifiers map[string]WebhookVerifier, tm *telemetry.Telemetry) *WebhookController {
	return &WebhookController{inbox: inbox, queue: queue, verifiers: verifiers, telemetry: tm}
}

// WebhookVerifiersFromEnv builds the signature checks for every provider.
func WebhookVerifiersFromEnv() map[string]WebhookVerifier {
	stripeSecret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	conektaKey := env.GetEnv("CONEKTA_WEBHOOK_PUBLIC_KEY", "")
	patreonSecret := env.GetEnv("PATREON_WEBHOOK_SECRET", "")
	paypal := billing.NewPaypalVerifierFromEnv()

	return map[string]WebhookVerifier{
		models.BillingProviderStripe: func(_ context.Context, header func(string) string, payload []byte) bool {
			return billing.VerifyStripeSignature(payload, header("Stripe-Signature"), stripeSecret, time.Now())
		},
		models.BillingProviderConekta: func(_ context.Context, header func(string) string, payload []byte) bool {
			return billing.VerifyConektaSignature(payload, header("Digest"), conektaKey)
		},
		models.BillingProviderPatreon: func(_ context.Context, header func(string) string, payload []byte) bool {
			return billing.VerifyPatreonWebhookSignature(payload, header("X-Patreon-Signature"), patreonSecret)
		},
		models.BillingProviderPaypal: func(ctx context.Context, header func(string) string, payload []byte) bool {
			ok, err := paypal.Verify(ctx, billing.PaypalHeaders{
				AuthAlgo:         header("PAYPAL-AUTH-ALGO"),
				CertURL:          header("PAYPAL-CERT-URL"),
				TransmissionID:   header("PAYPAL-TRANSMISSION-ID"),
				TransmissionSig:  header("PAYPAL-TRANSMISSION-SIG"),
				TransmissionTime: header("PAYPAL-TRANSMISSION-TIME"),
			}, payload)
			if err != nil {
				log.Warnf("[Webhook] paypal verification failed: %v", err)
			}
			return ok
		},
	}
}

// HandleWebhook serves POST /webhooks/:provider.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	verify, ok := wc.verifiers[provider]
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "unknown_provider", "Unsupported webhook provider")
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	header := func(key string) string { return strings.TrimSpace(c.Get(key)) }
	if !verify(ctx, header, rawBody) {
		wc.telemetry.WebhookReceived(provider, "invalid_signature")
		return errorJSON(c, fiber.StatusUnauthorized, "invalid_signature", "Webhook signature could not be verified")
	}

	eventID, eventType, err := billing.ExtractIdentity(provider, rawBody)
	if err != nil {
		wc.telemetry.WebhookReceived(provider, "invalid_payload")
		return errorJSON(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
	}
	if provider == models.BillingProviderPatreon {
		eventType = header("X-Patreon-Event")
		eventID = firstHeaderValue(c, "X-Patreon-Delivery", "X-Patreon-Event-ID", "X-Patreon-Webhook-ID")
	}

	created, stored, err := wc.inbox.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Errorf("[Webhook] %s delivery %q not persisted: %v", provider, eventID, err)
		wc.telemetry.WebhookReceived(provider, "persist_failed")
		return errorJSON(c, fiber.StatusInternalServerError, "webhook_persist_failed", "Webhook could not be stored")
	}
	if !created {
		wc.telemetry.WebhookReceived(provider, "duplicate")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	enqueued := jobqueue.Dispatch(ctx, wc.queue, wc.inbox, stored)
	wc.telemetry.WebhookReceived(provider, "stored")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "id": stored.ID, "enqueued": enqueued})
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
