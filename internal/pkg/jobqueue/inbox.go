package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/lifecycle"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
)

// Inbox is the webhook inbox side of the billing service.
type Inbox interface {
	GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
	ClaimWebhookEvent(ctx context.Context, id uint) (bool, error)
	MarkWebhookEnqueued(ctx context.Context, id uint) error
	MarkWebhookProcessed(ctx context.Context, id uint) error
	MarkWebhookIgnored(ctx context.Context, id uint, reason string) error
	MarkWebhookFailed(ctx context.Context, event *models.BillingWebhookEvent, procErr error) (string, error)
	DueWebhookEvents(ctx context.Context) ([]models.BillingWebhookEvent, error)
}

// Applier runs a normalized transition through the subscription lifecycle.
type Applier interface {
	Apply(ctx context.Context, t *billing.SubscriptionTransition) (*lifecycle.Outcome, error)
}

// Enqueuer hands an inbox row to the worker pool.
type Enqueuer interface {
	EnqueueInbox(ctx context.Context, eventID uint, provider string) error
}

// EnqueueInbox pushes a webhook_inbox job for the row.
func (q *Queue) EnqueueInbox(ctx context.Context, eventID uint, provider string) error {
	_, err := q.EnqueueJob(ctx, JobTypeWebhookInbox, WebhookInboxJobPayload{EventID: eventID, Provider: provider}.ToMap())
	return err
}

// InboxProcessor claims inbox rows and drives them through the lifecycle.
type InboxProcessor struct {
	inbox     Inbox
	machine   Applier
	telemetry *telemetry.Telemetry
}

func NewInboxProcessor(inbox Inbox, machine Applier, tm *telemetry.Telemetry) *InboxProcessor {
	return &InboxProcessor{inbox: inbox, machine: machine, telemetry: tm}
}

// Handle adapts Process to the queue.
func (p *InboxProcessor) Handle(ctx context.Context, job *Job) error {
	payload, err := WebhookInboxJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid webhook_inbox payload: %w", err)
	}
	if payload.EventID == 0 {
		return errors.New("webhook_inbox job without event id")
	}
	return p.Process(ctx, payload.EventID)
}

// Process runs one inbox row. Rows held by another worker or already closed
// are skipped. The returned error is the processing failure, after the row
// was marked for it.
func (p *InboxProcessor) Process(ctx context.Context, id uint) error {
	claimed, err := p.inbox.ClaimWebhookEvent(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debugf("[JobQueue] inbox event %d not claimable, skipping", id)
		return nil
	}
	event, err := p.inbox.GetWebhookEvent(ctx, id)
	if err != nil {
		return err
	}

	t, err := billing.Normalize(event.Provider, event.EventType, []byte(event.PayloadJSON))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidPayload) || errors.Is(err, billing.ErrUnsupportedProvider) {
			return p.ignore(ctx, event, err.Error())
		}
		return p.fail(ctx, event, err)
	}
	if t.Provider == "" {
		t.Provider = event.Provider
	}
	if strings.TrimSpace(t.ProviderEventID) == "" {
		t.ProviderEventID = event.ProviderEventID
	}
	if t.EventType == "" {
		t.EventType = event.EventType
	}
	if t.Action == billing.ActionIgnore {
		return p.ignore(ctx, event, "unhandled event type "+event.EventType)
	}

	out, err := p.machine.Apply(ctx, t)
	if out != nil {
		p.telemetry.LifecycleTransition(event.Provider, string(out.Classification))
	}
	if err != nil {
		if lifecycle.IsFinal(err) {
			log.Warnf("[JobQueue] inbox event %d (%s %s) dropped: %v", event.ID, event.Provider, event.EventType, err)
			return p.ignore(ctx, event, err.Error())
		}
		return p.fail(ctx, event, err)
	}

	if err := p.inbox.MarkWebhookProcessed(ctx, event.ID); err != nil {
		return err
	}
	p.telemetry.InboxOutcome(event.Provider, models.WebhookStatusProcessed)
	if out != nil {
		log.Infof("[JobQueue] inbox event %d (%s %s) processed: %s %v", event.ID, event.Provider, event.EventType, out.Classification, out.Events)
	}
	return nil
}

func (p *InboxProcessor) ignore(ctx context.Context, event *models.BillingWebhookEvent, reason string) error {
	if err := p.inbox.MarkWebhookIgnored(ctx, event.ID, reason); err != nil {
		return err
	}
	p.telemetry.InboxOutcome(event.Provider, models.WebhookStatusIgnored)
	return nil
}

func (p *InboxProcessor) fail(ctx context.Context, event *models.BillingWebhookEvent, procErr error) error {
	status, err := p.inbox.MarkWebhookFailed(ctx, event, procErr)
	if err != nil {
		return errors.Join(procErr, err)
	}
	p.telemetry.InboxOutcome(event.Provider, status)
	log.Errorf("[JobQueue] inbox event %d (%s %s) attempt %d failed, now %s: %v", event.ID, event.Provider, event.EventType, event.Attempts, status, procErr)
	return procErr
}

// Dispatch enqueues a stored row and marks it enqueued. An enqueue failure
// leaves the row received for the sweeper.
func Dispatch(ctx context.Context, q Enqueuer, inbox Inbox, event *models.BillingWebhookEvent) bool {
	if q == nil {
		return false
	}
	if err := q.EnqueueInbox(ctx, event.ID, event.Provider); err != nil {
		log.Warnf("[JobQueue] inbox event %d stored but enqueue failed: %v", event.ID, err)
		return false
	}
	if err := inbox.MarkWebhookEnqueued(ctx, event.ID); err != nil {
		log.Warnf("[JobQueue] inbox event %d enqueued but not marked: %v", event.ID, err)
	}
	return true
}

// SweepInbox hands every due row back to the queue and returns how many
// were enqueued.
func SweepInbox(ctx context.Context, q Enqueuer, inbox Inbox) (int, error) {
	due, err := inbox.DueWebhookEvents(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for i := range due {
		if Dispatch(ctx, q, inbox, &due[i]) {
			enqueued++
		}
	}
	if len(due) > 0 {
		log.Infof("[JobQueue] inbox sweep: %d due, %d enqueued", len(due), enqueued)
	}
	return enqueued, nil
}
