package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

const (
	defaultInboxPage = 50
	maxInboxPage     = 200
)

// InboxAdmin is the operator view of the webhook inbox.
type InboxAdmin interface {
	jobqueue.Inbox
	ListWebhookEventsPage(ctx context.Context, filter billing.WebhookPageFilter) ([]models.BillingWebhookEvent, error)
	RetryWebhookEvent(ctx context.Context, id uint) error
}

// QueueStats reports the Redis job queue depth.
type QueueStats interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// AdminInboxController lists, inspects and retries inbox rows.
type AdminInboxController struct {
	inbox InboxAdmin
	queue jobqueue.Enqueuer
	stats QueueStats
}

func NewAdminInboxController(inbox InboxAdmin, queue jobqueue.Enqueuer, stats QueueStats) *AdminInboxController {
	return &AdminInboxController{inbox: inbox, queue: queue, stats: stats}
}

// HandleList pages through rows by id. status and provider take comma
// separated lists.
func (ic *AdminInboxController) HandleList(c *fiber.Ctx) error {
	limit := queryInt(c, "limit")
	if limit <= 0 {
		limit = defaultInboxPage
	}
	if limit > maxInboxPage {
		limit = maxInboxPage
	}
	afterID := queryInt(c, "after_id")
	if afterID < 0 {
		afterID = 0
	}

	rows, err := ic.inbox.ListWebhookEventsPage(c.UserContext(), billing.WebhookPageFilter{
		Providers: splitList(c.Query("provider")),
		Statuses:  splitList(c.Query("status")),
		AfterID:   uint(afterID),
		Limit:     limit,
	})
	if err != nil {
		log.Errorf("[Admin] inbox list failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "inbox_unavailable", "Inbox could not be read")
	}

	var next uint
	if len(rows) == limit {
		next = rows[len(rows)-1].ID
	}
	return c.JSON(fiber.Map{"events": rows, "next_after_id": next})
}

func (ic *AdminInboxController) HandleGet(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_id", "Event id must be a positive integer")
	}
	event, err := ic.inbox.GetWebhookEvent(c.UserContext(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Inbox event not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "inbox_unavailable", "Inbox could not be read")
	}
	return c.JSON(event)
}

// HandleRetry reopens a failed or ignored row and hands it to the queue.
func (ic *AdminInboxController) HandleRetry(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_id", "Event id must be a positive integer")
	}
	ctx := c.UserContext()

	if err := ic.inbox.RetryWebhookEvent(ctx, uint(id)); err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Inbox event not found")
		case errors.Is(err, billing.ErrWebhookNotRetryable):
			return errorJSON(c, fiber.StatusConflict, "not_retryable", err.Error())
		default:
			log.Errorf("[Admin] inbox retry %d failed: %v", id, err)
			return errorJSON(c, fiber.StatusInternalServerError, "retry_failed", "Inbox event could not be reset")
		}
	}

	event, err := ic.inbox.GetWebhookEvent(ctx, uint(id))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "inbox_unavailable", "Inbox could not be read")
	}
	enqueued := jobqueue.Dispatch(ctx, ic.queue, ic.inbox, event)
	log.Infof("[Admin] inbox event %d reset for retry (enqueued=%t)", id, enqueued)
	return c.JSON(fiber.Map{"ok": true, "id": id, "enqueued": enqueued})
}

// HandleQueue reports the job queue counters.
func (ic *AdminInboxController) HandleQueue(c *fiber.Ctx) error {
	if ic.stats == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Job queue is not running")
	}
	ctx := c.UserContext()
	stats, err := ic.stats.GetJobStats(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", err.Error())
	}
	pending, err := ic.stats.GetQueueSize(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", err.Error())
	}
	processing, err := ic.stats.GetProcessingSize(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", err.Error())
	}
	return c.JSON(fiber.Map{"stats": stats, "pending": pending, "processing": processing})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
