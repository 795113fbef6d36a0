package controllers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// EventIngester is the write side of the event store.
type EventIngester interface {
	Ingest(ctx context.Context, events []eventstore.EventInput, ic eventstore.IngestContext) (eventstore.IngestResult, error)
}

type collectRequest struct {
	Events []eventstore.EventInput `json:"events"`
}

// CollectController accepts analytics batches from the storefront.
type CollectController struct {
	store     EventIngester
	telemetry *telemetry.Telemetry
}

func NewCollectController(store EventIngester, tm *telemetry.Telemetry) *CollectController {
	return &CollectController{store: store, telemetry: tm}
}

// HandleCollect stores a batch of 1..40 events and answers 202 with the
// number of new rows.
func (cc *CollectController) HandleCollect(c *fiber.Ctx) error {
	var req collectRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_payload", "Body must be a JSON object with an events array")
	}

	res, err := cc.store.Ingest(c.UserContext(), req.Events, eventstore.IngestContext{
		SessionUserID: usercontext.SessionUserID(c),
		ClientIP:      GetClientIP(c),
		UserAgent:     c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		var vErr *eventstore.ValidationError
		if errors.As(err, &vErr) {
			return errorJSON(c, fiber.StatusBadRequest, "invalid_events", vErr.Error())
		}
		log.Errorf("[Collect] ingest failed: %v", err)
		return errorJSON(c, storageStatus(err), "ingest_failed", "Events could not be stored")
	}

	cc.telemetry.EventsIngested(res.Received, res.Accepted)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": res.Accepted, "received": res.Received})
}
