package eventstore

import (
	"time"

	"github.com/shopspring/decimal"
)

const MaxBatchSize = 40

// EventInput is one event as producers submit it.
type EventInput struct {
	EventID       string           `json:"eventId" validate:"required,min=8,max=80"`
	EventName     string           `json:"eventName" validate:"required,min=2,max=80,eventname"`
	EventCategory string           `json:"eventCategory,omitempty" validate:"omitempty,category"`
	EventTs       *time.Time       `json:"eventTs,omitempty"`
	SessionID     string           `json:"sessionId,omitempty" validate:"max=80"`
	VisitorID     string           `json:"visitorId,omitempty" validate:"max=80"`
	UserID        *uint            `json:"userId,omitempty"`
	PagePath      string           `json:"pagePath,omitempty" validate:"max=255"`
	PageURL       string           `json:"pageUrl,omitempty" validate:"max=1000"`
	Referrer      string           `json:"referrer,omitempty" validate:"max=1000"`
	Attribution   *Attribution     `json:"attribution,omitempty"`
	CountryCode   string           `json:"countryCode,omitempty" validate:"max=8"`
	Currency      string           `json:"currency,omitempty" validate:"max=8"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	// PlanID is set by checkout events so payments can be attributed per plan.
	PlanID   *uint          `json:"planId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Purchase is filled only by server-side emitters.
	Purchase *Purchase `json:"-"`
}

// Attribution holds the marketing fields attached to an event.
type Attribution struct {
	Source   string `json:"source,omitempty" validate:"max=120"`
	Medium   string `json:"medium,omitempty" validate:"max=120"`
	Campaign string `json:"campaign,omitempty" validate:"max=180"`
	Term     string `json:"term,omitempty" validate:"max=180"`
	Content  string `json:"content,omitempty" validate:"max=180"`
	Fbclid   string `json:"fbclid,omitempty" validate:"max=255"`
	Gclid    string `json:"gclid,omitempty" validate:"max=255"`
}

// IsEmpty reports whether none of the seven fields carries a value.
func (a *Attribution) IsEmpty() bool {
	if a == nil {
		return true
	}
	for _, v := range a.values() {
		if trimmedOrEmpty(v) != "" {
			return false
		}
	}
	return true
}

func (a *Attribution) values() []string {
	return []string{a.Source, a.Medium, a.Campaign, a.Term, a.Content, a.Fbclid, a.Gclid}
}

// Purchase carries the typed details of monetizable events.
type Purchase struct {
	OrderID       *uint
	Provider      string
	ProviderRef   string
	IsRenewal     bool
	SourceEvent   string
	SourceEventTs *time.Time
}

// IngestContext is request-scoped data that applies to a whole batch.
type IngestContext struct {
	SessionUserID *uint
	ClientIP      string
	UserAgent     string
}

// IngestResult reports how many events were received and how many were new.
type IngestResult struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
}
