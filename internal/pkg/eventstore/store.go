package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Store is the append-only analytics event ledger.
type Store struct {
	db       *gorm.DB
	ready    *Readiness
	validate *validator.Validate
	ipSalt   string
	now      func() time.Time
}

type Option func(*Store)

// WithIPSalt enables client IP hashing.
func WithIPSalt(salt string) Option {
	return func(s *Store) { s.ipSalt = salt }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		validate: newValidator(),
		now:      time.Now,
	}
	s.ready = NewReadiness(s.materialize)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) materialize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.AnalyticsEvent{}); err != nil {
		log.Errorf("[EventStore] Failed to materialize analytics_events: %v", err)
		return fmt.Errorf("%w: migrate analytics_events: %w", ErrStorageUnavailable, err)
	}
	log.Info("[EventStore] analytics_events ready")
	return nil
}

// EnsureReady creates the ledger table if it does not exist yet.
func (s *Store) EnsureReady(ctx context.Context) error {
	return s.ready.EnsureReady(ctx)
}

// Ingest validates and stores a batch. Events whose id is already stored are
// absorbed silently and not counted as accepted.
func (s *Store) Ingest(ctx context.Context, events []EventInput, ic IngestContext) (IngestResult, error) {
	if err := validateBatch(s.validate, events); err != nil {
		return IngestResult{}, err
	}
	if err := s.EnsureReady(ctx); err != nil {
		return IngestResult{}, err
	}

	now := s.now().UTC()
	ipHash := HashIP(s.ipSalt, ic.ClientIP)
	userAgent := nullable(ic.UserAgent, 500)

	rows := make([]models.AnalyticsEvent, 0, len(events))
	for i := range events {
		rows = append(rows, s.toRow(&events[i], ic, now, ipHash, userAgent))
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		log.Errorf("[EventStore] Failed to insert %d events: %v", len(rows), res.Error)
		return IngestResult{}, fmt.Errorf("%w: insert analytics events: %w", ErrStorageUnavailable, res.Error)
	}

	return IngestResult{Received: len(rows), Accepted: int(res.RowsAffected)}, nil
}

func (s *Store) toRow(e *EventInput, ic IngestContext, now time.Time, ipHash, userAgent *string) models.AnalyticsEvent {
	name := strings.ToLower(strings.TrimSpace(e.EventName))
	category := strings.TrimSpace(e.EventCategory)
	if category == "" {
		category = InferCategory(name)
	}

	eventTs := now
	if e.EventTs != nil && !e.EventTs.IsZero() {
		eventTs = e.EventTs.UTC()
	}

	userID := e.UserID
	if userID == nil || *userID == 0 {
		userID = ic.SessionUserID
	}

	row := models.AnalyticsEvent{
		EventID:       strings.TrimSpace(e.EventID),
		EventName:     name,
		EventCategory: category,
		EventTs:       eventTs,
		ReceivedAt:    now,
		SessionID:     nullable(e.SessionID, 80),
		VisitorID:     nullable(e.VisitorID, 80),
		UserID:        userID,
		PagePath:      nullable(e.PagePath, 255),
		PageURL:       nullable(e.PageURL, 1000),
		Referrer:      nullable(e.Referrer, 1000),
		ReferrerHost:  ReferrerHost(e.Referrer),
		CountryCode:   upper(nullable(e.CountryCode, 8)),
		Currency:      upper(nullable(e.Currency, 8)),
		PlanID:        e.PlanID,
		IPHash:        ipHash,
		UserAgent:     userAgent,
	}
	if row.PlanID == nil {
		row.PlanID = planIDFromMetadata(e.Metadata)
	}
	if e.Amount != nil {
		row.Amount = decimal.NullDecimal{Decimal: e.Amount.Round(2), Valid: true}
	}
	if a := e.Attribution; a != nil {
		row.UTMSource = nullable(a.Source, 120)
		row.UTMMedium = nullable(a.Medium, 120)
		row.UTMCampaign = nullable(a.Campaign, 180)
		row.UTMTerm = nullable(a.Term, 180)
		row.UTMContent = nullable(a.Content, 180)
		row.Fbclid = nullable(a.Fbclid, 255)
		row.Gclid = nullable(a.Gclid, 255)
	}
	if p := e.Purchase; p != nil {
		row.OrderID = p.OrderID
		row.PaymentProvider = nullable(p.Provider, 32)
		row.ProviderRef = nullable(p.ProviderRef, 191)
		row.IsRenewal = p.IsRenewal
		row.SourceEvent = nullable(p.SourceEvent, 80)
		if p.SourceEventTs != nil {
			ts := p.SourceEventTs.UTC()
			row.SourceEventTs = &ts
		}
	}
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			row.MetadataJSON = string(raw)
		} else {
			log.Warnf("[EventStore] Dropping unserializable metadata for %s: %v", row.EventID, err)
		}
	}
	return row
}

func upper(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToUpper(*s)
	return &v
}

func planIDFromMetadata(meta map[string]any) *uint {
	raw, ok := meta["planId"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		if v >= 1 && v == float64(uint(v)) {
			id := uint(v)
			return &id
		}
	case int:
		if v > 0 {
			id := uint(v)
			return &id
		}
	case uint:
		if v > 0 {
			return &v
		}
	}
	return nil
}

// ExistsFilter selects events by order id or by any provider reference.
type ExistsFilter struct {
	EventName    string
	OrderID      uint
	ProviderRefs []string
}

// Exists reports whether at least one event matches f.
func (s *Store) Exists(ctx context.Context, f ExistsFilter) (bool, error) {
	conds := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if f.OrderID > 0 {
		conds = append(conds, "order_id = ?")
		args = append(args, f.OrderID)
	}
	refs := make([]string, 0, len(f.ProviderRefs))
	for _, r := range f.ProviderRefs {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	if len(refs) > 0 {
		conds = append(conds, "provider_ref IN ?")
		args = append(args, refs)
	}
	if len(conds) == 0 {
		return false, nil
	}
	if err := s.EnsureReady(ctx); err != nil {
		return false, err
	}

	q := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).
		Where("("+strings.Join(conds, " OR ")+")", args...)
	if f.EventName != "" {
		q = q.Where("event_name = ?", f.EventName)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: lookup analytics events: %w", ErrStorageUnavailable, err)
	}
	return count > 0, nil
}

// ExistsByEventID reports whether an event id is already stored.
func (s *Store) ExistsByEventID(ctx context.Context, eventID string) (bool, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).
		Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: lookup analytics events: %w", ErrStorageUnavailable, err)
	}
	return count > 0, nil
}
