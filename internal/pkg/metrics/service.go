// Package metrics computes the read-only funnel, business, UX and health
// views over the event store and the order ledger.
package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
)

const (
	DefaultDays = 30
	MinDays     = 7
	MaxDays     = 365

	SnapshotTTL = 5 * time.Minute

	churnWindow = 30 * 24 * time.Hour
	day         = 24 * time.Hour
)

// SnapshotStore caches computed views. cache.Store implements it on Redis.
type SnapshotStore interface {
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, expiration time.Duration) error
}

// ReadinessChecker makes sure analytics_events exists before it is queried.
type ReadinessChecker interface {
	EnsureReady(ctx context.Context) error
}

type Service struct {
	db        *gorm.DB
	ready     ReadinessChecker
	snapshots SnapshotStore
	telemetry *telemetry.Telemetry
	adSpend   *float64
	now       func() time.Time
}

type Option func(*Service)

func WithSnapshots(store SnapshotStore) Option {
	return func(s *Service) { s.snapshots = store }
}

func WithTelemetry(tm *telemetry.Telemetry) Option {
	return func(s *Service) { s.telemetry = tm }
}

// WithAdSpend sets the default monthly ad spend used for CAC.
func WithAdSpend(spend float64) Option {
	return func(s *Service) { s.adSpend = &spend }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *gorm.DB, ready ReadinessChecker, opts ...Option) *Service {
	s := &Service{db: db, ready: ready, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AdSpendFromEnv reads ANALYTICS_MONTHLY_AD_SPEND. ok is false when unset
// or not a number.
func AdSpendFromEnv() (float64, bool) {
	raw := strings.TrimSpace(env.GetEnv("ANALYTICS_MONTHLY_AD_SPEND", ""))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ClampDays maps a requested window onto [7, 365]; zero or negative means
// the default of 30.
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultDays
	}
	if days < MinDays {
		return MinDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

// Range is the window a view was computed over.
type Range struct {
	Days  int       `json:"days"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Service) window(days int) Range {
	days = ClampDays(days)
	end := s.now().UTC()
	return Range{Days: days, Start: end.Add(-time.Duration(days) * day), End: end}
}

// Rate is numerator/denominator as a percentage rounded to 2 decimals, 0
// when the denominator is 0.
func Rate(numerator, denominator int64) float64 {
	if denominator <= 0 {
		return 0
	}
	return Round2(float64(numerator) / float64(denominator) * 100)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Service) prepare(ctx context.Context) error {
	if s.ready == nil {
		return nil
	}
	return s.ready.EnsureReady(ctx)
}

// cached serves a view from the snapshot store, computing and storing it
// on a miss. Cache failures only cost a recomputation.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	if s.snapshots == nil {
		return compute()
	}
	key = "payfox:metrics:" + key

	var out T
	hit, err := s.snapshots.GetJSON(ctx, key, &out)
	if err != nil {
		log.Warnf("[Metrics] snapshot lookup %s: %v", key, err)
	}
	if hit {
		s.telemetry.SnapshotCache(true)
		return out, nil
	}
	s.telemetry.SnapshotCache(false)

	out, err = compute()
	if err != nil {
		return out, err
	}
	if err := s.snapshots.SetJSON(ctx, key, out, SnapshotTTL); err != nil {
		log.Warnf("[Metrics] snapshot store %s: %v", key, err)
	}
	return out, nil
}

func viewKey(view string, days int, extra ...interface{}) string {
	key := fmt.Sprintf("%s:%d", view, ClampDays(days))
	for _, e := range extra {
		key += fmt.Sprintf(":%v", e)
	}
	return key
}
