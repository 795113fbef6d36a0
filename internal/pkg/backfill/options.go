// Package backfill reconciles the event store against the order ledger and
// the webhook inbox, inserting business events that were never recorded.
package backfill

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	day = 24 * time.Hour

	DefaultPaymentDays  = 3650
	DefaultPaymentBatch = 250
	DefaultTrialDays    = 90
	DefaultTrialBatch   = 200

	MaxDays  = 36500
	MaxBatch = 1000
)

var (
	ErrInvalidDate   = errors.New("invalid date, use YYYY-MM-DD or an RFC 3339 timestamp")
	ErrInvalidWindow = errors.New("until must be after since")
)

// Options configures one backfill run. Zero values fall back to the
// per-kind defaults.
type Options struct {
	Apply     bool
	Days      int
	BatchSize int
	// Limit caps missing events in dry-run and attempted inserts in apply.
	Limit     int
	Since     *time.Time
	Until     *time.Time
	Providers []string
}

// Window returns the half-open [since, until) range scanned by a run.
func (o Options) Window(now time.Time, defaultDays int) (time.Time, time.Time, error) {
	days := clamp(o.Days, defaultDays, 1, MaxDays)
	until := now.UTC()
	if o.Until != nil {
		until = o.Until.UTC()
	}
	since := now.UTC().Add(-time.Duration(days) * day)
	if o.Since != nil {
		since = o.Since.UTC()
	}
	if !until.After(since) {
		return time.Time{}, time.Time{}, ErrInvalidWindow
	}
	return since, until, nil
}

func (o Options) batch(defaultBatch int) int {
	return clamp(o.BatchSize, defaultBatch, 1, MaxBatch)
}

// remaining is how many more events a limited run may touch; -1 when unlimited.
func (o Options) remaining(r *Report) int {
	if o.Limit <= 0 {
		return -1
	}
	used := r.Missing
	if o.Apply {
		used = r.Inserted + r.Failed
	}
	return o.Limit - used
}

func clamp(v, fallback, lo, hi int) int {
	if v <= 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseDate accepts a bare date, read as midnight UTC, or an RFC 3339
// timestamp. Empty input yields nil.
func ParseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}

// Report is the counter set logged per batch and returned at the end of a
// run. A dry run reports the same counters as an apply run except Inserted.
type Report struct {
	Kind                  string    `json:"kind"`
	Mode                  string    `json:"mode"`
	Since                 time.Time `json:"since"`
	Until                 time.Time `json:"until"`
	Providers             []string  `json:"providers,omitempty"`
	Scanned               int       `json:"scanned"`
	Parsed                int       `json:"parsed"`
	SkippedInvalidPayload int       `json:"skipped_invalid_payload"`
	SkippedNoUser         int       `json:"skipped_no_user"`
	SkippedNoTransition   int       `json:"skipped_no_transition"`
	SkippedProvider       int       `json:"skipped_provider"`
	Missing               int       `json:"missing"`
	Inserted              int       `json:"inserted"`
	Failed                int       `json:"failed"`
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
}

func newReport(kind string, o Options, since, until, startedAt time.Time) *Report {
	mode := "dry-run"
	if o.Apply {
		mode = "apply"
	}
	return &Report{
		Kind:      kind,
		Mode:      mode,
		Since:     since,
		Until:     until,
		Providers: o.Providers,
		StartedAt: startedAt,
	}
}

func (r *Report) String() string {
	return fmt.Sprintf("scanned=%d parsed=%d skipped_invalid_payload=%d skipped_no_user=%d skipped_no_transition=%d skipped_provider=%d missing=%d inserted=%d failed=%d",
		r.Scanned, r.Parsed, r.SkippedInvalidPayload, r.SkippedNoUser, r.SkippedNoTransition, r.SkippedProvider, r.Missing, r.Inserted, r.Failed)
}
