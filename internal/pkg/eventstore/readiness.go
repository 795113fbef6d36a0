package eventstore

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ReadinessChecker is satisfied by anything that must materialize storage
// before first use.
type ReadinessChecker interface {
	EnsureReady(ctx context.Context) error
}

// Readiness memoizes a successful initialization. Concurrent first callers
// share one attempt; a failed attempt is forgotten so the next call retries.
type Readiness struct {
	init  func(ctx context.Context) error
	ready atomic.Bool
	group singleflight.Group
}

func NewReadiness(init func(ctx context.Context) error) *Readiness {
	return &Readiness{init: init}
}

func (r *Readiness) EnsureReady(ctx context.Context) error {
	if r.ready.Load() {
		return nil
	}
	_, err, _ := r.group.Do("ready", func() (interface{}, error) {
		if r.ready.Load() {
			return nil, nil
		}
		// Shared by every waiting caller, so one cancelled request must not
		// fail the others.
		if err := r.init(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		r.ready.Store(true)
		return nil, nil
	})
	return err
}

// Ready reports whether initialization has completed.
func (r *Readiness) Ready() bool {
	return r.ready.Load()
}
