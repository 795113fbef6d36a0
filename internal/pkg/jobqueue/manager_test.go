package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerRegistersInboxHandler(t *testing.T) {
	svc, _ := newInbox(t)
	q := NewQueue(nil, 1)
	m := NewManager(q, svc, NewInboxProcessor(svc, &fakeApplier{}, nil), 0)

	assert.Same(t, q, m.GetQueue())
	assert.Equal(t, DefaultInboxSweepInterval, m.sweepInterval)
	assert.Contains(t, q.handlers, JobTypeWebhookInbox)
	assert.False(t, m.IsRunning())
}

func TestManagerDeliversStoredEvents(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	svc, _ := newInbox(t)
	ctx := context.Background()
	applier := &fakeApplier{}

	m := NewManager(NewQueue(client, 1), svc, NewInboxProcessor(svc, applier, nil), time.Hour)
	ev := storeEvent(t, svc, "stripe", "customer.subscription.updated", stripeActive)

	m.Start()
	defer m.Stop()
	assert.True(t, m.IsRunning())

	require.True(t, waitFor(func() bool {
		stored, err := svc.GetWebhookEvent(ctx, ev.ID)
		return err == nil && stored.Status == "processed"
	}, 5*time.Second))
}
