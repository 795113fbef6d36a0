package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, DefaultWorkers},
		{"Negative workers", -1, DefaultWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.handlers)
			assert.False(t, queue.running)
		})
	}
}

func waitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestQueueRunsRegisteredHandler(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()
	q := NewQueue(client, 2)

	var handled, failed atomic.Int32
	q.Register(JobTypeWebhookInbox, func(_ context.Context, job *Job) error {
		payload, err := WebhookInboxJobPayloadFromMap(job.Payload)
		if err != nil {
			return err
		}
		if payload.EventID == 13 {
			failed.Add(1)
			return errors.New("unlucky")
		}
		handled.Add(1)
		return nil
	})

	require.NoError(t, q.EnqueueInbox(ctx, 7, "stripe"))
	require.NoError(t, q.EnqueueInbox(ctx, 13, "stripe"))
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	q.Start()
	defer q.Stop()

	require.True(t, waitFor(func() bool { return handled.Load() == 1 && failed.Load() == 1 }, 5*time.Second))
	require.True(t, waitFor(func() bool {
		n, _ := q.GetProcessingSize(ctx)
		return n == 0
	}, 5*time.Second))

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[JobStatusPending])
	assert.EqualValues(t, 1, stats[JobStatusCompleted])
	assert.EqualValues(t, 1, stats[JobStatusFailed])
}

func TestRecoverStuck(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(client, 1)
	q.now = func() time.Time { return now }

	stuckAt := now.Add(-time.Hour)
	freshAt := now.Add(-time.Minute)
	for id, started := range map[string]time.Time{"stuck": stuckAt, "fresh": freshAt} {
		job := Job{ID: id, Type: JobTypeWebhookInbox, Status: JobStatusProcessing, ProcessedAt: &started, UpdatedAt: started}
		raw, err := json.Marshal(job)
		require.NoError(t, err)
		require.NoError(t, client.Set(ctx, JobKeyPrefix+id, raw, JobTTL).Err())
		require.NoError(t, client.LPush(ctx, JobProcessingKey, id).Err())
	}
	require.NoError(t, client.LPush(ctx, JobProcessingKey, "orphan").Err())

	n, err := q.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, pending)
	processing, err := client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, processing)

	job, err := q.GetJob(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
}
