package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const DefaultInboxSweepInterval = time.Minute

// Manager runs the job queue together with the inbox sweeper.
type Manager struct {
	queue         *Queue
	inbox         Inbox
	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	sweepMu       sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager wires the inbox processor into the queue.
func NewManager(queue *Queue, inbox Inbox, processor *InboxProcessor, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultInboxSweepInterval
	}
	queue.Register(JobTypeWebhookInbox, processor.Handle)
	return &Manager{
		queue:         queue,
		inbox:         inbox,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the inbox sweeper
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and inbox sweeper")

	m.queue.Start()

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and inbox sweeper...")
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// sweepWorker re-enqueues due inbox rows, once at start and then on every tick.
func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started inbox sweeper (interval: %s)", m.sweepInterval)

	m.SweepOnce(context.Background())
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Inbox sweeper stopping")
			return
		case <-m.sweepTicker.C:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce runs a single inbox sweep unless one is already in flight.
func (m *Manager) SweepOnce(ctx context.Context) int {
	if !m.sweepMu.TryLock() {
		return 0
	}
	defer m.sweepMu.Unlock()

	n, err := SweepInbox(ctx, m.queue, m.inbox)
	if err != nil {
		log.Errorf("[JobQueue Manager] Inbox sweep error: %v", err)
	}
	return n
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
