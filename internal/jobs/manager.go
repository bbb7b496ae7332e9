package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/ledgerjobs/internal/logging"
)

// Manager runs the recurring and retention jobs on fixed intervals in-process.
// It calls the same Runner the HTTP triggers use, so overlapping with an
// external trigger is safe.
type Manager struct {
	runner         *Runner
	logger         logging.Logger
	recurringEvery time.Duration
	retentionEvery time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

func NewManager(runner *Runner, logger logging.Logger, recurringEvery, retentionEvery time.Duration) *Manager {
	return &Manager{
		runner:         runner,
		logger:         logger,
		recurringEvery: recurringEvery,
		retentionEvery: retentionEvery,
		stopCh:         make(chan struct{}),
	}
}

// Start begins both job loops. Each loop runs once immediately.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting job manager")

	m.wg.Add(2)
	go m.loop(ctx, JobRecurring, m.recurringEvery, func(ctx context.Context) error {
		_, err := m.runner.RunRecurring(ctx)
		return err
	})
	go m.loop(ctx, JobRetention, m.retentionEvery, func(ctx context.Context) error {
		_, err := m.runner.RunRetention(ctx)
		return err
	})
}

// Stop ends the loops and waits for an in-flight run to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping job manager")
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, job string, every time.Duration, run func(context.Context) error) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.logger.WithField("job", job).WithField("interval", every.String()).Info("Starting scheduled job")

	// The runner logs failures; the loop only keeps going.
	_ = run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = run(ctx)
		}
	}
}
