package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
)

// Reaper periodically evicts terminal sessions that are past the retention
// window. Non-terminal sessions are never touched. A failed eviction is
// logged and retried on the next sweep.
type Reaper struct {
	registry *Registry
	logger   *zap.Logger

	mu        sync.Mutex
	interval  time.Duration
	retention time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a reaper. Call Start to begin sweeping.
func NewReaper(registry *Registry, interval, retention time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Reaper{
		registry:  registry,
		logger:    logger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// SetCadence updates sweep interval and retention window; the new interval
// takes effect after the current tick.
func (rp *Reaper) SetCadence(interval, retention time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if interval > 0 {
		rp.interval = interval
	}
	if retention > 0 {
		rp.retention = retention
	}
}

// Start launches the background sweep loop.
func (rp *Reaper) Start() {
	rp.wg.Add(1)
	go rp.loop()
}

func (rp *Reaper) loop() {
	defer rp.wg.Done()
	for {
		rp.mu.Lock()
		interval := rp.interval
		rp.mu.Unlock()

		select {
		case <-rp.stopCh:
			return
		case <-time.After(interval):
			rp.Sweep()
		}
	}
}

// Sweep runs one eviction pass. Exported so tests and shutdown hooks can
// trigger it directly.
func (rp *Reaper) Sweep() int {
	rp.mu.Lock()
	retention := rp.retention
	rp.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	ids := rp.registry.TerminalBefore(cutoff)
	evicted := 0
	for _, id := range ids {
		if err := rp.registry.Evict(id); err != nil {
			rp.logger.Warn("Reaper failed to evict session, will retry next sweep",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		evicted++
		metrics.SessionsReaped.Inc()
	}
	if evicted > 0 {
		rp.logger.Info("Reaper sweep finished",
			zap.Int("evicted", evicted),
			zap.Time("cutoff", cutoff))
	}
	return evicted
}

// Stop halts the sweep loop and waits for it to exit.
func (rp *Reaper) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCh) })
	rp.wg.Wait()
}
