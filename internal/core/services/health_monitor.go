package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamguard/internal/core/domain"

	"go.uber.org/zap"
)

// MonitoredSession is what the monitor needs from a session controller.
type MonitoredSession interface {
	ActiveSession
	Snapshot() domain.StreamSession
	OnStateChange(fn func(domain.StreamSession)) (unsubscribe func())
	Disconnect(ctx context.Context, reason string) error
}

// HealthMonitor runs one sampling loop per active session and fans samples
// and alerts out to observers.
type HealthMonitor struct {
	sampler    *HealthSampler
	classifier *Classifier
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.SessionID]*monitoredSession

	obsMu          sync.RWMutex
	statsObservers []func(domain.StreamHealthStats)
	alertObservers []func(domain.StreamHealthAlert)
}

type monitoredSession struct {
	id          domain.SessionID
	src         MonitoredSession
	interval    time.Duration
	cancel      context.CancelFunc
	unsubscribe func()

	// last is only touched by the loop goroutine.
	last *domain.StreamHealthStats
}

func NewHealthMonitor(sampler *HealthSampler, classifier *Classifier, logger *zap.SugaredLogger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		sampler:    sampler,
		classifier: classifier,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[domain.SessionID]*monitoredSession),
	}
}

// OnStatsUpdate registers an observer. Observers run synchronously on the
// session's loop goroutine in registration order.
func (m *HealthMonitor) OnStatsUpdate(fn func(domain.StreamHealthStats)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.statsObservers = append(m.statsObservers, fn)
}

// OnAlert registers an alert observer, with the same delivery rules as OnStatsUpdate.
func (m *HealthMonitor) OnAlert(fn func(domain.StreamHealthAlert)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.alertObservers = append(m.alertObservers, fn)
}

// StartMonitoring begins sampling src every interval. It is a no-op when the
// session is already monitored. The loop stops on its own when the session
// leaves the active state.
func (m *HealthMonitor) StartMonitoring(src MonitoredSession, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitoring interval must be positive, got %v", interval)
	}
	if !src.Snapshot().IsActive() {
		return domain.ErrSessionNotActive
	}
	if m.ctx.Err() != nil {
		return errors.New("health monitor closed")
	}

	id := src.ID()
	ctx, cancel := context.WithCancel(m.ctx)
	entry := &monitoredSession{id: id, src: src, interval: interval, cancel: cancel}

	m.mu.Lock()
	if _, running := m.sessions[id]; running {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.sessions[id] = entry
	m.mu.Unlock()

	entry.unsubscribe = src.OnStateChange(func(s domain.StreamSession) {
		if s.Status == domain.SessionDisconnected {
			m.StopMonitoring(s.ID)
		}
	})

	// The session may have ended before the listener was in place.
	if !src.Snapshot().IsActive() {
		m.StopMonitoring(id)
		return domain.ErrSessionNotActive
	}

	m.wg.Add(1)
	go m.run(ctx, entry)

	m.logger.Infow("health monitoring started",
		"session_id", id,
		"interval", interval,
	)
	return nil
}

// StopMonitoring cancels the session's loop. Unknown or already stopped
// sessions are ignored. It does not wait for an in-flight tick to finish.
func (m *HealthMonitor) StopMonitoring(id domain.SessionID) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	m.sampler.Forget(id)

	m.logger.Infow("health monitoring stopped",
		"session_id", id,
	)
}

// IsMonitoring reports whether a loop is running for id.
func (m *HealthMonitor) IsMonitoring(id domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// Close stops every loop and waits for them to exit.
func (m *HealthMonitor) Close() {
	m.mu.Lock()
	ids := make([]domain.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopMonitoring(id)
	}
	m.cancel()
	m.wg.Wait()
}

func (m *HealthMonitor) run(ctx context.Context, e *monitoredSession) {
	defer m.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, e)

			// A tick that overran the interval leaves one tick buffered;
			// drop it so ticks never stack.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (m *HealthMonitor) tick(ctx context.Context, e *monitoredSession) {
	if ctx.Err() != nil {
		return
	}

	sample, err := m.sampler.Sample(ctx, e.src, e.last)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotActive) {
			m.StopMonitoring(e.id)
			return
		}
		m.logger.Warnw("health sample failed",
			"session_id", e.id,
			"error", err,
		)
		return
	}
	if ctx.Err() != nil {
		return
	}

	quality, alerts := m.classifier.Classify(*sample, e.last)
	sample.ConnectionQuality = quality
	e.last = sample

	disconnected := false
	for _, a := range alerts {
		if a.Condition == domain.ConditionStreamDisconnected {
			disconnected = true
		}
	}
	if disconnected {
		m.StopMonitoring(e.id)
	}

	m.publishStats(*sample)
	for _, a := range alerts {
		m.logger.Infow("health alert",
			"session_id", e.id,
			"severity", a.Severity,
			"condition", a.Condition,
			"message", a.Message,
		)
		m.publishAlert(a)
	}

	if disconnected {
		if err := e.src.Disconnect(context.WithoutCancel(ctx), "stream disconnected"); err != nil {
			m.logger.Warnw("failed to disconnect session",
				"session_id", e.id,
				"error", err,
			)
		}
	}
}

func (m *HealthMonitor) publishStats(s domain.StreamHealthStats) {
	m.obsMu.RLock()
	observers := m.statsObservers
	m.obsMu.RUnlock()

	for _, fn := range observers {
		m.safeCall(func() { fn(s) })
	}
}

func (m *HealthMonitor) publishAlert(a domain.StreamHealthAlert) {
	m.obsMu.RLock()
	observers := m.alertObservers
	m.obsMu.RUnlock()

	for _, fn := range observers {
		m.safeCall(func() { fn(a) })
	}
}

func (m *HealthMonitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("health observer panicked",
				"panic", r,
			)
		}
	}()
	fn()
}
