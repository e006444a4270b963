package services

import (
	"sync"

	"streamguard/internal/core/domain"
)

// HealthStore keeps the latest sample and a bounded alert history per session.
type HealthStore struct {
	mu     sync.RWMutex
	limit  int
	latest map[domain.SessionID]domain.StreamHealthStats
	alerts map[domain.SessionID][]domain.StreamHealthAlert
}

func NewHealthStore(alertLimit int) *HealthStore {
	if alertLimit <= 0 {
		alertLimit = 50
	}
	return &HealthStore{
		limit:  alertLimit,
		latest: make(map[domain.SessionID]domain.StreamHealthStats),
		alerts: make(map[domain.SessionID][]domain.StreamHealthAlert),
	}
}

func (h *HealthStore) RecordStats(s domain.StreamHealthStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[s.SessionID] = s
}

// RecordAlert appends a, dropping the oldest entry once the limit is hit.
func (h *HealthStore) RecordAlert(a domain.StreamHealthAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.alerts[a.SessionID], a)
	if len(list) > h.limit {
		list = append([]domain.StreamHealthAlert(nil), list[len(list)-h.limit:]...)
	}
	h.alerts[a.SessionID] = list
}

func (h *HealthStore) Latest(id domain.SessionID) (*domain.StreamHealthStats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.latest[id]
	if !ok {
		return nil, false
	}
	return &s, true
}

// Alerts returns the history for id, oldest first.
func (h *HealthStore) Alerts(id domain.SessionID) []domain.StreamHealthAlert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	src := h.alerts[id]
	out := make([]domain.StreamHealthAlert, len(src))
	copy(out, src)
	return out
}

func (h *HealthStore) Forget(id domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, id)
	delete(h.alerts, id)
}
