package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceLostReason ends sessions whose capture device disappeared.
const DeviceLostReason = "device lost"

type SessionServiceConfig struct {
	MonitorInterval time.Duration
	AutoMonitor     bool
	Retry           retry.Config
	// EndedRetention is how long a disconnected session stays in memory with
	// its health history; afterwards only the repository serves it.
	EndedRetention time.Duration
}

// sessionService wires controllers to the control plane, the repository, the
// health monitor and the adaptive quality loop.
type sessionService struct {
	cfg          SessionServiceConfig
	controlPlane ports.ControlPlane
	repo         ports.SessionRepository
	deps         SessionControllerDeps
	monitor      *HealthMonitor
	store        *HealthStore
	adaptive     *AdaptiveQualityService
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu          sync.RWMutex
	controllers map[domain.SessionID]*SessionController

	stateMu        sync.RWMutex
	stateObservers []func(domain.StreamSession)
}

// SessionServiceDeps lists the collaborators of NewSessionService. Adaptive may be nil.
type SessionServiceDeps struct {
	ControlPlane ports.ControlPlane
	Repository   ports.SessionRepository
	Capture      ports.CaptureAPI
	Registry     *DeviceRegistry
	Negotiator   *ConstraintNegotiator
	Presets      *PresetTable
	Monitor      *HealthMonitor
	Store        *HealthStore
	Adaptive     *AdaptiveQualityService
	Logger       *zap.SugaredLogger
}

// SessionService is ports.SessionService plus hooks used by the process wiring.
type SessionService interface {
	ports.SessionService
	OnSessionStateChange(fn func(domain.StreamSession))
}

func NewSessionService(cfg SessionServiceConfig, deps SessionServiceDeps) SessionService {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.EndedRetention <= 0 {
		cfg.EndedRetention = 10 * time.Minute
	}
	s := &sessionService{
		cfg:          cfg,
		controlPlane: deps.ControlPlane,
		repo:         deps.Repository,
		deps: SessionControllerDeps{
			Capture:    deps.Capture,
			Registry:   deps.Registry,
			Negotiator: deps.Negotiator,
			Presets:    deps.Presets,
			Retry:      cfg.Retry,
			Logger:     deps.Logger,
		},
		monitor:     deps.Monitor,
		store:       deps.Store,
		adaptive:    deps.Adaptive,
		logger:      deps.Logger,
		now:         time.Now,
		controllers: make(map[domain.SessionID]*SessionController),
	}

	s.monitor.OnStatsUpdate(s.store.RecordStats)
	s.monitor.OnAlert(s.store.RecordAlert)
	if s.adaptive != nil {
		s.monitor.OnStatsUpdate(s.adaptive.HandleStats)
	}
	if deps.Registry != nil {
		deps.Registry.OnDevicesRemoved(s.handleDevicesRemoved)
	}
	return s
}

// handleDevicesRemoved disconnects every active session whose capture handle
// holds a device that is no longer enumerated.
func (s *sessionService) handleDevicesRemoved(removed []domain.CaptureDevice) {
	s.mu.RLock()
	var lost []*SessionController
	for _, ctrl := range s.controllers {
		for _, d := range removed {
			if ctrl.UsesDevice(d.ID) {
				lost = append(lost, ctrl)
				break
			}
		}
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ctrl := range lost {
		s.logger.Warnw("capture device lost",
			"session_id", ctrl.ID(),
		)
		_ = ctrl.Disconnect(ctx, DeviceLostReason)
	}
}

// OnSessionStateChange registers fn for every session transition.
func (s *sessionService) OnSessionStateChange(fn func(domain.StreamSession)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.stateObservers = append(s.stateObservers, fn)
}

func (s *sessionService) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.StreamSession, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	tier := req.Tier
	if tier == "" {
		tier = domain.TierMedium
	}
	if _, ok := s.deps.Presets.Lookup(tier); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}

	info, err := s.controlPlane.CreateStream(ctx, title, req.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	session := domain.StreamSession{
		ID:        domain.SessionID(uuid.NewString()),
		StreamID:  info.ID,
		Title:     title,
		Status:    domain.SessionIdle,
		Tier:      tier,
		CreatedAt: time.Now(),
	}

	ctrl, err := NewSessionController(s.deps, session, req.Audio, req.Video)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, &session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	ctrl.OnStateChange(s.handleStateChange)

	s.pruneEnded()
	s.mu.Lock()
	s.controllers[session.ID] = ctrl
	s.mu.Unlock()

	s.logger.Infow("session created",
		"session_id", session.ID,
		"stream_id", session.StreamID,
		"tier", tier,
	)
	snapshot := ctrl.Snapshot()
	return &snapshot, nil
}

func (s *sessionService) handleStateChange(session domain.StreamSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.Update(ctx, &session); err != nil {
		s.logger.Warnw("failed to persist session state",
			"session_id", session.ID,
			"status", session.Status,
			"error", err,
		)
	}

	if session.Status == domain.SessionDisconnected {
		if s.adaptive != nil {
			s.adaptive.Forget(session.ID)
		}
		if err := s.controlPlane.End(ctx, session.StreamID); err != nil {
			s.logger.Warnw("failed to end stream",
				"session_id", session.ID,
				"stream_id", session.StreamID,
				"error", err,
			)
		}
	}

	s.stateMu.RLock()
	observers := s.stateObservers
	s.stateMu.RUnlock()
	for _, fn := range observers {
		fn(session)
	}
}

// pruneEnded drops controllers and health history of sessions that ended
// more than EndedRetention ago.
func (s *sessionService) pruneEnded() {
	cutoff := s.now().Add(-s.cfg.EndedRetention)

	s.mu.Lock()
	var pruned []domain.SessionID
	for id, ctrl := range s.controllers {
		snapshot := ctrl.Snapshot()
		if snapshot.Status == domain.SessionDisconnected && snapshot.EndedAt.Before(cutoff) {
			delete(s.controllers, id)
			pruned = append(pruned, id)
		}
	}
	s.mu.Unlock()

	for _, id := range pruned {
		s.store.Forget(id)
	}
	if len(pruned) > 0 {
		s.logger.Debugw("pruned ended sessions",
			"count", len(pruned),
		)
	}
}

func (s *sessionService) controller(id domain.SessionID) (*SessionController, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctrl, ok := s.controllers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return ctrl, nil
}

func (s *sessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	if ctrl, err := s.controller(id); err == nil {
		snapshot := ctrl.Snapshot()
		return &snapshot, nil
	}
	// Records of sessions owned by an earlier process survive in the repository.
	return s.repo.GetByID(ctx, id)
}

func (s *sessionService) ListSessions(ctx context.Context) ([]*domain.StreamSession, error) {
	s.pruneEnded()

	s.mu.RLock()
	out := make([]*domain.StreamSession, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		snapshot := ctrl.Snapshot()
		out = append(out, &snapshot)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StartSession goes active, signals the control plane and starts monitoring.
func (s *sessionService) StartSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}

	wasIdle := ctrl.Snapshot().Status == domain.SessionIdle
	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}
	snapshot := ctrl.Snapshot()
	if !wasIdle || !snapshot.IsActive() {
		return &snapshot, nil
	}

	if err := s.controlPlane.Start(ctx, snapshot.StreamID); err != nil {
		_ = ctrl.Disconnect(ctx, "control plane start failed")
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}

	if s.adaptive != nil {
		s.adaptive.Track(id, persistingSwitcher{ctrl: ctrl, svc: s})
	}
	if s.cfg.AutoMonitor {
		if err := s.monitor.StartMonitoring(ctrl, s.cfg.MonitorInterval); err != nil {
			s.logger.Warnw("failed to start health monitoring",
				"session_id", id,
				"error", err,
			)
		}
	}

	snapshot = ctrl.Snapshot()
	return &snapshot, nil
}

// StopSession is idempotent; stopping a terminal session returns its record.
func (s *sessionService) StopSession(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Stop(ctx); err != nil {
		return nil, err
	}
	snapshot := ctrl.Snapshot()
	return &snapshot, nil
}

func (s *sessionService) SwitchDevice(ctx context.Context, id domain.SessionID, kind domain.DeviceKind, deviceID string) (*ports.EffectiveConstraints, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	out, err := ctrl.SwitchDevice(ctx, kind, deviceID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sessionService) ApplyQualityPreset(ctx context.Context, id domain.SessionID, tier domain.QualityTier) (*ports.EffectiveConstraints, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	out, err := ctrl.ApplyQualityPreset(ctx, tier)
	if err != nil {
		return nil, err
	}
	s.persist(ctx, ctrl)
	return &out, nil
}

func (s *sessionService) ApplyConstraints(ctx context.Context, id domain.SessionID, audio domain.AudioConstraints, video domain.VideoConstraints) (*ports.EffectiveConstraints, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	out, err := ctrl.ApplyConstraints(ctx, audio, video)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sessionService) Constraints(ctx context.Context, id domain.SessionID) (*ports.EffectiveConstraints, error) {
	ctrl, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	out := ctrl.Constraints()
	return &out, nil
}

func (s *sessionService) StartMonitoring(ctx context.Context, id domain.SessionID, interval time.Duration) error {
	ctrl, err := s.controller(id)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = s.cfg.MonitorInterval
	}
	return s.monitor.StartMonitoring(ctrl, interval)
}

func (s *sessionService) StopMonitoring(id domain.SessionID) {
	s.monitor.StopMonitoring(id)
}

func (s *sessionService) Health(id domain.SessionID) (*domain.StreamHealthStats, bool) {
	return s.store.Latest(id)
}

func (s *sessionService) Alerts(id domain.SessionID) []domain.StreamHealthAlert {
	return s.store.Alerts(id)
}

// persist records tier changes, which are not state transitions.
func (s *sessionService) persist(ctx context.Context, ctrl *SessionController) {
	snapshot := ctrl.Snapshot()
	if err := s.repo.Update(ctx, &snapshot); err != nil {
		s.logger.Warnw("failed to persist session",
			"session_id", snapshot.ID,
			"error", err,
		)
	}
}

// persistingSwitcher records adaptive tier changes in the repository.
type persistingSwitcher struct {
	ctrl *SessionController
	svc  *sessionService
}

func (p persistingSwitcher) Downgrade(ctx context.Context) (domain.QualityTier, error) {
	tier, err := p.ctrl.Downgrade(ctx)
	if err == nil {
		p.svc.persist(ctx, p.ctrl)
	}
	return tier, err
}

func (p persistingSwitcher) Upgrade(ctx context.Context) (domain.QualityTier, error) {
	tier, err := p.ctrl.Upgrade(ctx)
	if err == nil {
		p.svc.persist(ctx, p.ctrl)
	}
	return tier, err
}
