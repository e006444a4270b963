package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/pkg/retry"

	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBusy = errors.New("device busy")

// fakeCapture is an in-memory CaptureAPI recording every call.
type fakeCapture struct {
	mu sync.Mutex

	devices      []domain.CaptureDevice
	caps         map[string]*domain.DeviceCapabilities
	enumerateErr error
	capsErr      map[string]error
	acquireErr   map[string]error // keyed by device id
	activeProbe  bool
	failNext     int // transient errBusy failures before acquire succeeds

	seq      int
	open     map[string]*domain.CaptureHandle
	acquired []string
	released []string
	events   []string
	acquires int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		devices: []domain.CaptureDevice{
			{ID: "cam-back", Kind: domain.DeviceKindVideo, Label: "Back Camera"},
			{ID: "cam-front", Kind: domain.DeviceKindVideo, Label: "Front Camera"},
			{ID: "mic-1", Kind: domain.DeviceKindAudio, Label: "Built-in Microphone"},
		},
		caps: map[string]*domain.DeviceCapabilities{
			"cam-back": {
				Width:      &domain.IntRange{Min: 320, Max: 3840},
				Height:     &domain.IntRange{Min: 180, Max: 2160},
				FrameRate:  &domain.FloatRange{Min: 1, Max: 60},
				Zoom:       &domain.FloatRange{Min: 1, Max: 8},
				FocusModes: []string{"continuous", "manual"},
				Torch:      true,
			},
			"cam-front": {
				Width:     &domain.IntRange{Min: 320, Max: 1280},
				Height:    &domain.IntRange{Min: 180, Max: 720},
				FrameRate: &domain.FloatRange{Min: 1, Max: 30},
			},
			"mic-1": {
				SampleRate:       &domain.IntRange{Min: 8000, Max: 48000},
				ChannelCount:     &domain.IntRange{Min: 1, Max: 1},
				EchoCancellation: true,
				NoiseSuppression: true,
			},
		},
		capsErr:    map[string]error{},
		acquireErr: map[string]error{},
		open:       map[string]*domain.CaptureHandle{},
	}
}

func (f *fakeCapture) RequiresActiveProbe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeProbe
}

func (f *fakeCapture) EnumerateDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	out := make([]domain.CaptureDevice, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeCapture) GetCapabilities(ctx context.Context, id string) (*domain.DeviceCapabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.capsErr[id]; err != nil {
		return nil, err
	}
	f.events = append(f.events, "caps:"+id)
	c, ok := f.caps[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCapture) Acquire(ctx context.Context, audio domain.AudioConstraints, video domain.VideoConstraints) (*domain.CaptureHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++

	if f.failNext > 0 {
		f.failNext--
		return nil, errBusy
	}
	for _, id := range []string{audio.DeviceID, video.DeviceID} {
		if id == "" {
			continue
		}
		if err := f.acquireErr[id]; err != nil {
			return nil, err
		}
	}

	f.seq++
	h := &domain.CaptureHandle{
		ID:            fmt.Sprintf("h%d", f.seq),
		AudioDeviceID: audio.DeviceID,
		VideoDeviceID: video.DeviceID,
		Audio:         audio,
		Video:         video,
	}
	f.open[h.ID] = h
	f.acquired = append(f.acquired, h.ID)
	f.events = append(f.events, "acquire:"+h.ID)
	return h, nil
}

func (f *fakeCapture) Release(ctx context.Context, h *domain.CaptureHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[h.ID]; !ok {
		return fmt.Errorf("unknown handle %s", h.ID)
	}
	delete(f.open, h.ID)
	f.released = append(f.released, h.ID)
	f.events = append(f.events, "release:"+h.ID)
	return nil
}

func (f *fakeCapture) openHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeCapture) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeCapture) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeCapture) setAcquireErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErr[id] = err
}

// unplug drops a device from later enumerations.
func (f *fakeCapture) unplug(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.devices[:0]
	for _, d := range f.devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	f.devices = kept
}

func (f *fakeCapture) setEnumerateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

// fakeStats serves RawStats produced by next.
type fakeStats struct {
	mu        sync.Mutex
	next      func(n int) (*domain.RawStats, error)
	calls     int
	forgotten []string
}

func (f *fakeStats) Stats(ctx context.Context, h *domain.CaptureHandle) (*domain.RawStats, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	next := f.next
	f.mu.Unlock()
	return next(n)
}

func (f *fakeStats) Forget(handleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, handleID)
}

func (f *fakeStats) forgottenHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

func (f *fakeStats) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStats) set(next func(n int) (*domain.RawStats, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = next
}

func liveStats(loss float64, rtt time.Duration, viewers int) *domain.RawStats {
	return &domain.RawStats{
		Timestamp:      time.Now(),
		CurrentViewers: viewers,
		IsLive:         true,
		Video:          domain.VideoMetrics{Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2_500_000, Codec: "video/VP8", TotalFrames: 1000},
		Audio:          domain.AudioMetrics{Bitrate: 128_000, SampleRate: 48000, Codec: "audio/opus"},
		Network:        domain.NetworkMetrics{AvailableBandwidth: 5_000_000, PacketLoss: loss, RoundTripTime: rtt},
	}
}

// MockControlPlane is a testify mock of ports.ControlPlane.
type MockControlPlane struct {
	mock.Mock
}

func (m *MockControlPlane) CreateStream(ctx context.Context, title, description string) (*domain.StreamInfo, error) {
	args := m.Called(ctx, title, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StreamInfo), args.Error(1)
}

func (m *MockControlPlane) Start(ctx context.Context, id domain.StreamID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockControlPlane) End(ctx context.Context, id domain.StreamID) error {
	return m.Called(ctx, id).Error(0)
}

// memoryRepo is a minimal ports.SessionRepository.
type memoryRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.StreamSession
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: map[domain.SessionID]domain.StreamSession{}}
}

func (r *memoryRepo) Create(ctx context.Context, s *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &s, nil
}

func (r *memoryRepo) Update(ctx context.Context, s *domain.StreamSession) error {
	return r.Create(ctx, s)
}

func (r *memoryRepo) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *memoryRepo) ListActive(ctx context.Context) ([]*domain.StreamSession, error) {
	return nil, nil
}

var _ ports.SessionRepository = (*memoryRepo)(nil)

type fixture struct {
	capture  *fakeCapture
	presets  *PresetTable
	registry *DeviceRegistry
	deps     SessionControllerDeps
	logger   *zap.SugaredLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	capture := newFakeCapture()
	presets := NewDefaultPresetTable()
	registry := NewDeviceRegistry(capture, NewCapabilityProber(capture, time.Second, logger), 0, logger)
	t.Cleanup(registry.Close)

	return &fixture{
		capture:  capture,
		presets:  presets,
		registry: registry,
		logger:   logger,
		deps: SessionControllerDeps{
			Capture:    capture,
			Registry:   registry,
			Negotiator: NewConstraintNegotiator(presets, logger),
			Presets:    presets,
			Retry: retry.Config{
				Enabled:      true,
				MaxAttempts:  3,
				InitialDelay: time.Millisecond,
				MaxDelay:     2 * time.Millisecond,
				Multiplier:   2,
			},
			Logger: logger,
		},
	}
}

func (f *fixture) controller(t *testing.T, tier domain.QualityTier) *SessionController {
	t.Helper()
	ctrl, err := NewSessionController(f.deps, domain.StreamSession{
		ID:        domain.SessionID("sess-" + t.Name()),
		StreamID:  "stream-1",
		Tier:      tier,
		CreatedAt: time.Now(),
	}, domain.AudioConstraints{}, domain.VideoConstraints{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl
}
