package webrtcstats

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

type meterSample struct {
	at    time.Time
	bytes int
	frame bool
}

// FrameMeter derives frame rate, bitrate and dropped frames from the RTP
// packets of one track. A set marker bit ends a frame; a frame with a sequence gap counts
// as dropped.
type FrameMeter struct {
	window time.Duration
	now    func() time.Time

	mu            sync.Mutex
	started       bool
	lastSeq       uint16
	gapInFrame    bool
	totalFrames   int64
	droppedFrames int64
	packets       int64
	lostPackets   int64
	lastPacket    time.Time
	samples       []meterSample
}

type MeterSnapshot struct {
	FrameRate     float64
	Bitrate       int
	TotalFrames   int64
	DroppedFrames int64
	Packets       int64
	LostPackets   int64
	LastPacket    time.Time
}

func NewFrameMeter(window time.Duration) *FrameMeter {
	if window <= 0 {
		window = time.Second
	}
	return &FrameMeter{window: window, now: time.Now}
}

func (m *FrameMeter) Observe(p *rtp.Packet) {
	if p == nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		gap := p.SequenceNumber - m.lastSeq - 1
		// reordered or duplicate packets wrap to a huge gap; ignore them
		if gap > 0 && gap < 1<<15 {
			m.lostPackets += int64(gap)
			m.gapInFrame = true
		} else if gap >= 1<<15 {
			return
		}
	}
	m.started = true
	m.packets++
	m.lastSeq = p.SequenceNumber
	m.lastPacket = now

	if p.Marker {
		m.totalFrames++
		if m.gapInFrame {
			m.droppedFrames++
			m.gapInFrame = false
		}
	}
	m.samples = append(m.samples, meterSample{at: now, bytes: p.MarshalSize(), frame: p.Marker})
	m.pruneLocked(now)
}

func (m *FrameMeter) Snapshot() MeterSnapshot {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)

	var bytes, frames int
	for _, s := range m.samples {
		bytes += s.bytes
		if s.frame {
			frames++
		}
	}
	secs := m.window.Seconds()
	return MeterSnapshot{
		FrameRate:     float64(frames) / secs,
		Bitrate:       int(float64(bytes*8) / secs),
		TotalFrames:   m.totalFrames,
		DroppedFrames: m.droppedFrames,
		Packets:       m.packets,
		LostPackets:   m.lostPackets,
		LastPacket:    m.lastPacket,
	}
}

func (m *FrameMeter) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && !m.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
