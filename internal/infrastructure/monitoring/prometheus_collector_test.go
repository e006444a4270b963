package monitoring

import (
	"testing"
	"time"

	"streamguard/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_RecordStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordStats(domain.StreamHealthStats{
		SessionID:         "sess-1",
		Viewers:           domain.ViewerMetrics{Current: 4, Peak: 9},
		Video:             domain.VideoMetrics{Bitrate: 2_500_000, FrameRate: 30, DroppedFrames: 5, TotalFrames: 100},
		Network:           domain.NetworkMetrics{PacketLoss: 1.5, RoundTripTime: 80 * time.Millisecond},
		ConnectionQuality: domain.QualityGood,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.viewers.WithLabelValues("sess-1")))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.peakViewers.WithLabelValues("sess-1")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.packetLoss.WithLabelValues("sess-1")))
	assert.Equal(t, 0.05, testutil.ToFloat64(c.droppedRatio.WithLabelValues("sess-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connection.WithLabelValues("sess-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.roundTripTime))

	c.RecordStats(domain.StreamHealthStats{SessionID: "sess-1", Degraded: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.degradedSamples.WithLabelValues("sess-1")))
	assert.Equal(t, -1.0, testutil.ToFloat64(c.connection.WithLabelValues("sess-1")), "unknown quality")
}

func TestPrometheusCollector_AlertsAndSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordAlert(domain.StreamHealthAlert{Severity: domain.SeverityCritical, Condition: domain.ConditionPacketLoss})
	c.RecordAlert(domain.StreamHealthAlert{Severity: domain.SeverityCritical, Condition: domain.ConditionPacketLoss})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.alertsTotal.WithLabelValues("critical", "packet_loss")))

	start := time.Now()
	c.RecordSessionState(domain.StreamSession{ID: "sess-1", Status: domain.SessionActive, StartedAt: start})
	c.RecordStats(domain.StreamHealthStats{SessionID: "sess-1"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))

	c.RecordSessionState(domain.StreamSession{ID: "sess-1", Status: domain.SessionDisconnected, StartedAt: start, EndedAt: start.Add(time.Minute)})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 0, testutil.CollectAndCount(c.viewers))

	// A session that never went active does not touch the gauge.
	c.RecordSessionState(domain.StreamSession{ID: "sess-2", Status: domain.SessionDisconnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))
}
