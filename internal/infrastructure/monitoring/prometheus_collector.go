package monitoring

import (
	"streamguard/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	sessionsActive prometheus.Gauge
	viewers        *prometheus.GaugeVec
	peakViewers    *prometheus.GaugeVec
	videoBitrate   *prometheus.GaugeVec
	audioBitrate   *prometheus.GaugeVec
	frameRate      *prometheus.GaugeVec
	packetLoss     *prometheus.GaugeVec
	droppedRatio   *prometheus.GaugeVec
	connection     *prometheus.GaugeVec

	// Counters
	alertsTotal      *prometheus.CounterVec
	degradedSamples  *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec

	// Histograms
	roundTripTime   prometheus.Histogram
	sessionDuration prometheus.Histogram
}

// NewPrometheusCollector registers the health metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamguard_sessions_active",
			Help: "Number of sessions currently holding a capture handle",
		}),

		viewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_viewers",
			Help: "Current viewers of a session",
		}, []string{"session_id"}),

		peakViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_peak_viewers",
			Help: "Peak viewers of a session",
		}, []string{"session_id"}),

		videoBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_video_bitrate_bps",
			Help: "Outbound video bitrate in bits per second",
		}, []string{"session_id"}),

		audioBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_audio_bitrate_bps",
			Help: "Outbound audio bitrate in bits per second",
		}, []string{"session_id"}),

		frameRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_frame_rate",
			Help: "Encoded video frames per second",
		}, []string{"session_id"}),

		packetLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_packet_loss_percent",
			Help: "Packet loss in percent",
		}, []string{"session_id"}),

		droppedRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_dropped_frame_ratio",
			Help: "Dropped frames over total frames",
		}, []string{"session_id"}),

		connection: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamguard_session_connection_quality",
			Help: "Connection quality tier (-1 unknown, 0 poor, 1 fair, 2 good, 3 excellent)",
		}, []string{"session_id"}),

		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamguard_alerts_total",
			Help: "Health alerts raised",
		}, []string{"severity", "condition"}),

		degradedSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamguard_degraded_samples_total",
			Help: "Samples produced without fresh stats",
		}, []string{"session_id"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamguard_session_transitions_total",
			Help: "Session state transitions",
		}, []string{"status"}),

		roundTripTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamguard_round_trip_time_seconds",
			Help:    "Sampled round-trip time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.4, 0.6, 1, 2},
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamguard_session_duration_seconds",
			Help:    "Time sessions spent active",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

// RecordStats is a HealthMonitor stats observer.
func (p *PrometheusCollector) RecordStats(s domain.StreamHealthStats) {
	id := string(s.SessionID)

	if s.Degraded {
		p.degradedSamples.WithLabelValues(id).Inc()
	} else {
		p.roundTripTime.Observe(s.Network.RoundTripTime.Seconds())
	}

	p.viewers.WithLabelValues(id).Set(float64(s.Viewers.Current))
	p.peakViewers.WithLabelValues(id).Set(float64(s.Viewers.Peak))
	p.videoBitrate.WithLabelValues(id).Set(float64(s.Video.Bitrate))
	p.audioBitrate.WithLabelValues(id).Set(float64(s.Audio.Bitrate))
	p.frameRate.WithLabelValues(id).Set(s.Video.FrameRate)
	p.packetLoss.WithLabelValues(id).Set(s.Network.PacketLoss)
	p.droppedRatio.WithLabelValues(id).Set(s.Video.DroppedRatio())
	p.connection.WithLabelValues(id).Set(qualityValue(s.ConnectionQuality))
}

// RecordAlert is a HealthMonitor alert observer.
func (p *PrometheusCollector) RecordAlert(a domain.StreamHealthAlert) {
	p.alertsTotal.WithLabelValues(string(a.Severity), string(a.Condition)).Inc()
}

// RecordSessionState tracks the active gauge and clears per-session series
// once a session ends.
func (p *PrometheusCollector) RecordSessionState(s domain.StreamSession) {
	p.transitionsTotal.WithLabelValues(string(s.Status)).Inc()

	switch s.Status {
	case domain.SessionActive:
		p.sessionsActive.Inc()
	case domain.SessionDisconnected:
		if s.StartedAt.IsZero() {
			return
		}
		p.sessionsActive.Dec()
		p.sessionDuration.Observe(s.Duration(s.EndedAt).Seconds())

		id := string(s.ID)
		for _, vec := range []*prometheus.GaugeVec{
			p.viewers, p.peakViewers, p.videoBitrate, p.audioBitrate,
			p.frameRate, p.packetLoss, p.droppedRatio, p.connection,
		} {
			vec.DeleteLabelValues(id)
		}
		p.degradedSamples.DeleteLabelValues(id)
	}
}

func qualityValue(q domain.ConnectionQuality) float64 {
	switch q {
	case domain.QualityExcellent:
		return 3
	case domain.QualityGood:
		return 2
	case domain.QualityFair:
		return 1
	case domain.QualityPoor:
		return 0
	default:
		return -1
	}
}
