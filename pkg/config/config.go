package config

import (
	"fmt"
	"os"
	"time"

	"streamguard/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type VirtualDevice struct {
	ID      string            `yaml:"id"`
	Kind    domain.DeviceKind `yaml:"kind"`
	Label   string            `yaml:"label"`
	GroupID string            `yaml:"group_id,omitempty"`

	Width      *domain.IntRange   `yaml:"width,omitempty"`
	Height     *domain.IntRange   `yaml:"height,omitempty"`
	FrameRate  *domain.FloatRange `yaml:"frame_rate,omitempty"`
	Zoom       *domain.FloatRange `yaml:"zoom,omitempty"`
	FocusModes []string           `yaml:"focus_modes,omitempty"`
	Torch      bool               `yaml:"torch"`

	SampleRate       *domain.IntRange `yaml:"sample_rate,omitempty"`
	ChannelCount     *domain.IntRange `yaml:"channel_count,omitempty"`
	EchoCancellation bool             `yaml:"echo_cancellation"`
	NoiseSuppression bool             `yaml:"noise_suppression"`
	AutoGainControl  bool             `yaml:"auto_gain_control"`

	FailAcquire bool `yaml:"fail_acquire"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval         time.Duration `yaml:"ping_interval"`
		PongTimeout          time.Duration `yaml:"pong_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		SendBuffer           int           `yaml:"send_buffer"`
		StatsFramesPerSecond float64       `yaml:"stats_frames_per_second"`
	} `yaml:"signal"`

	Capture struct {
		Backend           string        `yaml:"backend"` // virtual | mediadevices
		AcquireAttempts   int           `yaml:"acquire_attempts"`
		AcquireRetryDelay time.Duration `yaml:"acquire_retry_delay"`
		ProbeTimeout      time.Duration `yaml:"probe_timeout"`
		CapabilitiesTTL   time.Duration `yaml:"capabilities_ttl"`
		// DevicePollInterval re-enumerates devices so unplugged ones end their
		// sessions; zero disables polling.
		DevicePollInterval time.Duration `yaml:"device_poll_interval"`

		Virtual struct {
			RequiresActiveProbe bool            `yaml:"requires_active_probe"`
			DenyPermission      bool            `yaml:"deny_permission"`
			Devices             []VirtualDevice `yaml:"devices"`
		} `yaml:"virtual"`
	} `yaml:"capture"`

	Stats struct {
		Source string `yaml:"source"` // synthetic | webrtc

		Synthetic struct {
			PacketLoss    float64       `yaml:"packet_loss"`
			RoundTripTime time.Duration `yaml:"round_trip_time"`
			Variation     float64       `yaml:"variation"`
			Viewers       int           `yaml:"viewers"`
			Seed          int64         `yaml:"seed"`
		} `yaml:"synthetic"`

		WebRTC struct {
			// StaleAfter bounds packet recency for handles without a PeerConnection.
			StaleAfter time.Duration `yaml:"stale_after"`
			ICEServers []struct {
				URLs       []string `yaml:"urls"`
				Username   string   `yaml:"username,omitempty"`
				Credential string   `yaml:"credential,omitempty"`
			} `yaml:"ice_servers"`
			PortRange struct {
				Min uint16 `yaml:"min"`
				Max uint16 `yaml:"max"`
			} `yaml:"port_range"`
			GatherTimeout             time.Duration `yaml:"gather_timeout"`
			IncludeLoopbackCandidates bool          `yaml:"include_loopback_candidates"`
		} `yaml:"webrtc"`
	} `yaml:"stats"`

	Sessions struct {
		// EndedRetention keeps disconnected sessions in memory before only the
		// repository serves them.
		EndedRetention time.Duration `yaml:"ended_retention"`
	} `yaml:"sessions"`

	Monitor struct {
		Interval                time.Duration `yaml:"interval"`
		StatsTimeout            time.Duration `yaml:"stats_timeout"`
		AlertHistoryLimit       int           `yaml:"alert_history_limit"`
		BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
		BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`
	} `yaml:"monitor"`

	Thresholds struct {
		ExcellentPacketLoss   float64       `yaml:"excellent_packet_loss"`
		ExcellentRTT          time.Duration `yaml:"excellent_rtt"`
		GoodPacketLoss        float64       `yaml:"good_packet_loss"`
		GoodRTT               time.Duration `yaml:"good_rtt"`
		FairPacketLoss        float64       `yaml:"fair_packet_loss"`
		FairRTT               time.Duration `yaml:"fair_rtt"`
		PacketLossWarning     float64       `yaml:"packet_loss_warning"`
		PacketLossCritical    float64       `yaml:"packet_loss_critical"`
		DroppedFrameRatioWarn float64       `yaml:"dropped_frame_ratio_warning"`
		RTTInfo               time.Duration `yaml:"rtt_info"`
	} `yaml:"thresholds"`

	Adaptive struct {
		Enabled                    bool          `yaml:"enabled"`
		PoorSamplesBeforeDowngrade int           `yaml:"poor_samples_before_downgrade"`
		GoodSamplesBeforeUpgrade   int           `yaml:"good_samples_before_upgrade"`
		MinTimeBetweenSwitches     time.Duration `yaml:"min_time_between_switches"`
	} `yaml:"adaptive"`

	ControlPlane struct {
		PlaybackBaseURL string `yaml:"playback_base_url"`
		IngestBaseURL   string `yaml:"ingest_base_url"`
	} `yaml:"control_plane"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	switch c.Capture.Backend {
	case "virtual", "mediadevices":
	default:
		return fmt.Errorf("capture.backend must be virtual or mediadevices, got %q", c.Capture.Backend)
	}
	if c.Capture.AcquireAttempts < 1 {
		return fmt.Errorf("capture.acquire_attempts must be >= 1")
	}
	if c.Capture.ProbeTimeout <= 0 {
		return fmt.Errorf("capture.probe_timeout must be > 0")
	}
	for i, d := range c.Capture.Virtual.Devices {
		if d.ID == "" {
			return fmt.Errorf("capture.virtual.devices[%d].id must not be empty", i)
		}
		if !d.Kind.Valid() {
			return fmt.Errorf("capture.virtual.devices[%d].kind %q is invalid", i, d.Kind)
		}
	}

	if c.Capture.DevicePollInterval < 0 {
		return fmt.Errorf("capture.device_poll_interval must be >= 0")
	}

	switch c.Stats.Source {
	case "synthetic", "webrtc":
	default:
		return fmt.Errorf("stats.source must be synthetic or webrtc, got %q", c.Stats.Source)
	}
	if pr := c.Stats.WebRTC.PortRange; pr.Min > 0 || pr.Max > 0 {
		if pr.Min == 0 || pr.Max == 0 {
			return fmt.Errorf("stats.webrtc.port_range.min and max must both be set when one is set")
		}
		if pr.Min >= pr.Max {
			return fmt.Errorf("stats.webrtc.port_range.min must be < max")
		}
	}
	for i, srv := range c.Stats.WebRTC.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("stats.webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Sessions.EndedRetention < 0 {
		return fmt.Errorf("sessions.ended_retention must be >= 0")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Monitor.StatsTimeout <= 0 || c.Monitor.StatsTimeout > c.Monitor.Interval {
		return fmt.Errorf("monitor.stats_timeout must be > 0 and <= monitor.interval")
	}
	if c.Monitor.AlertHistoryLimit <= 0 {
		return fmt.Errorf("monitor.alert_history_limit must be > 0")
	}
	if c.Monitor.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("monitor.breaker_failure_threshold must be > 0")
	}

	t := c.Thresholds
	if !(t.ExcellentPacketLoss <= t.GoodPacketLoss && t.GoodPacketLoss <= t.FairPacketLoss) {
		return fmt.Errorf("thresholds: packet loss bounds must be excellent <= good <= fair")
	}
	if !(t.ExcellentRTT <= t.GoodRTT && t.GoodRTT <= t.FairRTT) {
		return fmt.Errorf("thresholds: rtt bounds must be excellent <= good <= fair")
	}
	if t.PacketLossWarning >= t.PacketLossCritical {
		return fmt.Errorf("thresholds.packet_loss_warning must be < packet_loss_critical")
	}
	if t.DroppedFrameRatioWarn <= 0 || t.DroppedFrameRatioWarn >= 1 {
		return fmt.Errorf("thresholds.dropped_frame_ratio_warning must be in (0, 1)")
	}

	if c.Adaptive.Enabled {
		if c.Adaptive.PoorSamplesBeforeDowngrade < 1 || c.Adaptive.GoodSamplesBeforeUpgrade < 1 {
			return fmt.Errorf("adaptive sample counts must be >= 1")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 32
	cfg.Signal.StatsFramesPerSecond = 4

	cfg.Capture.Backend = "virtual"
	cfg.Capture.AcquireAttempts = 3
	cfg.Capture.AcquireRetryDelay = 200 * time.Millisecond
	cfg.Capture.ProbeTimeout = 3 * time.Second
	cfg.Capture.CapabilitiesTTL = 5 * time.Minute
	cfg.Capture.DevicePollInterval = 5 * time.Second
	cfg.Capture.Virtual.Devices = defaultVirtualDevices()

	cfg.Stats.Source = "synthetic"
	cfg.Stats.Synthetic.PacketLoss = 0.5
	cfg.Stats.Synthetic.RoundTripTime = 60 * time.Millisecond
	cfg.Stats.Synthetic.Variation = 0.2
	cfg.Stats.Synthetic.Viewers = 25
	cfg.Stats.WebRTC.StaleAfter = 3 * time.Second
	cfg.Stats.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Sessions.EndedRetention = 10 * time.Minute

	cfg.Monitor.Interval = 2 * time.Second
	cfg.Monitor.StatsTimeout = 1 * time.Second
	cfg.Monitor.AlertHistoryLimit = 50
	cfg.Monitor.BreakerFailureThreshold = 5
	cfg.Monitor.BreakerResetTimeout = 10 * time.Second

	cfg.Thresholds.ExcellentPacketLoss = 1
	cfg.Thresholds.ExcellentRTT = 100 * time.Millisecond
	cfg.Thresholds.GoodPacketLoss = 2
	cfg.Thresholds.GoodRTT = 200 * time.Millisecond
	cfg.Thresholds.FairPacketLoss = 5
	cfg.Thresholds.FairRTT = 400 * time.Millisecond
	cfg.Thresholds.PacketLossWarning = 2
	cfg.Thresholds.PacketLossCritical = 5
	cfg.Thresholds.DroppedFrameRatioWarn = 0.02
	cfg.Thresholds.RTTInfo = 300 * time.Millisecond

	cfg.Adaptive.Enabled = true
	cfg.Adaptive.PoorSamplesBeforeDowngrade = 3
	cfg.Adaptive.GoodSamplesBeforeUpgrade = 10
	cfg.Adaptive.MinTimeBetweenSwitches = 10 * time.Second

	cfg.ControlPlane.PlaybackBaseURL = "https://play.local/live"
	cfg.ControlPlane.IngestBaseURL = "rtmp://ingest.local/live"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "streamguard:events"

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

func defaultVirtualDevices() []VirtualDevice {
	return []VirtualDevice{
		{
			ID:         "virtual-cam-back",
			Kind:       domain.DeviceKindVideo,
			Label:      "Back Camera",
			Width:      &domain.IntRange{Min: 320, Max: 3840},
			Height:     &domain.IntRange{Min: 180, Max: 2160},
			FrameRate:  &domain.FloatRange{Min: 1, Max: 60},
			Zoom:       &domain.FloatRange{Min: 1, Max: 8, Step: 0.1},
			FocusModes: []string{"continuous", "manual"},
			Torch:      true,
		},
		{
			ID:         "virtual-cam-front",
			Kind:       domain.DeviceKindVideo,
			Label:      "Front Camera",
			Width:      &domain.IntRange{Min: 320, Max: 1920},
			Height:     &domain.IntRange{Min: 180, Max: 1080},
			FrameRate:  &domain.FloatRange{Min: 1, Max: 30},
			FocusModes: []string{"continuous"},
		},
		{
			ID:               "virtual-mic",
			Kind:             domain.DeviceKindAudio,
			Label:            "Built-in Microphone",
			SampleRate:       &domain.IntRange{Min: 8000, Max: 48000},
			ChannelCount:     &domain.IntRange{Min: 1, Max: 2},
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("STREAMGUARD_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("STREAMGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if backend := os.Getenv("STREAMGUARD_CAPTURE_BACKEND"); backend != "" {
		c.Capture.Backend = backend
	}
	if secret := os.Getenv("STREAMGUARD_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("STREAMGUARD_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
