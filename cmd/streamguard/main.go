package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamguard/internal/core/domain"
	"streamguard/internal/core/ports"
	"streamguard/internal/core/services"
	httphandlers "streamguard/internal/handlers/http"
	mediacapture "streamguard/internal/infrastructure/capture/mediadevices"
	"streamguard/internal/infrastructure/capture/virtual"
	"streamguard/internal/infrastructure/controlplane/memory"
	"streamguard/internal/infrastructure/distributed"
	"streamguard/internal/infrastructure/ingest"
	"streamguard/internal/infrastructure/middleware"
	"streamguard/internal/infrastructure/monitoring"
	"streamguard/internal/infrastructure/repositories"
	telemetry "streamguard/internal/infrastructure/signal"
	"streamguard/internal/infrastructure/stats/synthetic"
	"streamguard/internal/infrastructure/stats/webrtcstats"
	"streamguard/pkg/circuitbreaker"
	"streamguard/pkg/config"
	"streamguard/pkg/logger"
	"streamguard/pkg/retry"
	"streamguard/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthCheckInterval = 15 * time.Second

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("STREAMGUARD_CONFIG"),
		"configs/config.yaml",
		"/etc/streamguard/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err = config.Load(path)
		break
	}
	loadErr := err
	if cfg == nil {
		// Load without a file still applies env overrides
		if cfg, err = config.Load(""); err != nil {
			cfg = config.DefaultConfig()
		}
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadErr != nil {
		log.Warnw("failed to load config, using defaults", "error", loadErr)
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	sessionRepo := repoFactory.CreateSessionRepository()

	capture := newCaptureBackend(cfg, log)
	statsSource, webrtcSource := newStatsSource(cfg, log)

	controlPlane, err := memory.NewControlPlane(cfg.ControlPlane.PlaybackBaseURL, cfg.ControlPlane.IngestBaseURL, log)
	if err != nil {
		log.Fatalw("failed to create control plane", "error", err)
	}

	prober := services.NewCapabilityProber(capture, cfg.Capture.ProbeTimeout, log)
	registry := services.NewDeviceRegistry(capture, prober, cfg.Capture.CapabilitiesTTL, log)
	presets := services.NewDefaultPresetTable()
	negotiator := services.NewConstraintNegotiator(presets, log)

	classifier := services.NewClassifier(services.Thresholds{
		ExcellentPacketLoss:   cfg.Thresholds.ExcellentPacketLoss,
		ExcellentRTT:          cfg.Thresholds.ExcellentRTT,
		GoodPacketLoss:        cfg.Thresholds.GoodPacketLoss,
		GoodRTT:               cfg.Thresholds.GoodRTT,
		FairPacketLoss:        cfg.Thresholds.FairPacketLoss,
		FairRTT:               cfg.Thresholds.FairRTT,
		PacketLossWarning:     cfg.Thresholds.PacketLossWarning,
		PacketLossCritical:    cfg.Thresholds.PacketLossCritical,
		DroppedFrameRatioWarn: cfg.Thresholds.DroppedFrameRatioWarn,
		RoundTripTimeInfo:     cfg.Thresholds.RTTInfo,
	})

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Monitor.BreakerFailureThreshold
	if cfg.Monitor.BreakerResetTimeout > 0 {
		breakerCfg.Timeout = cfg.Monitor.BreakerResetTimeout
	}
	sampler := services.NewHealthSampler(statsSource, cfg.Monitor.StatsTimeout, breakerCfg, log)
	monitor := services.NewHealthMonitor(sampler, classifier, log)
	store := services.NewHealthStore(cfg.Monitor.AlertHistoryLimit)

	var adaptive *services.AdaptiveQualityService
	if cfg.Adaptive.Enabled {
		adaptiveCfg := services.DefaultAdaptiveConfig()
		adaptiveCfg.PoorSamplesBeforeDowngrade = cfg.Adaptive.PoorSamplesBeforeDowngrade
		adaptiveCfg.GoodSamplesBeforeUpgrade = cfg.Adaptive.GoodSamplesBeforeUpgrade
		adaptiveCfg.MinTimeBetweenSwitches = cfg.Adaptive.MinTimeBetweenSwitches
		adaptive = services.NewAdaptiveQualityService(adaptiveCfg, log)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Capture.AcquireAttempts
	retryCfg.InitialDelay = cfg.Capture.AcquireRetryDelay
	retryCfg.NonRetryableErrors = []error{
		domain.ErrPermissionDenied,
		domain.ErrNoViableConstraints,
		domain.ErrDeviceNotFound,
		domain.ErrInvalidArgument,
	}

	sessionService := services.NewSessionService(services.SessionServiceConfig{
		MonitorInterval: cfg.Monitor.Interval,
		AutoMonitor:     true,
		Retry:           retryCfg,
		EndedRetention:  cfg.Sessions.EndedRetention,
	}, services.SessionServiceDeps{
		ControlPlane: controlPlane,
		Repository:   sessionRepo,
		Capture:      capture,
		Registry:     registry,
		Negotiator:   negotiator,
		Presets:      presets,
		Monitor:      monitor,
		Store:        store,
		Adaptive:     adaptive,
		Logger:       log,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	hub := telemetry.NewTelemetryHub(telemetry.HubConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		StatsPerSecond: cfg.Signal.StatsFramesPerSecond,
	}, log)

	monitor.OnStatsUpdate(collector.RecordStats)
	monitor.OnStatsUpdate(hub.PublishStats)
	monitor.OnAlert(collector.RecordAlert)
	monitor.OnAlert(hub.PublishAlert)
	sessionService.OnSessionStateChange(collector.RecordSessionState)
	sessionService.OnSessionStateChange(hub.PublishSessionState)

	var publishers *ingest.Ingest
	if webrtcSource != nil {
		publishers = ingest.New(newIngestConfig(cfg), webrtcSource, sessionService, log)
		sessionService.OnSessionStateChange(publishers.HandleSessionState)
	}

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		bus = distributed.NewEventBus(client, instanceID, cfg.Redis.Channel, log)
		monitor.OnStatsUpdate(bus.PublishStats)
		monitor.OnAlert(bus.PublishAlert)
		sessionService.OnSessionStateChange(bus.PublishSessionState)
		log.Infow("event bus enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRepositoryCheck(sessionRepo, healthCheckInterval, 2*time.Second)
	healthChecker.AddCaptureCheck(capture, healthCheckInterval, cfg.Capture.ProbeTimeout)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, healthCheckInterval, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := router.Group("/api/v1")
	write := middleware.Noop()
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(middleware.NewTokenValidator(cfg.Auth.JWTSecret)))
		write = middleware.RequireRole(middleware.RoleOperator)
	}
	httphandlers.NewSessionHandler(sessionService).SetupRoutes(api, write)
	httphandlers.NewDeviceHandler(registry, presets).SetupRoutes(api, write)
	if publishers != nil {
		httphandlers.NewIngestHandler(publishers).SetupRoutes(api, write)
	}

	router.GET("/ws", gin.WrapF(hub.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.LastStatus()
		c.JSON(http.StatusOK, gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"clients":   hub.ClientCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if !healthChecker.IsReady(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"checks":    healthChecker.LastStatus().Checks,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecker.StartBackgroundChecks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting streamguard server",
			"address", cfg.Server.Address,
			"capture_backend", cfg.Capture.Backend,
			"stats_source", cfg.Stats.Source,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Capture.DevicePollInterval > 0 {
		g.Go(func() error {
			registry.Watch(gctx, cfg.Capture.DevicePollInterval)
			return nil
		})
	}

	if bus != nil {
		g.Go(func() error {
			err := bus.Subscribe(gctx, remoteEventHandler(hub))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus subscription ended", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down streamguard server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "error", closeErr)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server failed", "error", err)
	}
	stop()

	if publishers != nil {
		publishers.Close()
	}
	shutdown(log, cfg.Server.ShutdownTimeout, monitor, hub, registry, bus, repoFactory, tp, healthChecker)
	log.Info("streamguard server stopped")
}

func newCaptureBackend(cfg *config.Config, log *zap.SugaredLogger) ports.CaptureAPI {
	switch cfg.Capture.Backend {
	case "mediadevices":
		return mediacapture.New(log)
	default:
		return virtual.New(virtual.Config{
			RequiresActiveProbe: cfg.Capture.Virtual.RequiresActiveProbe,
			DenyPermission:      cfg.Capture.Virtual.DenyPermission,
			Devices:             cfg.Capture.Virtual.Devices,
		}, log)
	}
}

// newStatsSource also returns the webrtc source, which needs the ingest to
// receive media.
func newStatsSource(cfg *config.Config, log *zap.SugaredLogger) (ports.StatsSource, *webrtcstats.Source) {
	switch cfg.Stats.Source {
	case "webrtc":
		src := webrtcstats.NewSource(cfg.Stats.WebRTC.StaleAfter, log)
		return src, src
	default:
		s := cfg.Stats.Synthetic
		return synthetic.NewSource(synthetic.Profile{
			PacketLoss:    s.PacketLoss,
			RoundTripTime: s.RoundTripTime,
			Variation:     s.Variation,
			Viewers:       s.Viewers,
			Live:          true,
		}, s.Seed, log), nil
	}
}

func newIngestConfig(cfg *config.Config) ingest.Config {
	w := cfg.Stats.WebRTC
	out := ingest.Config{
		GatherTimeout:   w.GatherTimeout,
		IncludeLoopback: w.IncludeLoopbackCandidates,
	}
	out.PortRange.Min = w.PortRange.Min
	out.PortRange.Max = w.PortRange.Max
	for _, srv := range w.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return out
}

// remoteEventHandler relays events from other instances to local websocket
// subscribers. Metrics stay per instance.
func remoteEventHandler(hub *telemetry.TelemetryHub) func(*distributed.Event) error {
	return func(e *distributed.Event) error {
		switch e.Type {
		case distributed.EventHealthStats:
			s, err := e.DecodeStats()
			if err != nil {
				return err
			}
			hub.PublishStats(s)
		case distributed.EventHealthAlert:
			a, err := e.DecodeAlert()
			if err != nil {
				return err
			}
			hub.PublishAlert(a)
		case distributed.EventSessionState:
			s, err := e.DecodeSession()
			if err != nil {
				return err
			}
			hub.PublishSessionState(s)
		}
		return nil
	}
}

func shutdown(
	log *zap.SugaredLogger,
	timeout time.Duration,
	monitor *services.HealthMonitor,
	hub *telemetry.TelemetryHub,
	registry *services.DeviceRegistry,
	bus *distributed.EventBus,
	repoFactory *repositories.RepositoryFactory,
	tp *tracing.TracerProvider,
	healthChecker *monitoring.HealthChecker,
) {
	monitor.Close()
	hub.Close()
	registry.Close()
	healthChecker.Wait()

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}
}
