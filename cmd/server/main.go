package main

/*****************************************************************************
 * main.go - entry point for the geolocation engine's server process.
 *
 * Responsible for:
 *   1. Structured logging (zap), level driven by config.
 *   2. Loading and validating configuration (config.Load).
 *   3. Wiring the event bus, storage, Redis occupancy mirror, MQTT
 *      publisher, and every core engine component (geofence, trip,
 *      adaptive, recovery, sync, coordinator).
 *   4. Building the admin/status HTTP+WebSocket server with Gin, rate
 *      limiting, Prometheus metrics, and panic recovery.
 *   5. Managing graceful shutdown on system signals.
 *****************************************************************************/

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/waypointlabs/geoengine/internal/adaptive"
	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/coordinator"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/geofence"
	"github.com/waypointlabs/geoengine/internal/handlers"
	"github.com/waypointlabs/geoengine/internal/mqttpub"
	"github.com/waypointlabs/geoengine/internal/occupancy"
	"github.com/waypointlabs/geoengine/internal/privacy"
	"github.com/waypointlabs/geoengine/internal/recovery"
	"github.com/waypointlabs/geoengine/internal/store"
	"github.com/waypointlabs/geoengine/internal/sync"
	"github.com/waypointlabs/geoengine/internal/trip"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	schemaName             = "geoengine"
)

// newLogger builds a zap logger at the level configured under Logging.Level,
// defaulting to info for an empty or unrecognized value. When st is non-nil,
// every log record is also mirrored, asynchronously and best-effort, into
// the logging backend's durable store via store.LogCore.
func newLogger(cfg config.LoggingConfig, st *store.Store) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if st != nil {
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, store.NewLogCore(st, zap.NewAtomicLevelAt(level)))
		}))
	}
	return logger, nil
}

// setupMetrics registers the default Go/process collectors on a private
// registry so /metrics never leaks the global default registry's content.
func setupMetrics() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return registry
}

// buildRateLimitMiddleware parses a "N/unit" spec (e.g. "100/minute") into a
// token-bucket Gin middleware.
func buildRateLimitMiddleware(limitSpec string, logger *zap.Logger) (gin.HandlerFunc, error) {
	var numericPart, unitPart string
	reached := false
	for _, r := range limitSpec {
		if r == '/' {
			reached = true
			continue
		}
		if !reached {
			numericPart += string(r)
		} else {
			unitPart += string(r)
		}
	}
	num, err := strconv.Atoi(numericPart)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric part in rate limit: %w", err)
	}

	var duration time.Duration
	switch unitPart {
	case "s", "sec", "second":
		duration = time.Second
	case "m", "min", "minute":
		duration = time.Minute
	case "h", "hour":
		duration = time.Hour
	default:
		return nil, fmt.Errorf("unsupported rate limit unit: %s", unitPart)
	}

	every := duration / time.Duration(num)
	limiter := rate.NewLimiter(rate.Every(every), num)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn("rate limit exceeded", zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}, nil
}

// setupRouter wires the admin/status and dashboard-stream endpoints.
func setupRouter(status *handlers.StatusHandler, ws *handlers.WebSocketHandler, registry *prometheus.Registry, rateLimit string, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if mw, err := buildRateLimitMiddleware(rateLimit, logger); err != nil {
		logger.Warn("failed to parse admin rate limit, skipping middleware", zap.Error(err))
	} else {
		router.Use(mw)
	}

	router.GET("/health", status.HandleHealth)
	router.GET("/state", status.HandleGetState)
	router.GET("/geofences", status.HandleListGeofences)
	router.GET("/trip", status.HandleGetTrip)
	router.GET("/queue", status.HandleGetQueue)
	router.GET("/logs", status.HandleGetLogs)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/ws", func(c *gin.Context) {
		if err := ws.HandleConnection(c.Writer, c.Request); err != nil {
			logger.Warn("dashboard websocket upgrade failed", zap.Error(err))
		}
	})

	return router
}

func gracefulShutdown(server *http.Server, c *coordinator.Coordinator, st *store.Store, mirror *occupancy.Mirror, pub *mqttpub.Publisher, ws *handlers.WebSocketHandler, logger *zap.Logger) {
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	_ = ws.Shutdown()

	if err := c.Stop(); err != nil {
		logger.Warn("coordinator stop error", zap.Error(err))
	}
	c.Close()

	if pub != nil {
		pub.Disconnect()
	}
	if mirror != nil {
		_ = mirror.Close()
	}
	if st != nil {
		st.Close()
	}

	logger.Sync()
	logger.Info("graceful shutdown completed")
}

// syncDispatchInterval is how often the sync pipeline gets an auto-sync
// trigger, independent of the manual Sync() and connectivity-regained
// triggers an embedder may fire through the pipeline directly.
const syncDispatchInterval = 15 * time.Second

// runSyncDispatchLoop periodically triggers a dispatch cycle. It assumes a
// wired connection (wifi, not metered, foreground) since this process has
// no platform connectivity/battery telemetry of its own to consult; an
// embedder with real telemetry would feed sync.PolicyInput from its own
// power/connectivity observers instead.
func runSyncDispatchLoop(ctx context.Context, pipeline *sync.Pipeline, logger *zap.Logger) {
	ticker := time.NewTicker(syncDispatchInterval)
	defer ticker.Stop()
	in := sync.PolicyInput{NetworkType: "wifi", BatteryPct: 100, Charging: true, Foreground: true}
	for {
		select {
		case <-ticker.C:
			if err := pipeline.Sync(ctx, in); err != nil {
				logger.Warn("sync dispatch cycle failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// maintenanceInterval governs how often store pruning runs against the
// persist config's age/count caps.
const maintenanceInterval = 1 * time.Hour

// runMaintenanceLoop enforces the persist config's max-age and max-count
// caps on LocationStore and QueueStore, and the logging config's max-age cap
// on the logging backend. The log table is pruned by age only; no row-count
// cap is applied to it.
func runMaintenanceLoop(ctx context.Context, st *store.Store, persist config.PersistConfig, logging config.LoggingConfig, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runMaintenanceOnce(ctx, st, persist, logging, logger)
		case <-ctx.Done():
			return
		}
	}
}

func runMaintenanceOnce(ctx context.Context, st *store.Store, persist config.PersistConfig, logging config.LoggingConfig, logger *zap.Logger) {
	if persist.MaxDaysToPersist > 0 {
		cutoff := time.Now().Add(-time.Duration(persist.MaxDaysToPersist) * 24 * time.Hour)
		if err := st.PruneLocations(ctx, cutoff); err != nil {
			logger.Warn("location prune by age failed", zap.Error(err))
		}
	}
	if persist.MaxRecordsToPersist > 0 {
		if err := st.PruneLocationsCount(ctx, persist.MaxRecordsToPersist); err != nil {
			logger.Warn("location prune by count failed", zap.Error(err))
		}
	}
	if persist.QueueMaxDays > 0 {
		cutoff := time.Now().Add(-time.Duration(persist.QueueMaxDays) * 24 * time.Hour)
		if err := st.PruneQueue(ctx, cutoff); err != nil {
			logger.Warn("queue prune by age failed", zap.Error(err))
		}
	}
	if persist.QueueMaxRecords > 0 {
		if err := st.PruneQueueCount(ctx, persist.QueueMaxRecords); err != nil {
			logger.Warn("queue prune by count failed", zap.Error(err))
		}
	}
	if logging.MaxDays > 0 {
		cutoff := time.Now().Add(-time.Duration(logging.MaxDays) * 24 * time.Hour)
		if err := st.PruneLogs(ctx, cutoff); err != nil {
			logger.Warn("log prune by age failed", zap.Error(err))
		}
	}
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	ctx := context.Background()
	dataStore, err := store.Open(ctx, cfg.Database, schemaName)
	if err != nil {
		panic(fmt.Sprintf("failed to open store: %v", err))
	}

	logger, err := newLogger(cfg.Logging, dataStore)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting geolocation engine")

	registry := setupMetrics()
	bus := eventbus.New()

	mirror := occupancy.New(logger, cfg.Redis)

	var publisher *mqttpub.Publisher
	if cfg.MQTT.BrokerURL != "" {
		publisher = mqttpub.New(logger, cfg.MQTT)
		if err := publisher.Connect(); err != nil {
			logger.Warn("mqtt connect failed, continuing without outward publish", zap.Error(err))
			publisher = nil
		} else {
			sub, _ := bus.Subscribe(eventbus.DefaultSubscriptionBuffer)
			go publisher.Run(sub)
		}
	}

	privacyFilter := privacy.New(dataStore, nil)
	if err := privacyFilter.Start(); err != nil {
		logger.Fatal("failed to restore persisted privacy zones", zap.Error(err))
	}

	geofenceEngine := geofence.New(logger, bus, dataStore, mirror, nil, geofence.Config{
		MaxMonitoredGeofences: cfg.Geofence.MaxMonitoredGeofences,
		InitialTrigger:        cfg.Geofence.InitialTrigger,
		BboxPrefilterAbove:    cfg.Geofence.BboxPrefilterAbove,
	})
	if err := geofenceEngine.Start(); err != nil {
		logger.Fatal("failed to start geofence engine", zap.Error(err))
	}

	tripEngine := trip.New(logger, bus, dataStore, trip.Config{
		StartOnMoving:                 cfg.Trip.StartOnMoving,
		StartDistanceM:                cfg.Trip.StartDistanceM,
		StartSpeedKph:                 cfg.Trip.StartSpeedKph,
		StationarySpeedKph:            cfg.Trip.StationarySpeedKph,
		UpdateIntervalSeconds:         cfg.Trip.UpdateIntervalSeconds,
		DwellMinutes:                  cfg.Trip.DwellMinutes,
		RouteDeviationThresholdM:      cfg.Trip.RouteDeviationThresholdM,
		RouteDeviationCooldownSeconds: cfg.Trip.RouteDeviationCooldownSeconds,
		StopOnStationary:              cfg.Trip.StopOnStationary,
		StopTimeoutMinutes:            cfg.Trip.StopTimeoutMinutes,
	})

	adaptiveController := adaptive.New(cfg.Adaptive, adaptive.TargetConfig{
		DesiredAccuracy: cfg.Motion.DesiredAccuracy,
		GPSEnabled:      true,
	})
	recoveryManager := recovery.New(cfg.Recovery)
	syncPipeline := sync.New(logger, bus, dataStore, mirror, cfg.Sync)

	trackingCoordinator := coordinator.New(coordinator.Dependencies{
		Logger:    logger,
		Bus:       bus,
		Geofences: geofenceEngine,
		Trips:     tripEngine,
		Privacy:   privacyFilter,
		Adaptive:  adaptiveController,
		Recovery:  recoveryManager,
		Store:     dataStore,
		Sync:      syncPipeline,
	})
	if err := trackingCoordinator.Ready(cfg); err != nil {
		logger.Fatal("coordinator rejected configuration", zap.Error(err))
	}
	if err := trackingCoordinator.Start(); err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}

	maintCtx, maintCancel := context.WithCancel(context.Background())
	defer maintCancel()
	go runSyncDispatchLoop(maintCtx, syncPipeline, logger)
	go runMaintenanceLoop(maintCtx, dataStore, cfg.Persist, cfg.Logging, logger)

	wsCtx, wsCancel := context.WithCancel(context.Background())
	defer wsCancel()
	wsHandler := handlers.NewWebSocketHandler(bus, logger, wsCtx)
	statusHandler := handlers.NewStatusHandler(trackingCoordinator, geofenceEngine, tripEngine, syncPipeline, dataStore, logger)

	router := setupRouter(statusHandler, wsHandler, registry, cfg.Admin.RateLimit, logger)

	addr := cfg.Admin.ListenAddr
	if addr == "" {
		addr = config.DefaultAdminListenAddr
	}
	server := &http.Server{Addr: addr, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("admin http server listening", zap.String("address", addr))
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal("http server listen error", zap.Error(srvErr))
		}
	}()

	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, trackingCoordinator, dataStore, mirror, publisher, wsHandler, logger)
}
