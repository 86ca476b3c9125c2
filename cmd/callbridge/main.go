package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcall/internal/core/services"
	httphandlers "chatcall/internal/handlers/http"
	"chatcall/internal/infrastructure/middleware"
	"chatcall/internal/infrastructure/monitoring"
	repositories "chatcall/internal/infrastructure/repositories"
	callsignal "chatcall/internal/infrastructure/signal"
	webrtcinfra "chatcall/internal/infrastructure/webrtc"
	"chatcall/pkg/config"
	"chatcall/pkg/logger"
	"chatcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("CHATCALL_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.Must(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	transport := repoFactory.CallTransport()
	contacts := repoFactory.ContactStore()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	metricsService := services.NewMetricsService(collector)
	historyService := services.NewHistoryService(transport, contacts, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	mediaFactory := webrtcinfra.NewSessionFactoryFromConfig(cfg, log)

	bridgeConfig := callsignal.BridgeConfig{
		PingInterval:   cfg.Bridge.PingInterval,
		PongTimeout:    cfg.Bridge.PongTimeout,
		WriteTimeout:   cfg.Bridge.WriteTimeout,
		SendBuffer:     cfg.Bridge.SendBuffer,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		Call: services.CallControllerConfig{
			RingTimeout: cfg.Call.RingTimeout,
			OpTimeout:   cfg.Call.OpTimeout,
		},
	}
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		bridgeConfig.MessagesPerSecond = ws.MessagesPerSecond
		bridgeConfig.Burst = ws.Burst
		bridgeConfig.ConnectionsPerMinute = ws.ConnectionsPerMinute
		bridgeConfig.MaxConcurrent = ws.MaxConcurrent
	}
	bridge := callsignal.NewCallBridge(transport, mediaFactory, contacts, metricsService, authService, bridgeConfig, log)
	bridge.SetBridgeMetrics(collector)

	health := monitoring.NewHealthChecker()
	health.AddTransportCheck(transport, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.AddContactsCheck(contacts, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewConcurrencyLimitMiddleware(cfg),
	)

	public := router.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewAuthHandler(authService, contacts, log).SetupRoutes(public)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService), middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewCallHandler(historyService, contacts, metricsService, cfg.Call.HistoryLimit).SetupRoutes(api)

	router.GET("/ws", gin.WrapF(bridge.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": bridge.ConnectionCount(),
			"checks":      health.LastResults(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer checkCancel()

		status := health.CheckAll(checkCtx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
			"redis":     repoFactory.UsingRedis(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: it would also cut off upgraded bridge connections
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting call bridge", "address", cfg.Server.Address, "redis", repoFactory.UsingRedis())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	bridge.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	cancel()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	log.Info("call bridge stopped")
}
