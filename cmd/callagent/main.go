package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/services"
	"chatcall/internal/infrastructure/monitoring"
	repositories "chatcall/internal/infrastructure/repositories"
	webrtcinfra "chatcall/internal/infrastructure/webrtc"
	"chatcall/pkg/config"
	"chatcall/pkg/logger"
	"chatcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// callagent registers as a single user and answers (or declines) every call
// it receives. It is a scriptable peer for exercising the call bridge.
func main() {
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
	log := zapLogger.Sugar().With("agent", cfg.Agent.UserID)
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-agent",
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
	if !repoFactory.UsingRedis() {
		log.Warn("agent is using in-memory signaling; it can only be reached from inside this process")
	}
	transport := repoFactory.CallTransport()
	contacts := repoFactory.ContactStore()

	self := domain.Contact{
		UserID:      domain.UserID(cfg.Agent.UserID),
		DisplayName: cfg.Agent.DisplayName,
	}
	if err := contacts.Put(ctx, self); err != nil {
		log.Warnw("failed to publish agent contact", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	metricsService := services.NewMetricsService(collector)

	responder := services.NewAutoResponder(services.AutoResponderConfig{
		Mode:        services.ResponderMode(cfg.Agent.Mode),
		AnswerDelay: cfg.Agent.AnswerDelay,
		HangupAfter: cfg.Agent.HangupAfter,
		OpTimeout:   cfg.Call.OpTimeout,
	}, log)
	controller := services.NewCallController(
		self.UserID,
		transport,
		webrtcinfra.NewSessionFactoryFromConfig(cfg, log),
		contacts,
		responder,
		metricsService,
		log,
		services.CallControllerConfig{
			RingTimeout: cfg.Call.RingTimeout,
			OpTimeout:   cfg.Call.OpTimeout,
		},
	)
	responder.Attach(controller)

	startCtx, startCancel := context.WithTimeout(ctx, cfg.Call.OpTimeout)
	err = controller.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatalw("failed to start call controller", "error", err)
	}

	health := monitoring.NewHealthChecker()
	health.AddTransportCheck(transport, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status.Status,
			"checks":       status.Checks,
			"active_calls": len(controller.ActiveCalls()),
			"stats":        metricsService.Snapshot(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("call agent ready",
			"mode", cfg.Agent.Mode,
			"address", cfg.Server.Address,
			"hangup_after", cfg.Agent.HangupAfter,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("status server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	responder.Stop()
	controller.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	cancel()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	log.Info("call agent stopped")
}
