package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"canedump/internal/config"
	"canedump/internal/handler"
	"canedump/internal/logger"
	"canedump/internal/observability"
	"canedump/internal/repository/sqlite"
	"canedump/internal/retry"
	"canedump/internal/routes"
	"canedump/internal/service"
	"canedump/internal/service/audit"
	"canedump/internal/service/capture"
	"canedump/internal/service/imaging"
	"canedump/internal/service/report"
	"canedump/internal/service/session"
	"canedump/internal/service/storage"
	"canedump/internal/service/websocket"
	"canedump/internal/transport/kafka"
	"canedump/internal/transport/mqtt"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	config    *config.Config
	logger    *logger.Logger
	metrics   *observability.Metrics
	db        *sqlite.DB
	hub       *websocket.HubService
	manager   *service.Manager
	publisher *kafka.Publisher
	mqtt      *mqtt.Subscriber
	server    *http.Server
}

// NewApp wires every component from cfg.
func NewApp(cfg *config.Config) (*App, error) {
	log := logger.NewLogger(cfg)
	metrics := observability.New()

	for _, dir := range []string{cfg.ImageDirectory, cfg.ReportDirectory, filepath.Dir(cfg.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	gateway := sqlite.NewGateway(db)

	policy := retry.Policy{Retries: cfg.CaptureRetries, Initial: cfg.CaptureBackoff, MaxInterval: 10 * cfg.CaptureBackoff}
	site := cfg.Site

	frames := storage.NewFrameStore(cfg.ImageDirectory, site.Thresholds.StalenessTolerance, log)
	captures := capture.NewController(gateway, frames, policy, log, metrics)
	composer := report.NewComposer(gateway, imaging.NewRenderer(log), cfg.ReportDirectory, site.Factory, site.MillingProcess, log, metrics)

	a := &App{config: cfg, logger: log, metrics: metrics, db: db}

	opts := session.Options{
		Timeout:         site.Thresholds.SessionTimeout,
		Policy:          policy,
		StationTimeouts: make(map[string]time.Duration),
	}
	for _, st := range site.Stations {
		opts.StationTimeouts[st.ID] = site.ThresholdsFor(st).SessionTimeout
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		opts.Publisher = a.publisher
	}
	sessions := session.NewManager(gateway, captures, composer, opts, log, metrics)

	recorder := audit.NewRecorder(gateway, policy, log, metrics)
	a.hub = websocket.NewHubService(log)
	recorder.Subscribe(a.hub)

	a.manager = service.NewManager(cfg, sessions, captures, recorder, frames, log, metrics)
	if cfg.MQTTBroker != "" {
		a.mqtt = mqtt.NewSubscriber(cfg, a.manager, log)
	}

	router := routes.SetupRoutes(routes.Deps{
		Stations:  a.manager,
		Gateway:   gateway,
		DB:        db.Conn(),
		Hub:       a.hub,
		Metrics:   metrics,
		Logger:    log,
		APIKey:    cfg.APIKey,
		AccessLog: os.Stdout,
	})
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run serves until ctx is done, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()

	go a.hub.Run(ctx)
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	if a.config.CamerasPort > 0 {
		go handler.UDPCameraHandler(ctx, a.manager, a.logger, a.config)
	}
	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			a.logger.Error("MQTT ingest unavailable: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("🚀 Dump station server")
		a.logger.Info("📍 URL: http://localhost:%d", a.config.Port)
		a.logger.Info("📁 Images: %s, reports: %s", a.config.ImageDirectory, a.config.ReportDirectory)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown: %v", err)
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	if err := a.manager.Stop(shutdownCtx); err != nil {
		a.logger.Error("Station shutdown: %v", err)
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Kafka close: %v", err)
		}
	}
	a.logger.Info("Server stopped")
	return runErr
}
