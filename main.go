// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/registry"
	"github.com/pointvault/pointvault/session"
	"github.com/pointvault/pointvault/store"
	"github.com/pointvault/pointvault/store/backend"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
)

// App wires the service together: registry, session factory, store
// server and the metrics endpoint.
type App struct {
	cfg      *config.Config
	reg      *registry.Registry
	security *session.SecurityContext
	realm    *session.Realm
	server   *store.Server
	factory  *session.Factory
	metrics  *http.Server
	watcher  *config.Watcher
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)
	logger.Info().Str("service", cfg.Service.Name).Str("store", cfg.Store.Name).
		Int("points", len(cfg.Points)).Msg("Starting point-value store")

	application, err := New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	configChan := make(chan *config.Config)
	application.watcher = config.NewWatcher(*configPath, configChan)
	application.Run(configChan)
}

// New creates the application.
func New(cfg *config.Config) (*App, error) {
	meta, err := cfg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to build point metadata: %w", err)
	}

	var engine backend.BackEnd
	switch cfg.Store.BackEnd {
	case "influx":
		engine = backend.NewInflux(cfg.Store.Influx)
	default:
		engine = backend.NewMemory(cfg.Store.ResponseLimit)
	}

	app := &App{
		cfg:      cfg,
		reg:      registry.New(),
		security: session.NewSecurityContext(cfg.Security),
		realm:    session.NewRealm(cfg.Realm),
		server:   store.NewServer(cfg.Store, meta, engine),
	}
	app.factory = session.NewFactory(
		cfg.Store.Name,
		cfg.Registry.Address,
		app.reg,
		app.security,
		app.realm,
		store.NewSessionBuilder(app.server),
	)
	app.metrics = newMetricsServer(cfg.Service.MetricsPort)
	return app, nil
}

// Run starts everything and blocks until a shutdown signal arrives.
// Configurations arriving on configChan are applied in place.
func (a *App) Run(configChan <-chan *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if a.watcher != nil {
		a.watcher.Start(ctx)
		defer a.watcher.Stop()
	}

	if err := a.reg.SetUp(ctx, a.cfg.Registry); err != nil {
		logger.Fatal().Err(err).Msg("Registry setup failed")
	}
	if err := a.server.Open(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Store back-end open failed")
	}
	if err := a.reg.Register(a.factory, a.cfg.Store.Name); err != nil {
		logger.Fatal().Err(err).Str("name", a.cfg.Store.Name).Msg("Store registration failed")
	}

	a.startMetricsServer()
	logger.Info().Str("store", a.cfg.Store.Name).Msg("Point-value store running")

	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case newCfg := <-configChan:
			a.UpdateConfig(newCfg)
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.shutdown()
			return
		}
	}
}

// UpdateConfig applies the dynamic parts of a reloaded configuration:
// the log level and the authentication realm. Store, point and registry
// changes need a restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	if newCfg.Logging.Level != a.cfg.Logging.Level {
		logger.Initialize(newCfg.Logging.Level)
	}
	a.realm.Reload(newCfg.Realm)
	a.cfg.Logging = newCfg.Logging
	a.cfg.Realm = newCfg.Realm
	logger.Info().Msg("Dynamic configuration applied")
}

func (a *App) shutdown() {
	a.reg.Unregister(a.cfg.Store.Name)
	a.reg.TearDown()
	if err := a.factory.Close(); err != nil {
		logger.Warn().Err(err).Msg("Factory close failed")
	}
	if err := a.server.Close(); err != nil {
		logger.Warn().Err(err).Msg("Store close failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.metrics.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
	a.cancel()
	a.wg.Wait()
	logger.Info().Msg("Shutdown complete")
}

func newMetricsServer(port int) *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, healthCheckHandler))

	if port == 0 {
		port = 9090
	}
	return &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.metrics.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func performConfigValidation(configPath string) int {
	if err := config.ValidateWithSchema(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	meta, err := cfg.Metadata()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration valid: %d points, store %q\n", len(meta.Points()), cfg.Store.Name)
	return 0
}
