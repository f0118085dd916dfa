package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payledger/internal/api"
	"payledger/internal/auth"
	"payledger/internal/config"
	"payledger/internal/conversion"
	"payledger/internal/currency"
	"payledger/internal/ledger"
	"payledger/internal/repository"
	"payledger/internal/repository/memory"
	"payledger/internal/repository/postgres"
	"payledger/internal/service"
	"payledger/internal/timestamp"
	"payledger/pkg/crypto"
	"payledger/pkg/metrics"

	"go.opentelemetry.io/otel"
)

const (
	appName = "payledger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("env", cfg.App.Env))

	if err := run(cfg, logger); err != nil {
		logger.Error("Application failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Application shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	metricsCollector := metrics.NewMetricsCollector(logger)
	metricsServer := metricsCollector.StartMetricsServer(cfg.Metrics.Addr)

	store, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	converter, tableConverter, err := setupConverters(cfg, logger)
	if err != nil {
		return err
	}

	startingBalance, err := cfg.StartingBalance()
	if err != nil {
		return err
	}
	limits, err := cfg.Limits()
	if err != nil {
		return err
	}

	notificationService := service.NewNotificationService(
		service.Config{
			Workers:   cfg.Notifications.Workers,
			QueueSize: cfg.Notifications.QueueSize,
		},
		[]service.Sink{service.NewLogSink(logger)},
		metricsCollector,
		logger,
	)

	engine := ledger.NewEngine(store, converter, ledger.Config{
		BaseCurrency:    cfg.BaseCurrency(),
		StartingBalance: startingBalance,
		Limits:          limits,
	}, logger).
		WithNotifier(notificationService).
		WithMetrics(metricsCollector).
		WithTracerProvider(otel.GetTracerProvider())

	if cfg.Audit.SigningKey != "" {
		engine = engine.WithSigner(crypto.NewSigner(cfg.Audit.SigningKey, logger))
	} else {
		logger.Warn("audit.signing_key is not set, transfers will not be signed")
	}

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(secret, cfg.Auth.TokenTTL, logger)
	if err != nil {
		return err
	}

	apiHandler := api.NewAPIHandler(engine, authenticator, api.Config{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		BusyRetries:    cfg.Ledger.BusyRetries,
	}, logger)
	conversionHandler := conversion.NewHandler(tableConverter, logger)
	httpServer := startHTTPServer(cfg.HTTP.Addr, apiHandler, conversionHandler, logger)

	var timestampServer *timestamp.Server
	if cfg.Timestamp.Enabled {
		timestampServer = timestamp.NewServer(cfg.Timestamp.Addr, logger)
		if err := timestampServer.Start(ctx); err != nil {
			logger.Error("Timestamp server failed to start", slog.String("error", err.Error()))
			timestampServer = nil
		}
	}

	waitForShutdown(logger, httpServer, timestampServer, notificationService, metricsCollector, metricsServer)
	return nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		store, err := postgres.Connect(connectCtx, postgres.Config{
			DSN:         cfg.Postgres.DSN,
			MaxConns:    cfg.Postgres.MaxConns,
			LockTimeout: cfg.Ledger.LockTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(connectCtx); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("Using PostgreSQL store")
		return store, nil
	default:
		logger.Info("Using in-memory store")
		return memory.NewStore(cfg.Ledger.LockTimeout, logger), nil
	}
}

// setupConverters returns the converter the ledger uses and the table-backed
// one that serves /conversion. The endpoint never converts remotely, otherwise
// a remote URL pointing at this process would call itself.
func setupConverters(cfg *config.Config, logger *slog.Logger) (currency.Converter, *currency.StaticConverter, error) {
	table, err := currency.NewRateTable(cfg.Conversion.Rates)
	if err != nil {
		return nil, nil, fmt.Errorf("conversion.rates: %w", err)
	}
	static := currency.NewStaticConverter(table)

	if cfg.Conversion.Mode == "remote" {
		logger.Info("Using remote conversion service", slog.String("url", cfg.Conversion.URL))
		return currency.NewRemoteConverter(currency.RemoteConfig{
			BaseURL:    cfg.Conversion.URL,
			Timeout:    cfg.Conversion.Timeout,
			Currencies: table.Currencies(),
		}, nil, logger), static, nil
	}
	return static, static, nil
}

// jwtSecret returns the configured secret. Outside production an ephemeral one
// is generated, which invalidates tokens on restart.
func jwtSecret(cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret, nil
	}
	if cfg.App.Env == "production" {
		return "", errors.New("auth.jwt_secret is required in production")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	logger.Warn("auth.jwt_secret is not set, using an ephemeral secret")
	return hex.EncodeToString(buf), nil
}

func startHTTPServer(
	addr string,
	apiHandler *api.APIHandler,
	conversionHandler *conversion.Handler,
	logger *slog.Logger,
) *http.Server {
	r := apiHandler.Router()
	conversionHandler.RegisterRoutes(r)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name": "%s", "status": "ok"}`, appName)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	httpServer *http.Server,
	timestampServer *timestamp.Server,
	notificationService *service.NotificationService,
	metricsCollector *metrics.MetricsCollector,
	metricsServer *http.Server,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if timestampServer != nil {
		if err := timestampServer.Stop(ctx); err != nil {
			logger.Error("Timestamp server shutdown failed", slog.String("error", err.Error()))
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	if err := notificationService.Shutdown(ctx); err != nil {
		logger.Error("Notification service shutdown failed", slog.String("error", err.Error()))
	}

	if err := metricsCollector.Shutdown(ctx, metricsServer); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
}
