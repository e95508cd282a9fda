package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"github.com/iselt/wiretap/relay_server/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 5 * time.Second

var logger *zap.Logger

// initLogger builds the process logger. ENVIRONMENT=development selects the
// console encoder; an unknown level falls back to info.
func initLogger(level string) error {
	var config zap.Config
	if os.Getenv("ENVIRONMENT") == "development" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	built, err := config.Build()
	if err != nil {
		return err
	}
	logger = built
	return nil
}

func main() {
	configFile := flag.String("c", "config.relay.toml", "Config file path")
	flag.Parse()

	cfg, err := common.LoadRelayConfig(*configFile)
	if err != nil {
		log.Fatalf("Error loading config file %s: %v", *configFile, err)
	}

	if err := initLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Fatal("Relay stopped", zap.Error(err))
	}
}

// run wires the relay, the control API and the metrics endpoint together and
// blocks until ctx is done or one of the servers fails.
func run(ctx context.Context, cfg common.RelayConfig, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	relay, err := server.New(cfg, logger, server.NewMetrics(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("Errors while closing relay", zap.Error(err))
		}
	}()

	relay.OnConnected(func(info server.SessionInfo) {
		logger.Info("Session started",
			zap.String("session_id", info.SessionID),
			zap.String("host", info.Host),
			zap.Int("port", info.Port))
	})
	relay.OnDisconnected(func(info server.SessionInfo) {
		logger.Info("Session ended",
			zap.String("session_id", info.SessionID),
			zap.Int("to_server", info.ToServer),
			zap.Int("to_client", info.ToClient))
	})
	if logger.Core().Enabled(zapcore.DebugLevel) {
		relay.AddObserver(server.ObserverFunc(func(m *protocol.Message) {
			logger.Debug("Frame",
				zap.Stringer("destination", m.Destination()),
				zap.Uint16("header", m.Header()),
				zap.Int("length", m.Length()),
				zap.String("text", m.String()))
		}))
	}

	errCh := make(chan error, 2)

	var api *server.APIServer
	if cfg.APIServer.Enabled {
		api, err = server.NewAPIServer(relay, gatherer, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := api.Start(cfg.APIServer.ListenAddr); err != nil {
				errCh <- err
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("listen_addr", cfg.Metrics.ListenAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if cfg.Host != "" {
		if err := relay.Connect(ctx, cfg.Host, cfg.Port); err != nil {
			return err
		}
	} else if !cfg.APIServer.Enabled {
		logger.Warn("No host configured and the API server is disabled; nothing to do until shutdown")
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if api != nil {
		if shutdownErr := api.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("API server shutdown", zap.Error(shutdownErr))
		}
	}
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("Metrics server shutdown", zap.Error(shutdownErr))
		}
	}
	return err
}
