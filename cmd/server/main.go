package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmrelay/internal/api"
	"github.com/npezzotti/go-dmrelay/internal/config"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/notify"
	"github.com/npezzotti/go-dmrelay/internal/presence"
	"github.com/npezzotti/go-dmrelay/internal/server"
	"github.com/npezzotti/go-dmrelay/internal/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar().Named("dmrelay"), nil
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a YAML config file (DMRELAY_* env vars override it)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("exiting", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	if err := database.Migrate(cfg.DatabaseDriver, cfg.DatabaseDSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	dbConn, err := database.NewSqlDMRepository(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Errorw("db close", "error", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(
		logger.Named("chat"),
		dbConn,
		presence.NewRegistry(),
		notify.NewFanout(notify.DefaultBufferSize),
		statsUpdater,
		cfg.HandshakeTimeout,
	)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewDMRelayApp(mux, logger.Named("http"), chatServer, dbConn, cfg)

	statsUpdater.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// sessions and notification streams first; the HTTP server waits for
	// their handlers to return
	logger.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("chat server shutdown", "error", err)
	}

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	statsUpdater.Stop()
	logger.Info("shutdown complete")

	return serveErr
}
