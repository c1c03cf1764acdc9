package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"vision-stream-server/config"
	"vision-stream-server/framebus"
	"vision-stream-server/media"
	"vision-stream-server/sink"
	"vision-stream-server/source"
	"vision-stream-server/stream"
)

// main loads configuration and runs the streaming service until signalled
func main() {
	flags := pflag.NewFlagSet("streaming-service", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $"+config.EnvConfigPath+")")
	addr := flags.String("addr", "", "listen address, overrides server.addr")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := newLogger(cfg.Log.Level)
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("streaming service terminated", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	if _, err := exec.LookPath(cfg.Reader.FFmpegPath); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	downstream, err := sink.New(sink.Config{
		Kind:    sink.Kind(cfg.Sink.Kind),
		URL:     cfg.Sink.URL,
		Timeout: cfg.Bus.DeliveryTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	defer func() {
		if err := downstream.Close(); err != nil {
			logger.Warnw("failed to close sink", "error", err)
		}
	}()

	bus := framebus.New(downstream, media.NewJPEGEncoder(cfg.Bus.JPEGQuality), framebus.Config{
		QueueCapacity:   cfg.Bus.QueueCapacity,
		DequeueTimeout:  cfg.Bus.DequeueTimeout,
		DeliveryTimeout: cfg.Bus.DeliveryTimeout,
	}, logger)

	opener := &source.FFmpegOpener{
		Path:         cfg.Reader.FFmpegPath,
		ProbeTimeout: cfg.Reader.ProbeTimeout,
		Logger:       logger,
	}

	manager := stream.NewManager(bus, opener, source.Config{
		ReconnectDelay:       cfg.Reader.ReconnectDelay,
		MaxReconnectAttempts: cfg.Reader.MaxReconnectAttempts,
		DefaultWidth:         cfg.Reader.DefaultWidth,
		DefaultHeight:        cfg.Reader.DefaultHeight,
	}, stream.Options{
		DisconnectedBackoff: cfg.Capture.DisconnectedBackoff,
		IdleBackoff:         cfg.Capture.IdleBackoff,
	}, logger)
	manager.Start(ctx)
	defer manager.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: NewServer(manager, bus, logger).Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("streaming service starting",
			"addr", cfg.Server.Addr,
			"sink", cfg.Sink.Kind,
			"queueCapacity", cfg.Bus.QueueCapacity,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("server failed to start: %w", err)
	}

	// Sessions first so no capture loop outlives the process.
	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Infow("server exited")
	return nil
}

func newLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger.Sugar().With("service", ServiceName)
}
