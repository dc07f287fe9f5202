package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flashstudy/internal/cachestore"
	"flashstudy/internal/logging"
	"flashstudy/internal/metrics"
	"flashstudy/internal/offline"
)

func main() {
	var (
		configPath string
		watch      bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("FLASHSTUDY_CONFIG", "/flashstudy.yaml"), "path to flashstudy.yaml")
	flag.BoolVar(&watch, "watch", true, "reload the config and install new cache versions on change")
	flag.Parse()

	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("configure logger: %v", err)
	}

	storage, err := cachestore.New(cfg.StoreConfig())
	if err != nil {
		logger.Error("open cache storage", slog.String("backend", cfg.Storage.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error("close cache storage", slog.Any("error", err))
		}
	}()

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	origin := cfg.Origin()

	reg, err := offline.NewRegistration(offline.Options{
		Origin:     origin,
		Storage:    storage,
		Network:    offline.NewNetwork(origin, nil),
		Logger:     logger,
		Metrics:    recorder,
		StatsEvery: cfg.StatsEvery(),
	})
	if err != nil {
		logger.Error("init registration", slog.Any("error", err))
		os.Exit(1)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed first install leaves the proxy in pass-through mode; the next
	// config change retries it.
	if _, err := reg.Register(ctx, cfg.Version()); err != nil {
		logger.Error("initial install failed", slog.Any("error", err))
	}

	if watch {
		watcher, err := offline.WatchConfig(ctx, configPath, func(next offline.Config) {
			if next.Server.Origin != cfg.Server.Origin || next.StoreConfig() != cfg.StoreConfig() {
				logger.Warn("origin and storage changes need a restart, applying cache settings only")
			}
			if _, err := reg.Register(ctx, next.Version()); err != nil {
				logger.Error("install after reload failed", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", offline.NewHandler(reg, origin, logger, recorder))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", slog.String("addr", addr), slog.Any("error", err))
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("flashstudy offline proxy listening", slog.String("addr", addr), slog.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("server shutdown complete")
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
