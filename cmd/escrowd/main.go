package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowmesh/config"
	"escrowmesh/core/events"
	"escrowmesh/core/state"
	"escrowmesh/native/deal"
	"escrowmesh/observability/logging"
	"escrowmesh/rpc"
	"escrowmesh/storage"
)

const shutdownTimeout = 10 * time.Second

// logEmitter forwards engine events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt *events.Event) {
	if evt == nil {
		return
	}
	attrs := make([]any, 0, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	l.logger.With(attrs...).Info(evt.Type)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.SetupWithOptions("escrowd", env, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxBackups: cfg.LogBackups,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	engine := deal.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(logEmitter{logger: logger.With(slog.String("component", "deal"))})

	server := rpc.NewServer(engine, manager, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", slog.String("addr", cfg.RPCAddress), slog.String("network", cfg.NetworkName))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
