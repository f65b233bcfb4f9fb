// Package main implements the audit service daemon.
// Applications configured with the remote adapter send events here over
// HTTP; events may also arrive on a Kafka topic. The daemon stores them
// through its own coordinator, by default on a local SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/audit"
	"audittrail/internal/logging"
)

type config struct {
	listenAddr     string
	configPath     string
	dbPath         string
	trustForwarded bool

	// Kafka ingestion; disabled when brokers is empty.
	kafkaBrokers string
	kafkaTopic   string
	kafkaGroup   string
}

func main() {
	var cfg config
	flag.StringVar(&cfg.listenAddr, "listen", envOrDefault("AUDITD_ADDR", ":1199"), "HTTP listen address")
	flag.StringVar(&cfg.configPath, "config", envOrDefault("AUDITD_CONFIG", ""), "Adapter configuration file (YAML); overrides -db")
	flag.StringVar(&cfg.dbPath, "db", envOrDefault("AUDITD_DB", "audit.db"), "Path to SQLite database used when no -config is given")
	flag.BoolVar(&cfg.trustForwarded, "trust-forwarded", os.Getenv("AUDITD_TRUST_FORWARDED") == "true", "Take client IPs from X-Forwarded-For / X-Real-IP")
	flag.StringVar(&cfg.kafkaBrokers, "kafka-brokers", envOrDefault("AUDITD_KAFKA_BROKERS", ""), "Comma-separated Kafka brokers; empty disables ingestion")
	flag.StringVar(&cfg.kafkaTopic, "kafka-topic", envOrDefault("AUDITD_KAFKA_TOPIC", "audit-events"), "Kafka topic carrying JSON audit events")
	flag.StringVar(&cfg.kafkaGroup, "kafka-group", envOrDefault("AUDITD_KAFKA_GROUP", "auditd"), "Kafka consumer group ID")

	// InitLogging must run before flag.Parse so it can strip --log-level before
	// the flag package sees it.
	remaining := logging.InitLogging(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	if err := run(cfg); err != nil {
		slog.Error("audit service failed", "err", err)
		os.Exit(1)
	}
	slog.Info("audit service stopped")
}

func run(cfg config) error {
	adapterCfg, err := loadAdapterConfig(cfg)
	if err != nil {
		return err
	}

	coordinator, err := audit.NewCoordinator(*adapterCfg, audit.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer coordinator.Close()

	reg := prometheus.NewRegistry()
	srv := &server{coordinator: coordinator, metrics: newMetrics(reg)}
	e := srv.routes(reg, cfg.trustForwarded)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("audit service starting",
			"listen", cfg.listenAddr,
			"mode", adapterCfg.Mode,
			"kafka", cfg.kafkaBrokers != "")
		if err := e.Start(cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.kafkaBrokers != "" {
		in := newIngestor(coordinator, srv.metrics)
		brokers := strings.Split(cfg.kafkaBrokers, ",")
		g.Go(func() error {
			return in.Run(gctx, brokers, cfg.kafkaGroup, cfg.kafkaTopic)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down audit service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadAdapterConfig reads the YAML configuration when one is given and
// otherwise stores events in a local SQLite database.
func loadAdapterConfig(cfg config) (*audit.Config, error) {
	if cfg.configPath != "" {
		return audit.LoadConfigFile(cfg.configPath)
	}
	adapterCfg := &audit.Config{
		Mode: audit.ModeLocal,
		Local: audit.LocalConfig{
			Storage: audit.StorageSQLite,
			Path:    cfg.dbPath,
		},
	}
	if err := adapterCfg.Validate(); err != nil {
		return nil, err
	}
	return adapterCfg, nil
}

// envOrDefault returns the value of the environment variable named by key,
// or def if the variable is not set or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
