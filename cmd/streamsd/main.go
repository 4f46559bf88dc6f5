// Command streamsd is the minimal standalone binary of SPEC_FULL.md §2:
// the same internal/engine, internal/fanout and internal/estuary wiring as
// cmd/caddy-streams, fronted by net/http instead of Caddy, for
// environments that don't run a Caddy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/durable-streams/streams-engine/internal/streamsd"
)

type fileConfig struct {
	Addr string `yaml:"addr"`
	streamsd.Config `yaml:",inline"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addrFlag := flag.String("addr", "", "listen address, overrides config file and STREAMSD_ADDR")
	flag.Parse()

	cfg := fileConfig{Addr: ":4437"}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "streamsd: reading config: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "streamsd: parsing config: %v\n", err)
			os.Exit(1)
		}
	}
	applyEnvOverrides(&cfg)
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamsd: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, handler, err := streamsd.Build(ctx, cfg.Config, logger)
	if err != nil {
		logger.Fatal("build failed", zap.Error(err))
	}

	server := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		logger.Info("streamsd listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("streamsd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = rt.Close()
}

// applyEnvOverrides reads STREAMSD_* environment variables over the YAML
// file, matching SPEC_FULL.md §9's "YAML file plus environment variable
// overrides" configuration rule.
func applyEnvOverrides(cfg *fileConfig) {
	if v := os.Getenv("STREAMSD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("STREAMSD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STREAMSD_COLD_STORE_BACKEND"); v != "" {
		cfg.ColdStoreBackend = v
	}
	if v := os.Getenv("STREAMSD_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("STREAMSD_S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("STREAMSD_QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = v
	}
	if v := os.Getenv("STREAMSD_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("STREAMSD_KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv("STREAMSD_INTERNAL_WS_BASE_URL"); v != "" {
		cfg.InternalWSBaseURL = v
	}
}
