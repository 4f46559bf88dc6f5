package streamsd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/edge"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/estuary"
	"github.com/durable-streams/streams-engine/internal/fanout"
	"github.com/durable-streams/streams-engine/internal/fanout/queue"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

// Config is the field set shared by the Caddy module (json tags +
// Caddyfile) and the standalone binary (yaml tags), grounded on the
// teacher's Handler fields in module.go.
type Config struct {
	DataDir string `json:"data_dir,omitempty" yaml:"dataDir"`

	ColdStoreBackend string `json:"cold_store_backend,omitempty" yaml:"coldStoreBackend"` // "fs" | "s3"
	S3Bucket         string `json:"s3_bucket,omitempty" yaml:"s3Bucket"`
	S3Region         string `json:"s3_region,omitempty" yaml:"s3Region"`

	QueueBackend  string   `json:"queue_backend,omitempty" yaml:"queueBackend"` // "mem" | "sarama"
	KafkaBrokers  []string `json:"kafka_brokers,omitempty" yaml:"kafkaBrokers"`
	KafkaTopic    string   `json:"kafka_topic,omitempty" yaml:"kafkaTopic"`
	KafkaGroupID  string   `json:"kafka_group_id,omitempty" yaml:"kafkaGroupId"`

	InternalWSBaseURL string `json:"internal_ws_base_url,omitempty" yaml:"internalWsBaseUrl"`

	EdgeCacheAdmissionPerSec float64 `json:"edge_cache_admission_per_sec,omitempty" yaml:"edgeCacheAdmissionPerSec"`
}

// SetDefaults fills zero-valued fields with spec.md's stated defaults.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ColdStoreBackend == "" {
		c.ColdStoreBackend = "fs"
	}
	if c.QueueBackend == "" {
		c.QueueBackend = "mem"
	}
	if c.EdgeCacheAdmissionPerSec == 0 {
		c.EdgeCacheAdmissionPerSec = 10_000
	}
}

// Runtime is every long-lived component Build wires together, returned so
// the caller (Module.Cleanup / cmd/streamsd's shutdown) can close them in
// the right order.
type Runtime struct {
	Engine  *engine.Manager
	Dispatch *fanout.Dispatcher
	Subs    *fanout.SubscriberRegistry
	Estuary *estuary.Manager
	Registry *registry.BboltRegistry
	Queue   queue.Queue
}

// Close tears down every owned component, cold store errors aside (those
// are stateless backends with nothing to flush).
func (rt *Runtime) Close() error {
	rt.Estuary.Stop()
	if rt.Queue != nil {
		rt.Queue.Close()
	}
	rt.Engine.Close()
	return rt.Registry.Close()
}

// Build constructs the full component graph for one process: registry,
// hot/cold storage factories, the engine manager, fan-out dispatcher and
// subscriber registry, and the estuary lifecycle manager. Both
// cmd/caddy-streams and cmd/streamsd call this with their own Config and
// *zap.Logger.
func Build(ctx context.Context, cfg Config, logger *zap.Logger) (*Runtime, *Handler, error) {
	cfg.SetDefaults()

	reg, err := registry.NewBboltRegistry(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("streamsd: open registry: %w", err)
	}

	kv, err := registry.NewBboltKVStore(reg.DB())
	if err != nil {
		return nil, nil, fmt.Errorf("streamsd: open kv store: %w", err)
	}

	cold, err := buildColdStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	hotFactory := func(path offsetv.StreamPath) (hotstore.Store, error) {
		return hotstore.Open(hotstore.PathForStream(cfg.DataDir, path.Project, path.Stream))
	}
	engineMgr := engine.NewManager(hotFactory, cold, reg, logger)

	subs := fanout.NewSubscriberRegistry(kv)

	// The queue's consumer handler forwards to the dispatcher, but the
	// dispatcher needs the constructed queue. The closure only runs once a
	// batch is delivered, by which point dispatcher below is assigned.
	var dispatcher *fanout.Dispatcher
	q, err := buildQueue(cfg, logger, func(ctx context.Context, b queue.Batch) error {
		return dispatcher.ConsumeBatch(ctx, b)
	})
	if err != nil {
		return nil, nil, err
	}
	dispatcher = fanout.NewDispatcher(engineMgr, subs, q, logger)

	estuaryMgr := estuary.NewManager(engineMgr, subs, kv, logger)

	cache := edge.NewCache()
	coalescer := edge.NewCoalescer(cache, 0, 0, cfg.EdgeCacheAdmissionPerSec)

	handler := &Handler{
		Engine:            engineMgr,
		Fanout:            dispatcher,
		Subs:              subs,
		Estuary:           estuaryMgr,
		Cache:             cache,
		Coalesce:          coalescer,
		Logger:            logger,
		InternalWSBaseURL: cfg.InternalWSBaseURL,
	}

	return &Runtime{
		Engine:   engineMgr,
		Dispatch: dispatcher,
		Subs:     subs,
		Estuary:  estuaryMgr,
		Registry: reg,
		Queue:    q,
	}, handler, nil
}

func buildColdStore(ctx context.Context, cfg Config) (coldstore.Store, error) {
	switch cfg.ColdStoreBackend {
	case "s3":
		return coldstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
	case "fs", "":
		return coldstore.NewFSStore(cfg.DataDir + "/cold")
	default:
		return nil, fmt.Errorf("streamsd: unknown cold_store_backend %q", cfg.ColdStoreBackend)
	}
}

func buildQueue(cfg Config, logger *zap.Logger, handle queue.Handler) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "mem":
		return queue.NewMemQueue(1024, handle), nil
	case "sarama":
		return queue.NewSaramaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, handle, logger)
	case "":
		return nil, nil // inline fan-out only; Dispatcher tolerates a nil queue
	default:
		return nil, fmt.Errorf("streamsd: unknown queue_backend %q", cfg.QueueBackend)
	}
}
