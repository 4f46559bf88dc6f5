// Package main registers the durable streams engine as a
// github.com/caddyserver/caddy/v2 HTTP handler module, matching the
// teacher's packages/caddy-plugin/module.go deployment shape.
package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/durable-streams/streams-engine/internal/streamsd"
)

func init() {
	caddy.RegisterModule(Module{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Module is the Caddy HTTP handler entry point. Its fields mirror
// streamsd.Config, json-tagged for Caddy's native JSON config and parsed
// from Caddyfile syntax by UnmarshalCaddyfile.
type Module struct {
	streamsd.Config

	runtime *streamsd.Runtime
	handler *streamsd.Handler
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Module) },
	}
}

// Provision builds the full component graph behind this handler instance.
func (m *Module) Provision(ctx caddy.Context) error {
	logger := ctx.Logger()
	rt, h, err := streamsd.Build(context.Background(), m.Config, logger)
	if err != nil {
		return fmt.Errorf("durable_streams: provision: %w", err)
	}
	m.runtime = rt
	m.handler = h
	return nil
}

// Validate ensures the configuration is internally consistent.
func (m *Module) Validate() error {
	switch m.ColdStoreBackend {
	case "", "fs":
	case "s3":
		if m.S3Bucket == "" {
			return fmt.Errorf("durable_streams: s3_bucket is required when cold_store_backend is s3")
		}
	default:
		return fmt.Errorf("durable_streams: unknown cold_store_backend %q", m.ColdStoreBackend)
	}
	switch m.QueueBackend {
	case "", "mem":
	case "sarama":
		if len(m.KafkaBrokers) == 0 || m.KafkaTopic == "" {
			return fmt.Errorf("durable_streams: kafka_brokers and kafka_topic are required when queue_backend is sarama")
		}
	default:
		return fmt.Errorf("durable_streams: unknown queue_backend %q", m.QueueBackend)
	}
	return nil
}

// Cleanup releases every component Provision constructed.
func (m *Module) Cleanup() error {
	if m.runtime == nil {
		return nil
	}
	return m.runtime.Close()
}

// ServeHTTP delegates to the shared streamsd.Handler; next is never called,
// matching the teacher's handler.go (this module is a terminal route).
func (m *Module) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	m.handler.ServeHTTP(w, r)
	return nil
}

// UnmarshalCaddyfile parses:
//
//	durable_streams {
//	    data_dir /var/lib/streams-engine
//	    cold_store_backend s3
//	    s3_bucket my-bucket
//	    s3_region us-east-1
//	    queue_backend sarama
//	    kafka_brokers broker1:9092 broker2:9092
//	    kafka_topic streams-fanout
//	    kafka_group_id streams-engine
//	    internal_ws_base_url ws://engine-internal:8443
//	}
func (m *Module) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&m.DataDir) {
					return d.ArgErr()
				}
			case "cold_store_backend":
				if !d.Args(&m.ColdStoreBackend) {
					return d.ArgErr()
				}
			case "s3_bucket":
				if !d.Args(&m.S3Bucket) {
					return d.ArgErr()
				}
			case "s3_region":
				if !d.Args(&m.S3Region) {
					return d.ArgErr()
				}
			case "queue_backend":
				if !d.Args(&m.QueueBackend) {
					return d.ArgErr()
				}
			case "kafka_brokers":
				m.KafkaBrokers = d.RemainingArgs()
				if len(m.KafkaBrokers) == 0 {
					return d.ArgErr()
				}
			case "kafka_topic":
				if !d.Args(&m.KafkaTopic) {
					return d.ArgErr()
				}
			case "kafka_group_id":
				if !d.Args(&m.KafkaGroupID) {
					return d.ArgErr()
				}
			case "internal_ws_base_url":
				if !d.Args(&m.InternalWSBaseURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Module
	if err := m.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	_ caddy.Provisioner           = (*Module)(nil)
	_ caddy.Validator             = (*Module)(nil)
	_ caddy.CleanerUpper          = (*Module)(nil)
	_ caddyhttp.MiddlewareHandler = (*Module)(nil)
	_ caddyfile.Unmarshaler       = (*Module)(nil)
)
