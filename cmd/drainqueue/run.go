package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oriys/drainqueue/drain"
	"github.com/oriys/drainqueue/internal/config"
	"github.com/oriys/drainqueue/internal/logging"
	"github.com/oriys/drainqueue/internal/observability"
	"github.com/oriys/drainqueue/queue"
	"github.com/oriys/drainqueue/queue/metrics"
	"github.com/oriys/drainqueue/queue/stream"
	"github.com/oriys/drainqueue/queue/tracing"
)

// workItem is the payload this daemon drains: a free-form job name plus an
// arbitrary argument string. Applications embedding this module define
// their own payload type instead; this one only exists to give the example
// daemon something to enqueue and process.
type workItem struct {
	Job string `json:"job"`
	Arg string `json:"arg"`
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the configured queue with a worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			log := logging.Op()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.TracingEnabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Observability.TracingEndpoint,
				ServiceName: cfg.Observability.TracingService,
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			builder := stream.NewBuilder[queue.JSONItem[workItem]](
				cfg.Stream.ConnString,
				cfg.Stream.StreamKey,
				cfg.Stream.Group,
				queue.DecodeJSONItem[workItem],
			)
			if cfg.Stream.Consumer != "" {
				builder = builder.Consumer(cfg.Stream.Consumer)
			}
			if cfg.Stream.AutoclaimEnabled {
				builder = builder.Autoclaim(stream.AutoclaimOptions{
					Frequency:   cfg.Stream.AutoclaimFreq,
					MinIdleTime: cfg.Stream.AutoclaimMinIdle,
				})
			}

			rawBackend, err := builder.Build(ctx)
			if err != nil {
				return fmt.Errorf("build stream backend: %w", err)
			}

			var collector *metrics.Collector
			if cfg.Observability.MetricsEnabled {
				collector = metrics.NewCollector(cfg.Observability.MetricsNamespace, prometheus.DefaultRegisterer)
			}

			wrap := func(b *stream.Backend[queue.JSONItem[workItem]]) queue.Backend[queue.JSONItem[workItem]] {
				return wrapBackend(b, cfg, collector)
			}
			clone := func(_ queue.Backend[queue.JSONItem[workItem]]) queue.Backend[queue.JSONItem[workItem]] {
				return wrap(rawBackend.Clone())
			}

			healthServer := health.NewServer()
			healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			grpcServer, err := startHealthServer(cfg.Daemon.HealthAddr, healthServer)
			if err != nil {
				return fmt.Errorf("start health server: %w", err)
			}
			defer grpcServer.GracefulStop()

			sink := drain.SinkFunc[queue.JSONItem[workItem]](func(ctx context.Context, item queue.JSONItem[workItem]) bool {
				itemLog := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx))
				itemLog.Info("processing item", "job", item.Payload.Job, "arg", item.Payload.Arg)
				return true
			})

			var dropOpts *drain.DropOptions
			if cfg.Drain.DropEnabled {
				dropOpts = &drain.DropOptions{
					DropInterval:  cfg.Drain.DropInterval,
					MinIdleTime:   cfg.Drain.DropMinIdle,
					MaxDeliveries: cfg.Drain.DropMaxRetries,
					BatchSize:     cfg.Drain.DropBatchSize,
				}
			}

			d := drain.New[queue.JSONItem[workItem]](wrap(rawBackend), clone, sink, cfg.Drain.NumWorkers, cfg.Drain.AckInterval, dropOpts)

			healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
			log.Info("drain starting", "workers", cfg.Drain.NumWorkers, "stream", cfg.Stream.StreamKey)
			err = d.Run(ctx, cfg.Drain.DequeueTimeout)
			healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("drain stopped")
			return nil
		},
	}
	return cmd
}

// wrapBackend layers the configured cross-cutting decorators over a raw
// stream backend: metrics innermost (so latency histograms measure the
// real broker round trip), tracing outermost (so a span covers the whole
// call including the metrics bookkeeping).
func wrapBackend(b *stream.Backend[queue.JSONItem[workItem]], cfg *config.Config, collector *metrics.Collector) queue.Backend[queue.JSONItem[workItem]] {
	var backend queue.Backend[queue.JSONItem[workItem]] = b
	if collector != nil {
		backend = metrics.Wrap[queue.JSONItem[workItem]](b, collector, cfg.Stream.StreamKey)
	}
	if cfg.Observability.TracingEnabled {
		backend = tracing.Wrap[queue.JSONItem[workItem]](backend, observability.Tracer())
	}
	return backend
}

func startHealthServer(addr string, healthServer *health.Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logging.Op().Error("health server error", "error", err)
		}
	}()

	return grpcServer, nil
}
