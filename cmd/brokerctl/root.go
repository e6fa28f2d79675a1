package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/brokerkit"
	"github.com/glimte/brokerkit/config"
	"github.com/glimte/brokerkit/health"
	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/internal/telemetry"
)

type globalFlags struct {
	configPath  string
	url         string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Publish, consume and call RPC workers on RabbitMQ",
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	root.AddCommand(
		newPublishCmd(flags),
		newSubscribeCmd(flags),
		newCallCmd(flags),
		newWorkerCmd(flags),
	)
	return root
}

func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	return cfg, cfg.Validate()
}

// session is a connected client plus the optional metrics and health server.
type session struct {
	client   *brokerkit.Client
	logger   *slog.Logger
	registry *prometheus.Registry
	addr     string
}

func (f *globalFlags) open(ctx context.Context) (*session, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}

	logger := telemetry.SetupLogger()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := brokerkit.NewClient(cfg.URL,
		brokerkit.FromConfig(cfg),
		brokerkit.WithLogger(logger),
		brokerkit.WithMetrics(registry),
	)
	client.On(brokerkit.EventError, func(e brokerkit.Event) {
		logger.Warn("broker error", "error", e.Err)
	})

	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to %s: %w", rabbitmq.SanitizeURL(cfg.URL), err)
	}

	return &session{client: client, logger: logger, registry: registry, addr: cfg.MetricsAddr}, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// run executes fn alongside the metrics server until fn returns or ctx is
// cancelled.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	ctx, stop := context.WithCancel(gctx)
	defer stop()

	if s.addr != "" {
		srv := &http.Server{
			Addr:              s.addr,
			Handler:           s.mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("serving metrics", "addr", s.addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		return fn(ctx)
	})
	return g.Wait()
}

func (s *session) mux() *http.ServeMux {
	checks := health.NewRegistry(health.NewBrokerChecker(s.client))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(checks, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(checks))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
