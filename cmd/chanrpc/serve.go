package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chanrpc/channel"
	"chanrpc/config"
	"chanrpc/middleware"
	"chanrpc/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	name      string
	advertise string
}

func serveCmd(load func() (config.Config, error)) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in commands",
		Long: `Serve ping, echo, add and the Arith service on the configured address.

With etcd endpoints configured the services are advertised for as long as
the server runs. SIGINT or SIGTERM shuts the server down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger("chanrpc")
			return runServe(cmd.Context(), cfg, logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", server.DefaultName, "service name plain commands are advertised under")
	cmd.Flags().StringVar(&opts.advertise, "advertise", "", "address to advertise in etcd (default: the listen address)")

	return cmd
}

// newServer builds a server with the built-in commands and the middleware
// stack described by cfg. Metrics are registered with promReg.
func newServer(cfg config.Config, logger hclog.Logger, promReg prometheus.Registerer, opts ...server.Option) (*server.Server, error) {
	srv := server.NewServer(append([]server.Option{server.WithLogger(logger.Named("server"))}, opts...)...)

	srv.Use(middleware.Recovery(logger.Named("recovery")))
	srv.Use(middleware.Metrics(middleware.WithRegistry(promReg), middleware.WithKnownCommands(srv.HasCommand)))
	srv.Use(middleware.Logging(logger.Named("calls")))
	if cfg.RateLimit.Rate > 0 {
		srv.Use(middleware.RateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.Timeout > 0 {
		srv.Use(middleware.Timeout(cfg.Timeout))
	}

	if err := registerBuiltins(srv); err != nil {
		return nil, err
	}
	return srv, nil
}

func runServe(ctx context.Context, cfg config.Config, logger hclog.Logger, opts serveOptions) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	serverOpts := []server.Option{server.WithName(opts.name)}
	etcdReg, err := cfg.Registry(logger)
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	if etcdReg != nil {
		defer etcdReg.Close()
		serverOpts = append(serverOpts, server.WithRegistry(etcdReg, opts.advertise, cfg.Etcd.TTL))
	}

	srv, err := newServer(cfg, logger, promReg, serverOpts...)
	if err != nil {
		return err
	}

	l, err := channel.Listen(cfg.Network, cfg.Address, cfg.ChannelOptions(logger)...)
	if err != nil {
		return err
	}
	if len(cfg.AuthKey) == 0 {
		logger.Warn("no auth key configured, accepting unauthenticated channels")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = startMetrics(cfg.MetricsAddress, promReg, logger.Named("metrics"))
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	select {
	case err := <-served:
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := <-served; err != nil && !errors.Is(err, server.ErrServerClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// startMetrics exposes reg on /metrics at addr.
func startMetrics(addr string, reg *prometheus.Registry, logger hclog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
