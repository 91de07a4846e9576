package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chanrpc/message"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "chanrpc").
	Namespace string

	// Subsystem is the metrics subsystem (default: "server").
	Subsystem string

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// KnownCommand reports whether a command is registered. Other commands
	// are labeled UnknownCommandLabel. Default: only calls failing with
	// KindUnknownCommand are relabeled.
	KnownCommand func(command string) bool
}

// UnknownCommandLabel replaces the command label of calls to commands that
// are not registered, so peers cannot create label values at will.
const UnknownCommandLabel = "unknown"

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// WithKnownCommands labels every command for which known returns false as
// UnknownCommandLabel, whatever the outcome of the call.
func WithKnownCommands(known func(command string) bool) MetricsOption {
	return func(c *MetricsConfig) {
		c.KnownCommand = known
	}
}

// Metrics counts calls per command and outcome and observes their duration.
//
// Metrics collected:
//   - chanrpc_server_calls_total{command, kind}: kind is "ok" or the error kind
//   - chanrpc_server_call_duration_seconds{command}
//
// Metrics registers its collectors once, so build it once per registry.
func Metrics(opts ...MetricsOption) Middleware {
	config := MetricsConfig{
		Namespace: "chanrpc",
		Subsystem: "server",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	calls := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "calls_total",
		Help:      "Total number of commands served, by outcome",
	}, []string{"command", "kind"})
	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "call_duration_seconds",
		Help:      "Command handling duration in seconds",
		Buckets:   config.Buckets,
	}, []string{"command"})

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			elapsed := time.Since(start)

			kind := "ok"
			if err != nil {
				kind = message.ErrorFrom(err).Kind
			}
			command := req.Command
			if kind == message.KindUnknownCommand || (config.KnownCommand != nil && !config.KnownCommand(command)) {
				command = UnknownCommandLabel
			}
			duration.WithLabelValues(command).Observe(elapsed.Seconds())
			calls.WithLabelValues(command, kind).Inc()
			return result, err
		}
	}
}
