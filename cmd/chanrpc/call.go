package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"chanrpc/channel"
	"chanrpc/client"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/loadbalance"
)

type callOptions struct {
	kwargs  string
	service string
	key     string
}

func callCmd(load func() (config.Config, error)) *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call <command> [json-args...]",
		Short: "Call a command and print its result as JSON",
		Long: `Call a command on the configured address, or on an instance of
--service discovered in etcd, and print the result as JSON.

Each positional argument is parsed as JSON; anything that is not valid
JSON is sent as a string.

  chanrpc call add 1 2 3.5
  chanrpc call Arith.Divide '{"a": 7, "b": 2}'
  chanrpc call --service Arith --kwargs '{"a": 1, "b": 2}' Arith.Add`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger("chanrpc")
			return runCall(cmd.Context(), cfg, logger, cmd.OutOrStdout(), args[0], args[1:], opts)
		},
	}

	cmd.Flags().StringVar(&opts.kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().StringVar(&opts.service, "service", "", "discover the target through etcd under this service name")
	cmd.Flags().StringVar(&opts.key, "key", "", "routing key for the hash balancer")

	return cmd
}

func runCall(ctx context.Context, cfg config.Config, logger hclog.Logger, out io.Writer, command string, rawArgs []string, opts callOptions) error {
	args := parseArgs(rawArgs)
	kwargs, err := parseKwargs(opts.kwargs)
	if err != nil {
		return err
	}

	var result any
	if opts.service != "" {
		result, err = invokeService(ctx, cfg, logger, opts, command, args, kwargs)
	} else {
		result, err = invokeAddress(ctx, cfg, logger, command, args, kwargs)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func invokeAddress(ctx context.Context, cfg config.Config, logger hclog.Logger, command string, args []any, kwargs map[string]any) (any, error) {
	ch, err := channel.Dial(ctx, cfg.Network, cfg.Address, cfg.ChannelOptions(logger)...)
	if err != nil {
		return nil, err
	}
	var result any
	err = channel.Use(ch, func(ch *channel.Channel) error {
		var err error
		result, err = ch.Call(ctx, command, args, kwargs)
		return err
	})
	return result, err
}

func invokeService(ctx context.Context, cfg config.Config, logger hclog.Logger, opts callOptions, command string, args []any, kwargs map[string]any) (any, error) {
	reg, err := cfg.Registry(logger)
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	if reg == nil {
		return nil, errors.New("--service needs etcd endpoints")
	}
	defer reg.Close()

	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	c := client.NewClient(reg,
		client.WithBalancer(balancer),
		client.WithPoolSize(cfg.PoolSize),
		client.WithRetries(cfg.Retries),
		client.WithChannelOptions(cfg.ChannelOptions(logger)...),
		client.WithLogger(logger.Named("client")),
	)
	defer c.Close()

	if opts.key != "" {
		ctx = loadbalance.WithKey(ctx, opts.key)
	}
	return c.Invoke(ctx, opts.service, command, args, kwargs)
}

// parseArgs decodes each argument as JSON, keeping non-JSON text as a
// string. Numbers become int64 when integral and float64 otherwise.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		v, err := parseJSON(s)
		if err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func parseKwargs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := parseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse --kwargs: %w", err)
	}
	kwargs, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse --kwargs: want a JSON object, got %s", describe(v))
	}
	return kwargs, nil
}

func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return codec.Normalize(v), nil
}
