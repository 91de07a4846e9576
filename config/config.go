// Package config loads the chanrpc command's TOML configuration.
//
//	network = "tcp"
//	address = "127.0.0.1:7420"
//	authkey_file = "/etc/chanrpc/key"   # or env CHANRPC_AUTHKEY
//	codec = "msgpack"                   # msgpack | json
//	digest = "sha256"                   # sha256 | md5
//	timeout = "30s"
//	handshake_timeout = "5s"
//	pool_size = 4
//	balancer = "roundrobin"             # roundrobin | random | hash
//	retries = 0
//	log_level = "info"
//	metrics_address = ""
//	[etcd]
//	endpoints = []
//	prefix = "/chanrpc/"
//	ttl = 10
//	dial_timeout = "5s"
//	[rate_limit]
//	rate = 0
//	burst = 0
//
// Unset keys keep their defaults. Environment variables override the file:
// CHANRPC_AUTHKEY, CHANRPC_ADDRESS and CHANRPC_ETCD_ENDPOINTS (comma
// separated).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"chanrpc/auth"
	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/loadbalance"
	"chanrpc/registry"
)

const (
	EnvAuthKey       = "CHANRPC_AUTHKEY"
	EnvAddress       = "CHANRPC_ADDRESS"
	EnvEtcdEndpoints = "CHANRPC_ETCD_ENDPOINTS"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Network          string
	Address          string
	AuthKeyFile      string
	AuthKey          []byte // from CHANRPC_AUTHKEY or AuthKeyFile
	Codec            codec.CodecType
	Digest           auth.Digest
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	PoolSize         int
	Balancer         string
	Retries          int
	LogLevel         string
	MetricsAddress   string
	Etcd             EtcdConfig
	RateLimit        RateLimitConfig
}

type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	TTL         int64
	DialTimeout time.Duration
}

// RateLimitConfig enables the rate limit middleware when Rate > 0.
type RateLimitConfig struct {
	Rate  float64
	Burst int
}

func Default() Config {
	return Config{
		Network:          "tcp",
		Address:          "127.0.0.1:7420",
		Codec:            codec.CodecTypeMsgpack,
		Digest:           auth.SHA256,
		Timeout:          30 * time.Second,
		HandshakeTimeout: channel.DefaultHandshakeTimeout,
		PoolSize:         4,
		Balancer:         "roundrobin",
		LogLevel:         "info",
		Etcd: EtcdConfig{
			Prefix:      registry.DefaultPrefix,
			TTL:         10,
			DialTimeout: registry.DefaultDialTimeout,
		},
	}
}

type fileConfig struct {
	Network          string        `toml:"network"`
	Address          string        `toml:"address"`
	AuthKeyFile      string        `toml:"authkey_file"`
	Codec            string        `toml:"codec"`
	Digest           string        `toml:"digest"`
	Timeout          string        `toml:"timeout"`
	HandshakeTimeout string        `toml:"handshake_timeout"`
	PoolSize         int           `toml:"pool_size"`
	Balancer         string        `toml:"balancer"`
	Retries          int           `toml:"retries"`
	LogLevel         string        `toml:"log_level"`
	MetricsAddress   string        `toml:"metrics_address"`
	Etcd             fileEtcd      `toml:"etcd"`
	RateLimit        fileRateLimit `toml:"rate_limit"`
}

type fileEtcd struct {
	Endpoints   []string `toml:"endpoints"`
	Prefix      string   `toml:"prefix"`
	TTL         int64    `toml:"ttl"`
	DialTimeout string   `toml:"dial_timeout"`
}

type fileRateLimit struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Load reads the file at path over the defaults, applies environment
// overrides, reads the auth key and validates the result. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.loadAuthKey(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key, v string, dst *time.Duration) error {
		if !meta.IsDefined(strings.Split(key, ".")...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("network", raw.Network, &c.Network)
	str("address", raw.Address, &c.Address)
	str("authkey_file", raw.AuthKeyFile, &c.AuthKeyFile)
	str("balancer", raw.Balancer, &c.Balancer)
	str("log_level", raw.LogLevel, &c.LogLevel)
	str("metrics_address", raw.MetricsAddress, &c.MetricsAddress)

	if meta.IsDefined("codec") {
		ct, err := codec.ParseCodecType(raw.Codec)
		if err != nil {
			return fmt.Errorf("parse codec: %w", err)
		}
		c.Codec = ct
	}
	if meta.IsDefined("digest") {
		d, err := auth.ParseDigest(raw.Digest)
		if err != nil {
			return fmt.Errorf("parse digest: %w", err)
		}
		c.Digest = d
	}
	if err := dur("timeout", raw.Timeout, &c.Timeout); err != nil {
		return err
	}
	if err := dur("handshake_timeout", raw.HandshakeTimeout, &c.HandshakeTimeout); err != nil {
		return err
	}
	if meta.IsDefined("pool_size") {
		c.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("retries") {
		c.Retries = raw.Retries
	}

	if meta.IsDefined("etcd", "endpoints") {
		c.Etcd.Endpoints = normalizeList(raw.Etcd.Endpoints)
	}
	if meta.IsDefined("etcd", "prefix") {
		c.Etcd.Prefix = strings.TrimSpace(raw.Etcd.Prefix)
	}
	if meta.IsDefined("etcd", "ttl") {
		c.Etcd.TTL = raw.Etcd.TTL
	}
	if err := dur("etcd.dial_timeout", raw.Etcd.DialTimeout, &c.Etcd.DialTimeout); err != nil {
		return err
	}
	if meta.IsDefined("rate_limit", "rate") {
		c.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("rate_limit", "burst") {
		c.RateLimit.Burst = raw.RateLimit.Burst
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAddress)); v != "" {
		c.Address = v
	}
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		c.Etcd.Endpoints = normalizeList(strings.Split(v, ","))
	}
}

// loadAuthKey prefers CHANRPC_AUTHKEY over the key file. Surrounding
// whitespace in the file is ignored.
func (c *Config) loadAuthKey() error {
	if v := os.Getenv(EnvAuthKey); v != "" {
		c.AuthKey = []byte(v)
		return nil
	}
	if c.AuthKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.AuthKeyFile)
	if err != nil {
		return fmt.Errorf("read authkey_file: %w", err)
	}
	key := []byte(strings.TrimSpace(string(data)))
	if len(key) == 0 {
		return fmt.Errorf("%w: authkey_file %s is empty", ErrInvalid, c.AuthKeyFile)
	}
	c.AuthKey = key
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		invalid("network %q is not one of tcp, tcp4, tcp6, unix", c.Network)
	}
	if c.Address == "" {
		invalid("address is empty")
	}
	if c.Timeout < 0 {
		invalid("timeout %s is negative", c.Timeout)
	}
	if c.HandshakeTimeout < 0 {
		invalid("handshake_timeout %s is negative", c.HandshakeTimeout)
	}
	if c.PoolSize < 1 {
		invalid("pool_size %d is below 1", c.PoolSize)
	}
	if c.Retries < 0 {
		invalid("retries %d is negative", c.Retries)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		invalid("balancer %q is unknown", c.Balancer)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		invalid("log_level %q is unknown", c.LogLevel)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		invalid("etcd.ttl %d must be positive", c.Etcd.TTL)
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		invalid("rate_limit values must not be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		invalid("rate_limit.burst must be positive when rate is set")
	}
	return result.ErrorOrNil()
}

// ChannelOptions returns the channel options this configuration describes.
func (c Config) ChannelOptions(logger hclog.Logger) []channel.Option {
	opts := []channel.Option{
		channel.WithCodec(codec.GetCodec(c.Codec)),
		channel.WithDigest(c.Digest),
		channel.WithTimeout(c.Timeout),
		channel.WithHandshakeTimeout(c.HandshakeTimeout),
		channel.WithLogger(logger.Named("channel")),
	}
	if len(c.AuthKey) > 0 {
		opts = append(opts, channel.WithAuthKey(c.AuthKey))
	}
	return opts
}

// Registry connects to etcd when endpoints are configured and returns nil
// otherwise.
func (c Config) Registry(logger hclog.Logger) (*registry.EtcdRegistry, error) {
	if len(c.Etcd.Endpoints) == 0 {
		return nil, nil
	}
	opts := []registry.EtcdOption{
		registry.WithPrefix(c.Etcd.Prefix),
		registry.WithDialTimeout(c.Etcd.DialTimeout),
		registry.WithLogger(logger.Named("registry")),
	}
	// etcd's client logs through zap; only surface it when debugging.
	if lvl := hclog.LevelFromString(c.LogLevel); lvl != hclog.NoLevel && lvl <= hclog.Debug {
		if zl, err := zap.NewDevelopment(); err == nil {
			opts = append(opts, registry.WithZapLogger(zl))
		}
	}
	return registry.NewEtcdRegistry(c.Etcd.Endpoints, opts...)
}

// NewLogger builds the root logger at the configured level.
func (c Config) NewLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(c.LogLevel),
	})
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
