package channel

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"chanrpc/auth"
	"chanrpc/codec"
)

// DefaultHandshakeTimeout bounds a whole authentication exchange.
const DefaultHandshakeTimeout = 5 * time.Second

type options struct {
	authKey          []byte
	codec            codec.Codec
	digest           auth.Digest
	timeout          time.Duration
	handshakeTimeout time.Duration
	logger           hclog.Logger
}

// Option configures channels, listeners and dialers.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		codec:            &codec.MsgpackCodec{},
		digest:           auth.SHA256,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAuthKey makes Listen and Dial authenticate every new channel.
// An empty key disables authentication.
func WithAuthKey(key []byte) Option {
	return func(o *options) {
		o.authKey = key
	}
}

// WithCodec selects the value codec. Both peers must use the same one.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithDigest selects the HMAC hash for the handshake.
func WithDigest(d auth.Digest) Option {
	return func(o *options) {
		o.digest = d
	}
}

// WithTimeout sets the initial per-operation read/write timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithHandshakeTimeout bounds authentication in Accept and Dial.
// Zero leaves the handshake under the channel's normal timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
