// Package auth implements the shared-secret challenge-response handshake.
//
// The challenger sends CHALLENGE followed by 20 random bytes. The responder
// returns HMAC(key, random bytes). The challenger compares the digest with
// its own and answers WELCOME or FAILURE. The key itself never crosses the
// wire, and a fresh challenge is drawn for every attempt.
//
//	server                         client
//	  ── #CHALLENGE# + nonce ──→
//	  ←──────── digest ─────────
//	  ─────── #WELCOME# ───────→
//	  ←── #CHALLENGE# + nonce ──
//	  ───────── digest ────────→
//	  ←─────── #WELCOME# ───────
//
// Both peers must use opposite roles: Server delivers a challenge first,
// Client answers first. Two peers in the same role wait on each other forever.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const (
	ChallengeLength = 20
	// MaxMessageLength bounds every handshake message read from the peer.
	MaxMessageLength = 256
)

var (
	Challenge = []byte("#CHALLENGE#")
	Welcome   = []byte("#WELCOME#")
	Failure   = []byte("#FAILURE#")
)

var (
	ErrAuthentication     = errors.New("auth: authentication failed")
	ErrMalformedChallenge = errors.New("auth: malformed challenge")
	ErrEmptyKey           = errors.New("auth: empty key")
	ErrUnknownDigest      = errors.New("auth: unknown digest")
)

// Conn is the framed message surface the handshake runs over.
type Conn interface {
	SendBytes(buf []byte) error
	RecvBytesLimit(maxLength int) ([]byte, error)
}

// Digest names the hash used inside the HMAC. Both peers must agree.
type Digest string

const (
	SHA256 Digest = "sha256"
	// MD5 matches peers that predate SHA256 support.
	MD5 Digest = "md5"
)

func (d Digest) newHash() (func() hash.Hash, error) {
	switch d {
	case SHA256, "":
		return sha256.New, nil
	case MD5:
		return md5.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDigest, string(d))
	}
}

// ParseDigest maps a configuration name to a Digest.
func ParseDigest(name string) (Digest, error) {
	d := Digest(strings.ToLower(strings.TrimSpace(name)))
	if d == "" {
		return SHA256, nil
	}
	if _, err := d.newHash(); err != nil {
		return "", err
	}
	return d, nil
}

// Authenticator runs handshakes for one shared key.
type Authenticator struct {
	key    []byte
	hashFn func() hash.Hash
	rand   io.Reader
	logger hclog.Logger
}

type Option func(*Authenticator)

// WithRand replaces crypto/rand as the challenge source.
func WithRand(r io.Reader) Option {
	return func(a *Authenticator) {
		a.rand = r
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

func New(key []byte, digest Digest, opts ...Option) (*Authenticator, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	hashFn, err := digest.newHash()
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		key:    bytes.Clone(key),
		hashFn: hashFn,
		rand:   rand.Reader,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Authenticator) digest(msg []byte) []byte {
	mac := hmac.New(a.hashFn, a.key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// DeliverChallenge challenges the peer and verifies its digest.
func (a *Authenticator) DeliverChallenge(c Conn) error {
	nonce := make([]byte, ChallengeLength)
	if _, err := io.ReadFull(a.rand, nonce); err != nil {
		return fmt.Errorf("auth: generate challenge: %w", err)
	}
	msg := make([]byte, 0, len(Challenge)+ChallengeLength)
	msg = append(append(msg, Challenge...), nonce...)
	if err := c.SendBytes(msg); err != nil {
		return err
	}

	response, err := c.RecvBytesLimit(MaxMessageLength)
	if err != nil {
		return err
	}
	if hmac.Equal(response, a.digest(nonce)) {
		a.logger.Trace("challenge answered")
		return c.SendBytes(Welcome)
	}
	a.logger.Warn("peer returned a wrong digest")
	if err := c.SendBytes(Failure); err != nil {
		return fmt.Errorf("%w: digest received was wrong (%w)", ErrAuthentication, err)
	}
	return fmt.Errorf("%w: digest received was wrong", ErrAuthentication)
}

// AnswerChallenge answers the peer's challenge and waits for its verdict.
func (a *Authenticator) AnswerChallenge(c Conn) error {
	msg, err := c.RecvBytesLimit(MaxMessageLength)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(msg, Challenge) {
		return fmt.Errorf("%w: missing %s tag", ErrMalformedChallenge, Challenge)
	}
	if err := c.SendBytes(a.digest(msg[len(Challenge):])); err != nil {
		return err
	}

	response, err := c.RecvBytesLimit(MaxMessageLength)
	if err != nil {
		return err
	}
	if !bytes.Equal(response, Welcome) {
		a.logger.Warn("peer rejected our digest")
		return fmt.Errorf("%w: digest sent was rejected", ErrAuthentication)
	}
	return nil
}

// Server authenticates in the accepting role: challenge first, then answer.
func (a *Authenticator) Server(c Conn) error {
	if err := a.DeliverChallenge(c); err != nil {
		return err
	}
	return a.AnswerChallenge(c)
}

// Client authenticates in the connecting role: answer first, then challenge.
func (a *Authenticator) Client(c Conn) error {
	if err := a.AnswerChallenge(c); err != nil {
		return err
	}
	return a.DeliverChallenge(c)
}
