// Package redis implements the shared-storage contracts (leases, control
// signals, status records, job counters and snapshots) on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// Config defines connection parameters for the shared Redis instance.
type Config struct {
	Addrs        []string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewClient builds a go-redis client. A single address yields a plain client,
// several addresses a cluster client.
func NewClient(cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis address is required")
	}
	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	return goredis.NewUniversalClient(opts), nil
}

// Store implements horizon.Store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	clock  horizon.Clock
	owns   bool
}

// Option configures a Store.
type Option func(*Store)

// WithOwnedClient makes Close also close the underlying client.
func WithOwnedClient() Option {
	return func(s *Store) { s.owns = true }
}

// New wraps client as a Store.
func New(client goredis.UniversalClient, prefix string, clock horizon.Clock, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	s := &Store{client: client, prefix: prefix, clock: clock}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Client exposes the underlying client so the queue backend can share the pool.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client when the store owns it.
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, horizon.ErrBackendUnavailable, err)
}

func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
