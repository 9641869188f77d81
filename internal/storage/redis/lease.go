package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// KEYS[1] lease key; ARGV[1] owner; ARGV[2] ttl ms
var renewScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] lease key; ARGV[1] owner
var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

func (s *Store) leaseKey(name string) string {
	return s.key("lease", name)
}

// AcquireLease claims name for owner. Re-acquiring an already owned lease
// refreshes its TTL; any other holder yields horizon.ErrLeaseConflict.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.leaseKey(name), owner, ttl).Result()
	if err != nil {
		return unavailable("acquire lease", err)
	}
	if ok {
		return nil
	}
	if err := s.RenewLease(ctx, name, owner, ttl); err != nil {
		if errors.Is(err, horizon.ErrLeaseLost) {
			return fmt.Errorf("lease %s: %w", name, horizon.ErrLeaseConflict)
		}
		return err
	}
	return nil
}

// RenewLease extends the TTL of a lease held by owner.
func (s *Store) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, s.client, []string{s.leaseKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable("renew lease", err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s: %w", name, horizon.ErrLeaseLost)
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(name)}, owner).Err(); err != nil {
		return unavailable("release lease", err)
	}
	return nil
}

// LeaseHolder returns the current owner of name, or "" when unheld.
func (s *Store) LeaseHolder(ctx context.Context, name string) (string, error) {
	owner, err := s.client.Get(ctx, s.leaseKey(name)).Result()
	if isNil(err) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("read lease", err)
	}
	return owner, nil
}
