package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

func (s *Store) signalKey(target string) string {
	return s.key("signals", target)
}

// SendSignal appends sig to its target's pending list.
func (s *Store) SendSignal(ctx context.Context, sig horizon.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.IssuedAt.IsZero() {
		sig.IssuedAt = s.clock.Now()
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := s.client.RPush(ctx, s.signalKey(sig.Target), raw).Err(); err != nil {
		return unavailable("send signal", err)
	}
	return nil
}

// TakeSignals reads and clears target's pending signals in one transaction,
// so each signal is delivered at most once. Undecodable entries are dropped.
func (s *Store) TakeSignals(ctx context.Context, target string) ([]horizon.Signal, error) {
	key := s.signalKey(target)
	var rng *goredis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, unavailable("take signals", err)
	}
	out := make([]horizon.Signal, 0, len(rng.Val()))
	for _, raw := range rng.Val() {
		var sig horizon.Signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}
