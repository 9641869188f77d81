package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/horizon/internal/horizon"
)

func (s *Store) supervisorsKey() string { return s.key("supervisors") }
func (s *Store) mastersKey() string     { return s.key("masters") }
func (s *Store) workersKey(supervisor string) string {
	return s.key("workers", supervisor)
}

func (s *Store) hset(ctx context.Context, key, field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	if err := s.client.HSet(ctx, key, field, raw).Err(); err != nil {
		return unavailable("save record", err)
	}
	return nil
}

func hget[T any](ctx context.Context, s *Store, key, field string) (T, error) {
	var out T
	raw, err := s.client.HGet(ctx, key, field).Result()
	if isNil(err) {
		return out, fmt.Errorf("%s: %w", field, horizon.ErrNotFound)
	}
	if err != nil {
		return out, unavailable("read record", err)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", field, err)
	}
	return out, nil
}

// hgetall decodes every field of key, ordered by field name. Corrupt entries are skipped.
func hgetall[T any](ctx context.Context, s *Store, key string) ([]T, error) {
	all, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("list records", err)
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]T, 0, len(fields))
	for _, f := range fields {
		var v T
		if err := json.Unmarshal([]byte(all[f]), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) hdel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return unavailable("forget record", err)
	}
	return nil
}

// SaveSupervisor writes rec, replacing any previous record of the same name.
func (s *Store) SaveSupervisor(ctx context.Context, rec horizon.SupervisorRecord) error {
	return s.hset(ctx, s.supervisorsKey(), rec.Name, rec)
}

// Supervisor loads one supervisor record.
func (s *Store) Supervisor(ctx context.Context, name string) (horizon.SupervisorRecord, error) {
	return hget[horizon.SupervisorRecord](ctx, s, s.supervisorsKey(), name)
}

// Supervisors lists all supervisor records by name.
func (s *Store) Supervisors(ctx context.Context) ([]horizon.SupervisorRecord, error) {
	return hgetall[horizon.SupervisorRecord](ctx, s, s.supervisorsKey())
}

// ForgetSupervisor removes a supervisor record.
func (s *Store) ForgetSupervisor(ctx context.Context, name string) error {
	return s.hdel(ctx, s.supervisorsKey(), name)
}

// SaveMaster writes a master record.
func (s *Store) SaveMaster(ctx context.Context, rec horizon.MasterRecord) error {
	return s.hset(ctx, s.mastersKey(), rec.Name, rec)
}

// Masters lists all master records by name.
func (s *Store) Masters(ctx context.Context) ([]horizon.MasterRecord, error) {
	return hgetall[horizon.MasterRecord](ctx, s, s.mastersKey())
}

// ForgetMaster removes a master record.
func (s *Store) ForgetMaster(ctx context.Context, name string) error {
	return s.hdel(ctx, s.mastersKey(), name)
}

// SaveWorker writes a runner heartbeat record.
func (s *Store) SaveWorker(ctx context.Context, rec horizon.WorkerRecord) error {
	return s.hset(ctx, s.workersKey(rec.Supervisor), rec.ID, rec)
}

// Worker loads one runner record.
func (s *Store) Worker(ctx context.Context, supervisor, id string) (horizon.WorkerRecord, error) {
	return hget[horizon.WorkerRecord](ctx, s, s.workersKey(supervisor), id)
}

// Workers lists the runner records of a supervisor.
func (s *Store) Workers(ctx context.Context, supervisor string) ([]horizon.WorkerRecord, error) {
	return hgetall[horizon.WorkerRecord](ctx, s, s.workersKey(supervisor))
}

// ForgetWorker removes one runner record.
func (s *Store) ForgetWorker(ctx context.Context, supervisor, id string) error {
	return s.hdel(ctx, s.workersKey(supervisor), id)
}

// ForgetWorkers removes every runner record of a supervisor.
func (s *Store) ForgetWorkers(ctx context.Context, supervisor string) error {
	if err := s.client.Del(ctx, s.workersKey(supervisor)).Err(); err != nil {
		return unavailable("forget workers", err)
	}
	return nil
}
