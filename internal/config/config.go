// Package config loads and validates horizon configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// Launcher modes for supervisor processes.
const (
	LauncherExec  = "exec"
	LauncherLocal = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment string                      `mapstructure:"environment"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	Redis       RedisConfig                 `mapstructure:"redis"`
	Master      MasterConfig                `mapstructure:"master"`
	Defaults    SupervisorConfig            `mapstructure:"defaults"`
	Supervisors map[string]SupervisorConfig `mapstructure:"supervisors"`
	Snapshot    SnapshotConfig              `mapstructure:"snapshot"`
	Events      EventsConfig                `mapstructure:"events"`
	API         APIConfig                   `mapstructure:"api"`
	Postgres    PostgresConfig              `mapstructure:"postgres"`
	GCS         GCSConfig                   `mapstructure:"gcs"`
	PubSub      PubSubConfig                `mapstructure:"pubsub"`
	Tracing     TracingConfig               `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig points at the shared Redis instance (or cluster).
type RedisConfig struct {
	Addrs       []string      `mapstructure:"addrs"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// MasterConfig governs the master supervisor loop.
type MasterConfig struct {
	// Name defaults to the slugged host name.
	Name        string        `mapstructure:"name"`
	Tick        time.Duration `mapstructure:"tick"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	RestartBase time.Duration `mapstructure:"restart_base"`
	RestartCap  time.Duration `mapstructure:"restart_cap"`
	// Launcher is "exec" (one OS process per supervisor) or "local" (goroutines).
	Launcher string `mapstructure:"launcher"`
}

// SupervisorConfig is the on-disk shape of supervisor options. Zero fields in
// a named supervisor inherit from the defaults section.
type SupervisorConfig struct {
	Connection       string        `mapstructure:"connection"`
	Queues           []string      `mapstructure:"queues"`
	Balance          string        `mapstructure:"balance"`
	MinProcesses     int           `mapstructure:"min_processes"`
	MaxProcesses     int           `mapstructure:"max_processes"`
	BalanceMaxShift  int           `mapstructure:"balance_max_shift"`
	BalanceCooldown  time.Duration `mapstructure:"balance_cooldown"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MemoryMB         int           `mapstructure:"memory_mb"`
	Tries            int           `mapstructure:"tries"`
	Backoff          time.Duration `mapstructure:"backoff"`
	Sleep            time.Duration `mapstructure:"sleep"`
	Rest             time.Duration `mapstructure:"rest"`
	MaxJobs          int           `mapstructure:"max_jobs"`
	MaxTime          time.Duration `mapstructure:"max_time"`
	TerminateGrace   time.Duration `mapstructure:"terminate_grace"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// SnapshotConfig controls the metrics snapshotter.
type SnapshotConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

// EventsConfig sizes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// APIConfig controls the read-only HTTP server.
type APIConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Port           int     `mapstructure:"port"`
	APIKey         string  `mapstructure:"api_key"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// PostgresConfig enables the durable snapshot archive when DSN is set.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GCSConfig enables per-period snapshot export when Bucket is set.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig enables lifecycle event publishing when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls OpenTelemetry setup.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HORIZON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Master.Name == "" {
		cfg.Master.Name = horizon.Slug(horizon.Hostname())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.prefix", "horizon:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("master.tick", 3*time.Second)
	v.SetDefault("master.lease_ttl", 15*time.Second)
	v.SetDefault("master.stale_after", time.Minute)
	v.SetDefault("master.restart_base", time.Second)
	v.SetDefault("master.restart_cap", time.Minute)
	v.SetDefault("master.launcher", LauncherExec)
	v.SetDefault("defaults.connection", "redis")
	v.SetDefault("defaults.queues", []string{"default"})
	v.SetDefault("defaults.balance", string(horizon.BalanceAuto))
	v.SetDefault("defaults.min_processes", 1)
	v.SetDefault("defaults.max_processes", 10)
	v.SetDefault("defaults.balance_max_shift", 1)
	v.SetDefault("defaults.balance_cooldown", 3*time.Second)
	v.SetDefault("defaults.timeout", time.Minute)
	v.SetDefault("defaults.memory_mb", 128)
	v.SetDefault("defaults.tries", 1)
	v.SetDefault("defaults.sleep", 3*time.Second)
	v.SetDefault("defaults.terminate_grace", time.Minute)
	v.SetDefault("defaults.heartbeat_timeout", 30*time.Second)
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.interval", 5*time.Minute)
	v.SetDefault("snapshot.retention", 7*24*time.Hour)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.rate_limit_rps", 0)
	v.SetDefault("api.rate_limit_burst", 20)
	v.SetDefault("postgres.table", "horizon_snapshots")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("gcs.prefix", "snapshots")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "horizon")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs must not be empty")
	}
	if c.Master.Tick <= 0 {
		return fmt.Errorf("master.tick must be > 0")
	}
	if c.Master.LeaseTTL <= c.Master.Tick {
		return fmt.Errorf("master.lease_ttl must exceed master.tick")
	}
	if c.Master.Launcher != LauncherExec && c.Master.Launcher != LauncherLocal {
		return fmt.Errorf("master.launcher must be %q or %q", LauncherExec, LauncherLocal)
	}
	if c.Snapshot.Enabled && c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be > 0 when snapshots are enabled")
	}
	if c.API.RateLimitRPS < 0 {
		return fmt.Errorf("api.rate_limit_rps must be >= 0")
	}
	if c.API.Enabled && c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0 when the api is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if _, err := c.SupervisorOptions(); err != nil {
		return err
	}
	return nil
}

// SupervisorOptions merges each configured supervisor over the defaults and
// returns them sorted by name. Names are left unscoped; the master prefixes
// them with its own name.
func (c Config) SupervisorOptions() ([]horizon.SupervisorOptions, error) {
	names := make([]string, 0, len(c.Supervisors))
	for name := range c.Supervisors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]horizon.SupervisorOptions, 0, len(names))
	for _, name := range names {
		opts, err := c.Defaults.merge(c.Supervisors[name]).options(name)
		if err != nil {
			return nil, err
		}
		opts.Master = c.Master.Name
		out = append(out, opts)
	}
	return out, nil
}

func (d SupervisorConfig) merge(s SupervisorConfig) SupervisorConfig {
	out := d
	if s.Connection != "" {
		out.Connection = s.Connection
	}
	if len(s.Queues) > 0 {
		out.Queues = s.Queues
	}
	if s.Balance != "" {
		out.Balance = s.Balance
	}
	overrideInt(&out.MinProcesses, s.MinProcesses)
	overrideInt(&out.MaxProcesses, s.MaxProcesses)
	overrideInt(&out.BalanceMaxShift, s.BalanceMaxShift)
	overrideInt(&out.MemoryMB, s.MemoryMB)
	overrideInt(&out.Tries, s.Tries)
	overrideInt(&out.MaxJobs, s.MaxJobs)
	overrideDuration(&out.BalanceCooldown, s.BalanceCooldown)
	overrideDuration(&out.Timeout, s.Timeout)
	overrideDuration(&out.Backoff, s.Backoff)
	overrideDuration(&out.Sleep, s.Sleep)
	overrideDuration(&out.Rest, s.Rest)
	overrideDuration(&out.MaxTime, s.MaxTime)
	overrideDuration(&out.TerminateGrace, s.TerminateGrace)
	overrideDuration(&out.HeartbeatTimeout, s.HeartbeatTimeout)
	return out
}

func overrideInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func (s SupervisorConfig) options(name string) (horizon.SupervisorOptions, error) {
	if name == "" || strings.Contains(name, ":") {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s: name must be non-empty and must not contain ':'", name)
	}
	balance, ok := horizon.ParseBalance(s.Balance)
	if !ok {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s.balance: unknown strategy %q", name, s.Balance)
	}
	if len(s.Queues) == 0 {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s.queues must not be empty", name)
	}
	if s.MinProcesses < 0 || s.MaxProcesses <= 0 {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s: max_processes must be > 0 and min_processes >= 0", name)
	}
	if s.MinProcesses > s.MaxProcesses {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s: min_processes %d exceeds max_processes %d",
			name, s.MinProcesses, s.MaxProcesses)
	}
	if s.Timeout <= 0 {
		return horizon.SupervisorOptions{}, fmt.Errorf("supervisors.%s.timeout must be > 0", name)
	}
	return horizon.SupervisorOptions{
		Name:             name,
		Connection:       s.Connection,
		Queues:           append([]string(nil), s.Queues...),
		Balance:          balance,
		MinProcesses:     s.MinProcesses,
		MaxProcesses:     s.MaxProcesses,
		BalanceMaxShift:  s.BalanceMaxShift,
		BalanceCooldown:  s.BalanceCooldown,
		Timeout:          s.Timeout,
		MemoryMB:         s.MemoryMB,
		Tries:            s.Tries,
		Backoff:          s.Backoff,
		Sleep:            s.Sleep,
		Rest:             s.Rest,
		MaxJobs:          s.MaxJobs,
		MaxTime:          s.MaxTime,
		TerminateGrace:   s.TerminateGrace,
		HeartbeatTimeout: s.HeartbeatTimeout,
	}, nil
}

// Queues returns the distinct queues across all supervisors, sorted.
func (c Config) Queues() []string {
	opts, err := c.SupervisorOptions()
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, o := range opts {
		for _, q := range o.Queues {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out
}

