// Package storeconfig provides unified environment-variable configuration
// loading for the engine, scheduler, and queue processes.
package storeconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DatabaseConfig controls the Postgres connection used by every repository.
type DatabaseConfig struct {
	DSN             string `env:"DATABASE_DSN"`
	Host            string `env:"DATABASE_HOST,default=localhost"`
	Port            int    `env:"DATABASE_PORT,default=5432"`
	User            string `env:"DATABASE_USER,default=postgres"`
	Password        string `env:"DATABASE_PASSWORD"`
	Name            string `env:"DATABASE_NAME,default=flowengine"`
	SSLMode         string `env:"DATABASE_SSLMODE,default=disable"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifeSec  int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS,default=300"`
	MigrateOnStart  bool   `env:"DATABASE_MIGRATE_ON_START,default=true"`
	MigrationsPath  string `env:"DATABASE_MIGRATIONS_PATH,default=store/migrations"`
}

// ConnectionString builds a libpq connection string from host parameters,
// unless an explicit DSN override is configured.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig controls the queue's in-memory mirror tier.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// EngineConfig carries the lease/tick tuning knobs from spec.md §5.
type EngineConfig struct {
	EngineID           string        `env:"ENGINE_ID"`
	LeaseTTL           time.Duration `env:"ENGINE_LEASE_TTL,default=60s"`
	HeartbeatInterval  time.Duration `env:"ENGINE_HEARTBEAT_INTERVAL,default=15s"`
	IdleTick           time.Duration `env:"ENGINE_IDLE_TICK,default=500ms"`
	BusyTick           time.Duration `env:"ENGINE_BUSY_TICK,default=50ms"`
	Concurrency        int           `env:"ENGINE_CONCURRENCY,default=16"`
	NodeTimeoutGrace   time.Duration `env:"ENGINE_NODE_TIMEOUT_GRACE,default=10s"`
}

// SchedulerConfig carries the scheduler's recovery/concurrency tuning knobs.
type SchedulerConfig struct {
	RecoveryInterval time.Duration `env:"SCHEDULER_RECOVERY_INTERVAL,default=10m"`
	MaxConcurrency   int           `env:"SCHEDULER_MAX_CONCURRENCY,default=50"`
	RetryDelay       time.Duration `env:"SCHEDULER_BUSY_RETRY_DELAY,default=60s"`
}

// QueueConfig carries the queue sweep/watermark/backpressure tuning knobs.
type QueueConfig struct {
	SweepInterval        time.Duration `env:"QUEUE_SWEEP_INTERVAL,default=30s"`
	WatermarkScanInterval time.Duration `env:"QUEUE_WATERMARK_SCAN_INTERVAL,default=1s"`
	BackpressureAdjust   time.Duration `env:"QUEUE_BACKPRESSURE_ADJUST_INTERVAL,default=5s"`
	LowThreshold         int           `env:"QUEUE_WATERMARK_LOW,default=100"`
	NormalThreshold      int           `env:"QUEUE_WATERMARK_NORMAL,default=500"`
	HighThreshold        int           `env:"QUEUE_WATERMARK_HIGH,default=1000"`
	CriticalThreshold    int           `env:"QUEUE_WATERMARK_CRITICAL,default=2000"`
	MinStreamDuration    time.Duration `env:"QUEUE_MIN_STREAM_DURATION,default=10s"`
	StopStreamDelay      time.Duration `env:"QUEUE_STOP_STREAM_DELAY,default=15s"`
	StartCooldown        time.Duration `env:"QUEUE_START_COOLDOWN,default=5s"`
	BaseConcurrency      int           `env:"QUEUE_BASE_CONCURRENCY,default=10"`
	HighMultiplier       float64       `env:"QUEUE_HIGH_MULTIPLIER,default=0.5"`
	CriticalMultiplier   float64       `env:"QUEUE_CRITICAL_MULTIPLIER,default=0.1"`
}

// Config is the top-level configuration for every process entrypoint.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	Queue     QueueConfig
}

// New returns the configuration decoded from the struct-tag defaults and any
// matching process environment variables; it does not read a .env file.
func New() *Config {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			// Defaults come from struct tags; a decode error here means a
			// tag is malformed, which is a programming error worth a panic
			// during development rather than a silently wrong default.
			panic(fmt.Sprintf("storeconfig: invalid default tags: %v", err))
		}
	}
	return cfg
}

// Load reads a .env file (if present) then overlays process environment
// variables onto the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if cfg.Engine.EngineID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "engine"
		}
		cfg.Engine.EngineID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	return cfg, nil
}
