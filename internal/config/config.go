// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Timeout policies applied when a turn expires.
const (
	TimeoutForfeit  = "forfeit"
	TimeoutAutoMove = "auto_move"
)

// Config holds every tunable of a service instance. Values come from the environment;
// the cmd mains load a .env file first through godotenv/autoload.
type Config struct {
	Port   string
	NodeID string

	RedisAddr     string
	RedisDB       int
	RedisPassword string
	KeyPrefix     string

	RoomTTL        time.Duration
	TombstoneTTL   time.Duration
	SeatLockTTL    time.Duration
	HolderLeaseTTL time.Duration
	TurnLimit      time.Duration

	SweepInterval    time.Duration
	SweepConcurrency int

	AIPoolSize   int
	AIThinkDelay time.Duration
	AIBudget     time.Duration
	AILevel      string

	SeriesBestOf  int
	AutoStart     bool
	TimeoutPolicy string

	EventQueue   string
	EventChannel string

	CommandRate  float64
	CommandBurst int

	// TokenExpire of zero issues tokens without expiry.
	TokenExpire    time.Duration
	PrivateKeyPath string
	PublicKeyPath  string

	DatabaseURL        string
	HistorianBatchSize int
	HistorianFlush     time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   getEnv("PORT", "8080"),
		NodeID: getEnv("NODE_ID", defaultNodeID()),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:     getEnv("REDIS_KEY_PREFIX", "turnroom:"),

		RoomTTL:        getEnvDuration("ROOM_TTL", 48*time.Hour),
		TombstoneTTL:   getEnvDuration("TOMBSTONE_TTL", 24*time.Hour),
		SeatLockTTL:    getEnvDuration("SEAT_LOCK_TTL", 5*time.Second),
		HolderLeaseTTL: getEnvDuration("HOLDER_LEASE_TTL", 10*time.Second),
		TurnLimit:      getEnvDuration("TURN_LIMIT", 30*time.Second),

		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Second),
		SweepConcurrency: getEnvInt("SWEEP_CONCURRENCY", 16),

		AIPoolSize:   getEnvInt("AI_POOL_SIZE", 0),
		AIThinkDelay: getEnvDuration("AI_THINK_DELAY", 400*time.Millisecond),
		AIBudget:     getEnvDuration("AI_BUDGET", time.Second),
		AILevel:      getEnv("AI_LEVEL", "montecarlo"),

		SeriesBestOf:  getEnvInt("SERIES_BEST_OF", 1),
		AutoStart:     getEnvBool("AUTO_START", true),
		TimeoutPolicy: strings.ToLower(getEnv("TIMEOUT_POLICY", TimeoutForfeit)),

		EventQueue:   getEnv("EVENT_QUEUE_NAME", "turnroom_events"),
		EventChannel: getEnv("EVENT_CHANNEL", "turnroom:events"),

		CommandRate:  getEnvFloat("COMMAND_RATE", 5),
		CommandBurst: getEnvInt("COMMAND_BURST", 10),

		TokenExpire:    getTokenExpire(),
		PrivateKeyPath: os.Getenv("JWT_PRIVATE_KEY_PATH"),
		PublicKeyPath:  os.Getenv("JWT_PUBLIC_KEY_PATH"),

		DatabaseURL:        os.Getenv("DATABASE_URL"),
		HistorianBatchSize: getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		HistorianFlush:     time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
	if cfg.AIPoolSize <= 0 {
		cfg.AIPoolSize = DefaultAIPoolSize()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise break the engine at runtime.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"ROOM_TTL":         c.RoomTTL,
		"TOMBSTONE_TTL":    c.TombstoneTTL,
		"SEAT_LOCK_TTL":    c.SeatLockTTL,
		"HOLDER_LEASE_TTL": c.HolderLeaseTTL,
		"TURN_LIMIT":       c.TurnLimit,
		"SWEEP_INTERVAL":   c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config %s must be positive, got %s", name, d)
		}
	}
	if c.SweepInterval >= c.HolderLeaseTTL {
		return fmt.Errorf("config SWEEP_INTERVAL (%s) must be shorter than HOLDER_LEASE_TTL (%s)", c.SweepInterval, c.HolderLeaseTTL)
	}
	if c.SeriesBestOf < 1 {
		return fmt.Errorf("config SERIES_BEST_OF must be at least 1, got %d", c.SeriesBestOf)
	}
	switch c.TimeoutPolicy {
	case TimeoutForfeit, TimeoutAutoMove:
	default:
		return fmt.Errorf("config TIMEOUT_POLICY must be %q or %q, got %q", TimeoutForfeit, TimeoutAutoMove, c.TimeoutPolicy)
	}
	if c.NodeID == "" {
		return fmt.Errorf("config NODE_ID must not be empty")
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// DefaultAIPoolSize is half the available parallelism, at least one.
func DefaultAIPoolSize() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}
	return n
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt parses an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

// getTokenExpire reads TOKEN_EXPIRE_TIME; "never", "0" or unset disable expiry.
func getTokenExpire() time.Duration {
	switch s := os.Getenv("TOKEN_EXPIRE_TIME"); s {
	case "", "0", "never":
		return 0
	}
	return getEnvDuration("TOKEN_EXPIRE_TIME", 72*time.Hour)
}

// getEnvDuration accepts Go duration strings ("30s") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
