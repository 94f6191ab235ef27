package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Scheduler: how far ahead concerts are scanned, and per-kind lead
	// times (minutes) at which pushes fire. The window start must be
	// >= the largest offset so every fire time is still future at
	// schedule time.
	LookaheadFrom     time.Duration
	LookaheadTo       time.Duration
	TicketOpenOffsets []int
	StartOffsets      []int

	// Queue / worker
	WorkerConcurrency  int
	DispatchLimit      int           // max dispatches per window
	DispatchWindow     time.Duration // rate limit window
	QueueMaxAttempts   int
	QueueBackoffBase   time.Duration
	QueuePollInterval  time.Duration
	CompletedRetention time.Duration // job record TTL after completion
	DeadRetention      time.Duration // job record TTL after permanent failure
	BadgeEnabled       bool          // per-recipient delivery with unread badge

	// Recovery
	RecoveryGrace    time.Duration // processing lag tolerated before an intent counts as stale
	RecoveryMaxStale time.Duration // older than this, a lost intent is marked failed

	// History retention: expiry is recomputed to the read TTL the
	// moment an entry is marked read.
	HistoryTTLRead       time.Duration
	HistoryTTLUnread     time.Duration
	HistorySweepInterval time.Duration

	// Push gateway
	GatewayBatchSize int
	SNSRegion        string
	SNSPlatformARN   string // platform application ARN; empty disables SNS delivery
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "stagebell",
		DBPassword: "",
		DBName:     "stagebell",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		LookaheadFrom:     48 * time.Hour,
		LookaheadTo:       72 * time.Hour,
		TicketOpenOffsets: []int{10, 30, 60, 1440},
		StartOffsets:      []int{60, 180, 1440},

		WorkerConcurrency:  4,
		DispatchLimit:      30,
		DispatchWindow:     1 * time.Second,
		QueueMaxAttempts:   5,
		QueueBackoffBase:   30 * time.Second,
		QueuePollInterval:  1 * time.Second,
		CompletedRetention: 1 * time.Hour,
		DeadRetention:      7 * 24 * time.Hour,
		BadgeEnabled:       true,

		RecoveryGrace:    5 * time.Minute,
		RecoveryMaxStale: 24 * time.Hour,

		HistoryTTLRead:       30 * 24 * time.Hour,
		HistoryTTLUnread:     90 * 24 * time.Hour,
		HistorySweepInterval: 1 * time.Hour,

		GatewayBatchSize: 500,
		SNSRegion:        "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Scheduler config
	if v := os.Getenv("LOOKAHEAD_FROM"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOOKAHEAD_FROM: %w", err)
		}
		cfg.LookaheadFrom = d
	}

	if v := os.Getenv("LOOKAHEAD_TO"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOOKAHEAD_TO: %w", err)
		}
		cfg.LookaheadTo = d
	}

	if v := os.Getenv("TICKET_OPEN_OFFSETS"); v != "" {
		offsets, err := parseOffsets(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TICKET_OPEN_OFFSETS: %w", err)
		}
		cfg.TicketOpenOffsets = offsets
	}

	if v := os.Getenv("START_OFFSETS"); v != "" {
		offsets, err := parseOffsets(v)
		if err != nil {
			return nil, fmt.Errorf("invalid START_OFFSETS: %w", err)
		}
		cfg.StartOffsets = offsets
	}

	// Worker / queue config
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = n
	}

	if v := os.Getenv("DISPATCH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_LIMIT: %w", err)
		}
		cfg.DispatchLimit = n
	}

	if v := os.Getenv("DISPATCH_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_WINDOW: %w", err)
		}
		cfg.DispatchWindow = d
	}

	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.QueueMaxAttempts = n
	}

	if v := os.Getenv("QUEUE_BACKOFF_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BACKOFF_BASE: %w", err)
		}
		cfg.QueueBackoffBase = d
	}

	if v := os.Getenv("QUEUE_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_POLL_INTERVAL: %w", err)
		}
		cfg.QueuePollInterval = d
	}

	if v := os.Getenv("BADGE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BADGE_ENABLED: %w", err)
		}
		cfg.BadgeEnabled = b
	}

	// Recovery config
	if v := os.Getenv("RECOVERY_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECOVERY_GRACE: %w", err)
		}
		cfg.RecoveryGrace = d
	}

	if v := os.Getenv("RECOVERY_MAX_STALE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECOVERY_MAX_STALE: %w", err)
		}
		cfg.RecoveryMaxStale = d
	}

	if v := os.Getenv("HISTORY_TTL_READ"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HISTORY_TTL_READ: %w", err)
		}
		cfg.HistoryTTLRead = d
	}

	if v := os.Getenv("HISTORY_TTL_UNREAD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HISTORY_TTL_UNREAD: %w", err)
		}
		cfg.HistoryTTLUnread = d
	}

	if v := os.Getenv("HISTORY_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HISTORY_SWEEP_INTERVAL: %w", err)
		}
		cfg.HistorySweepInterval = d
	}

	// Push gateway config
	if v := os.Getenv("GATEWAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEWAY_BATCH_SIZE: %w", err)
		}
		cfg.GatewayBatchSize = n
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}

	if arn := os.Getenv("SNS_PLATFORM_ARN"); arn != "" {
		cfg.SNSPlatformARN = arn
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LookaheadFrom >= c.LookaheadTo {
		return fmt.Errorf("LOOKAHEAD_FROM (%s) must be before LOOKAHEAD_TO (%s)", c.LookaheadFrom, c.LookaheadTo)
	}
	maxOffset := 0
	for _, o := range append(append([]int{}, c.TicketOpenOffsets...), c.StartOffsets...) {
		if o <= 0 {
			return fmt.Errorf("offsets must be positive minutes, got %d", o)
		}
		if o > maxOffset {
			maxOffset = o
		}
	}
	if time.Duration(maxOffset)*time.Minute > c.LookaheadFrom {
		return fmt.Errorf("largest offset (%dm) exceeds LOOKAHEAD_FROM (%s); fire times could be in the past at schedule time", maxOffset, c.LookaheadFrom)
	}
	if c.HistoryTTLRead <= 0 || c.HistoryTTLUnread <= 0 {
		return fmt.Errorf("history TTLs must be positive, got read %s unread %s", c.HistoryTTLRead, c.HistoryTTLUnread)
	}
	if c.HistoryTTLRead > c.HistoryTTLUnread {
		return fmt.Errorf("HISTORY_TTL_READ (%s) must not exceed HISTORY_TTL_UNREAD (%s)", c.HistoryTTLRead, c.HistoryTTLUnread)
	}
	return nil
}

// parseOffsets parses a comma-separated list of minute offsets,
// e.g. "10,30,60,1440".
func parseOffsets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	offsets := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("offset %q: %w", p, err)
		}
		offsets = append(offsets, n)
	}
	return offsets, nil
}
