package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port           string
	GRPCHealthAddr string // empty disables the gRPC health listener

	// Storage
	DataDir      string
	DBPath       string
	VenueFile    string // venue layout + instrument table (YAML)
	AccountsFile string // account seeds (YAML), synced into the DB on start

	// Session manager
	LoginMaxAttempts  int
	LoginTimeout      time.Duration
	ActionTimeout     time.Duration // hard deadline for a single driver call
	HeartbeatInterval time.Duration // 0 disables idle session probes
	Headless          bool

	// Execution engine
	ConfirmationTimeout time.Duration
	JitterMin           time.Duration
	JitterMax           time.Duration

	// Dispatcher
	DedupeWindow     time.Duration
	DispatchMaxRetry int
	QueueSize        int
	MinOrderInterval time.Duration

	// Recovery supervisor
	RecoveryPollInterval     time.Duration
	LivenessMaxAge           time.Duration
	RecoveryMaxAttempts      int
	RecoveryFailureThreshold int
	RecoveryBackoffBase      time.Duration
	RecoveryBackoffMax       time.Duration
	RestartOnExhaust         bool

	// Execution toggle: DRY_RUN swaps the browser for the simulated venue.
	DryRun bool

	// Auth
	JWTSecret string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	jitterMin, jitterMax, err := parseRangeMs(getEnv("KEYSTROKE_JITTER_MS", "50-200"))
	if err != nil {
		return nil, fmt.Errorf("KEYSTROKE_JITTER_MS: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthAddr: os.Getenv("GRPC_HEALTH_ADDR"),

		DataDir:      dataDir,
		DBPath:       getEnv("DB_PATH", filepath.Join(dataDir, "execution.db")),
		VenueFile:    getEnv("VENUE_FILE", "./config/venue.yaml"),
		AccountsFile: getEnv("ACCOUNTS_FILE", "./config/accounts.yaml"),

		LoginMaxAttempts:  getEnvInt("LOGIN_MAX_ATTEMPTS", 3),
		LoginTimeout:      getEnvSeconds("LOGIN_TIMEOUT_S", 30),
		ActionTimeout:     getEnvSeconds("DRIVER_ACTION_TIMEOUT_S", 10),
		HeartbeatInterval: getEnvSeconds("SESSION_HEARTBEAT_INTERVAL_S", 60),
		Headless:          getEnv("HEADLESS", "true") == "true",

		ConfirmationTimeout: getEnvSeconds("CONFIRMATION_TIMEOUT_S", 15),
		JitterMin:           jitterMin,
		JitterMax:           jitterMax,

		DedupeWindow:     getEnvSeconds("DEDUPE_WINDOW_S", 600),
		DispatchMaxRetry: getEnvInt("DISPATCH_MAX_RETRY", 1),
		QueueSize:        getEnvInt("DISPATCH_QUEUE_SIZE", 256),
		MinOrderInterval: time.Duration(getEnvInt("DISPATCH_MIN_INTERVAL_MS", 0)) * time.Millisecond,

		RecoveryPollInterval:     getEnvSeconds("RECOVERY_POLL_INTERVAL_S", 60),
		LivenessMaxAge:           getEnvSeconds("LIVENESS_MAX_AGE_S", 300),
		RecoveryMaxAttempts:      getEnvInt("RECOVERY_MAX_ATTEMPTS", 3),
		RecoveryFailureThreshold: getEnvInt("RECOVERY_FAILURE_THRESHOLD", 3),
		RecoveryBackoffBase:      getEnvSeconds("RECOVERY_BACKOFF_BASE_S", 2),
		RecoveryBackoffMax:       getEnvSeconds("RECOVERY_BACKOFF_MAX_S", 60),
		RestartOnExhaust:         getEnv("RECOVERY_RESTART_ON_EXHAUST", "true") == "true",

		DryRun:    getEnv("DRY_RUN", "false") == "true",
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		Language:  getEnv("LANGUAGE", "en"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	switch {
	case c.LoginMaxAttempts < 1:
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be >= 1, got %d", c.LoginMaxAttempts)
	case c.ConfirmationTimeout <= 0:
		return fmt.Errorf("CONFIRMATION_TIMEOUT_S must be > 0")
	case c.ActionTimeout <= 0:
		return fmt.Errorf("DRIVER_ACTION_TIMEOUT_S must be > 0")
	case c.JitterMin < 0 || c.JitterMax < c.JitterMin:
		return fmt.Errorf("keystroke jitter range %v-%v is invalid", c.JitterMin, c.JitterMax)
	case c.DedupeWindow <= 0:
		return fmt.Errorf("DEDUPE_WINDOW_S must be > 0")
	case c.DispatchMaxRetry < 0:
		return fmt.Errorf("DISPATCH_MAX_RETRY must be >= 0")
	case c.RecoveryPollInterval <= 0:
		return fmt.Errorf("RECOVERY_POLL_INTERVAL_S must be > 0")
	case c.LivenessMaxAge <= 0:
		return fmt.Errorf("LIVENESS_MAX_AGE_S must be > 0")
	case c.RecoveryMaxAttempts < 1:
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

// ProfileRoot is where per-account browser profiles live unless an account overrides it.
func (c *Config) ProfileRoot() string { return filepath.Join(c.DataDir, "profiles") }

// LivenessDir holds one snapshot file per liveness key.
func (c *Config) LivenessDir() string { return filepath.Join(c.DataDir, "liveness") }

// ExecutionLogPath is the append-only execution log.
func (c *Config) ExecutionLogPath() string { return filepath.Join(c.DataDir, "executions.jsonl") }

// EvidenceDir receives driver screenshots.
func (c *Config) EvidenceDir() string { return filepath.Join(c.DataDir, "evidence") }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}

// parseRangeMs accepts "50-200" or a single value "100".
func parseRangeMs(val string) (time.Duration, time.Duration, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(val), "-")
	min, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", val, err)
	}
	max := min
	if found {
		if max, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return 0, 0, fmt.Errorf("parse %q: %w", val, err)
		}
	}
	if min < 0 || max < min {
		return 0, 0, fmt.Errorf("invalid range %q", val)
	}
	return time.Duration(min) * time.Millisecond, time.Duration(max) * time.Millisecond, nil
}
