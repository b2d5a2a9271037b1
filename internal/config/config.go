// Package config loads the process configuration from the environment,
// following the same ${VAR} / $VAR expansion the teacher's pkg/config/env.go
// applies to YAML values -- here applied directly to env-sourced strings so a
// deployment can compose one env var from others (e.g. a DSN built from a
// host and a password secret).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the external-interfaces section: DB
// connection and pool sizing, provider endpoints, audit output, and
// agent-loop bounds.
type Config struct {
	// PGURI, when empty, means "fall back to the embedded SQLite dialect".
	PGURI string

	DBPoolSize     int
	DBMaxOverflow  int
	DBPoolTimeout  time.Duration
	DBPoolRecycle  time.Duration

	LLMAPIBase       string
	LLMAPIKey        string
	EmbeddingAPIBase string
	EmbeddingAPIKey  string

	AuditDir                      string
	AuditEnableRealtimeMonitoring bool
	AuditRulesPath                string

	// VectorStoreProvider is "chromem" (embedded default) or "qdrant".
	VectorStoreProvider   string
	VectorStorePersistDir string
	VectorStoreCompress   bool
	QdrantHost            string
	QdrantPort            int
	QdrantAPIKey          string
	QdrantUseTLS          bool

	MaxStepsPerTurn        int
	PerTurnDeadlineSeconds time.Duration
	DefaultTopK            int

	LogLevel string
	HTTPAddr string

	// HTTPRateLimitPerSecond and HTTPRateLimitBurst bound the request rate
	// the HTTP surface accepts per client before returning ResourceExhausted
	// (spec §7). Zero disables rate limiting.
	HTTPRateLimitPerSecond float64
	HTTPRateLimitBurst     int
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}|\$([A-Z_][A-Z0-9_]*)`)

// expand substitutes ${VAR} and $VAR references within s with the current
// environment, leaving unresolved names as empty strings. Values that don't
// contain '$' are returned unchanged without allocating.
func expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		name := parts[1]
		if name == "" {
			name = parts[2]
		}
		return os.Getenv(name)
	})
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return expand(v)
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(expand(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(expand(v))
	if err != nil {
		return false, fmt.Errorf("config: %s must be a bool, got %q: %w", key, v, err)
	}
	return b, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(expand(v), 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q: %w", key, v, err)
	}
	return f, nil
}

func getenvSeconds(key string, fallbackSeconds int) (time.Duration, error) {
	n, err := getenvInt(key, fallbackSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Load reads Config from the environment. It loads a local .env file first
// (if present, via godotenv, silently ignored when absent) so local/dev runs
// behave like a deployed process without exporting vars by hand.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PGURI:            getenv("PG_URI", ""),
		LLMAPIBase:       getenv("LLM_API_BASE", ""),
		LLMAPIKey:        getenv("LLM_API_KEY", ""),
		EmbeddingAPIBase: getenv("EMBEDDING_API_BASE", ""),
		EmbeddingAPIKey:  getenv("EMBEDDING_API_KEY", ""),
		AuditDir:         getenv("AUDIT_DIR", "./logs"),
		AuditRulesPath:   getenv("AUDIT_RULES_PATH", ""),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),

		VectorStoreProvider:   getenv("VECTOR_STORE_PROVIDER", "chromem"),
		VectorStorePersistDir: getenv("VECTOR_STORE_PERSIST_DIR", "./data/vectors"),
		QdrantHost:            getenv("QDRANT_HOST", "localhost"),
		QdrantAPIKey:          getenv("QDRANT_API_KEY", ""),
	}

	var err error
	if cfg.VectorStoreCompress, err = getenvBool("VECTOR_STORE_COMPRESS", false); err != nil {
		return nil, err
	}
	if cfg.QdrantPort, err = getenvInt("QDRANT_PORT", 6334); err != nil {
		return nil, err
	}
	if cfg.QdrantUseTLS, err = getenvBool("QDRANT_USE_TLS", false); err != nil {
		return nil, err
	}
	if cfg.DBPoolSize, err = getenvInt("DB_POOL_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.DBMaxOverflow, err = getenvInt("DB_MAX_OVERFLOW", 10); err != nil {
		return nil, err
	}
	if cfg.DBPoolTimeout, err = getenvSeconds("DB_POOL_TIMEOUT", 30); err != nil {
		return nil, err
	}
	if cfg.DBPoolRecycle, err = getenvSeconds("DB_POOL_RECYCLE", 1800); err != nil {
		return nil, err
	}
	if cfg.AuditEnableRealtimeMonitoring, err = getenvBool("AUDIT_ENABLE_REALTIME_MONITORING", true); err != nil {
		return nil, err
	}
	if cfg.MaxStepsPerTurn, err = getenvInt("MAX_STEPS_PER_TURN", 8); err != nil {
		return nil, err
	}
	if cfg.PerTurnDeadlineSeconds, err = getenvSeconds("PER_TURN_DEADLINE_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.DefaultTopK, err = getenvInt("DEFAULT_TOP_K", 3); err != nil {
		return nil, err
	}
	if cfg.HTTPRateLimitPerSecond, err = getenvFloat("HTTP_RATE_LIMIT_PER_SECOND", 20); err != nil {
		return nil, err
	}
	if cfg.HTTPRateLimitBurst, err = getenvInt("HTTP_RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}

	if cfg.MaxStepsPerTurn <= 0 {
		return nil, fmt.Errorf("config: MAX_STEPS_PER_TURN must be positive, got %d", cfg.MaxStepsPerTurn)
	}
	if cfg.DefaultTopK <= 0 {
		return nil, fmt.Errorf("config: DEFAULT_TOP_K must be positive, got %d", cfg.DefaultTopK)
	}

	return cfg, nil
}

// UsesEmbeddedStorage reports whether no relational DB URI was configured,
// meaning the storage adapter should open its embedded SQLite dialect.
func (c *Config) UsesEmbeddedStorage() bool {
	return c.PGURI == ""
}
