package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds everything both processes read from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	PublicBaseURL      string
	CORSAllowedOrigins []string

	GatewaySandbox       bool
	GatewaySandboxURL    string
	GatewayProductionURL string
	GatewayMerchantID    string
	GatewaySalt          string
	GatewaySaltIndex     int

	OutboundTimeout   time.Duration
	PollIntervals     []time.Duration
	PollDeadline      time.Duration
	ReconcileLockTTL  time.Duration
	LockRetryBackoff  time.Duration
	IdempotencyTTL    time.Duration
	CallbackReplayTTL time.Duration

	QueueRedisPrefix       string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	QueueMaxAttempts       int

	CircuitGatewayMinReq      int
	CircuitGatewayFailureRate float64
	CircuitGatewayOpenFor     time.Duration
}

// defaultPollIntervals mirrors the gateway's recommended status-check cadence:
// quick early probes for same-tab returns, slower tail checks once the
// customer has likely left.
var defaultPollIntervals = []time.Duration{
	10 * time.Second,
	3 * time.Second,
	6 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// envReader wraps koanf with typed accessors that fall back on defaults for
// empty or malformed values.
type envReader struct{ k *koanf.Koanf }

func (r envReader) str(key, def string) string {
	if v := strings.TrimSpace(r.k.String(key)); v != "" {
		return v
	}
	return def
}

func (r envReader) dur(key, def string) time.Duration {
	d, err := time.ParseDuration(r.str(key, def))
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}

func (r envReader) num(key string, def int) int {
	v, err := strconv.Atoi(r.str(key, ""))
	if err != nil {
		return def
	}
	return v
}

func (r envReader) ratio(key string, def float64) float64 {
	v, err := strconv.ParseFloat(r.str(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func (r envReader) flag(key string, def bool) bool {
	switch strings.ToLower(r.str(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func (r envReader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.k.String(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r envReader) intervals(key string, def []time.Duration) []time.Duration {
	parts := r.list(key)
	if len(parts) == 0 {
		return append([]time.Duration(nil), def...)
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil || d <= 0 {
			return append([]time.Duration(nil), def...)
		}
		out = append(out, d)
	}
	return out
}

// Load reads configuration from the environment, honouring an optional .env
// file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	r := envReader{k: k}

	cfg := &Config{
		AppEnv:             r.str("APP_ENV", "development"),
		Port:               r.str("PORT", "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		PublicBaseURL:      strings.TrimRight(r.str("PUBLIC_BASE_URL", ""), "/"),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),

		GatewaySandbox:       r.flag("PHONEPE_SANDBOX", true),
		GatewaySandboxURL:    r.str("PHONEPE_SANDBOX_URL", "https://api-preprod.phonepe.com/apis/pg-sandbox"),
		GatewayProductionURL: k.String("PHONEPE_PRODUCTION_URL"),
		GatewayMerchantID:    k.String("PHONEPE_MERCHANT_ID"),
		GatewaySalt:          k.String("PHONEPE_SALT"),
		GatewaySaltIndex:     r.num("PHONEPE_SALT_INDEX", 1),

		OutboundTimeout:   r.dur("GATEWAY_OUTBOUND_TIMEOUT", "5s"),
		PollIntervals:     r.intervals("POLL_INTERVALS", defaultPollIntervals),
		PollDeadline:      r.dur("POLL_DEADLINE", "2m"),
		ReconcileLockTTL:  r.dur("RECONCILE_LOCK_TTL", "30s"),
		LockRetryBackoff:  r.dur("LOCK_RETRY_BACKOFF", "50ms"),
		IdempotencyTTL:    r.dur("IDEMPOTENCY_TTL", "24h"),
		CallbackReplayTTL: r.dur("CALLBACK_REPLAY_TTL", "10m"),

		QueueRedisPrefix:       r.str("QUEUE_REDIS_PREFIX", "payrecon"),
		QueueConcurrency:       r.num("QUEUE_CONCURRENCY", 4),
		QueueVisibilityTimeout: r.dur("QUEUE_VISIBILITY_TIMEOUT", "5m"),
		QueueBackoffBase:       r.dur("QUEUE_BACKOFF_BASE", "2s"),
		QueueBackoffJitter:     r.ratio("QUEUE_BACKOFF_JITTER", 0.2),
		QueueMaxAttempts:       r.num("QUEUE_MAX_ATTEMPTS", 5),

		CircuitGatewayMinReq:      r.num("CIRCUIT_GATEWAY_MIN_REQ", 10),
		CircuitGatewayFailureRate: r.ratio("CIRCUIT_GATEWAY_FAILURE_RATE", 0.5),
		CircuitGatewayOpenFor:     r.dur("CIRCUIT_GATEWAY_OPEN_FOR", "30s"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.GatewayMerchantID == "" {
		return errors.New("PHONEPE_MERCHANT_ID is required")
	}
	if c.GatewaySalt == "" {
		return errors.New("PHONEPE_SALT is required")
	}
	if !c.GatewaySandbox && c.GatewayProductionURL == "" {
		return errors.New("PHONEPE_PRODUCTION_URL is required outside sandbox mode")
	}
	return nil
}

// GatewayBaseURL resolves the gateway origin for the configured environment.
func (c *Config) GatewayBaseURL() string {
	base := c.GatewayProductionURL
	if c.GatewaySandbox {
		base = c.GatewaySandboxURL
	}
	return strings.TrimRight(base, "/")
}

// HTTPAddr returns the listen address, accepting PORT with or without the
// leading colon.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}
	return port
}

// MustLoad is Load for entrypoints: any error is fatal anyway.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests applies env overrides, loads, then restores the previous
// values. An empty override value unsets the variable.
func LoadForTests(overrides map[string]string) (*Config, error) {
	previous := make(map[string]string, len(overrides))
	for key, value := range overrides {
		previous[key] = os.Getenv(key)
		if err := setEnvVar(key, value); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(previous)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var problems []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(problems, "; "))
	}
	return nil
}
