package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":        "postgres://localhost:5432/payrecon",
		"REDIS_URL":           "redis://localhost:6379/0",
		"PHONEPE_MERCHANT_ID": "MTEST",
		"PHONEPE_SALT":        "salt-value",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.True(t, cfg.GatewaySandbox)
	require.Contains(t, cfg.GatewayBaseURL(), "preprod.phonepe.com")
	require.Equal(t, 1, cfg.GatewaySaltIndex)
	require.Equal(t, 5*time.Second, cfg.OutboundTimeout)
	require.Equal(t, 2*time.Minute, cfg.PollDeadline)
	require.Equal(t, []time.Duration{
		10 * time.Second, 3 * time.Second, 6 * time.Second,
		10 * time.Second, 30 * time.Second, 60 * time.Second,
	}, cfg.PollIntervals)
	require.Equal(t, 4, cfg.QueueConcurrency)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadRequiresMerchantCredentials(t *testing.T) {
	env := baseEnv()
	env["PHONEPE_SALT"] = ""
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "PHONEPE_SALT")
}

func TestLoadRequiresProductionURLOutsideSandbox(t *testing.T) {
	env := baseEnv()
	env["PHONEPE_SANDBOX"] = "false"
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "PHONEPE_PRODUCTION_URL")

	env["PHONEPE_PRODUCTION_URL"] = "https://api.phonepe.com/apis/hermes"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "https://api.phonepe.com/apis/hermes", cfg.GatewayBaseURL())
}

func TestLoadCustomPollSchedule(t *testing.T) {
	env := baseEnv()
	env["POLL_INTERVALS"] = "1s, 2s,5s"
	env["POLL_DEADLINE"] = "45s"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}, cfg.PollIntervals)
	require.Equal(t, 45*time.Second, cfg.PollDeadline)
}

func TestLoadMalformedPollScheduleFallsBack(t *testing.T) {
	env := baseEnv()
	env["POLL_INTERVALS"] = "1s,banana"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Len(t, cfg.PollIntervals, 6)
}

func TestHTTPAddrNormalization(t *testing.T) {
	env := baseEnv()
	env["PORT"] = ":9090"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())

	env["PORT"] = "9091"
	cfg, err = LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9091", cfg.HTTPAddr())
}

func TestCORSOriginsSplit(t *testing.T) {
	env := baseEnv()
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example, https://b.example"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}
