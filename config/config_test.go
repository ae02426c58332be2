package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg := Load()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/imaas", cfg.APIPrefix)
	assert.True(t, cfg.RateLimitEnabled)
	assert.True(t, cfg.RateLimitFailOpen)
	assert.Equal(t, 2, cfg.HealthChangeThreshold)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_ADDR", ":9090")
	t.Setenv("ENV", "production")
	t.Setenv("DEFAULT_RPM", "120")
	t.Setenv("RATE_LIMIT_FAIL_OPEN", "false")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.Addr)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 120, cfg.DefaultRPM)
	assert.False(t, cfg.RateLimitFailOpen)
}

func TestIsThinkModel(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("THINK_MODELS", "deepseek-r1,qwq-32b")
	cfg := Load()

	assert.True(t, cfg.IsThinkModel("DeepSeek-R1-Distill"))
	assert.True(t, cfg.IsThinkModel("qwq-32b-preview"))
	assert.False(t, cfg.IsThinkModel("gpt-4o"))
}

func TestTimeoutFallback(t *testing.T) {
	clearGatewayEnv(t)
	cfg := Load()

	require.Equal(t, cfg.Timeout("chat"), cfg.ProviderTimeouts["chat"])
	assert.Equal(t, cfg.DefaultTimeout, cfg.Timeout("unknown-family"))
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		// Unset every variable for the duration of the test; t.Setenv
		// records the original value so it is restored afterwards.
		name, _, _ := strings.Cut(e, "=")
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}
