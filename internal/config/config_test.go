package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		XGBWeight:         DefaultXGBWeight,
		LSTMWeight:        DefaultLSTMWeight,
		Threshold:         DefaultThreshold,
		ScoreTimeout:      2 * time.Second,
		CacheTTL:          300 * time.Second,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		ModelDir:          "models",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultModelDir, cfg.ModelDir)
	assert.InDelta(t, DefaultXGBWeight, cfg.XGBWeight, 1e-12)
	assert.InDelta(t, DefaultLSTMWeight, cfg.LSTMWeight, 1e-12)
	assert.InDelta(t, DefaultThreshold, cfg.Threshold, 1e-12)
	assert.Equal(t, DefaultCacheTTLSeconds*time.Second, cfg.CacheTTL)
	assert.Equal(t, DefaultScoreTimeoutMS*time.Millisecond, cfg.ScoreTimeout)
	assert.Equal(t, DefaultRateLimitRequests, cfg.RateLimitRequests)
	assert.Equal(t, DefaultRateLimitWindowS*time.Second, cfg.RateLimitWindow)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "XGB_WEIGHT", "0.7")
	setEnv(t, "LSTM_WEIGHT", "0.3")
	setEnv(t, "ALERT_THRESHOLD", "0.65")
	setEnv(t, "CACHE_TTL_SECONDS", "120")
	setEnv(t, "SCORE_TIMEOUT_MS", "500")
	setEnv(t, "BENIGN_PATTERNS", "login,logout; login,http_visit,*")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.InDelta(t, 0.7, cfg.XGBWeight, 1e-12)
	assert.InDelta(t, 0.65, cfg.Threshold, 1e-12)
	assert.Equal(t, 120*time.Second, cfg.CacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.ScoreTimeout)
	assert.Equal(t, []string{"login,logout", "login,http_visit,*"}, cfg.BenignPatterns)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "weights do not sum to one",
			mutate:  func(c *Config) { c.XGBWeight = 0.8 },
			wantErr: "must sum to 1",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.XGBWeight = -0.2; c.LSTMWeight = 1.2 },
			wantErr: "non-negative",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Threshold = 1.0 },
			wantErr: "ALERT_THRESHOLD",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.ScoreTimeout = 0 },
			wantErr: "SCORE_TIMEOUT_MS",
		},
		{
			name:    "zero cache TTL",
			mutate:  func(c *Config) { c.CacheTTL = 0 },
			wantErr: "CACHE_TTL_SECONDS",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRequests = 0 },
			wantErr: "rate limit",
		},
		{
			name:    "missing model dir",
			mutate:  func(c *Config) { c.ModelDir = "" },
			wantErr: "MODEL_DIR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "a, b ,,c")

	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", ","))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR", ","))
}
