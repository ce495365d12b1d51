package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"SOLUTION_SERVER_URL",
	"SOLUTION_SERVER_REALM",
	"SOLUTION_SERVER_USERNAME",
	"SOLUTION_SERVER_PASSWORD",
	"SOLUTION_SERVER_CLIENT_ID",
	"SOLUTION_SERVER_AUTH_URL",
	"SOLUTION_SERVER_INSECURE",
	"SOLUTION_SERVER_CALL_TIMEOUT",
}

// clearEnv unsets the client variables for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestClientConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ClientConfig
		wantField string
	}{
		{
			name: "unauthenticated",
			cfg:  ClientConfig{Endpoint: "http://localhost:8090/mcp"},
		},
		{
			name: "full login",
			cfg: ClientConfig{
				Endpoint: "https://hub.example.com/hub/services/kai/api",
				Auth:     AuthConfig{Realm: "tackle", Username: "admin", Password: "secret"},
			},
		},
		{
			name:      "missing endpoint",
			cfg:       ClientConfig{},
			wantField: "url",
		},
		{
			name:      "unsupported scheme",
			cfg:       ClientConfig{Endpoint: "ws://localhost:8090/mcp"},
			wantField: "url",
		},
		{
			name:      "missing host",
			cfg:       ClientConfig{Endpoint: "http:///mcp"},
			wantField: "url",
		},
		{
			name:      "credentials without realm",
			cfg:       ClientConfig{Endpoint: "http://localhost/mcp", Auth: AuthConfig{Username: "admin", Password: "secret"}},
			wantField: "realm",
		},
		{
			name:      "password without username",
			cfg:       ClientConfig{Endpoint: "http://localhost/mcp", Auth: AuthConfig{Realm: "tackle", Password: "secret"}},
			wantField: "username",
		},
		{
			name: "relative auth url",
			cfg: ClientConfig{
				Endpoint: "http://localhost/mcp",
				Auth:     AuthConfig{Realm: "tackle", Username: "admin", Password: "secret", AuthURL: "/auth"},
			},
			wantField: "auth-url",
		},
		{
			name: "custom issuer skips realm checks",
			cfg: ClientConfig{
				Endpoint: "http://localhost/mcp",
				Auth:     AuthConfig{Username: "admin"},
				Issuer:   newFakeIssuer(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestClientConfigWithDefaults(t *testing.T) {
	cfg := ClientConfig{}.WithDefaults()
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, DefaultRefreshPolicy(), cfg.RefreshPolicy)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, "dev", cfg.Version)

	kept := ClientConfig{Endpoint: "https://x/mcp", CallTimeout: time.Second, Version: "1.2.3"}.WithDefaults()
	assert.Equal(t, "https://x/mcp", kept.Endpoint)
	assert.Equal(t, time.Second, kept.CallTimeout)
	assert.Equal(t, "1.2.3", kept.Version)
}

func TestLoadEnvConfigFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLUTION_SERVER_URL", "https://hub.example.com/mcp")
	t.Setenv("SOLUTION_SERVER_REALM", "tackle")
	t.Setenv("SOLUTION_SERVER_USERNAME", "admin")
	t.Setenv("SOLUTION_SERVER_PASSWORD", "secret")
	t.Setenv("SOLUTION_SERVER_INSECURE", "true")
	t.Setenv("SOLUTION_SERVER_CALL_TIMEOUT", "45s")

	env, err := LoadEnvConfig("")
	require.NoError(t, err)

	cfg := env.ClientConfig()
	assert.Equal(t, "https://hub.example.com/mcp", cfg.Endpoint)
	assert.Equal(t, "tackle", cfg.Auth.Realm)
	assert.Equal(t, "admin", cfg.Auth.Username)
	assert.Equal(t, "secret", cfg.Auth.Password)
	assert.True(t, cfg.Auth.Insecure)
	assert.Equal(t, 45*time.Second, cfg.CallTimeout)
	assert.NoError(t, cfg.WithDefaults().Validate())
}

func TestLoadEnvConfigFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLUTION_SERVER_USERNAME", "from-environment")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "SOLUTION_SERVER_URL=http://localhost:8090/mcp\n" +
		"SOLUTION_SERVER_REALM=tackle\n" +
		"SOLUTION_SERVER_USERNAME=from-file\n" +
		"SOLUTION_SERVER_CLIENT_ID=kai-cli\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	env, err := LoadEnvConfig(envFile)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090/mcp", env.URL)
	assert.Equal(t, "tackle", env.Realm)
	assert.Equal(t, "kai-cli", env.ClientID)
	assert.Equal(t, "from-environment", env.Username, "the environment wins over the file")
}

func TestLoadEnvConfigMissingFile(t *testing.T) {
	clearEnv(t)

	env, err := LoadEnvConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, EnvConfig{}, env)
}

func TestLoadEnvConfigInvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLUTION_SERVER_CALL_TIMEOUT", "soon")

	_, err := LoadEnvConfig("")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "environment", cfgErr.Field)
}
