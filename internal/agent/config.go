package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ClientConfig holds everything Connect needs
type ClientConfig struct {
	// Endpoint is the MCP endpoint of the solution server (default: http://localhost:8090/mcp)
	Endpoint string

	// Auth holds the realm login. Without credentials the client connects unauthenticated.
	Auth AuthConfig

	// CallTimeout bounds each tool invocation (default: 30s)
	CallTimeout time.Duration

	// ConnectTimeout bounds each transport open and handshake (default: 30s)
	ConnectTimeout time.Duration

	// RefreshPolicy tunes background token rotation
	RefreshPolicy RefreshPolicy

	// Issuer overrides the realm token exchange
	Issuer CredentialIssuer

	Logger  *Logger
	Metrics *Metrics
	Version string

	dialer sessionDialer
}

// WithDefaults returns a copy of the configuration with unset fields filled in
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	c.RefreshPolicy = c.RefreshPolicy.WithDefaults()
	if c.Logger == nil {
		c.Logger = NewLogger(false, false, false)
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Validate checks the configuration without touching the network
func (c ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return &ConfigurationError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return &ConfigurationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return &ConfigurationError{Field: "url", Reason: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigurationError{Field: "url", Reason: "host is missing"}
	}

	if !c.Auth.HasCredentials() || c.Issuer != nil {
		return nil
	}
	if c.Auth.Realm == "" {
		return &ConfigurationError{Field: "realm", Reason: "is required when credentials are configured"}
	}
	if c.Auth.Username == "" {
		return &ConfigurationError{Field: "username", Reason: "is required when a password is configured"}
	}
	if c.Auth.AuthURL != "" {
		au, err := url.Parse(c.Auth.AuthURL)
		if err != nil || (au.Scheme != schemeHTTP && au.Scheme != schemeHTTPS) || au.Host == "" {
			return &ConfigurationError{Field: "auth-url", Reason: fmt.Sprintf("%q is not an absolute http(s) URL", c.Auth.AuthURL)}
		}
	}
	return nil
}

// EnvConfig is the connection configuration read from the environment
type EnvConfig struct {
	URL         string        `env:"SOLUTION_SERVER_URL"`
	Realm       string        `env:"SOLUTION_SERVER_REALM"`
	Username    string        `env:"SOLUTION_SERVER_USERNAME"`
	Password    string        `env:"SOLUTION_SERVER_PASSWORD"`
	ClientID    string        `env:"SOLUTION_SERVER_CLIENT_ID"`
	AuthURL     string        `env:"SOLUTION_SERVER_AUTH_URL"`
	Insecure    bool          `env:"SOLUTION_SERVER_INSECURE"`
	CallTimeout time.Duration `env:"SOLUTION_SERVER_CALL_TIMEOUT"`
}

// LoadEnvConfig reads the environment, after loading envFile when it is given.
// Variables already present in the environment win over the file.
func LoadEnvConfig(envFile string) (EnvConfig, error) {
	var cfg EnvConfig
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, &ConfigurationError{Field: "env-file", Reason: err.Error()}
			}
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, &ConfigurationError{Field: "environment", Reason: err.Error()}
	}
	return cfg, nil
}

// ClientConfig converts the environment values into a client configuration
func (e EnvConfig) ClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint: e.URL,
		Auth: AuthConfig{
			AuthURL:  e.AuthURL,
			Realm:    e.Realm,
			Username: e.Username,
			Password: e.Password,
			ClientID: e.ClientID,
			Insecure: e.Insecure,
		},
		CallTimeout: e.CallTimeout,
	}
}
