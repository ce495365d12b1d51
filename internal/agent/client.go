package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is an authenticated session with the solution server. It is safe for
// concurrent use.
type Client struct {
	endpoint    string
	logger      *Logger
	metrics     *Metrics
	callTimeout time.Duration

	auth      *AuthManager
	transport *TransportManager

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	disposeOnce sync.Once

	hooksMu      sync.Mutex
	toolsChanged []func()
}

// Connect validates cfg, logs into the realm, opens the transport and starts the
// background refresh. Configuration problems are reported before any network call.
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:    cfg.Endpoint,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
	}

	httpClient := newHTTPClient(cfg.Auth.Insecure)
	if cfg.Auth.Insecure {
		c.logger.Warning("TLS certificate verification is disabled")
	}

	var token string
	if cfg.Auth.HasCredentials() || cfg.Issuer != nil {
		issuer := cfg.Issuer
		if issuer == nil {
			kc, err := newKeycloakIssuer(cfg.Auth, cfg.Endpoint, httpClient, c.logger)
			if err != nil {
				return nil, err
			}
			issuer = kc
		}
		c.auth = NewAuthManager(issuer, cfg.RefreshPolicy, c.logger, c.metrics)
		c.logger.Info("Authenticating against realm %s as %s", cfg.Auth.Realm, cfg.Auth.Username)
		if err := c.auth.Authenticate(ctx); err != nil {
			c.auth.Dispose()
			return nil, err
		}
		token = c.auth.GetBearerToken()
	} else {
		c.logger.Warning("No credentials configured, connecting without authentication")
	}

	dialer := cfg.dialer
	if dialer == nil {
		dialer = &streamableDialer{
			endpoint:   cfg.Endpoint,
			httpClient: httpClient,
			logger:     c.logger,
			version:    cfg.Version,

			onToolsChanged: c.notifyToolsChanged,
		}
	}
	c.transport = newTransportManager(dialer, cfg.ConnectTimeout, c.logger, c.metrics)

	c.logger.Info("Connecting to solution server at %s...", cfg.Endpoint)
	if err := c.transport.Connect(ctx, token); err != nil {
		if c.auth != nil {
			c.auth.Dispose()
		}
		return nil, err
	}

	if c.auth != nil {
		rotations := c.auth.Subscribe()
		watchCtx, cancel := context.WithCancel(context.Background())
		c.watchCancel = cancel
		c.watchDone = make(chan struct{})
		go func() {
			defer close(c.watchDone)
			c.transport.Watch(watchCtx, rotations)
		}()
		c.auth.StartAutoRefresh()
	}

	return c, nil
}

// Dispose stops the refresh loop, waits for a refresh in flight, then releases the
// credential and closes the transport. It never fails and only acts once.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		if c.auth != nil {
			c.auth.StopAutoRefresh()
			ctx, cancel := context.WithTimeout(context.Background(), defaultDisposeTimeout)
			if err := c.auth.WaitForRefresh(ctx); err != nil {
				c.logger.Debug("Ignoring refresh failure during shutdown: %v", err)
			}
			cancel()
		}
		// disposing the manager first fails any refresh that raced the wait above
		if c.auth != nil {
			c.auth.Dispose()
		}
		if c.watchCancel != nil {
			c.watchCancel()
			<-c.watchDone
		}
		c.transport.Dispose()
		c.logger.Info("Disconnected from %s", c.endpoint)
	})
}

// Endpoint returns the server URL the client is bound to
func (c *Client) Endpoint() string { return c.endpoint }

// Metrics returns the collectors the client reports to, or nil
func (c *Client) Metrics() *Metrics { return c.metrics }

// Authenticated reports whether the session carries a bearer token
func (c *Client) Authenticated() bool { return c.auth != nil }

// BearerToken returns the token currently attached to new connections
func (c *Client) BearerToken() string {
	if c.auth == nil {
		return ""
	}
	return c.auth.GetBearerToken()
}

// Credential returns a copy of the current credential, or nil for unauthenticated sessions
func (c *Client) Credential() *Credential {
	if c.auth == nil {
		return nil
	}
	return c.auth.Credential()
}

// ForceRefresh rotates the token now instead of waiting for the timer
func (c *Client) ForceRefresh(ctx context.Context) error {
	if c.auth == nil {
		return &AuthenticationError{Op: "refresh", Err: ErrNotAuthenticated}
	}
	return c.auth.Refresh(ctx)
}

// Tools returns the tool catalog of the live connection
func (c *Client) Tools() []mcp.Tool {
	conn := c.transport.snapshot()
	if conn == nil {
		return nil
	}
	return conn.session.Tools()
}

// OnToolsChanged registers fn to run whenever the server announces a new tool catalog
func (c *Client) OnToolsChanged(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.toolsChanged = append(c.toolsChanged, fn)
}

func (c *Client) notifyToolsChanged() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.toolsChanged...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Tool looks a tool up by name in the catalog
func (c *Client) Tool(name string) (mcp.Tool, bool) {
	for _, t := range c.Tools() {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

// Helper methods to check server capabilities
func (c *Client) ServerSupportsTools() bool {
	conn := c.transport.snapshot()
	return conn != nil && conn.session.Capabilities().Tools != nil
}

func (c *Client) ServerSupportsResources() bool {
	conn := c.transport.snapshot()
	return conn != nil && conn.session.Capabilities().Resources != nil
}

// Status is a point-in-time view of the session
type Status struct {
	Endpoint       string    `json:"endpoint"`
	Authenticated  bool      `json:"authenticated"`
	AuthState      string    `json:"auth_state"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
	ConnectionID   string    `json:"connection_id,omitempty"`
	Tools          int       `json:"tools"`
}

// Status reports the session state. The token is masked.
func (c *Client) Status() Status {
	s := Status{
		Endpoint:      c.endpoint,
		Authenticated: c.auth != nil,
		AuthState:     StateUnauthenticated.String(),
		Token:         maskToken(""),
	}
	if c.auth != nil {
		s.AuthState = c.auth.State().String()
		if cred := c.auth.Credential(); cred != nil {
			s.Token = maskToken(cred.Token)
			s.TokenExpiresAt = cred.ExpiresAt
		}
	}
	if conn := c.transport.snapshot(); conn != nil {
		s.ConnectionID = conn.id
		s.Tools = len(conn.session.Tools())
	}
	return s
}

// PrettyJSON pretty-prints JSON for logging
func PrettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

func remarshal(in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// isConnectionFailure reports errors that mean the connection itself is gone
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "transport is closing") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "unexpected eof")
}
