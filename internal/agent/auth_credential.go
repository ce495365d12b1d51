package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Credential is a bearer token issued by the realm together with its validity window.
type Credential struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	IssuedAt     time.Time
}

// Lifetime returns the total validity of the credential, or zero when the expiry is unknown
func (c *Credential) Lifetime() time.Duration {
	if c == nil || c.ExpiresAt.IsZero() || !c.ExpiresAt.After(c.IssuedAt) {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Expired reports whether the credential is past its expiry at now
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialIssuer exchanges realm credentials for bearer tokens.
type CredentialIssuer interface {
	// Issue performs the initial exchange
	Issue(ctx context.Context) (*Credential, error)
	// Refresh obtains a replacement for current
	Refresh(ctx context.Context, current *Credential) (*Credential, error)
}

// AuthConfig holds the realm login parameters
type AuthConfig struct {
	// AuthURL is the base of the identity provider (default: scheme://host of the endpoint + "/auth")
	AuthURL string

	// Realm is the identity realm to log into
	Realm string

	Username string
	Password string

	// ClientID is the public client used for the password grant (default: "<realm>-ui")
	ClientID string

	// Insecure disables TLS certificate verification for local and dev deployments
	Insecure bool

	Scopes []string
}

// HasCredentials reports whether an authenticated session should be established
func (a *AuthConfig) HasCredentials() bool {
	return a != nil && (a.Username != "" || a.Password != "")
}

// issuerURL returns the OIDC issuer of the configured realm
func (a *AuthConfig) issuerURL(endpoint string) (string, error) {
	base := strings.TrimSuffix(a.AuthURL, "/")
	if base == "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", err
		}
		base = u.Scheme + "://" + u.Host + "/auth"
	}
	return base + "/realms/" + url.PathEscape(a.Realm), nil
}

func (a *AuthConfig) clientID() string {
	if a.ClientID != "" {
		return a.ClientID
	}
	return a.Realm + "-ui"
}

// newHTTPClient builds the HTTP client shared by the token exchange and the transport
func newHTTPClient(insecure bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for local deployments
	}
	return &http.Client{Transport: tr}
}

// keycloakIssuer obtains credentials from an OIDC realm with the password and refresh_token grants
type keycloakIssuer struct {
	cfg        AuthConfig
	issuer     string
	httpClient *http.Client
	logger     *Logger
	now        func() time.Time

	mu    sync.Mutex
	oauth *oauth2.Config
}

func newKeycloakIssuer(cfg AuthConfig, endpoint string, httpClient *http.Client, logger *Logger) (*keycloakIssuer, error) {
	issuer, err := cfg.issuerURL(endpoint)
	if err != nil {
		return nil, &ConfigurationError{Field: "auth-url", Reason: err.Error()}
	}
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Insecure)
	}
	return &keycloakIssuer{
		cfg:        cfg,
		issuer:     issuer,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (k *keycloakIssuer) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, k.httpClient)
}

// oauthConfig discovers the realm token endpoint once and caches the result
func (k *keycloakIssuer) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.oauth != nil {
		return k.oauth, nil
	}

	k.logger.Debug("Discovering realm configuration at %s", k.issuer)
	// a proxied or port-forwarded realm advertises its frontend URL as issuer
	discoveryCtx := oidc.InsecureIssuerURLContext(k.clientContext(ctx), k.issuer)
	provider, err := oidc.NewProvider(discoveryCtx, k.issuer)
	if err != nil {
		return nil, fmt.Errorf("realm discovery failed: %w", err)
	}
	endpoint := provider.Endpoint()
	if endpoint.TokenURL == "" {
		return nil, fmt.Errorf("realm %s does not advertise a token endpoint", k.cfg.Realm)
	}

	var advertised struct {
		Issuer string `json:"issuer"`
	}
	if err := provider.Claims(&advertised); err == nil && strings.TrimSuffix(advertised.Issuer, "/") != k.issuer {
		// the advertised endpoints may not be reachable from here
		k.logger.Warning("Realm advertises issuer %s, using the token endpoint under %s", advertised.Issuer, k.issuer)
		endpoint.TokenURL = k.issuer + keycloakTokenPath
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	k.oauth = &oauth2.Config{
		ClientID: k.cfg.clientID(),
		Endpoint: endpoint,
		Scopes:   k.cfg.Scopes,
	}
	return k.oauth, nil
}

// Issue logs into the realm with the configured username and password
func (k *keycloakIssuer) Issue(ctx context.Context) (*Credential, error) {
	cfg, err := k.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.PasswordCredentialsToken(k.clientContext(ctx), k.cfg.Username, k.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}
	return credentialFromToken(tok, k.now())
}

// Refresh uses the refresh token when one was issued and falls back to a fresh login
// when the realm no longer accepts it
func (k *keycloakIssuer) Refresh(ctx context.Context, current *Credential) (*Credential, error) {
	if current == nil || current.RefreshToken == "" {
		return k.Issue(ctx)
	}

	cfg, err := k.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.TokenSource(k.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err == nil {
		return credentialFromToken(tok, k.now())
	}
	if !isInvalidGrant(err) {
		return nil, fmt.Errorf("refresh_token grant: %w", err)
	}

	k.logger.Warning("Refresh token rejected by realm %s, logging in again", k.cfg.Realm)
	return k.Issue(ctx)
}

// isInvalidGrant reports a rejected grant. A bare 400 only counts when the
// realm sent no error code.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode != "" {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusBadRequest
}

// credentialFromToken converts an oauth2 token, reading the JWT exp claim when
// the token response carried no expires_in
func credentialFromToken(tok *oauth2.Token, now time.Time) (*Credential, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("token response has no access token")
	}
	cred := &Credential{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		IssuedAt:     now,
	}
	if cred.ExpiresAt.IsZero() {
		if exp, ok := jwtExpiry(tok.AccessToken); ok {
			cred.ExpiresAt = exp
		}
	}
	return cred, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the server verifies it
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
