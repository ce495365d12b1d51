package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Test timeout constants
const (
	testTimeoutShort  = 50 * time.Millisecond
	testTimeoutNormal = 1 * time.Second
	testTimeoutLong   = 5 * time.Second
	testTick          = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of background goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return NewLoggerWithWriter(false, false, false, buf), buf
}

// fastPolicy keeps retries and timeouts short enough for unit tests
func fastPolicy() RefreshPolicy {
	return RefreshPolicy{
		LifetimeFraction: 0.8,
		MinDelay:         time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		ExchangeTimeout:  testTimeoutNormal,
		RotationTimeout:  testTimeoutLong,
	}
}

// fakeIssuer hands out numbered tokens: token-1 on login, token-2 on the first refresh and so on
type fakeIssuer struct {
	mu           sync.Mutex
	lifetime     time.Duration
	issued       int
	issueErr     error
	refreshErr   error
	refreshCalls int
	refreshGate  chan struct{}
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{lifetime: time.Hour}
}

func (f *fakeIssuer) next() *Credential {
	f.issued++
	now := time.Now()
	return &Credential{
		Token:        fmt.Sprintf("token-%d", f.issued),
		RefreshToken: fmt.Sprintf("refresh-%d", f.issued),
		IssuedAt:     now,
		ExpiresAt:    now.Add(f.lifetime),
	}
}

func (f *fakeIssuer) Issue(ctx context.Context) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.next(), nil
}

func (f *fakeIssuer) Refresh(ctx context.Context, current *Credential) (*Credential, error) {
	f.mu.Lock()
	f.refreshCalls++
	gate := f.refreshGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.next(), nil
}

func (f *fakeIssuer) setRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = err
}

func (f *fakeIssuer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// toolsCapabilities advertises tools and resources the way a real server does
func toolsCapabilities(t *testing.T) mcp.ServerCapabilities {
	t.Helper()
	var caps mcp.ServerCapabilities
	if err := json.Unmarshal([]byte(`{"tools":{},"resources":{}}`), &caps); err != nil {
		t.Fatalf("failed to build capabilities: %v", err)
	}
	return caps
}

type toolHandler func(ctx context.Context, token string, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// fakeDialer opens in-memory sessions and records every dial and call
type fakeDialer struct {
	mu       sync.Mutex
	caps     mcp.ServerCapabilities
	tools    []mcp.Tool
	handler  toolHandler
	dialErr  error
	closeErr error
	dialGate chan struct{}
	sessions []*fakeSession
}

func newFakeDialer(t *testing.T, handler toolHandler) *fakeDialer {
	return &fakeDialer{
		caps: toolsCapabilities(t),
		tools: []mcp.Tool{
			mcp.NewTool(OperationGetBestHint, mcp.WithDescription("best hint")),
			mcp.NewTool(OperationGetSuccessRate, mcp.WithDescription("success rate")),
		},
		handler: handler,
	}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (toolSession, error) {
	d.mu.Lock()
	gate, dialErr := d.dialGate, d.dialErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSession{dialer: d, token: token}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) setDialGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialGate = gate
}

func (d *fakeDialer) allSessions() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession{}, d.sessions...)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

type fakeSession struct {
	dialer *fakeDialer
	token  string

	mu     sync.Mutex
	closed int
	calls  int
}

func (s *fakeSession) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.dialer.handler == nil {
		return &mcp.CallToolResult{}, nil
	}
	return s.dialer.handler(ctx, s.token, req)
}

func (s *fakeSession) Capabilities() mcp.ServerCapabilities { return s.dialer.caps }

func (s *fakeSession) Tools() []mcp.Tool {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	return s.dialer.tools
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.dialer.closeErr
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// textResult builds a successful result holding one text block
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
}

// staticHandler answers every call with result
func staticHandler(result *mcp.CallToolResult) toolHandler {
	return func(ctx context.Context, token string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return result, nil
	}
}

// newTestClient connects a client to a fake dialer, authenticated through issuer when it is non-nil
func newTestClient(t *testing.T, dialer *fakeDialer, issuer CredentialIssuer, opts ...func(*ClientConfig)) (*Client, *syncBuffer) {
	t.Helper()
	logger, buf := newTestLogger()
	cfg := ClientConfig{
		Endpoint:      "http://solution.test/mcp",
		CallTimeout:   testTimeoutNormal,
		RefreshPolicy: fastPolicy(),
		Issuer:        issuer,
		Logger:        logger,
		Metrics:       NewMetrics(),
		dialer:        dialer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(c.Dispose)
	return c, buf
}

// mockRealm is an OIDC realm serving discovery and the password and refresh_token grants
type mockRealm struct {
	*httptest.Server
	t *testing.T

	realm     string
	username  string
	password  string
	expiresIn int

	// advertisedIssuer replaces the issuer and endpoints in discovery, the way a
	// realm behind a proxy reports its frontend URL
	advertisedIssuer string

	mu             sync.Mutex
	rejectRefresh  bool
	refreshError   string
	rejectAll      bool
	grants         []string
	issuedAccess   []string
	issuedRefresh  map[string]bool
	discoveryCount int
}

func newMockRealm(t *testing.T, realm string) *mockRealm {
	t.Helper()

	mr := &mockRealm{
		t:             t,
		realm:         realm,
		username:      "admin",
		password:      "secret",
		expiresIn:     3600,
		issuedRefresh: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/realms/"+realm+"/.well-known/openid-configuration", mr.handleDiscovery)
	mux.HandleFunc("/auth/realms/"+realm+"/protocol/openid-connect/token", mr.handleToken)

	mr.Server = httptest.NewServer(mux)
	t.Cleanup(mr.Close)
	return mr
}

func (mr *mockRealm) issuer() string {
	return mr.URL + "/auth/realms/" + mr.realm
}

func (mr *mockRealm) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	mr.mu.Lock()
	mr.discoveryCount++
	mr.mu.Unlock()

	issuer := mr.issuer()
	if mr.advertisedIssuer != "" {
		issuer = mr.advertisedIssuer
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
		"token_endpoint":         issuer + "/protocol/openid-connect/token",
		"jwks_uri":               issuer + "/protocol/openid-connect/certs",
		"grant_types_supported":  []string{"password", "refresh_token"},
	})
}

func (mr *mockRealm) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (mr *mockRealm) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		mr.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	grant := r.Form.Get("grant_type")
	mr.grants = append(mr.grants, grant)

	if mr.rejectAll {
		mr.writeError(w, http.StatusUnauthorized, "unauthorized_client")
		return
	}
	if r.Form.Get("client_id") != mr.realm+"-ui" {
		mr.writeError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch grant {
	case "password":
		if r.Form.Get("username") != mr.username || r.Form.Get("password") != mr.password {
			mr.writeError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
	case "refresh_token":
		if mr.refreshError != "" {
			mr.writeError(w, http.StatusBadRequest, mr.refreshError)
			return
		}
		if mr.rejectRefresh || !mr.issuedRefresh[r.Form.Get("refresh_token")] {
			mr.writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		mr.writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	n := len(mr.issuedAccess) + 1
	access := fmt.Sprintf("access-%d", n)
	refresh := fmt.Sprintf("refresh-%d", n)
	mr.issuedAccess = append(mr.issuedAccess, access)
	mr.issuedRefresh[refresh] = true

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    mr.expiresIn,
	})
}

func (mr *mockRealm) grantTypes() []string {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return append([]string{}, mr.grants...)
}

func (mr *mockRealm) isIssued(token string) bool {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, t := range mr.issuedAccess {
		if t == token {
			return true
		}
	}
	return false
}

// mockSolutionServer is a real MCP server behind a bearer check. Its tool
// capability announces list changes, so AddTool notifies connected clients.
type mockSolutionServer struct {
	*httptest.Server
	mcp *server.MCPServer

	mu        sync.Mutex
	tokens    []string
	rejected  int
	authorize func(token string) bool
}

func newMockSolutionServer(t *testing.T, authorize func(token string) bool) *mockSolutionServer {
	t.Helper()

	ms := &mockSolutionServer{authorize: authorize}

	s := server.NewMCPServer("solution-server", "test", server.WithToolCapabilities(true))
	ms.mcp = s
	s.AddTool(mcp.NewTool(OperationGetBestHint,
		mcp.WithString("ruleset_name", mcp.Required()),
		mcp.WithString("violation_name", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args["violation_name"] == "unknown" {
			return &mcp.CallToolResult{Content: []mcp.Content{}}, nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"hint_id": 7, "hint": "migrate %v"}`, args["violation_name"])), nil
	})
	s.AddTool(mcp.NewTool(OperationGetSuccessRate,
		mcp.WithArray("violation_ids", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"counted_solutions":10,"accepted_solutions":6,"rejected_solutions":1,"modified_solutions":2,"pending_solutions":1,"unknown_solutions":0}`), nil
	})
	s.AddTool(mcp.NewTool(OperationRejectFile,
		mcp.WithString("client_id", mcp.Required()),
		mcp.WithString("file_uri", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("no solution touches " + fmt.Sprint(req.GetArguments()["file_uri"])), nil
	})

	mcpHandler := server.NewStreamableHTTPServer(s)
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if r.Method == http.MethodPost {
			// only messages; the listener GET and session DELETE are not calls
			ms.mu.Lock()
			ms.tokens = append(ms.tokens, token)
			ms.mu.Unlock()
		}
		if ms.authorize != nil && !ms.authorize(token) {
			ms.mu.Lock()
			ms.rejected++
			ms.mu.Unlock()
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mcpHandler.ServeHTTP(w, r)
	})

	ms.Server = httptest.NewServer(mux)
	t.Cleanup(ms.Close)
	return ms
}

func (ms *mockSolutionServer) lastToken() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.tokens) == 0 {
		return ""
	}
	return ms.tokens[len(ms.tokens)-1]
}

func (ms *mockSolutionServer) seenTokens() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string{}, ms.tokens...)
}

var errTestUnauthorized = errors.New("oauth2: cannot fetch token: 401 Unauthorized")
