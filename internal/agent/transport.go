package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// toolSession is one initialized MCP session bound to a single bearer token
type toolSession interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Capabilities() mcp.ServerCapabilities
	Tools() []mcp.Tool
	Close() error
}

// sessionDialer opens a session carrying token. An empty token opens an unauthenticated session.
type sessionDialer interface {
	Dial(ctx context.Context, token string) (toolSession, error)
}

// connection pairs a session with the token it was opened with. Its token never
// changes; rotating the token always produces a new connection.
type connection struct {
	id       string
	token    string
	session  toolSession
	inflight sync.WaitGroup
}

func (c *connection) release() { c.inflight.Done() }

// TransportManager owns the single live connection to the solution server.
type TransportManager struct {
	dialer         sessionDialer
	logger         *Logger
	metrics        *Metrics
	connectTimeout time.Duration

	dialMu sync.Mutex

	mu       sync.RWMutex
	current  *connection
	disposed bool

	retiring  sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func newTransportManager(dialer sessionDialer, connectTimeout time.Duration, logger *Logger, metrics *Metrics) *TransportManager {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = NewLogger(false, false, false)
	}
	return &TransportManager{
		dialer:         dialer,
		logger:         logger,
		metrics:        metrics,
		connectTimeout: connectTimeout,
		closing:        make(chan struct{}),
	}
}

func (t *TransportManager) dial(ctx context.Context, token string) (*connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	session, err := t.dialer.Dial(dialCtx, token)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Operation: methodInitialize, Phase: "handshake", Err: err}
		}
		return nil, err
	}
	return &connection{
		id:      uuid.NewString(),
		token:   token,
		session: session,
	}, nil
}

// Connect opens the first connection with token attached
func (t *TransportManager) Connect(ctx context.Context, token string) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.RLock()
	disposed, existing := t.disposed, t.current
	t.mu.RUnlock()
	if disposed {
		return &TransportError{Op: "connect", Err: ErrClientClosed}
	}
	if existing != nil {
		return &TransportError{Op: "connect", Err: fmt.Errorf("connection %s is already open", existing.id)}
	}

	conn, err := t.dial(ctx, token)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		t.closeSession(conn)
		return &TransportError{Op: "connect", Err: ErrClientClosed}
	}
	t.current = conn
	t.mu.Unlock()

	t.logger.Success("Connected (connection %s, %d tools)", shortID(conn.id), len(conn.session.Tools()))
	return nil
}

// Reconnect replaces the live connection with one carrying token. The new
// connection is opened before the old one is retired; the old one is closed once
// the calls already dispatched on it have finished.
func (t *TransportManager) Reconnect(ctx context.Context, token string) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.RLock()
	disposed, old := t.disposed, t.current
	t.mu.RUnlock()
	if disposed {
		return &TransportError{Op: "reconnect", Err: ErrClientClosed}
	}
	if old == nil {
		t.logger.Error("Reconnect requested before any connection was opened")
		return &TransportError{Op: "reconnect", Err: ErrNotConnected}
	}

	t.logger.Info("Reconnecting with rotated token %s", maskToken(token))
	conn, err := t.dial(ctx, token)
	if err != nil {
		t.metrics.reconnect("failure")
		t.logger.Error("Reconnect failed, keeping connection %s: %v", shortID(old.id), err)
		return &TransportError{Op: "reconnect", Err: err}
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		t.closeSession(conn)
		return &TransportError{Op: "reconnect", Err: ErrClientClosed}
	}
	t.current = conn
	t.mu.Unlock()

	t.retire(old)
	t.metrics.reconnect("success")
	t.logger.Success("Reconnected (connection %s replaces %s)", shortID(conn.id), shortID(old.id))
	return nil
}

// Watch applies rotations until ctx is cancelled
func (t *TransportManager) Watch(ctx context.Context, rotations <-chan Rotation) {
	for {
		select {
		case <-ctx.Done():
			return
		case rot := <-rotations:
			rot.Ack(t.Reconnect(ctx, rot.Token))
		}
	}
}

// acquire pins the live connection for one call; the caller must release it
func (t *TransportManager) acquire() (*connection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.disposed {
		return nil, ErrClientClosed
	}
	if t.current == nil {
		return nil, ErrNotConnected
	}
	conn := t.current
	conn.inflight.Add(1)
	return conn, nil
}

func (t *TransportManager) retire(old *connection) {
	t.retiring.Add(1)
	go func() {
		defer t.retiring.Done()
		drained := make(chan struct{})
		go func() {
			old.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-t.closing:
		}
		t.closeSession(old)
	}()
}

func (t *TransportManager) closeSession(conn *connection) {
	if err := conn.session.Close(); err != nil {
		t.logger.Warning("Failed to close connection %s: %v", shortID(conn.id), err)
		return
	}
	t.logger.Debug("Closed connection %s", shortID(conn.id))
}

// snapshot returns the live connection without pinning it
func (t *TransportManager) snapshot() *connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Dispose closes the live connection and any retired ones. It never fails and
// is safe to call more than once.
func (t *TransportManager) Dispose() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.disposed = true
		cur := t.current
		t.current = nil
		t.mu.Unlock()

		close(t.closing)
		if cur != nil {
			t.closeSession(cur)
		}
		t.retiring.Wait()
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
