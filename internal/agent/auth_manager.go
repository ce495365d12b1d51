package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// AuthState is the lifecycle state of the authentication manager
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// RefreshPolicy controls when credentials are rotated and how failed rotations are retried
type RefreshPolicy struct {
	// LifetimeFraction of the token lifetime after which the refresh fires (default 0.8)
	LifetimeFraction float64

	// MinDelay is the shortest timer ever scheduled (default 1s)
	MinDelay time.Duration

	// MaxAttempts bounds the refresh attempts before the manager fails (default 3)
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential delay between attempts
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ExchangeTimeout bounds each credential exchange (default 30s)
	ExchangeTimeout time.Duration

	// RotationTimeout bounds how long the subscriber may take to acknowledge a rotation (default 30s)
	RotationTimeout time.Duration
}

// DefaultRefreshPolicy returns the conservative defaults
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		LifetimeFraction: 0.8,
		MinDelay:         time.Second,
		MaxAttempts:      3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		ExchangeTimeout:  30 * time.Second,
		RotationTimeout:  30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultRefreshPolicy
func (p RefreshPolicy) WithDefaults() RefreshPolicy {
	d := DefaultRefreshPolicy()
	if p.LifetimeFraction <= 0 || p.LifetimeFraction >= 1 {
		p.LifetimeFraction = d.LifetimeFraction
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = d.MaxBackoff
		if p.MaxBackoff < p.InitialBackoff {
			p.MaxBackoff = p.InitialBackoff
		}
	}
	if p.ExchangeTimeout <= 0 {
		p.ExchangeTimeout = d.ExchangeTimeout
	}
	if p.RotationTimeout <= 0 {
		p.RotationTimeout = d.RotationTimeout
	}
	return p
}

// refreshDelay returns how long to wait before refreshing cred. The delay always ends
// strictly before the expiry; ok is false when the expiry is unknown.
func (p RefreshPolicy) refreshDelay(cred *Credential, now time.Time) (time.Duration, bool) {
	lifetime := cred.Lifetime()
	if lifetime <= 0 {
		return 0, false
	}
	fireAt := cred.IssuedAt.Add(time.Duration(float64(lifetime) * p.LifetimeFraction))
	delay := fireAt.Sub(now)
	if delay < p.MinDelay {
		delay = p.MinDelay
	}
	if remaining := cred.ExpiresAt.Sub(now); delay >= remaining {
		delay = remaining / 2
	}
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

func (p RefreshPolicy) backoff(attempt int) time.Duration {
	return retryablehttp.DefaultBackoff(p.InitialBackoff, p.MaxBackoff, attempt, nil)
}

// Rotation announces a new bearer token. The receiver must call Ack once the
// token is in use; the refresh does not complete before that.
type Rotation struct {
	Token string
	done  chan error
}

// Ack reports the outcome of applying the rotation
func (r Rotation) Ack(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// AuthManager owns the current credential, keeps it fresh in the background
// and gates request dispatch while a rotation is in progress.
type AuthManager struct {
	issuer  CredentialIssuer
	policy  RefreshPolicy
	logger  *Logger
	metrics *Metrics
	now     func() time.Time

	mu          sync.Mutex
	cred        *Credential
	state       AuthState
	failure     error
	refreshDone chan struct{}
	rotations   chan Rotation
	timer       *time.Timer
	autoRefresh bool
	disposed    bool
	closed      chan struct{}
}

// NewAuthManager creates a manager around issuer
func NewAuthManager(issuer CredentialIssuer, policy RefreshPolicy, logger *Logger, metrics *Metrics) *AuthManager {
	if logger == nil {
		logger = NewLogger(false, false, false)
	}
	m := &AuthManager{
		issuer:  issuer,
		policy:  policy.WithDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		state:   StateUnauthenticated,
		closed:  make(chan struct{}),
	}
	m.metrics.setAuthState(m.state)
	return m
}

func (m *AuthManager) setStateLocked(s AuthState) {
	m.state = s
	m.metrics.setAuthState(s)
}

// State returns the current lifecycle state
func (m *AuthManager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credential returns a copy of the current credential, or nil
func (m *AuthManager) Credential() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil
	}
	c := *m.cred
	return &c
}

// GetBearerToken returns the current token. Callers that need a token that is
// not about to be rotated must call WaitForRefresh first.
func (m *AuthManager) GetBearerToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.Token
}

// Subscribe returns the single-slot channel on which rotations are announced.
// Only one subscriber is supported; later calls return the same channel.
func (m *AuthManager) Subscribe() <-chan Rotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotations == nil {
		m.rotations = make(chan Rotation, 1)
	}
	return m.rotations
}

// Authenticate performs the initial credential exchange
func (m *AuthManager) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return &AuthenticationError{Op: "authenticate", Err: ErrClientClosed}
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	exchangeCtx, cancel := context.WithTimeout(ctx, m.policy.ExchangeTimeout)
	cred, err := m.issuer.Issue(exchangeCtx)
	timedOut := errors.Is(exchangeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if timedOut {
			err = &TimeoutError{Operation: "authenticate", Phase: "credential exchange", Err: err}
		}
		authErr := &AuthenticationError{Op: "authenticate", Err: err}
		m.failure = authErr
		m.setStateLocked(StateFailed)
		return authErr
	}
	m.cred = cred
	m.failure = nil
	m.setStateLocked(StateAuthenticated)
	if cred.ExpiresAt.IsZero() {
		m.logger.Warning("Token carries no expiry, automatic refresh is disabled")
	} else {
		m.logger.Success("Authenticated, token %s expires at %s", maskToken(cred.Token), cred.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// StartAutoRefresh schedules the background refresh timer
func (m *AuthManager) StartAutoRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.cred == nil {
		return
	}
	m.autoRefresh = true
	m.scheduleLocked()
}

// StopAutoRefresh cancels the timer. A refresh already in flight still completes
// but no further refresh is scheduled.
func (m *AuthManager) StopAutoRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRefresh = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *AuthManager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if !m.autoRefresh || m.disposed || m.state == StateFailed {
		return
	}
	delay, ok := m.policy.refreshDelay(m.cred, m.now())
	if !ok {
		return
	}
	m.logger.Debug("Next token refresh in %s", delay.Round(time.Millisecond))
	m.timer = time.AfterFunc(delay, m.onTimer)
}

func (m *AuthManager) onTimer() {
	done, current, started := m.beginRefresh(true)
	if !started {
		// a refresh is already running, or the manager stopped
		return
	}
	_ = m.runRefresh(context.Background(), done, current)
}

// Refresh rotates the credential now. If a refresh is already in flight it waits
// for that one instead of starting another.
func (m *AuthManager) Refresh(ctx context.Context) error {
	done, current, started := m.beginRefresh(false)
	if started {
		return m.runRefresh(ctx, done, current)
	}
	return m.WaitForRefresh(ctx)
}

// beginRefresh claims the single refresh slot and snapshots the credential being
// replaced. A timer that fired after StopAutoRefresh claims nothing.
func (m *AuthManager) beginRefresh(fromTimer bool) (chan struct{}, *Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fromTimer && !m.autoRefresh {
		return nil, nil, false
	}
	if m.refreshDone != nil || m.disposed || m.cred == nil || m.state == StateFailed {
		return nil, nil, false
	}
	done := make(chan struct{})
	m.refreshDone = done
	m.setStateLocked(StateRefreshing)
	current := *m.cred
	return done, &current, true
}

func (m *AuthManager) runRefresh(ctx context.Context, done chan struct{}, current *Credential) error {
	m.logger.Info("Refreshing bearer token")
	err := m.refreshWithRetry(ctx, current)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil && m.disposed && errors.Is(err, ErrClientClosed) {
		m.logger.Debug("Token refresh abandoned, manager disposed")
		m.refreshDone = nil
		close(done)
		return &AuthenticationError{Op: "refresh", Err: ErrClientClosed}
	}
	if err != nil {
		m.metrics.refresh("failure")
		authErr := &AuthenticationError{Op: "refresh", Err: err}
		m.failure = authErr
		m.setStateLocked(StateFailed)
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.logger.Error("Token refresh failed permanently: %v", err)
	} else {
		m.metrics.refresh("success")
		if !m.disposed {
			m.setStateLocked(StateAuthenticated)
			m.scheduleLocked()
		}
	}
	m.refreshDone = nil
	close(done)
	if err != nil {
		return m.failure
	}
	return nil
}

func (m *AuthManager) refreshWithRetry(ctx context.Context, current *Credential) error {
	var lastErr error
	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		if m.isDisposed() {
			return ErrClientClosed
		}
		if attempt > 0 {
			wait := m.policy.backoff(attempt - 1)
			m.logger.Warning("Token refresh attempt %d/%d failed: %v (retrying in %s)", attempt, m.policy.MaxAttempts, lastErr, wait)
			select {
			case <-time.After(wait):
			case <-m.closed:
				return ErrClientClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		cred, err := m.exchange(ctx, current)
		if err == nil {
			err = m.rotate(ctx, cred)
			if err == nil {
				m.mu.Lock()
				if !m.disposed {
					m.cred = cred
				}
				m.mu.Unlock()
				m.logger.Success("Token rotated, new token %s expires at %s", maskToken(cred.Token), cred.ExpiresAt.Format(time.RFC3339))
				return nil
			}
			err = fmt.Errorf("rotation not applied: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("giving up after %d attempts: %w", m.policy.MaxAttempts, lastErr)
}

func (m *AuthManager) exchange(ctx context.Context, current *Credential) (*Credential, error) {
	exchangeCtx, cancel := context.WithTimeout(ctx, m.policy.ExchangeTimeout)
	defer cancel()
	cred, err := m.issuer.Refresh(exchangeCtx, current)
	if err != nil && errors.Is(exchangeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Operation: "refresh", Phase: "credential exchange", Err: err}
	}
	return cred, err
}

// rotate hands the new token to the subscriber and waits for its acknowledgement
func (m *AuthManager) rotate(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	ch := m.rotations
	m.mu.Unlock()
	if ch == nil {
		return nil
	}

	rotCtx, cancel := context.WithTimeout(ctx, m.policy.RotationTimeout)
	defer cancel()

	rot := Rotation{Token: cred.Token, done: make(chan error, 1)}
	select {
	case ch <- rot:
	case <-m.closed:
		return ErrClientClosed
	case <-rotCtx.Done():
		return rotCtx.Err()
	}
	select {
	case err := <-rot.done:
		return err
	case <-m.closed:
		// drop the rotation nobody will apply
		select {
		case <-ch:
		default:
		}
		return ErrClientClosed
	case <-rotCtx.Done():
		return rotCtx.Err()
	}
}

// WaitForRefresh is the dispatch barrier. It returns immediately when no refresh
// is in progress and otherwise blocks until the refresh settles. Once the manager
// has failed it returns the AuthenticationError without blocking.
func (m *AuthManager) WaitForRefresh(ctx context.Context) error {
	m.mu.Lock()
	done := m.refreshDone
	err := m.barrierErrLocked()
	m.mu.Unlock()

	if done == nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barrierErrLocked()
}

func (m *AuthManager) barrierErrLocked() error {
	switch {
	case m.state == StateFailed:
		return m.failure
	case m.disposed:
		return &AuthenticationError{Op: "wait", Err: ErrClientClosed}
	case m.cred == nil && m.refreshDone == nil:
		return &AuthenticationError{Op: "wait", Err: ErrNotAuthenticated}
	}
	return nil
}

func (m *AuthManager) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Dispose stops the refresh loop and forgets the credential. Safe to call more than once.
func (m *AuthManager) Dispose() {
	m.StopAutoRefresh()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	close(m.closed)
	m.cred = nil
	if m.state != StateFailed {
		m.setStateLocked(StateUnauthenticated)
	}
}
