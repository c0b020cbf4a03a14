package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

// Manager is the session core one portal instantiates for its role scope.
// It owns the state machine, the token store, the refresh coordinator, and
// the authenticated HTTP client, and is the only place login/logout writes
// happen.
//
// Managers for different scopes are fully independent: an admin refresh
// never blocks, or is affected by, a buyer refresh.
type Manager struct {
	scope    RoleScope
	store    TokenStore
	machine  *StateMachine
	api      *authAPI
	refresh  *RefreshCoordinator
	guard    *RouteGuard
	client   *http.Client
	logger   Logger
	activity ActivitySink
	verifier TokenVerifier
	now      func() time.Time
	debug    bool

	mu       sync.RWMutex
	identity *Identity
}

// Option customizes Manager construction.
type Option func(*managerOptions)

type managerOptions struct {
	baseURL        string
	store          TokenStore
	logger         Logger
	httpClient     HTTPDoer
	baseTransport  http.RoundTripper
	activity       ActivitySink
	verifier       TokenVerifier
	authScheme     string
	refreshTimeout time.Duration
	now            func() time.Time
	debug          bool
}

// WithBaseURL points the manager at the backend, e.g.
// "https://api.example.com". The scope's path prefix is appended per call.
func WithBaseURL(baseURL string) Option {
	return func(o *managerOptions) {
		o.baseURL = baseURL
	}
}

// WithStore replaces the default in-memory TokenStore. Use store/bunstore
// for sessions that survive restarts.
func WithStore(store TokenStore) Option {
	return func(o *managerOptions) {
		if store != nil {
			o.store = store
		}
	}
}

// WithLogger sets the logger used across the session core.
func WithLogger(logger Logger) Option {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client used for the auth endpoints themselves
// (login, refresh, logout). Resource calls use Manager.Client instead.
func WithHTTPClient(client HTTPDoer) Option {
	return func(o *managerOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithBaseTransport sets the RoundTripper AuthTransport wraps for resource
// calls.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *managerOptions) {
		if rt != nil {
			o.baseTransport = rt
		}
	}
}

// WithActivitySink wires session lifecycle events to telemetry.
func WithActivitySink(sink ActivitySink) Option {
	return func(o *managerOptions) {
		o.activity = normalizeActivitySink(sink)
	}
}

// WithTokenVerifier enables signature verification of issued access tokens.
func WithTokenVerifier(verifier TokenVerifier) Option {
	return func(o *managerOptions) {
		o.verifier = verifier
	}
}

// WithRefreshTimeout bounds how long a refresh call may stay in flight.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(o *managerOptions) {
		if timeout > 0 {
			o.refreshTimeout = timeout
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *managerOptions) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithDebug dumps auth payloads to the logger. Never enable in production.
func WithDebug(debug bool) Option {
	return func(o *managerOptions) {
		o.debug = debug
	}
}

// WithConfig applies a portal's config layer in one option.
func WithConfig(cfg Config) Option {
	return func(o *managerOptions) {
		if cfg == nil {
			return
		}
		if cfg.GetBaseURL() != "" {
			o.baseURL = cfg.GetBaseURL()
		}
		if cfg.GetAuthScheme() != "" {
			o.authScheme = cfg.GetAuthScheme()
		}
		if cfg.GetRefreshTimeout() > 0 {
			o.refreshTimeout = cfg.GetRefreshTimeout()
		}
	}
}

// New builds the session core for one role scope.
func New(scope RoleScope, opts ...Option) (*Manager, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	options := &managerOptions{
		logger:         defLogger{},
		activity:       noopActivitySink{},
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	store := options.store
	if store == nil {
		store, _ = NewMemoryStore(scope)
	}

	machine := NewStateMachine(
		WithStateMachineLogger(options.logger),
		WithStateMachineClock(options.now),
	)

	api := newAuthAPI(options.baseURL, scope, options.httpClient, options.logger)

	refresh := newRefreshCoordinator(scope, api, store, machine, options.logger)
	refresh.timeout = options.refreshTimeout
	refresh.activity = options.activity
	refresh.now = options.now

	transport := newAuthTransport(options.baseTransport, store, machine, refresh, options.logger)
	transport.activity = options.activity
	if options.authScheme != "" {
		transport.scheme = options.authScheme
	}

	m := &Manager{
		scope:    scope,
		store:    store,
		machine:  machine,
		api:      api,
		refresh:  refresh,
		guard:    NewRouteGuard(machine, scope),
		client:   transport.Client(),
		logger:   options.logger,
		activity: options.activity,
		verifier: options.verifier,
		now:      options.now,
		debug:    options.debug,
	}

	// keep the cached identity in step with the machine: a refresh lands a
	// new token (and identity) in the store without going through Login
	machine.Subscribe(m.onStateChange)

	return m, nil
}

// Scope returns the role scope this manager serves.
func (m *Manager) Scope() RoleScope {
	return m.scope
}

// State returns the current session state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Machine exposes the state machine for guards and subscribers.
func (m *Manager) Machine() *StateMachine {
	return m.machine
}

// Guard returns the route guard for this scope.
func (m *Manager) Guard() *RouteGuard {
	return m.guard
}

// Identity returns the identity decoded from the current access token, or
// nil outside Authenticated.
func (m *Manager) Identity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// Client returns the HTTP client feature code uses for resource calls.
// Tokens are attached and refreshed transparently.
func (m *Manager) Client() *http.Client {
	return m.client
}

// Start reconstructs session state from the store. A stored pair whose
// access token is still valid restores Authenticated directly; a stale pair
// triggers exactly one silent refresh before any protected view renders; an
// empty store leaves the session Anonymous. Storage failure is soft: the
// session is forced Anonymous rather than crashing.
func (m *Manager) Start(ctx context.Context) error {
	pair, cached, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("token store unavailable for scope %s, starting anonymous: %v", m.scope, err)
		return nil
	}
	if pair == nil || pair.Empty() {
		return nil
	}

	if !pair.Expired(m.now()) {
		identity, err := IdentityFromToken(pair.AccessToken)
		if err != nil {
			// expiry said valid but claims will not decode; treat as stale
			identity = cached
		}
		if identity != nil {
			m.setIdentity(identity)
			if err := m.machine.Transition(StateAuthenticated, WithTransitionReason("session restored")); err != nil {
				return err
			}
			return nil
		}
	}

	if pair.RefreshToken == "" {
		// nothing to refresh with; clean up the stale grant
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn("clearing stale session for scope %s: %v", m.scope, err)
		}
		return nil
	}

	if _, err := m.refresh.Refresh(ctx); err != nil {
		m.logger.Info("silent refresh failed for scope %s: %v", m.scope, err)
	}
	return nil
}

// Login authenticates the credentials for this scope. For the admin scope
// the backend may demand a second factor, in which case the returned
// challenge is non-nil and the session is MfaPending until Verify succeeds.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*MfaChallenge, error) {
	if err := creds.Validate(); err != nil {
		return nil, ErrInvalidCredentials.WithMetadata(map[string]any{
			"scope":      m.scope.String(),
			"validation": err.Error(),
		})
	}

	if err := m.machine.Transition(StateAuthenticating, WithTransitionReason("login")); err != nil {
		return nil, err
	}

	res, err := m.api.login(ctx, NormalizeIdentifier(creds.Identifier), creds.Secret)
	if err != nil {
		m.abortLogin(ctx, err)
		return nil, err
	}

	if res.RequireMfa {
		if !m.scope.SupportsMfa() {
			err := goerrors.New("backend requested mfa for a scope that does not support it", goerrors.CategoryOperation).
				WithMetadata(map[string]any{"scope": m.scope.String()})
			m.abortLogin(ctx, err)
			return nil, err
		}

		if err := m.machine.Transition(StateMfaPending, WithTransitionReason("second factor required")); err != nil {
			return nil, err
		}
		recordActivity(ctx, m.activity, m.logger, ActivityEvent{
			EventType: ActivityEventMfaChallenge,
			Scope:     m.scope,
			Subject:   res.UserID,
		})
		return newMfaChallenge(m, res.UserID, res.Email), nil
	}

	if err := m.completeLogin(ctx, res, ActivityEventLoginSuccess); err != nil {
		m.abortLogin(ctx, err)
		return nil, err
	}

	return nil, nil
}

// Logout tears the session down. The backend call is best-effort; local
// cleanup always happens, and any refresh still in flight loses: its result
// is discarded and the store swept again when it lands.
func (m *Manager) Logout(ctx context.Context) error {
	pair, _, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("loading tokens during logout for scope %s: %v", m.scope, err)
	}

	m.refresh.Invalidate()

	if pair != nil && pair.RefreshToken != "" {
		m.api.logout(ctx, pair.RefreshToken)
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clearing store during logout for scope %s: %v", m.scope, err)
	}

	m.setIdentity(nil)

	if err := m.machine.Transition(StateAnonymous,
		WithForceTransition(),
		WithTransitionReason("logout"),
	); err != nil {
		return err
	}

	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: ActivityEventLogout,
		Scope:     m.scope,
	})

	return nil
}

// Reset completes the Expired state's cleanup after the portal has
// redirected to login.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clearing store during reset for scope %s: %v", m.scope, err)
	}
	m.setIdentity(nil)
	return m.machine.Transition(StateAnonymous,
		WithForceTransition(),
		WithTransitionReason("expired session cleanup"),
	)
}

// completeLogin persists the grant and lands the session in Authenticated.
// Shared by plain logins and MFA verification.
func (m *Manager) completeLogin(ctx context.Context, res *loginResponse, event ActivityEventType) error {
	if m.verifier != nil {
		if _, err := m.verifier.Verify(res.AccessToken); err != nil {
			return err
		}
	}

	identity, err := IdentityFromToken(res.AccessToken)
	if err != nil {
		return err
	}

	pair := TokenPair{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		IssuedAt:     m.now(),
	}

	if err := m.store.Save(ctx, pair, identity); err != nil {
		return ErrStorageUnavailable.WithMetadata(map[string]any{
			"scope": m.scope.String(),
			"error": err.Error(),
		})
	}

	m.setIdentity(identity)

	if err := m.machine.Transition(StateAuthenticated, WithTransitionReason("login succeeded")); err != nil {
		return err
	}

	if m.debug {
		m.logger.Debug("session identity for scope %s: %s", m.scope, print.MaybePrettyJSON(identity))
	}

	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: event,
		Scope:     m.scope,
		Subject:   identity.Subject,
	})

	return nil
}

// abortLogin rolls an in-flight login back to Anonymous. No partial
// session survives.
func (m *Manager) abortLogin(ctx context.Context, cause error) {
	if err := m.machine.Transition(StateAnonymous,
		WithForceTransition(),
		WithTransitionReason("login failed"),
	); err != nil {
		m.logger.Warn("rolling back failed login: %v", err)
	}
	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Scope:     m.scope,
		Metadata:  map[string]any{"error": cause.Error()},
	})
}

func (m *Manager) setIdentity(identity *Identity) {
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
}

// onStateChange keeps the cached identity coherent with transitions driven
// outside Login/Logout, i.e. the refresh coordinator and the transport.
func (m *Manager) onStateChange(from, to State, reason string) {
	switch to {
	case StateAuthenticated:
		if from != StateRefreshing {
			return
		}
		if _, cached, err := m.store.Load(context.Background()); err == nil && cached != nil {
			m.setIdentity(cached)
		}
	case StateExpired:
		m.setIdentity(nil)
	}
}
