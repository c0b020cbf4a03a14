package session

import (
	"io"
	"net/http"
)

// HeaderAuthorization is where the bearer credential travels.
const HeaderAuthorization = "Authorization"

// defaultAuthScheme prefixes the access token in the Authorization header.
const defaultAuthScheme = "Bearer"

// AuthTransport wraps every outbound resource request for one scope: it
// attaches the current access token, detects authentication failures, and
// retries exactly once after asking the RefreshCoordinator for a new token.
//
// The at-most-one-retry guarantee is structural, not tracked state: a
// misconfigured backend that keeps answering 401 can never loop us.
type AuthTransport struct {
	base      http.RoundTripper
	store     TokenStore
	machine   *StateMachine
	refresher *RefreshCoordinator
	activity  ActivitySink
	scheme    string
	logger    Logger
}

func newAuthTransport(base http.RoundTripper, store TokenStore, machine *StateMachine, refresher *RefreshCoordinator, logger Logger) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = defLogger{}
	}
	return &AuthTransport{
		base:      base,
		store:     store,
		machine:   machine,
		refresher: refresher,
		activity:  noopActivitySink{},
		scheme:    defaultAuthScheme,
		logger:    logger,
	}
}

// Client returns an http.Client whose requests flow through this transport.
// Feature code uses it without ever touching tokens.
func (t *AuthTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	first := req.Clone(ctx)
	t.attachToken(first)

	res, err := t.base.RoundTrip(first)
	if err != nil {
		// plain transport failure: no session-state effect, bubbles as-is
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}

	if req.Body != nil && req.GetBody == nil {
		// body already consumed and not replayable; the caller gets the 401
		t.logger.Debug("skipping auth retry for %s %s: body not replayable", req.Method, req.URL.Path)
		return res, nil
	}

	drain(res)

	pair, err := t.refresher.Refresh(ctx)
	if err != nil {
		// the coordinator has already driven the session to Expired and
		// cleared the store
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set(HeaderAuthorization, t.scheme+" "+pair.AccessToken)

	res, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusUnauthorized {
		// refreshed token rejected too: give up, the session is over
		t.expire(req)
	}
	return res, nil
}

// attachToken adds the bearer header only while the session is
// Authenticated. Requests racing a refresh go out bare, take the 401, and
// join the in-flight refresh on retry.
func (t *AuthTransport) attachToken(req *http.Request) {
	if req.Header.Get(HeaderAuthorization) != "" {
		return
	}
	if !t.machine.Is(StateAuthenticated) {
		return
	}
	pair, _, err := t.store.Load(req.Context())
	if err != nil || pair == nil || pair.AccessToken == "" {
		return
	}
	req.Header.Set(HeaderAuthorization, t.scheme+" "+pair.AccessToken)
}

func (t *AuthTransport) expire(req *http.Request) {
	ctx := req.Context()
	if err := t.store.Clear(ctx); err != nil {
		t.logger.Warn("clearing store after rejected retry: %v", err)
	}
	if err := t.machine.Transition(StateExpired,
		WithForceTransition(),
		WithTransitionReason("retry after refresh still unauthorized"),
	); err != nil {
		t.logger.Warn("expiring session: %v", err)
	}
	recordActivity(ctx, t.activity, t.logger, ActivityEvent{
		EventType: ActivityEventExpired,
		Scope:     t.refresher.scope,
		Metadata:  map[string]any{"path": req.URL.Path},
	})
}

func drain(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

var _ http.RoundTripper = (*AuthTransport)(nil)
