package session

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// defaultRefreshTimeout bounds how long a refresh call may hang before the
// session is forced Expired. Without it a dead backend would pin the state
// machine in Refreshing forever.
const defaultRefreshTimeout = 15 * time.Second

type refreshOutcome struct {
	pair *TokenPair
	err  error
}

// RefreshCoordinator collapses concurrent refresh demand into one backend
// call per scope. The first caller that observes an expired token starts
// the flight; everyone arriving while it is up joins the pending queue and
// shares the result. Without this, N concurrent 401s would race N refresh
// calls and rotate each other's refresh tokens into the void.
type RefreshCoordinator struct {
	scope    RoleScope
	api      *authAPI
	store    TokenStore
	machine  *StateMachine
	logger   Logger
	activity ActivitySink
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	inflight   bool
	waiters    []chan refreshOutcome
	generation uint64
}

func newRefreshCoordinator(scope RoleScope, api *authAPI, store TokenStore, machine *StateMachine, logger Logger) *RefreshCoordinator {
	if logger == nil {
		logger = defLogger{}
	}
	return &RefreshCoordinator{
		scope:    scope,
		api:      api,
		store:    store,
		machine:  machine,
		logger:   logger,
		activity: noopActivitySink{},
		timeout:  defaultRefreshTimeout,
		now:      time.Now,
	}
}

// Refresh returns a fresh token pair, joining the in-flight refresh when
// one exists. The caller suspends until the single backend call settles or
// its own context is done.
func (rc *RefreshCoordinator) Refresh(ctx context.Context) (*TokenPair, error) {
	ch := make(chan refreshOutcome, 1)

	rc.mu.Lock()
	rc.waiters = append(rc.waiters, ch)
	start := !rc.inflight
	var gen uint64
	if start {
		rc.inflight = true
		gen = rc.generation
	}
	rc.mu.Unlock()

	if start {
		if err := rc.machine.Transition(StateRefreshing, WithTransitionReason("access token expired")); err != nil {
			rc.logger.Warn("refresh started from unexpected state %s: %v", rc.machine.Current(), err)
		}
		go rc.run(gen)
	}

	select {
	case outcome := <-ch:
		return outcome.pair, outcome.err
	case <-ctx.Done():
		return nil, goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "refresh wait cancelled")
	}
}

// Invalidate marks any in-flight refresh as stale. Called on logout: the
// flight is allowed to complete but its result is discarded, and the store
// is cleared again in case the late response landed after cleanup.
func (rc *RefreshCoordinator) Invalidate() {
	rc.mu.Lock()
	rc.generation++
	rc.mu.Unlock()
}

func (rc *RefreshCoordinator) run(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()

	var outcome refreshOutcome
	var identity *Identity

	pair, _, err := rc.store.Load(ctx)
	switch {
	case err != nil:
		outcome.err = goerrors.Wrap(err, ErrStorageUnavailable.Category, ErrStorageUnavailable.Message).
			WithTextCode(ErrStorageUnavailable.TextCode)
	case pair == nil || pair.RefreshToken == "":
		outcome.err = ErrRefreshFailed.WithMetadata(map[string]any{
			"scope":  rc.scope.String(),
			"reason": "no refresh token stored",
		})
	default:
		res, err := rc.api.refresh(ctx, pair.RefreshToken)
		if err != nil {
			outcome.err = err
			break
		}

		next := &TokenPair{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			IssuedAt:     rc.now(),
		}
		if next.RefreshToken == "" {
			// backend did not rotate; the old refresh token stays valid
			next.RefreshToken = pair.RefreshToken
		}

		identity, err = IdentityFromToken(next.AccessToken)
		if err != nil {
			outcome.err = goerrors.Wrap(err, ErrRefreshFailed.Category, ErrRefreshFailed.Message).
				WithTextCode(ErrRefreshFailed.TextCode)
			break
		}
		outcome.pair = next
	}

	rc.settle(gen, outcome, identity)
}

func (rc *RefreshCoordinator) settle(gen uint64, outcome refreshOutcome, identity *Identity) {
	rc.mu.Lock()
	waiters := rc.waiters
	rc.waiters = nil
	rc.inflight = false
	stale := gen != rc.generation
	rc.mu.Unlock()

	ctx := context.Background()

	if stale {
		// logout won the race; drop the result and sweep anything a late
		// response may have persisted
		if err := rc.store.Clear(ctx); err != nil {
			rc.logger.Warn("clearing store after stale refresh: %v", err)
		}
		outcome = refreshOutcome{err: ErrSessionExpired.WithMetadata(map[string]any{
			"scope":  rc.scope.String(),
			"reason": "logged out during refresh",
		})}
		rc.release(waiters, outcome)
		return
	}

	if outcome.err == nil {
		if err := rc.store.Save(ctx, *outcome.pair, identity); err != nil {
			outcome = refreshOutcome{err: goerrors.Wrap(err, ErrStorageUnavailable.Category, ErrStorageUnavailable.Message).
				WithTextCode(ErrStorageUnavailable.TextCode)}
		}
	}

	if outcome.err == nil {
		if err := rc.machine.Transition(StateAuthenticated, WithTransitionReason("refresh succeeded")); err != nil {
			rc.logger.Warn("post-refresh transition failed: %v", err)
		}
		recordActivity(ctx, rc.activity, rc.logger, ActivityEvent{
			EventType: ActivityEventRefreshSuccess,
			Scope:     rc.scope,
			Subject:   subjectOf(identity),
		})
	} else {
		if err := rc.store.Clear(ctx); err != nil {
			rc.logger.Warn("clearing store after failed refresh: %v", err)
		}
		if err := rc.machine.Transition(StateExpired, WithTransitionReason("refresh failed")); err != nil {
			rc.logger.Warn("post-refresh transition failed: %v", err)
		}
		recordActivity(ctx, rc.activity, rc.logger, ActivityEvent{
			EventType: ActivityEventRefreshFailure,
			Scope:     rc.scope,
			Metadata:  map[string]any{"error": outcome.err.Error()},
		})
	}

	rc.release(waiters, outcome)
}

func (rc *RefreshCoordinator) release(waiters []chan refreshOutcome, outcome refreshOutcome) {
	for _, ch := range waiters {
		ch <- outcome
	}
}

func subjectOf(identity *Identity) string {
	if identity == nil {
		return ""
	}
	return identity.Subject
}
