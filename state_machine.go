package session

import (
	"sync"
	"time"
)

// State enumerates the session lifecycle. It lives only in memory for the
// lifetime of the application session and is reconstructed from the token
// store at startup.
type State string

const (
	// StateAnonymous is the initial state: no usable credentials.
	StateAnonymous State = "anonymous"
	// StateAuthenticating means a login call is in flight.
	StateAuthenticating State = "authenticating"
	// StateMfaPending means login succeeded but a second factor is required.
	StateMfaPending State = "mfa_pending"
	// StateAuthenticated means a valid access token is held.
	StateAuthenticated State = "authenticated"
	// StateRefreshing means the access token expired and a refresh call is
	// in flight. Route guards show a loading affordance, not a bounce.
	StateRefreshing State = "refreshing"
	// StateExpired means the refresh token itself is no longer usable. The
	// session stays here until cleanup (clear + redirect) completes.
	StateExpired State = "expired"
)

// Valid reports whether s is a known session state.
func (s State) Valid() bool {
	switch s {
	case StateAnonymous, StateAuthenticating, StateMfaPending,
		StateAuthenticated, StateRefreshing, StateExpired:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// StateListener observes committed transitions. Listeners run after the
// state change is visible and outside the machine's lock.
type StateListener func(from, to State, reason string)

// TransitionOption customizes one transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	reason string
	force  bool
}

// WithTransitionReason records a human-readable reason for the transition,
// passed through to listeners.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.reason = reason
	}
}

// WithForceTransition bypasses validation rules (use sparingly; logout is
// the one legitimate caller).
func WithForceTransition() TransitionOption {
	return func(opts *transitionOptions) {
		opts.force = true
	}
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*StateMachine)

// WithStateMachineLogger overrides the logger used for listener dispatch.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *StateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *StateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// StateMachine is the single source of truth for one scope's session state.
// Route guards read it; the Manager, RefreshCoordinator, and AuthTransport
// drive it. Safe for concurrent use.
type StateMachine struct {
	mu           sync.RWMutex
	current      State
	changedAt    time.Time
	transitions  map[State]map[State]struct{}
	listeners    map[int]StateListener
	nextListener int
	logger       Logger
	now          func() time.Time
}

// NewStateMachine returns a machine in the Anonymous state.
func NewStateMachine(opts ...StateMachineOption) *StateMachine {
	sm := &StateMachine{
		current: StateAnonymous,
		transitions: map[State]map[State]struct{}{
			StateAnonymous: {
				StateAuthenticating: {},
				// startup reconstruction jumps straight to Authenticated
				// (fresh stored token) or Refreshing (stale stored token)
				StateAuthenticated: {},
				StateRefreshing:    {},
			},
			StateAuthenticating: {
				StateAuthenticated: {},
				StateMfaPending:    {},
				StateAnonymous:     {},
			},
			StateMfaPending: {
				StateAuthenticated: {},
				StateAnonymous:     {},
			},
			StateAuthenticated: {
				StateRefreshing: {},
				StateAnonymous:  {},
			},
			StateRefreshing: {
				StateAuthenticated: {},
				StateExpired:       {},
				// logout while a refresh is in flight: logout wins
				StateAnonymous: {},
			},
			StateExpired: {
				StateAnonymous: {},
			},
		},
		listeners: map[int]StateListener{},
		logger:    defLogger{},
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	sm.changedAt = sm.now()

	return sm
}

// Current returns the session state.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Is reports whether the machine is in the given state.
func (sm *StateMachine) Is(state State) bool {
	return sm.Current() == state
}

// ChangedAt returns when the last transition was committed.
func (sm *StateMachine) ChangedAt() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.changedAt
}

// Subscribe registers a listener and returns its unsubscribe function.
func (sm *StateMachine) Subscribe(listener StateListener) func() {
	if listener == nil {
		return func() {}
	}

	sm.mu.Lock()
	id := sm.nextListener
	sm.nextListener++
	sm.listeners[id] = listener
	sm.mu.Unlock()

	return func() {
		sm.mu.Lock()
		delete(sm.listeners, id)
		sm.mu.Unlock()
	}
}

// Transition moves the machine to target if the change is legal. A
// transition to the current state is a no-op.
func (sm *StateMachine) Transition(target State, opts ...TransitionOption) error {
	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	if !target.Valid() {
		return ErrInvalidSessionTransition.WithMetadata(map[string]any{
			"reason": "target state is unknown",
			"to":     string(target),
		})
	}

	sm.mu.Lock()
	from := sm.current
	if from == target {
		sm.mu.Unlock()
		return nil
	}

	if !options.force && !sm.canTransition(from, target) {
		sm.mu.Unlock()
		return ErrInvalidSessionTransition.WithMetadata(map[string]any{
			"from": string(from),
			"to":   string(target),
		})
	}

	sm.current = target
	sm.changedAt = sm.now()

	listeners := make([]StateListener, 0, len(sm.listeners))
	for _, l := range sm.listeners {
		listeners = append(listeners, l)
	}
	sm.mu.Unlock()

	sm.logger.Debug("session state %s -> %s (%s)", from, target, options.reason)

	for _, listener := range listeners {
		listener(from, target, options.reason)
	}

	return nil
}

func (sm *StateMachine) canTransition(from, to State) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}
