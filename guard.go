package session

// GuardDecision is what a route guard does with a protected view.
type GuardDecision int

const (
	// GuardAllow renders the protected content.
	GuardAllow GuardDecision = iota
	// GuardWait shows a loading affordance while authentication resolves:
	// a legitimate silent refresh must not look like an unauthorized bounce.
	GuardWait
	// GuardRedirect sends the user to the scope's login route.
	GuardRedirect
)

func (d GuardDecision) String() string {
	switch d {
	case GuardAllow:
		return "allow"
	case GuardWait:
		return "wait"
	case GuardRedirect:
		return "redirect"
	}
	return "unknown"
}

// RouteGuard is a pure consumer of the session state machine: it decides,
// it never performs network calls or navigation itself. Refresh logic lives
// in AuthTransport/RefreshCoordinator; redirects belong to the HTTP layer
// reacting to the decision.
type RouteGuard struct {
	machine    *StateMachine
	loginRoute string
}

// NewRouteGuard builds a guard for one scope's state machine.
func NewRouteGuard(machine *StateMachine, scope RoleScope) *RouteGuard {
	return &RouteGuard{
		machine:    machine,
		loginRoute: scope.LoginRoute(),
	}
}

// Evaluate maps the current session state to a decision.
func (g *RouteGuard) Evaluate() GuardDecision {
	switch g.machine.Current() {
	case StateAuthenticated:
		return GuardAllow
	case StateAuthenticating, StateRefreshing:
		return GuardWait
	default:
		// Anonymous, MfaPending, and Expired all resolve at the login flow
		return GuardRedirect
	}
}

// LoginRoute is where GuardRedirect should send the user.
func (g *RouteGuard) LoginRoute() string {
	return g.loginRoute
}
