package guardware

import (
	"net/http"

	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
)

// Config controls how the guard middleware reacts to each decision.
type Config struct {
	// Filter skips the guard for matching requests (static assets, health).
	Filter func(router.Context) bool
	// Guard is required.
	Guard *session.RouteGuard
	// Identity, when set, resolves the identity stored alongside the
	// session so handlers can read it from locals.
	Identity func() *session.Identity
	// ContextKey is the locals key the identity is stored under.
	ContextKey string
	// RedirectStatus is the code used when bouncing to the login route.
	RedirectStatus int
	// WaitHandler runs while authentication is resolving (silent refresh in
	// flight). The default answers 503 so clients retry instead of treating
	// the pause as a rejection.
	WaitHandler router.HandlerFunc
	// SuccessHandler runs when the guard allows the request.
	SuccessHandler router.HandlerFunc
}

// New returns middleware that enforces a scope's route guard. Protected
// handlers behind it only ever run with the session Authenticated.
func New(config ...Config) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		cfg := GetDefaultConfig(config...)
		return func(ctx router.Context) error {
			if cfg.Filter != nil && cfg.Filter(ctx) {
				return ctx.Next()
			}

			switch cfg.Guard.Evaluate() {
			case session.GuardAllow:
				if cfg.Identity != nil {
					if identity := cfg.Identity(); identity != nil {
						ctx.Locals(cfg.ContextKey, identity)
						ctx.SetContext(session.WithIdentityContext(ctx.Context(), identity))
					}
				}
				return cfg.SuccessHandler(ctx)
			case session.GuardWait:
				return cfg.WaitHandler(ctx)
			default:
				return ctx.Redirect(cfg.Guard.LoginRoute(), cfg.RedirectStatus)
			}
		}
	}
}

// ForManager builds a config wired to a session manager.
func ForManager(m *session.Manager) Config {
	return Config{
		Guard:    m.Guard(),
		Identity: m.Identity,
	}
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Guard == nil {
		panic("SESSION: guard middleware configuration: Guard is required.")
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "identity"
	}

	if cfg.RedirectStatus == 0 {
		cfg.RedirectStatus = http.StatusSeeOther
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(ctx router.Context) error {
			return ctx.Next()
		}
	}

	if cfg.WaitHandler == nil {
		cfg.WaitHandler = func(ctx router.Context) error {
			ctx.SetHeader("Retry-After", "1")
			return ctx.Status(http.StatusServiceUnavailable).SendString("authentication in progress")
		}
	}

	return cfg
}
