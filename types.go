package session

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Logger is the minimal logging surface the package needs. Portals plug in
// their own; adapters/zerolog ships a zerolog-backed implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// HTTPDoer is satisfied by *http.Client and by test doubles.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenStore persists one scope's token pair plus a cached identity
// summary. Save must be atomic with respect to Load: a reader never
// observes a half-written pair. Absence is (nil, nil, nil), not an error.
//
// Only the RefreshCoordinator and the login/logout paths write the store;
// everything else treats it as read-only.
type TokenStore interface {
	Save(ctx context.Context, pair TokenPair, identity *Identity) error
	Load(ctx context.Context) (*TokenPair, *Identity, error)
	Clear(ctx context.Context) error
}

// Config exposes the knobs a portal can tune without touching constructor
// options. Implementations typically come from the application's config
// layer.
type Config interface {
	GetBaseURL() string
	GetAuthScheme() string
	GetRefreshTimeout() time.Duration
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SESSION "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SESSION "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SESSION "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SESSION "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
