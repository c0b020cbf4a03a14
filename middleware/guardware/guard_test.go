package guardware_test

import (
	"net/http"
	"testing"

	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
	"github.com/goliatone/go-session/middleware/guardware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, state session.State) *session.RouteGuard {
	t.Helper()

	machine := session.NewStateMachine()
	if state != session.StateAnonymous {
		require.NoError(t, machine.Transition(state, session.WithForceTransition()))
	}
	return session.NewRouteGuard(machine, session.ScopeBuyer)
}

func passThrough(ctx router.Context) error {
	return ctx.Next()
}

func TestGuardwareAllowsAuthenticated(t *testing.T) {
	middleware := guardware.New(guardware.Config{
		Guard: newGuard(t, session.StateAuthenticated),
	})

	ctx := router.NewMockContext()

	err := middleware(passThrough)(ctx)
	require.NoError(t, err)
	assert.True(t, ctx.NextCalled)
}

func TestGuardwareRedirectsAnonymous(t *testing.T) {
	middleware := guardware.New(guardware.Config{
		Guard: newGuard(t, session.StateAnonymous),
	})

	ctx := router.NewMockContext()
	ctx.On("Redirect", "/buyer/login", []int{http.StatusSeeOther}).Return(nil)

	err := middleware(passThrough)(ctx)
	require.NoError(t, err)
	assert.False(t, ctx.NextCalled)
	ctx.AssertExpectations(t)
}

func TestGuardwareRedirectsExpired(t *testing.T) {
	middleware := guardware.New(guardware.Config{
		Guard:          newGuard(t, session.StateExpired),
		RedirectStatus: http.StatusFound,
	})

	ctx := router.NewMockContext()
	ctx.On("Redirect", "/buyer/login", []int{http.StatusFound}).Return(nil)

	err := middleware(passThrough)(ctx)
	require.NoError(t, err)
	ctx.AssertExpectations(t)
}

func TestGuardwareWaitsDuringRefresh(t *testing.T) {
	waited := false
	middleware := guardware.New(guardware.Config{
		Guard: newGuard(t, session.StateRefreshing),
		WaitHandler: func(ctx router.Context) error {
			waited = true
			return nil
		},
	})

	ctx := router.NewMockContext()

	err := middleware(passThrough)(ctx)
	require.NoError(t, err)
	assert.True(t, waited)
	assert.False(t, ctx.NextCalled)
}

func TestGuardwareFilterSkipsGuard(t *testing.T) {
	middleware := guardware.New(guardware.Config{
		Guard:  newGuard(t, session.StateAnonymous),
		Filter: func(router.Context) bool { return true },
	})

	ctx := router.NewMockContext()

	err := middleware(passThrough)(ctx)
	require.NoError(t, err)
	assert.True(t, ctx.NextCalled, "filtered requests bypass the guard")
}

func TestGuardwareRequiresGuard(t *testing.T) {
	assert.Panics(t, func() {
		guardware.New(guardware.Config{})(passThrough)
	})
}
