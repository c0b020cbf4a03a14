package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportFixture struct {
	store        *MemoryStore
	machine      *StateMachine
	client       *http.Client
	refreshCalls *int64
}

// newTransportFixture stands up an auth backend plus a resource handler on
// one test server and wires a full transport stack against it.
func newTransportFixture(t *testing.T, resource http.HandlerFunc) (*transportFixture, *httptest.Server) {
	t.Helper()

	var refreshCalls int64
	newAccess := testToken(t, "user-1", "buyer", time.Now().Add(time.Hour))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/buyer/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		json.NewEncoder(w).Encode(refreshResponse{
			AccessToken:  newAccess,
			RefreshToken: "refresh-new",
		})
	})
	mux.HandleFunc("/resource", resource)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store, err := NewMemoryStore(ScopeBuyer)
	require.NoError(t, err)

	machine := NewStateMachine(WithStateMachineLogger(silentLogger{}))
	api := newAuthAPI(server.URL, ScopeBuyer, nil, silentLogger{})
	coordinator := newRefreshCoordinator(ScopeBuyer, api, store, machine, silentLogger{})
	transport := newAuthTransport(nil, store, machine, coordinator, silentLogger{})

	return &transportFixture{
		store:        store,
		machine:      machine,
		client:       transport.Client(),
		refreshCalls: &refreshCalls,
	}, server
}

func (f *transportFixture) seed(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), TokenPair{
		AccessToken:  access,
		RefreshToken: "refresh-old",
	}, nil))
	require.NoError(t, f.machine.Transition(StateAuthenticated, WithForceTransition()))
}

func TestAuthTransportAttachesBearerToken(t *testing.T) {
	var seenAuth atomic.Value
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	fixture.seed(t, "access-ok")

	res, err := fixture.client.Get(server.URL + "/resource")
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Bearer access-ok", seenAuth.Load())
	assert.Zero(t, atomic.LoadInt64(fixture.refreshCalls))
}

func TestAuthTransportSkipsTokenOutsideAuthenticated(t *testing.T) {
	var seenAuth atomic.Value
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})

	// tokens in the store but the session never authenticated
	require.NoError(t, fixture.store.Save(context.Background(), TokenPair{
		AccessToken:  "access-ok",
		RefreshToken: "refresh-old",
	}, nil))

	res, err := fixture.client.Get(server.URL + "/resource")
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "", seenAuth.Load())
}

func TestAuthTransportRefreshesAndRetriesOnce(t *testing.T) {
	var resourceCalls int64
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&resourceCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// retry must carry the refreshed token
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.Contains(auth, "access-stale") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "payload")
	})
	fixture.seed(t, "access-stale")

	res, err := fixture.client.Get(server.URL + "/resource")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "payload", string(body))
	assert.EqualValues(t, 2, atomic.LoadInt64(&resourceCalls))
	assert.EqualValues(t, 1, atomic.LoadInt64(fixture.refreshCalls))
	assert.Equal(t, StateAuthenticated, fixture.machine.Current())
}

func TestAuthTransportReplaysRequestBodyOnRetry(t *testing.T) {
	var resourceCalls int64
	var retryBody atomic.Value
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if atomic.AddInt64(&resourceCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		retryBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	})
	fixture.seed(t, "access-stale")

	res, err := fixture.client.Post(server.URL+"/resource", "application/json", strings.NewReader(`{"q":1}`))
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"q":1}`, retryBody.Load())
}

func TestAuthTransportSecondUnauthorizedExpiresSession(t *testing.T) {
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	fixture.seed(t, "access-stale")

	res, err := fixture.client.Get(server.URL + "/resource")
	require.NoError(t, err)
	res.Body.Close()

	// exactly one refresh, exactly one retry, then give up
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt64(fixture.refreshCalls))
	assert.Equal(t, StateExpired, fixture.machine.Current())

	pair, _, loadErr := fixture.store.Load(context.Background())
	require.NoError(t, loadErr)
	assert.Nil(t, pair)
}

func TestAuthTransportFailedRefreshSurfacesError(t *testing.T) {
	var refreshCalls int64

	mux := http.NewServeMux()
	mux.HandleFunc("/api/buyer/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store, err := NewMemoryStore(ScopeBuyer)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), TokenPair{
		AccessToken:  "access-stale",
		RefreshToken: "refresh-old",
	}, nil))

	machine := NewStateMachine(WithStateMachineLogger(silentLogger{}))
	require.NoError(t, machine.Transition(StateAuthenticated, WithForceTransition()))

	api := newAuthAPI(server.URL, ScopeBuyer, nil, silentLogger{})
	coordinator := newRefreshCoordinator(ScopeBuyer, api, store, machine, silentLogger{})
	client := newAuthTransport(nil, store, machine, coordinator, silentLogger{}).Client()

	_, err = client.Get(server.URL + "/resource")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, StateExpired, machine.Current())
}

func TestAuthTransportNonAuthStatusPassesThrough(t *testing.T) {
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	fixture.seed(t, "access-ok")

	res, err := fixture.client.Get(server.URL + "/resource")
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Zero(t, atomic.LoadInt64(fixture.refreshCalls), "5xx is not an auth failure")
	assert.Equal(t, StateAuthenticated, fixture.machine.Current())
}

func TestAuthTransportKeepsCallerAuthorizationHeader(t *testing.T) {
	var seenAuth atomic.Value
	fixture, server := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	fixture.seed(t, "access-ok")

	req, err := http.NewRequest(http.MethodGet, server.URL+"/resource", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer custom-token")

	res, err := fixture.client.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, "Bearer custom-token", seenAuth.Load())
}
