package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRejectsUnknownScope(t *testing.T) {
	_, err := NewMemoryStore(RoleScope("bogus"))
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(ScopeBuyer)
	require.NoError(t, err)

	issued := time.Now().Truncate(time.Second)
	pair := TokenPair{AccessToken: "access", RefreshToken: "refresh", IssuedAt: issued}
	identity := &Identity{Subject: "user-1", Role: "buyer"}

	require.NoError(t, store.Save(ctx, pair, identity))

	got, gotIdentity, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, got.IssuedAt.Equal(issued))

	require.NotNil(t, gotIdentity)
	assert.Equal(t, "user-1", gotIdentity.Subject)
	assert.Equal(t, "buyer", gotIdentity.Role)
}

func TestMemoryStoreAbsenceIsNotAnError(t *testing.T) {
	store, err := NewMemoryStore(ScopeSeller)
	require.NoError(t, err)

	pair, identity, err := store.Load(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, pair)
	assert.Nil(t, identity)
}

func TestMemoryStoreScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	stores := map[RoleScope]*MemoryStore{}
	for _, scope := range Scopes() {
		store, err := NewMemoryStore(scope, backend)
		require.NoError(t, err)
		stores[scope] = store

		err = store.Save(ctx, TokenPair{
			AccessToken:  "access-" + scope.String(),
			RefreshToken: "refresh-" + scope.String(),
		}, nil)
		require.NoError(t, err)
	}

	// each scope reads back only its own grant
	for scope, store := range stores {
		pair, _, err := store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, pair)
		assert.Equal(t, "access-"+scope.String(), pair.AccessToken)
	}

	// clearing one scope leaves the rest alone
	require.NoError(t, stores[ScopeAdmin].Clear(ctx))

	pair, _, err := stores[ScopeAdmin].Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, pair)

	for _, scope := range []RoleScope{ScopeBuyer, ScopeSeller, ScopeRepairCenter} {
		pair, _, err := stores[scope].Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, pair, "scope %s lost its grant", scope)
	}
}

func TestMemoryStoreConcurrentSaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(ScopeBuyer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Save(ctx, TokenPair{AccessToken: "a", RefreshToken: "r"}, &Identity{Subject: "s"})
		}()
		go func() {
			defer wg.Done()
			pair, _, err := store.Load(ctx)
			assert.NoError(t, err)
			if pair != nil {
				// never a half-written grant
				assert.Equal(t, "a", pair.AccessToken)
				assert.Equal(t, "r", pair.RefreshToken)
			}
		}()
	}
	wg.Wait()
}
