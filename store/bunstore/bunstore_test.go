package bunstore

import (
	"context"
	"testing"
	"time"

	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := OpenSQLite("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// start from a clean table; the shared cache survives across tests
	_, err = db.NewTruncateTable().Model((*TokenRecord)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return db
}

func TestNewRejectsUnknownScope(t *testing.T) {
	db := setupDB(t)

	_, err := New(db, session.RoleScope("bogus"))
	assert.ErrorIs(t, err, session.ErrInvalidScope)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	store, err := New(db, session.ScopeBuyer)
	require.NoError(t, err)

	issued := time.Now().UTC().Truncate(time.Second)
	identity := &session.Identity{Subject: "user-1", Role: "buyer"}

	err = store.Save(ctx, session.TokenPair{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     issued,
	}, identity)
	require.NoError(t, err)

	pair, gotIdentity, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)

	assert.Equal(t, "access-1", pair.AccessToken)
	assert.Equal(t, "refresh-1", pair.RefreshToken)
	assert.True(t, pair.IssuedAt.Equal(issued))

	require.NotNil(t, gotIdentity)
	assert.Equal(t, "user-1", gotIdentity.Subject)
	assert.Equal(t, "buyer", gotIdentity.Role)
}

func TestStoreAbsenceIsNotAnError(t *testing.T) {
	db := setupDB(t)

	store, err := New(db, session.ScopeSeller)
	require.NoError(t, err)

	pair, identity, err := store.Load(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, pair)
	assert.Nil(t, identity)
}

func TestStoreSaveIsAnUpsert(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	store, err := New(db, session.ScopeBuyer)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, session.TokenPair{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     time.Now(),
	}, nil))
	require.NoError(t, store.Save(ctx, session.TokenPair{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		IssuedAt:     time.Now(),
	}, nil))

	count, err := db.NewSelect().Model((*TokenRecord)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one row per scope")

	pair, _, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "access-2", pair.AccessToken)
}

func TestStoreScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	stores := map[session.RoleScope]*Store{}
	for _, scope := range session.Scopes() {
		store, err := New(db, scope)
		require.NoError(t, err)
		stores[scope] = store

		require.NoError(t, store.Save(ctx, session.TokenPair{
			AccessToken:  "access-" + scope.String(),
			RefreshToken: "refresh-" + scope.String(),
			IssuedAt:     time.Now(),
		}, nil))
	}

	require.NoError(t, stores[session.ScopeAdmin].Clear(ctx))

	pair, _, err := stores[session.ScopeAdmin].Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, pair)

	for _, scope := range []session.RoleScope{session.ScopeBuyer, session.ScopeSeller, session.ScopeRepairCenter} {
		pair, _, err := stores[scope].Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, pair, "scope %s lost its grant", scope)
		assert.Equal(t, "access-"+scope.String(), pair.AccessToken)
	}
}

func TestStoreEncryptsTokensAtRest(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")

	store, err := New(db, session.ScopeAdmin, WithEncryptionKey(key))
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, session.TokenPair{
		AccessToken:  "super-secret-access",
		RefreshToken: "super-secret-refresh",
		IssuedAt:     time.Now(),
	}, nil))

	// raw row must not contain plaintext tokens
	record := &TokenRecord{}
	err = db.NewSelect().Model(record).Where("scope = ?", session.ScopeAdmin.String()).Scan(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-access", record.AccessToken)
	assert.NotEqual(t, "super-secret-refresh", record.RefreshToken)
	assert.NotContains(t, record.AccessToken, "super-secret")

	// a store with the key reads them back
	pair, _, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "super-secret-access", pair.AccessToken)
	assert.Equal(t, "super-secret-refresh", pair.RefreshToken)

	// a store without the key cannot
	plain, err := New(db, session.ScopeAdmin)
	require.NoError(t, err)
	got, _, err := plain.Load(ctx)
	if err == nil {
		require.NotNil(t, got)
		assert.NotEqual(t, "super-secret-access", got.AccessToken)
	}
}

func TestStoreImplementsTokenStore(t *testing.T) {
	var _ session.TokenStore = (*Store)(nil)
}
