package session

import (
	"context"
	"encoding/json"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

const (
	storageKeyAccessToken  = "access_token"
	storageKeyRefreshToken = "refresh_token"
	storageKeyIdentity     = "identity"
	storageKeyIssuedAt     = "issued_at"
)

// MemoryBackend is a process-local key-value map that several MemoryStores
// can share, the way browser portals share one localStorage. Scope prefixes
// keep their entries apart.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]string{}}
}

// MemoryStore is the TokenStore used in tests and short-lived tools. For a
// store that survives restarts see store/bunstore.
type MemoryStore struct {
	scope   RoleScope
	backend *MemoryBackend
}

// NewMemoryStore scopes a store onto a backend. Passing no backend gives
// the store private storage.
func NewMemoryStore(scope RoleScope, backend ...*MemoryBackend) (*MemoryStore, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	b := NewMemoryBackend()
	if len(backend) > 0 && backend[0] != nil {
		b = backend[0]
	}

	return &MemoryStore{scope: scope, backend: b}, nil
}

// Scope returns the role scope this store is bound to.
func (s *MemoryStore) Scope() RoleScope {
	return s.scope
}

// Save writes the pair and cached identity in one critical section so a
// concurrent Load never observes a half-written grant.
func (s *MemoryStore) Save(ctx context.Context, pair TokenPair, identity *Identity) error {
	var identityJSON []byte
	if identity != nil {
		var err error
		if identityJSON, err = json.Marshal(identity); err != nil {
			return goerrors.Wrap(err, ErrStorageUnavailable.Category, ErrStorageUnavailable.Message).
				WithTextCode(ErrStorageUnavailable.TextCode)
		}
	}

	issuedAt, err := pair.IssuedAt.MarshalText()
	if err != nil {
		issuedAt = nil
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.entries[s.scope.StorageKey(storageKeyAccessToken)] = pair.AccessToken
	s.backend.entries[s.scope.StorageKey(storageKeyRefreshToken)] = pair.RefreshToken
	if identityJSON != nil {
		s.backend.entries[s.scope.StorageKey(storageKeyIdentity)] = string(identityJSON)
	} else {
		delete(s.backend.entries, s.scope.StorageKey(storageKeyIdentity))
	}
	if issuedAt != nil {
		s.backend.entries[s.scope.StorageKey(storageKeyIssuedAt)] = string(issuedAt)
	}

	return nil
}

// Load returns the stored pair, or (nil, nil, nil) when this scope has
// nothing persisted.
func (s *MemoryStore) Load(ctx context.Context) (*TokenPair, *Identity, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	access, ok := s.backend.entries[s.scope.StorageKey(storageKeyAccessToken)]
	if !ok || access == "" {
		return nil, nil, nil
	}

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: s.backend.entries[s.scope.StorageKey(storageKeyRefreshToken)],
	}
	if raw, ok := s.backend.entries[s.scope.StorageKey(storageKeyIssuedAt)]; ok {
		pair.IssuedAt.UnmarshalText([]byte(raw))
	}

	var identity *Identity
	if raw, ok := s.backend.entries[s.scope.StorageKey(storageKeyIdentity)]; ok {
		identity = &Identity{}
		if err := json.Unmarshal([]byte(raw), identity); err != nil {
			identity = nil
		}
	}

	return pair, identity, nil
}

// Clear removes every entry for this scope. Other scopes on the same
// backend are untouched.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	delete(s.backend.entries, s.scope.StorageKey(storageKeyAccessToken))
	delete(s.backend.entries, s.scope.StorageKey(storageKeyRefreshToken))
	delete(s.backend.entries, s.scope.StorageKey(storageKeyIdentity))
	delete(s.backend.entries, s.scope.StorageKey(storageKeyIssuedAt))

	return nil
}

var _ TokenStore = (*MemoryStore)(nil)
