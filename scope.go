package session

// RoleScope identifies which portal a session belongs to. Every Manager,
// TokenStore, and RefreshCoordinator is bound to exactly one scope; storage
// keys, API base paths, and redirect targets are all namespaced by it.
type RoleScope string

const (
	ScopeAdmin        RoleScope = "admin"
	ScopeBuyer        RoleScope = "buyer"
	ScopeSeller       RoleScope = "seller"
	ScopeRepairCenter RoleScope = "repair_center"
)

// Scopes returns every supported role scope.
func Scopes() []RoleScope {
	return []RoleScope{ScopeAdmin, ScopeBuyer, ScopeSeller, ScopeRepairCenter}
}

func (s RoleScope) String() string {
	return string(s)
}

// Valid reports whether the scope is one of the supported portals.
func (s RoleScope) Valid() bool {
	switch s {
	case ScopeAdmin, ScopeBuyer, ScopeSeller, ScopeRepairCenter:
		return true
	}
	return false
}

// Slug is the URL-safe form of the scope, used in paths and routes.
func (s RoleScope) Slug() string {
	if s == ScopeRepairCenter {
		return "repair-center"
	}
	return string(s)
}

// StoragePrefix namespaces every persisted entry for this scope. Two
// different scopes never produce the same storage key.
func (s RoleScope) StoragePrefix() string {
	return "session:" + string(s) + ":"
}

// StorageKey returns the fully namespaced key for one storage entry.
func (s RoleScope) StorageKey(name string) string {
	return s.StoragePrefix() + name
}

// BasePath is the API path prefix the backend exposes for this scope.
func (s RoleScope) BasePath() string {
	return "/api/" + s.Slug()
}

// LoginRoute is where an unauthenticated user of this portal is sent.
func (s RoleScope) LoginRoute() string {
	return "/" + s.Slug() + "/login"
}

// SupportsMfa reports whether the backend may demand a second factor on
// login. Only the admin portal does.
func (s RoleScope) SupportsMfa() bool {
	return s == ScopeAdmin
}

func validateScope(s RoleScope) error {
	if !s.Valid() {
		return ErrInvalidScope.WithMetadata(map[string]any{
			"scope": string(s),
		})
	}
	return nil
}
