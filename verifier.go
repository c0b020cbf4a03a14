package session

import (
	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// TokenVerifier optionally checks an access token's signature before the
// embedded identity is trusted. The default Manager skips verification:
// tokens are opaque to the client and the backend is the authority. Portals
// that publish a JWK set can opt in with WithTokenVerifier.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// TokenVerifierFunc adapts a function into a TokenVerifier.
type TokenVerifierFunc func(tokenString string) (*Claims, error)

// Verify satisfies the TokenVerifier interface.
func (f TokenVerifierFunc) Verify(tokenString string) (*Claims, error) {
	if f == nil {
		return nil, ErrTokenMalformed
	}
	return f(tokenString)
}

// JWKSVerifier validates access tokens against one or more remote JWK sets.
type JWKSVerifier struct {
	keyFunc jwt.Keyfunc
}

// NewJWKSVerifier fetches the given JWK set URLs and returns a verifier
// backed by them.
func NewJWKSVerifier(urls ...string) (*JWKSVerifier, error) {
	if len(urls) == 0 {
		return nil, goerrors.New("at least one JWK set URL is required", goerrors.CategoryBadInput)
	}

	opts := make(map[string]keyfunc.Options, len(urls))
	for _, url := range urls {
		opts[url] = keyfunc.Options{}
	}

	multi, err := keyfunc.GetMultiple(opts, keyfunc.MultipleOptions{
		KeySelector: keyfunc.KeySelectorFirst,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to fetch JWK set")
	}

	return &JWKSVerifier{keyFunc: multi.Keyfunc}, nil
}

// Verify parses the token, checks its signature against the JWK set, and
// returns the decoded claims.
func (v *JWKSVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil || !token.Valid {
		return nil, goerrors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithTextCode(ErrTokenMalformed.TextCode)
	}
	if claims.ExpiresAt == nil {
		return nil, ErrTokenMalformed.WithMetadata(map[string]any{
			"reason": "missing exp claim",
		})
	}
	return claims, nil
}

var _ TokenVerifier = (*JWKSVerifier)(nil)
