package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// TokenPair is the credential set issued by login, MFA verification, and
// refresh. The access token is an opaque JWT with an embedded expiry claim;
// the refresh token is fully opaque.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
}

// Claims are the attributes the backend embeds in access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UID      string `json:"uid,omitempty"`
	UserRole string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
}

// UserID returns the uid claim, falling back to the subject.
func (c *Claims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.RegisteredClaims.Subject
}

// Identity holds the attributes decoded from an access token. It is derived
// data: recomputed whenever a token is (re)issued, never mutated directly.
type Identity struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role,omitempty"`
	Email     string    `json:"email,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DecodeClaims parses an access token's claims without verifying its
// signature: the client holds no keys, the backend is the authority. Use a
// TokenVerifier when a portal is configured with a JWK set.
//
// A token whose expiry claim is missing or undecodable is malformed, it is
// never treated as valid forever.
func DecodeClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
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

// IdentityFromToken recomputes the session identity from an access token.
func IdentityFromToken(tokenString string) (*Identity, error) {
	claims, err := DecodeClaims(tokenString)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(claims), nil
}

func identityFromClaims(claims *Claims) *Identity {
	identity := &Identity{
		Subject:   claims.UserID(),
		Role:      claims.UserRole,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	return identity
}

// ExpiresAt decodes the access token's expiry claim.
func (p TokenPair) ExpiresAt() (time.Time, error) {
	claims, err := DecodeClaims(p.AccessToken)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt.Time, nil
}

// Expired reports whether the access token should no longer be used at the
// given instant. Undecodable tokens count as expired.
func (p TokenPair) Expired(now time.Time) bool {
	exp, err := p.ExpiresAt()
	if err != nil {
		return true
	}
	return !exp.After(now)
}

// Empty reports whether the pair carries no usable credentials.
func (p TokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}
