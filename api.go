package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// authAPI speaks the backend authentication contract for one scope. These
// endpoints are unauthenticated (or self-authenticating); resource calls go
// through AuthTransport instead.
type authAPI struct {
	baseURL string
	scope   RoleScope
	http    HTTPDoer
	logger  Logger
}

func newAuthAPI(baseURL string, scope RoleScope, client HTTPDoer, logger Logger) *authAPI {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = defLogger{}
	}
	return &authAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		scope:   scope,
		http:    client,
		logger:  logger,
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type verifyMfaRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type identityPayload struct {
	ID    string `json:"id,omitempty"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
}

// loginResponse covers both shapes the login endpoint can return: a full
// token grant, or (admin only) an MFA challenge.
type loginResponse struct {
	AccessToken  string           `json:"accessToken,omitempty"`
	RefreshToken string           `json:"refreshToken,omitempty"`
	Identity     *identityPayload `json:"identity,omitempty"`
	RequireMfa   bool             `json:"requireMfa,omitempty"`
	UserID       string           `json:"userId,omitempty"`
	Email        string           `json:"email,omitempty"`
}

// refreshResponse may omit the rotated refresh token; rotation is not
// guaranteed by the backend.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (a *authAPI) endpoint(name string) string {
	return a.baseURL + a.scope.BasePath() + "/auth/" + name
}

func (a *authAPI) login(ctx context.Context, identifier, secret string) (*loginResponse, error) {
	out := &loginResponse{}
	status, err := a.post(ctx, a.endpoint("login"), loginRequest{
		Identifier: identifier,
		Secret:     secret,
	}, out)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "login request failed")
	}
	if status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden {
		return nil, ErrInvalidCredentials.WithMetadata(map[string]any{
			"scope":  a.scope.String(),
			"status": status,
		})
	}
	if status < 200 || status >= 300 {
		return nil, unexpectedStatus("login", status)
	}
	return out, nil
}

func (a *authAPI) verifyMfa(ctx context.Context, userID, code string) (*loginResponse, error) {
	out := &loginResponse{}
	status, err := a.post(ctx, a.endpoint("verify-mfa"), verifyMfaRequest{
		UserID: userID,
		Code:   code,
	}, out)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "mfa verification request failed")
	}
	if status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden {
		return nil, ErrMfaCodeInvalid.WithMetadata(map[string]any{
			"scope":  a.scope.String(),
			"status": status,
		})
	}
	if status < 200 || status >= 300 {
		return nil, unexpectedStatus("verify-mfa", status)
	}
	return out, nil
}

// refresh exchanges the refresh token for a new grant. Any failure, network
// included, is terminal for the session: refreshes are never retried.
func (a *authAPI) refresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	out := &refreshResponse{}
	status, err := a.post(ctx, a.endpoint("refresh"), refreshRequest{
		RefreshToken: refreshToken,
	}, out)
	if err != nil {
		return nil, goerrors.Wrap(err, ErrRefreshFailed.Category, ErrRefreshFailed.Message).
			WithTextCode(ErrRefreshFailed.TextCode)
	}
	if status < 200 || status >= 300 {
		return nil, ErrRefreshFailed.WithMetadata(map[string]any{
			"scope":  a.scope.String(),
			"status": status,
		})
	}
	if out.AccessToken == "" {
		return nil, ErrRefreshFailed.WithMetadata(map[string]any{
			"scope":  a.scope.String(),
			"reason": "empty access token in refresh response",
		})
	}
	return out, nil
}

// logout is best-effort: client-side cleanup proceeds whatever the backend
// says.
func (a *authAPI) logout(ctx context.Context, refreshToken string) {
	status, err := a.post(ctx, a.endpoint("logout"), logoutRequest{
		RefreshToken: refreshToken,
	}, nil)
	if err != nil {
		a.logger.Warn("logout call failed for scope %s: %v", a.scope, err)
		return
	}
	if status < 200 || status >= 300 {
		a.logger.Warn("logout returned status %d for scope %s", status, a.scope)
	}
}

func (a *authAPI) post(ctx context.Context, url string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if out != nil && res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decoding %s response: %w", url, err)
		}
	} else {
		// drain so the transport can reuse the connection
		io.Copy(io.Discard, res.Body)
	}

	return res.StatusCode, nil
}

func unexpectedStatus(endpoint string, status int) error {
	return goerrors.New(
		fmt.Sprintf("unexpected status %d from %s", status, endpoint),
		goerrors.CategoryOperation,
	).WithMetadata(map[string]any{
		"endpoint": endpoint,
		"status":   status,
	})
}
