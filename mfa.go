package session

import (
	"context"
)

// MfaChallenge is the pending second factor returned by Login for the admin
// scope. The session sits in MfaPending until Verify succeeds or the
// challenge is abandoned; no tokens exist yet and nothing is persisted.
type MfaChallenge struct {
	manager *Manager
	userID  string
	email   string
}

func newMfaChallenge(manager *Manager, userID, email string) *MfaChallenge {
	return &MfaChallenge{
		manager: manager,
		userID:  userID,
		email:   email,
	}
}

// UserID identifies the account awaiting verification. The backend needs it
// back on the verify call.
func (c *MfaChallenge) UserID() string {
	return c.userID
}

// Email is the masked delivery address the code was sent to, when the
// backend provides one.
func (c *MfaChallenge) Email() string {
	return c.email
}

// Verify submits the one-time code. On success the session becomes
// Authenticated with the issued grant persisted; a wrong code returns an
// error and leaves the session in MfaPending so the user can retry.
func (c *MfaChallenge) Verify(ctx context.Context, code string) error {
	m := c.manager

	if !m.machine.Is(StateMfaPending) {
		return ErrMfaNotPending.WithMetadata(map[string]any{
			"scope": m.scope.String(),
			"state": m.machine.Current().String(),
		})
	}

	if err := MfaCode(code).Validate(); err != nil {
		return ErrMfaCodeInvalid.WithMetadata(map[string]any{
			"scope":      m.scope.String(),
			"validation": err.Error(),
		})
	}

	res, err := m.api.verifyMfa(ctx, c.userID, code)
	if err != nil {
		recordActivity(ctx, m.activity, m.logger, ActivityEvent{
			EventType: ActivityEventMfaFailure,
			Scope:     m.scope,
			Subject:   c.userID,
			Metadata:  map[string]any{"error": err.Error()},
		})
		return err
	}

	if err := m.completeLogin(ctx, res, ActivityEventMfaSuccess); err != nil {
		m.abortLogin(ctx, err)
		return err
	}

	return nil
}

// Abandon cancels the pending challenge and returns the session to
// Anonymous. Nothing was persisted, so there is nothing to clean up.
func (c *MfaChallenge) Abandon(ctx context.Context) error {
	m := c.manager

	if !m.machine.Is(StateMfaPending) {
		return nil
	}

	if err := m.machine.Transition(StateAnonymous, WithTransitionReason("mfa abandoned")); err != nil {
		return err
	}

	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Scope:     m.scope,
		Subject:   c.userID,
		Metadata:  map[string]any{"reason": "mfa abandoned"},
	})

	return nil
}
