package session

import (
	"context"
	"time"
)

// ActivityEventType enumerates session lifecycle events.
type ActivityEventType string

const (
	ActivityEventLoginSuccess   ActivityEventType = "session.login.success"
	ActivityEventLoginFailure   ActivityEventType = "session.login.failure"
	ActivityEventMfaChallenge   ActivityEventType = "session.mfa.challenge"
	ActivityEventMfaSuccess     ActivityEventType = "session.mfa.success"
	ActivityEventMfaFailure     ActivityEventType = "session.mfa.failure"
	ActivityEventRefreshSuccess ActivityEventType = "session.refresh.success"
	ActivityEventRefreshFailure ActivityEventType = "session.refresh.failure"
	ActivityEventLogout         ActivityEventType = "session.logout"
	ActivityEventExpired        ActivityEventType = "session.expired"
)

// ActivityEvent captures audit-friendly information about a session action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Scope      RoleScope
	Subject    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes session events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		if logger == nil {
			logger = defLogger{}
		}
		logger.Warn("session activity sink error: %v", err)
	}
}
