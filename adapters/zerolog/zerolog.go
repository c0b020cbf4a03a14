// Package zerolog adapts a zerolog.Logger to the session.Logger interface.
package zerolog

import (
	"os"

	session "github.com/goliatone/go-session"
	"github.com/rs/zerolog"
)

// Logger forwards session log lines to zerolog.
type Logger struct {
	log zerolog.Logger
}

var _ session.Logger = (*Logger)(nil)

// New wraps the given zerolog.Logger.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

// NewDefault returns a console logger tagged with the scope, handy for
// examples and local development.
func NewDefault(scope session.RoleScope) *Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("scope", scope.String()).
		Logger()
	return &Logger{log: log}
}

func (l *Logger) Debug(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
