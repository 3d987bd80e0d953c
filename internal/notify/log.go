package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSender writes notifications to the log instead of a provider. It is
// the default when no provider is configured and never fails.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender logs through logger, or the global logger when nil.
func NewLogSender(logger *zerolog.Logger) *LogSender {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &LogSender{logger: l.With().Str("component", "notify").Logger()}
}

// Send writes msg as one info line and always returns nil.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info().
		Str("title", msg.Title).
		Int("priority", int(msg.Priority)).
		Str("body", msg.Body).
		Msg("notification")
	return nil
}
