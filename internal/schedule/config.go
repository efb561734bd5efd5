package schedule

import "time"

const (
	DefaultGraceWindow          = 5 * time.Minute
	DefaultLookahead            = 14 * 24 * time.Hour
	DefaultMaxFutureOccurrences = 10
	DefaultRecordingRetention   = 30 * 24 * time.Hour
	DefaultExternalTimeout      = 10 * time.Second
)

// Config holds the scheduling policy of the service.
type Config struct {
	// GraceWindow is how long before its scheduled start a stream may go live.
	GraceWindow time.Duration
	// Lookahead bounds how far ahead occurrences are materialized.
	Lookahead time.Duration
	// MaxFutureOccurrences caps the scheduled future occurrences per template.
	MaxFutureOccurrences int
	// RecordingRetention is how long a ready recording is kept.
	RecordingRetention time.Duration
	// ExternalTimeout bounds calls to the token provider.
	ExternalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.MaxFutureOccurrences <= 0 {
		c.MaxFutureOccurrences = DefaultMaxFutureOccurrences
	}
	if c.RecordingRetention <= 0 {
		c.RecordingRetention = DefaultRecordingRetention
	}
	if c.ExternalTimeout <= 0 {
		c.ExternalTimeout = DefaultExternalTimeout
	}
	return c
}
