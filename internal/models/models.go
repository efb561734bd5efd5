package models

import "time"

// StreamType distinguishes standalone sessions from recurring templates.
type StreamType string

const (
	StreamTypeOneTime   StreamType = "ONE_TIME"
	StreamTypeRecurring StreamType = "RECURRING"
)

// StreamStatus is the lifecycle state of a live stream.
type StreamStatus string

const (
	StatusScheduled StreamStatus = "SCHEDULED"
	StatusLive      StreamStatus = "LIVE"
	StatusEnded     StreamStatus = "ENDED"
	StatusCancelled StreamStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is possible.
func (s StreamStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// RecordingStatus tracks post-processing of a stream recording.
type RecordingStatus string

const (
	RecordingNone       RecordingStatus = "NONE"
	RecordingProcessing RecordingStatus = "PROCESSING"
	RecordingReady      RecordingStatus = "READY"
	RecordingExpired    RecordingStatus = "EXPIRED"
)

// ParticipantRole is the role a user holds within a stream.
type ParticipantRole string

const (
	RoleHost   ParticipantRole = "HOST"
	RoleCoHost ParticipantRole = "CO_HOST"
	RoleViewer ParticipantRole = "VIEWER"
)

// Valid reports whether the role is one of the known roles.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleHost, RoleCoHost, RoleViewer:
		return true
	}
	return false
}

// EndReason records why a live stream was ended.
type EndReason string

const (
	EndReasonHost    EndReason = "HOST"
	EndReasonTimeout EndReason = "TIMEOUT"
)

// Frequency is the recurrence frequency of a recurring template.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// RecurrenceRule is the subset of an RFC-5545 RRULE supported by the scheduler.
type RecurrenceRule struct {
	Frequency Frequency
	Interval  int
	ByDay     []time.Weekday
	Count     int
	Until     *time.Time
}

// ViewerStats is an ephemeral aggregate refreshed while a stream is live.
type ViewerStats struct {
	Current   int        `json:"current"`
	Peak      int        `json:"peak"`
	Total     int        `json:"total"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// LiveStream is a scheduled instructor-led session, a recurring template, or
// an occurrence materialized from a template.
type LiveStream struct {
	ID                 string
	Title              string
	Type               StreamType
	Status             StreamStatus
	HostID             string
	ScheduledStart     time.Time
	ScheduledEnd       time.Time
	ActualStart        *time.Time
	ActualEnd          *time.Time
	RecurrenceRule     *RecurrenceRule
	TimeZone           string
	ParentStreamID     *string
	ReminderSentAt     *time.Time
	RecordingEnabled   bool
	RecordingStatus    RecordingStatus
	RecordingKey       string
	RecordingExpiresAt *time.Time
	ViewerStats        ViewerStats
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsTemplate reports whether the stream is a recurring template. Templates
// never go live themselves.
func (s LiveStream) IsTemplate() bool {
	return s.Type == StreamTypeRecurring && s.ParentStreamID == nil
}

// IsOccurrence reports whether the stream was materialized from a template.
func (s LiveStream) IsOccurrence() bool {
	return s.ParentStreamID != nil
}

// Duration is the planned length of the stream.
func (s LiveStream) Duration() time.Duration {
	return s.ScheduledEnd.Sub(s.ScheduledStart)
}

// Participant links a user to a stream.
type Participant struct {
	StreamID     string
	UserID       string
	Role         ParticipantRole
	RegisteredAt time.Time
	JoinedAt     *time.Time
	LeftAt       *time.Time
}

// Present reports whether the participant is currently connected.
func (p Participant) Present() bool {
	return p.JoinedAt != nil && p.LeftAt == nil
}

// StreamToken grants a participant access to a stream's media session.
type StreamToken struct {
	Value     string          `json:"token"`
	StreamID  string          `json:"streamId"`
	UserID    string          `json:"userId"`
	Role      ParticipantRole `json:"role"`
	ExpiresAt time.Time       `json:"expiresAt"`
}
