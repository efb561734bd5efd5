package repositories

import (
	"context"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

// StreamRepository defines the data access contract for live streams and
// their participants.
type StreamRepository interface {
	FindByID(ctx context.Context, id string) (models.LiveStream, error)
	FindMany(ctx context.Context, filter StreamFilter) ([]models.LiveStream, error)
	Insert(ctx context.Context, stream models.LiveStream) error
	Update(ctx context.Context, id string, guard Guard, patch Patch) (models.LiveStream, error)
	CountFutureOccurrences(ctx context.Context, parentID string, after time.Time) (int, error)
	UpsertParticipant(ctx context.Context, participant models.Participant) error
	ListParticipants(ctx context.Context, streamID string) ([]models.Participant, error)
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// StreamFilter narrows FindMany. Zero values leave a dimension unfiltered.
// Results are ordered by scheduled start.
type StreamFilter struct {
	Statuses         []models.StreamStatus
	Type             models.StreamType
	HostID           string
	ParentStreamID   string
	TemplatesOnly    bool
	ExcludeTemplates bool
	// Overlaps selects streams whose scheduled window intersects the window.
	Overlaps               *TimeWindow
	StartsAfter            *time.Time
	StartsBefore           *time.Time
	EndsBefore             *time.Time
	ReminderUnsent         bool
	RecordingStatus        models.RecordingStatus
	RecordingExpiresBefore *time.Time
	Limit                  int
}

// Guard is the precondition of a guarded update. Update fails with ErrStale
// when the stored record does not satisfy every set field.
type Guard struct {
	Status          *models.StreamStatus
	ReminderUnset   bool
	RecordingStatus *models.RecordingStatus
}

// Patch lists the columns written by a guarded update. Nil fields are left
// untouched.
type Patch struct {
	Status             *models.StreamStatus
	ActualStart        *time.Time
	ActualEnd          *time.Time
	ReminderSentAt     *time.Time
	RecordingStatus    *models.RecordingStatus
	RecordingKey       *string
	RecordingExpiresAt *time.Time
	ViewerStats        *models.ViewerStats
	UpdatedAt          time.Time
}

// Matches reports whether stream satisfies the guard.
func (g Guard) Matches(stream models.LiveStream) bool {
	if g.Status != nil && stream.Status != *g.Status {
		return false
	}
	if g.ReminderUnset && stream.ReminderSentAt != nil {
		return false
	}
	if g.RecordingStatus != nil && stream.RecordingStatus != *g.RecordingStatus {
		return false
	}
	return true
}

// Apply returns stream with the patch applied.
func (p Patch) Apply(stream models.LiveStream) models.LiveStream {
	if p.Status != nil {
		stream.Status = *p.Status
	}
	if p.ActualStart != nil {
		stream.ActualStart = timePtr(*p.ActualStart)
	}
	if p.ActualEnd != nil {
		stream.ActualEnd = timePtr(*p.ActualEnd)
	}
	if p.ReminderSentAt != nil {
		stream.ReminderSentAt = timePtr(*p.ReminderSentAt)
	}
	if p.RecordingStatus != nil {
		stream.RecordingStatus = *p.RecordingStatus
	}
	if p.RecordingKey != nil {
		stream.RecordingKey = *p.RecordingKey
	}
	if p.RecordingExpiresAt != nil {
		stream.RecordingExpiresAt = timePtr(*p.RecordingExpiresAt)
	}
	if p.ViewerStats != nil {
		stream.ViewerStats = *p.ViewerStats
	}
	if !p.UpdatedAt.IsZero() {
		stream.UpdatedAt = p.UpdatedAt
	}
	return stream
}

// Matches reports whether stream satisfies the filter.
func (f StreamFilter) Matches(stream models.LiveStream) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if stream.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && stream.Type != f.Type {
		return false
	}
	if f.HostID != "" && stream.HostID != f.HostID {
		return false
	}
	if f.ParentStreamID != "" && (stream.ParentStreamID == nil || *stream.ParentStreamID != f.ParentStreamID) {
		return false
	}
	if f.TemplatesOnly && !stream.IsTemplate() {
		return false
	}
	if f.ExcludeTemplates && stream.IsTemplate() {
		return false
	}
	if f.Overlaps != nil && !(stream.ScheduledStart.Before(f.Overlaps.End) && stream.ScheduledEnd.After(f.Overlaps.Start)) {
		return false
	}
	if f.StartsAfter != nil && !stream.ScheduledStart.After(*f.StartsAfter) {
		return false
	}
	if f.StartsBefore != nil && stream.ScheduledStart.After(*f.StartsBefore) {
		return false
	}
	if f.EndsBefore != nil && !stream.ScheduledEnd.Before(*f.EndsBefore) {
		return false
	}
	if f.ReminderUnsent && stream.ReminderSentAt != nil {
		return false
	}
	if f.RecordingStatus != "" && stream.RecordingStatus != f.RecordingStatus {
		return false
	}
	if f.RecordingExpiresBefore != nil && (stream.RecordingExpiresAt == nil || stream.RecordingExpiresAt.After(*f.RecordingExpiresBefore)) {
		return false
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
