package schedule

import (
	"context"
	"time"

	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/repositories"
)

// StreamStore captures the persistence operations the service depends on.
type StreamStore interface {
	FindByID(ctx context.Context, id string) (models.LiveStream, error)
	FindMany(ctx context.Context, filter repositories.StreamFilter) ([]models.LiveStream, error)
	Insert(ctx context.Context, stream models.LiveStream) error
	Update(ctx context.Context, id string, guard repositories.Guard, patch repositories.Patch) (models.LiveStream, error)
	CountFutureOccurrences(ctx context.Context, parentID string, after time.Time) (int, error)
	UpsertParticipant(ctx context.Context, participant models.Participant) error
	ListParticipants(ctx context.Context, streamID string) ([]models.Participant, error)
}

// TokenIssuer issues media session tokens for stream participants and
// revokes them once a stream is over.
type TokenIssuer interface {
	IssueToken(ctx context.Context, streamID, userID string, role models.ParticipantRole) (models.StreamToken, error)
	RevokeStream(ctx context.Context, streamID string) (int, error)
}

// Observer is notified of lifecycle events, typically to record metrics.
type Observer interface {
	StreamTransitioned(from, to models.StreamStatus)
	OccurrencesMaterialized(templateID string, count int)
}

// TierCheck reports whether userID may join stream.
type TierCheck func(ctx context.Context, userID string, stream models.LiveStream) (bool, error)

type nopObserver struct{}

func (nopObserver) StreamTransitioned(models.StreamStatus, models.StreamStatus) {}
func (nopObserver) OccurrencesMaterialized(string, int)                         {}
