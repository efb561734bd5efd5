package handlers

import (
	"context"
	"time"

	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/schedule"
)

// StreamService captures the scheduling operations exposed over HTTP.
type StreamService interface {
	CreateStream(ctx context.Context, in schedule.CreateStreamInput) (models.LiveStream, error)
	GetStream(ctx context.Context, id string) (models.LiveStream, error)
	StartStream(ctx context.Context, id string, now time.Time) (schedule.StartResult, error)
	EndStream(ctx context.Context, id string, now time.Time, reason models.EndReason) (models.LiveStream, error)
	CancelStream(ctx context.Context, id string) (models.LiveStream, error)
	MaterializeOccurrences(ctx context.Context, templateID string, now time.Time) ([]models.LiveStream, error)
	RegisterParticipant(ctx context.Context, id, userID string, role models.ParticipantRole, now time.Time) (models.Participant, error)
	JoinStream(ctx context.Context, id, userID string, now time.Time) (models.StreamToken, error)
	LeaveStream(ctx context.Context, id, userID string, now time.Time) error
}

var _ StreamService = (*schedule.Service)(nil)
