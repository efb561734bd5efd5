package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/repositories"
)

// MarkRecordingReady finishes post-processing of a recording and starts its
// retention period.
func (s *Service) MarkRecordingReady(ctx context.Context, id string, now time.Time) (models.LiveStream, error) {
	ready := models.RecordingReady
	expiresAt := now.Add(s.cfg.RecordingRetention)

	updated, err := s.store.Update(ctx, id, repositories.Guard{Status: statusPtr(models.StatusEnded), RecordingStatus: recordingPtr(models.RecordingProcessing)}, repositories.Patch{
		RecordingStatus:    &ready,
		RecordingExpiresAt: &expiresAt,
		UpdatedAt:          now,
	})
	if err != nil {
		return models.LiveStream{}, s.updateError(ctx, id, "mark recording ready for", err)
	}

	logging.FromContext(ctx).Info("recording ready",
		slog.String("streamId", id),
		slog.Time("expiresAt", expiresAt),
	)
	return updated, nil
}

// ExpireRecording marks a ready recording whose retention has passed as
// expired. The caller releases the stored media first.
func (s *Service) ExpireRecording(ctx context.Context, id string, now time.Time) (models.LiveStream, error) {
	stream, err := s.find(ctx, id)
	if err != nil {
		return models.LiveStream{}, err
	}
	if stream.RecordingStatus != models.RecordingReady || stream.RecordingExpiresAt == nil || stream.RecordingExpiresAt.After(now) {
		return models.LiveStream{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "expire recording of"}
	}

	expired := models.RecordingExpired
	cleared := ""
	updated, err := s.store.Update(ctx, id, repositories.Guard{RecordingStatus: recordingPtr(models.RecordingReady)}, repositories.Patch{
		RecordingStatus: &expired,
		RecordingKey:    &cleared,
		UpdatedAt:       now,
	})
	if err != nil {
		return models.LiveStream{}, s.updateError(ctx, id, "expire recording of", err)
	}

	logging.FromContext(ctx).Info("recording expired", slog.String("streamId", id))
	return updated, nil
}

func recordingPtr(status models.RecordingStatus) *models.RecordingStatus {
	return &status
}
