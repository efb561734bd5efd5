package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/repositories"
)

// RegisterParticipant signs a user up for a scheduled or live stream.
// Registering twice keeps the original registration time.
func (s *Service) RegisterParticipant(ctx context.Context, id, userID string, role models.ParticipantRole, now time.Time) (models.Participant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Participant{}, invalidField("userId", "is required")
	}
	if role == "" {
		role = models.RoleViewer
	}
	if !role.Valid() {
		return models.Participant{}, invalidField("role", fmt.Sprintf("%q is not supported", role))
	}

	stream, err := s.find(ctx, id)
	if err != nil {
		return models.Participant{}, err
	}
	if stream.IsTemplate() {
		return models.Participant{}, invalidField("streamId", "is a recurring template")
	}
	if stream.Status != models.StatusScheduled && stream.Status != models.StatusLive {
		return models.Participant{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "register for"}
	}
	if role == models.RoleHost && userID != stream.HostID {
		return models.Participant{}, invalidField("role", "HOST is reserved for the stream host")
	}

	participant, found, err := s.participant(ctx, id, userID)
	if err != nil {
		return models.Participant{}, err
	}
	if !found {
		participant = models.Participant{StreamID: id, UserID: userID, RegisteredAt: now}
	}
	participant.Role = role

	if err := s.store.UpsertParticipant(ctx, participant); err != nil {
		return models.Participant{}, fmt.Errorf("register participant: %w", err)
	}
	return participant, nil
}

// JoinStream connects a user to a live stream and issues their media token.
// Viewers must pass the tier check when one is configured.
func (s *Service) JoinStream(ctx context.Context, id, userID string, now time.Time) (models.StreamToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.StreamToken{}, invalidField("userId", "is required")
	}

	stream, err := s.find(ctx, id)
	if err != nil {
		return models.StreamToken{}, err
	}
	if stream.Status != models.StatusLive {
		return models.StreamToken{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "join"}
	}

	role := models.RoleViewer
	if userID == stream.HostID {
		role = models.RoleHost
	}
	existing, found, err := s.participant(ctx, id, userID)
	if err != nil {
		return models.StreamToken{}, err
	}
	if found {
		role = existing.Role
	}

	if role == models.RoleViewer && s.entitled != nil {
		ok, err := s.entitled(ctx, userID, stream)
		if err != nil {
			return models.StreamToken{}, fmt.Errorf("check entitlement: %w", err)
		}
		if !ok {
			return models.StreamToken{}, ErrNotEntitled
		}
	}

	if err := s.markJoined(ctx, stream, userID, role, now); err != nil {
		return models.StreamToken{}, err
	}

	token, err := s.issueToken(ctx, id, userID, role)
	if err != nil {
		return models.StreamToken{}, err
	}

	logging.FromContext(ctx).Info("participant joined",
		slog.String("streamId", id),
		slog.String("userId", userID),
		slog.String("role", string(role)),
	)
	return token, nil
}

// LeaveStream records that a user disconnected from a stream.
func (s *Service) LeaveStream(ctx context.Context, id, userID string, now time.Time) error {
	if _, err := s.find(ctx, id); err != nil {
		return err
	}

	participant, found, err := s.participant(ctx, id, userID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("participant %s: %w", userID, ErrNotFound)
	}
	if !participant.Present() {
		return nil
	}

	participant.LeftAt = &now
	if err := s.store.UpsertParticipant(ctx, participant); err != nil {
		return fmt.Errorf("record participant leave: %w", err)
	}
	return nil
}

// RefreshViewerStats recomputes the live viewer aggregate of a stream. The
// peak never decreases while the stream is live.
func (s *Service) RefreshViewerStats(ctx context.Context, id string, now time.Time) (models.ViewerStats, error) {
	stream, err := s.find(ctx, id)
	if err != nil {
		return models.ViewerStats{}, err
	}
	if stream.Status != models.StatusLive {
		return models.ViewerStats{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "refresh viewer stats of"}
	}

	participants, err := s.store.ListParticipants(ctx, id)
	if err != nil {
		return models.ViewerStats{}, fmt.Errorf("list participants: %w", err)
	}

	stats := models.ViewerStats{Peak: stream.ViewerStats.Peak, UpdatedAt: &now}
	for _, p := range participants {
		if p.Role != models.RoleViewer || p.JoinedAt == nil {
			continue
		}
		stats.Total++
		if p.Present() {
			stats.Current++
		}
	}
	if stats.Current > stats.Peak {
		stats.Peak = stats.Current
	}

	updated, err := s.store.Update(ctx, id, repositories.Guard{Status: statusPtr(models.StatusLive)}, repositories.Patch{
		ViewerStats: &stats,
		UpdatedAt:   now,
	})
	if err != nil {
		return models.ViewerStats{}, s.updateError(ctx, id, "refresh viewer stats of", err)
	}
	return updated.ViewerStats, nil
}

func (s *Service) participant(ctx context.Context, streamID, userID string) (models.Participant, bool, error) {
	participants, err := s.store.ListParticipants(ctx, streamID)
	if err != nil {
		return models.Participant{}, false, fmt.Errorf("list participants: %w", err)
	}
	for _, p := range participants {
		if p.UserID == userID {
			return p, true, nil
		}
	}
	return models.Participant{}, false, nil
}

func (s *Service) markJoined(ctx context.Context, stream models.LiveStream, userID string, role models.ParticipantRole, now time.Time) error {
	participant, found, err := s.participant(ctx, stream.ID, userID)
	if err != nil {
		return err
	}
	if !found {
		participant = models.Participant{StreamID: stream.ID, UserID: userID, Role: role, RegisteredAt: now}
	}
	participant.JoinedAt = &now
	participant.LeftAt = nil

	if err := s.store.UpsertParticipant(ctx, participant); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("record participant join: %w", err)
	}
	return nil
}

func (s *Service) markAllLeft(ctx context.Context, streamID string, now time.Time) error {
	participants, err := s.store.ListParticipants(ctx, streamID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	var errs []error
	for _, p := range participants {
		if !p.Present() {
			continue
		}
		p.LeftAt = &now
		if err := s.store.UpsertParticipant(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("participant %s: %w", p.UserID, err))
		}
	}
	return errors.Join(errs...)
}
