package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/recurrence"
	"github.com/vidfriends/livesched/internal/repositories"
)

// MaterializeOccurrences generates the template's occurrences that start
// within the lookahead window after now. It never exceeds the configured
// number of future occurrences per template, and repeated calls with the same
// now create nothing new.
func (s *Service) MaterializeOccurrences(ctx context.Context, templateID string, now time.Time) ([]models.LiveStream, error) {
	template, err := s.find(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !template.IsTemplate() || template.RecurrenceRule == nil {
		return nil, invalidField("streamId", "is not a recurring template")
	}
	if template.Status != models.StatusScheduled {
		return nil, &InvalidStateError{StreamID: templateID, Status: template.Status, Operation: "materialize"}
	}

	loc, err := time.LoadLocation(template.TimeZone)
	if err != nil {
		return nil, invalidField("timeZone", fmt.Sprintf("%q is not a known time zone", template.TimeZone))
	}

	scheduled, err := s.store.CountFutureOccurrences(ctx, templateID, now)
	if err != nil {
		return nil, fmt.Errorf("count future occurrences: %w", err)
	}
	if scheduled >= s.cfg.MaxFutureOccurrences {
		return nil, nil
	}

	// The cap is recomputed from the listing so that taken slots and the
	// remaining budget come from the same read.
	existing, err := s.store.FindMany(ctx, repositories.StreamFilter{ParentStreamID: templateID, StartsAfter: &now})
	if err != nil {
		return nil, fmt.Errorf("list existing occurrences: %w", err)
	}
	remaining := s.cfg.MaxFutureOccurrences
	taken := make(map[int64]struct{}, len(existing))
	for _, occurrence := range existing {
		taken[occurrence.ScheduledStart.UnixMicro()] = struct{}{}
		if occurrence.Status == models.StatusScheduled {
			remaining--
		}
	}
	if remaining <= 0 {
		return nil, nil
	}

	logger := logging.FromContext(ctx).With(slog.String("templateId", templateID))
	duration := template.Duration()

	var created []models.LiveStream
	for _, start := range recurrence.Expand(*template.RecurrenceRule, template.ScheduledStart, loc, now, s.cfg.Lookahead) {
		if remaining == 0 {
			break
		}
		if _, ok := taken[start.UnixMicro()]; ok {
			continue
		}

		conflictID, err := s.occurrenceConflict(ctx, template, start, start.Add(duration))
		if err != nil {
			return created, err
		}
		if conflictID != "" {
			logger.Warn("occurrence skipped: host already booked",
				slog.Time("scheduledStart", start.UTC()),
				slog.String("conflictStreamId", conflictID),
			)
			continue
		}

		parentID := template.ID
		occurrence := models.LiveStream{
			ID:               uuid.NewString(),
			Title:            template.Title,
			Type:             models.StreamTypeRecurring,
			Status:           models.StatusScheduled,
			HostID:           template.HostID,
			ScheduledStart:   start.UTC(),
			ScheduledEnd:     start.Add(duration).UTC(),
			TimeZone:         template.TimeZone,
			ParentStreamID:   &parentID,
			RecordingEnabled: template.RecordingEnabled,
			RecordingStatus:  models.RecordingNone,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if err := s.store.Insert(ctx, occurrence); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				// Another materializer inserted this occurrence first; it still
				// takes one of the remaining slots.
				remaining--
				continue
			}
			return created, fmt.Errorf("insert occurrence: %w", err)
		}

		created = append(created, occurrence)
		remaining--
		logger.Info("occurrence materialized",
			slog.String("streamId", occurrence.ID),
			slog.Time("scheduledStart", occurrence.ScheduledStart),
		)
	}

	if len(created) > 0 {
		s.observer.OccurrencesMaterialized(templateID, len(created))
	}
	return created, nil
}

// occurrenceConflict returns the id of a stream that already books the
// template's host during [start, end). The template's own occurrence at the
// same start is not a conflict; a concurrent materializer may have inserted it.
func (s *Service) occurrenceConflict(ctx context.Context, template models.LiveStream, start, end time.Time) (string, error) {
	overlapping, err := s.store.FindMany(ctx, repositories.StreamFilter{
		HostID:           template.HostID,
		Statuses:         []models.StreamStatus{models.StatusScheduled, models.StatusLive},
		ExcludeTemplates: true,
		Overlaps:         &repositories.TimeWindow{Start: start, End: end},
	})
	if err != nil {
		return "", fmt.Errorf("check host schedule: %w", err)
	}
	for _, stream := range overlapping {
		sameSlot := stream.ParentStreamID != nil && *stream.ParentStreamID == template.ID && stream.ScheduledStart.Equal(start)
		if !sameSlot {
			return stream.ID, nil
		}
	}
	return "", nil
}
