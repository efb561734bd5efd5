// Package schedule owns the lifecycle of live streams: creation, recurrence
// materialization, and the SCHEDULED, LIVE, ENDED and CANCELLED transitions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/recurrence"
	"github.com/vidfriends/livesched/internal/repositories"
)

// Service applies lifecycle transitions to live streams. It is the only
// component that changes a stream's status.
type Service struct {
	store    StreamStore
	tokens   TokenIssuer
	cfg      Config
	observer Observer
	entitled TierCheck
	clock    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithObserver registers an observer for lifecycle events.
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithTierCheck installs the predicate consulted before a viewer joins.
func WithTierCheck(check TierCheck) Option {
	return func(s *Service) { s.entitled = check }
}

// WithClock overrides the clock used by CreateStream and CancelStream.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs a Service.
func NewService(store StreamStore, tokens TokenIssuer, cfg Config, opts ...Option) *Service {
	if store == nil {
		panic("schedule: stream store must not be nil")
	}
	if tokens == nil {
		panic("schedule: token issuer must not be nil")
	}

	s := &Service{
		store:    store,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		observer: nopObserver{},
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective scheduling policy.
func (s *Service) Config() Config {
	return s.cfg
}

// CreateStreamInput describes a new one-time stream or recurring template.
type CreateStreamInput struct {
	Title            string
	HostID           string
	Type             models.StreamType
	ScheduledStart   time.Time
	ScheduledEnd     time.Time
	RecurrenceRule   *models.RecurrenceRule
	TimeZone         string
	RecordingEnabled bool
}

// StartResult is the outcome of a successful start.
type StartResult struct {
	Stream models.LiveStream
	// HostToken is nil when the token provider could not be reached.
	HostToken *models.StreamToken
}

// CreateStream validates and persists a new SCHEDULED stream. Recurring
// streams are stored as templates; call MaterializeOccurrences to generate
// their occurrences.
func (s *Service) CreateStream(ctx context.Context, in CreateStreamInput) (models.LiveStream, error) {
	now := s.clock()

	in.Title = strings.TrimSpace(in.Title)
	in.HostID = strings.TrimSpace(in.HostID)
	if in.Type == "" {
		in.Type = models.StreamTypeOneTime
		if in.RecurrenceRule != nil {
			in.Type = models.StreamTypeRecurring
		}
	}
	if in.TimeZone == "" {
		in.TimeZone = "UTC"
	}

	switch {
	case in.HostID == "":
		return models.LiveStream{}, invalidField("hostId", "is required")
	case in.Title == "":
		return models.LiveStream{}, invalidField("title", "is required")
	case in.ScheduledStart.IsZero() || in.ScheduledEnd.IsZero():
		return models.LiveStream{}, invalidField("scheduledStart", "and scheduledEnd are required")
	case !in.ScheduledEnd.After(in.ScheduledStart):
		return models.LiveStream{}, invalidField("scheduledEnd", "must be after scheduledStart")
	case !in.ScheduledStart.After(now):
		return models.LiveStream{}, invalidField("scheduledStart", "must be in the future")
	}

	switch in.Type {
	case models.StreamTypeOneTime:
		if in.RecurrenceRule != nil {
			return models.LiveStream{}, invalidField("recurrenceRule", "is not allowed for one-time streams")
		}
	case models.StreamTypeRecurring:
		if in.RecurrenceRule == nil {
			return models.LiveStream{}, invalidField("recurrenceRule", "is required for recurring streams")
		}
		if err := recurrence.Validate(*in.RecurrenceRule); err != nil {
			return models.LiveStream{}, invalidField("recurrenceRule", err.Error())
		}
	default:
		return models.LiveStream{}, invalidField("type", fmt.Sprintf("%q is not supported", in.Type))
	}

	if _, err := time.LoadLocation(in.TimeZone); err != nil {
		return models.LiveStream{}, invalidField("timeZone", fmt.Sprintf("%q is not a known time zone", in.TimeZone))
	}

	if err := s.checkHostConflict(ctx, in.HostID, in.ScheduledStart, in.ScheduledEnd); err != nil {
		return models.LiveStream{}, err
	}

	stream := models.LiveStream{
		ID:               uuid.NewString(),
		Title:            in.Title,
		Type:             in.Type,
		Status:           models.StatusScheduled,
		HostID:           in.HostID,
		ScheduledStart:   in.ScheduledStart.UTC(),
		ScheduledEnd:     in.ScheduledEnd.UTC(),
		RecurrenceRule:   in.RecurrenceRule,
		TimeZone:         in.TimeZone,
		RecordingEnabled: in.RecordingEnabled,
		RecordingStatus:  models.RecordingNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Insert(ctx, stream); err != nil {
		return models.LiveStream{}, fmt.Errorf("insert stream: %w", err)
	}

	logging.FromContext(ctx).Info("stream created",
		slog.String("streamId", stream.ID),
		slog.String("hostId", stream.HostID),
		slog.String("type", string(stream.Type)),
		slog.Time("scheduledStart", stream.ScheduledStart),
	)
	return stream, nil
}

func (s *Service) checkHostConflict(ctx context.Context, hostID string, start, end time.Time) error {
	existing, err := s.store.FindMany(ctx, repositories.StreamFilter{
		HostID:           hostID,
		Statuses:         []models.StreamStatus{models.StatusScheduled, models.StatusLive},
		ExcludeTemplates: true,
		Overlaps:         &repositories.TimeWindow{Start: start, End: end},
		Limit:            1,
	})
	if err != nil {
		return fmt.Errorf("check host schedule: %w", err)
	}
	if len(existing) > 0 {
		return &ConflictError{HostID: hostID, ConflictStreamID: existing[0].ID}
	}
	return nil
}

// GetStream loads a stream by identifier.
func (s *Service) GetStream(ctx context.Context, id string) (models.LiveStream, error) {
	return s.find(ctx, id)
}

// StartStream moves a SCHEDULED stream to LIVE and requests a media token for
// the host. Token failures do not undo the transition.
func (s *Service) StartStream(ctx context.Context, id string, now time.Time) (StartResult, error) {
	stream, err := s.find(ctx, id)
	if err != nil {
		return StartResult{}, err
	}
	if stream.IsTemplate() || stream.Status != models.StatusScheduled {
		return StartResult{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "start"}
	}

	allowedFrom := stream.ScheduledStart.Add(-s.cfg.GraceWindow)
	if now.Before(allowedFrom) {
		return StartResult{}, &TooEarlyError{StreamID: id, AllowedFrom: allowedFrom}
	}

	live := models.StatusLive
	started, err := s.transition(ctx, stream, "start", repositories.Guard{Status: statusPtr(models.StatusScheduled)}, repositories.Patch{
		Status:      &live,
		ActualStart: &now,
		UpdatedAt:   now,
	})
	if err != nil {
		return StartResult{}, err
	}

	logger := logging.FromContext(ctx).With(slog.String("streamId", id))
	logger.Info("stream started", slog.Time("actualStart", now))

	if err := s.markJoined(ctx, started, started.HostID, models.RoleHost, now); err != nil {
		logger.Warn("record host participant", slog.String("error", err.Error()))
	}

	result := StartResult{Stream: started}
	token, err := s.issueToken(ctx, id, started.HostID, models.RoleHost)
	if err != nil {
		logger.Warn("issue host token", slog.String("error", err.Error()))
		return result, nil
	}
	result.HostToken = &token
	return result, nil
}

// EndStream moves a LIVE stream to ENDED. A stream with recording enabled
// enters recording post-processing.
func (s *Service) EndStream(ctx context.Context, id string, now time.Time, reason models.EndReason) (models.LiveStream, error) {
	if reason != models.EndReasonHost && reason != models.EndReasonTimeout {
		return models.LiveStream{}, invalidField("reason", fmt.Sprintf("%q is not supported", reason))
	}

	stream, err := s.find(ctx, id)
	if err != nil {
		return models.LiveStream{}, err
	}
	if stream.Status != models.StatusLive {
		return models.LiveStream{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "end"}
	}

	ended := models.StatusEnded
	patch := repositories.Patch{
		Status:    &ended,
		ActualEnd: &now,
		UpdatedAt: now,
	}
	if stream.RecordingEnabled {
		processing := models.RecordingProcessing
		key := stream.RecordingKey
		if key == "" {
			key = RecordingKey(stream.ID)
		}
		patch.RecordingStatus = &processing
		patch.RecordingKey = &key
	}

	updated, err := s.transition(ctx, stream, "end", repositories.Guard{Status: statusPtr(models.StatusLive)}, patch)
	if err != nil {
		return models.LiveStream{}, err
	}

	logger := logging.FromContext(ctx).With(slog.String("streamId", id))
	logger.Info("stream ended", slog.String("reason", string(reason)), slog.Time("actualEnd", now))

	if err := s.markAllLeft(ctx, id, now); err != nil {
		logger.Warn("close participant sessions", slog.String("error", err.Error()))
	}
	if revoked, err := s.revokeTokens(ctx, id); err != nil {
		logger.Warn("revoke stream tokens", slog.String("error", err.Error()))
	} else {
		logger.Debug("stream tokens revoked", slog.Int("count", revoked))
	}
	return updated, nil
}

// CancelStream cancels a SCHEDULED stream. Cancelling a recurring template
// also cancels its future scheduled occurrences.
func (s *Service) CancelStream(ctx context.Context, id string) (models.LiveStream, error) {
	now := s.clock()

	stream, err := s.find(ctx, id)
	if err != nil {
		return models.LiveStream{}, err
	}
	if stream.Status != models.StatusScheduled {
		return models.LiveStream{}, &InvalidStateError{StreamID: id, Status: stream.Status, Operation: "cancel"}
	}

	cancelled, err := s.cancel(ctx, stream, now)
	if err != nil {
		return models.LiveStream{}, err
	}

	logger := logging.FromContext(ctx).With(slog.String("streamId", id))
	logger.Info("stream cancelled")

	if !stream.IsTemplate() {
		return cancelled, nil
	}

	occurrences, err := s.store.FindMany(ctx, repositories.StreamFilter{
		ParentStreamID: id,
		Statuses:       []models.StreamStatus{models.StatusScheduled},
		StartsAfter:    &now,
	})
	if err != nil {
		logger.Error("list occurrences to cancel", slog.String("error", err.Error()))
		return cancelled, nil
	}
	for _, occurrence := range occurrences {
		if _, err := s.cancel(ctx, occurrence, now); err != nil {
			logger.Warn("cancel occurrence",
				slog.String("occurrenceId", occurrence.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return cancelled, nil
}

func (s *Service) cancel(ctx context.Context, stream models.LiveStream, now time.Time) (models.LiveStream, error) {
	status := models.StatusCancelled
	return s.transition(ctx, stream, "cancel", repositories.Guard{Status: statusPtr(models.StatusScheduled)}, repositories.Patch{
		Status:    &status,
		UpdatedAt: now,
	})
}

// MarkReminderSent records that the pre-start reminder went out. It is a
// no-op when the reminder was already recorded.
func (s *Service) MarkReminderSent(ctx context.Context, id string, now time.Time) error {
	_, err := s.store.Update(ctx, id, repositories.Guard{ReminderUnset: true}, repositories.Patch{
		ReminderSentAt: &now,
		UpdatedAt:      now,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrStale):
		return nil
	case errors.Is(err, repositories.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("mark reminder sent: %w", err)
	}
}

// transition applies a guarded status change. Losing a race to another actor
// surfaces as an InvalidStateError carrying the status that actor left behind.
func (s *Service) transition(ctx context.Context, stream models.LiveStream, op string, guard repositories.Guard, patch repositories.Patch) (models.LiveStream, error) {
	updated, err := s.store.Update(ctx, stream.ID, guard, patch)
	if err != nil {
		return models.LiveStream{}, s.updateError(ctx, stream.ID, op, err)
	}
	if updated.Status != stream.Status {
		s.observer.StreamTransitioned(stream.Status, updated.Status)
		trigger := "api"
		if job := logging.JobFromContext(ctx); job != "" {
			trigger = job
		}
		logging.FromContext(ctx).Debug("stream transitioned",
			slog.String("streamId", stream.ID),
			slog.String("from", string(stream.Status)),
			slog.String("to", string(updated.Status)),
			slog.String("trigger", trigger),
		)
	}
	return updated, nil
}

func (s *Service) updateError(ctx context.Context, id, op string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repositories.ErrStale):
		current, findErr := s.find(ctx, id)
		if findErr != nil {
			return findErr
		}
		return &InvalidStateError{StreamID: id, Status: current.Status, Operation: op}
	default:
		return fmt.Errorf("%s stream %s: %w", op, id, err)
	}
}

func (s *Service) find(ctx context.Context, id string) (models.LiveStream, error) {
	stream, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.LiveStream{}, ErrNotFound
		}
		return models.LiveStream{}, fmt.Errorf("load stream %s: %w", id, err)
	}
	return stream, nil
}

func (s *Service) issueToken(ctx context.Context, streamID, userID string, role models.ParticipantRole) (models.StreamToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()

	token, err := s.tokens.IssueToken(ctx, streamID, userID, role)
	if err != nil {
		return models.StreamToken{}, fmt.Errorf("issue %s token: %w", strings.ToLower(string(role)), err)
	}
	return token, nil
}

func (s *Service) revokeTokens(ctx context.Context, streamID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()
	return s.tokens.RevokeStream(ctx, streamID)
}

// RecordingKey is the storage prefix under which a stream's recording is written.
func RecordingKey(streamID string) string {
	return "recordings/" + streamID + "/"
}

func statusPtr(status models.StreamStatus) *models.StreamStatus {
	return &status
}
