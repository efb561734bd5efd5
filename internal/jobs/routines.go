package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidfriends/livesched/internal/config"
	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/notify"
	"github.com/vidfriends/livesched/internal/repositories"
	"github.com/vidfriends/livesched/internal/schedule"
)

// Names of the maintenance jobs.
const (
	JobSendReminders     = "send-reminders"
	JobMaterialize       = "materialize-recurring"
	JobCleanupOverrun    = "cleanup-overrun"
	JobProcessRecordings = "process-recordings"
	JobExpireRecordings  = "expire-recordings"
	JobUpdateStats       = "update-stats"
)

// Lifecycle is the subset of the schedule service the routines drive.
type Lifecycle interface {
	MaterializeOccurrences(ctx context.Context, templateID string, now time.Time) ([]models.LiveStream, error)
	EndStream(ctx context.Context, id string, now time.Time, reason models.EndReason) (models.LiveStream, error)
	MarkReminderSent(ctx context.Context, id string, now time.Time) error
	MarkRecordingReady(ctx context.Context, id string, now time.Time) (models.LiveStream, error)
	ExpireRecording(ctx context.Context, id string, now time.Time) (models.LiveStream, error)
	RefreshViewerStats(ctx context.Context, id string, now time.Time) (models.ViewerStats, error)
}

// StreamLister selects candidate records.
type StreamLister interface {
	FindMany(ctx context.Context, filter repositories.StreamFilter) ([]models.LiveStream, error)
	ListParticipants(ctx context.Context, streamID string) ([]models.Participant, error)
}

// RecordingStore inspects and releases recorded media.
type RecordingStore interface {
	Probe(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Policy holds the timing rules the routines apply.
type Policy struct {
	ReminderLead     time.Duration
	OverrunThreshold time.Duration
	ExternalTimeout  time.Duration
	StatsConcurrency int
}

const (
	defaultReminderLead     = 15 * time.Minute
	defaultOverrunThreshold = 30 * time.Minute
	defaultExternalTimeout  = 10 * time.Second
	defaultStatsConcurrency = 8
)

func (p Policy) withDefaults() Policy {
	if p.ReminderLead <= 0 {
		p.ReminderLead = defaultReminderLead
	}
	if p.OverrunThreshold <= 0 {
		p.OverrunThreshold = defaultOverrunThreshold
	}
	if p.ExternalTimeout <= 0 {
		p.ExternalTimeout = defaultExternalTimeout
	}
	if p.StatsConcurrency <= 0 {
		p.StatsConcurrency = defaultStatsConcurrency
	}
	return p
}

// Routines implements the maintenance jobs. Every routine selects its
// candidates, attempts each record independently and reports the outcome;
// one failing record never aborts the batch.
type Routines struct {
	streams    StreamLister
	service    Lifecycle
	notifier   notify.Dispatcher
	recordings RecordingStore
	policy     Policy
}

// NewRoutines wires the routines. A nil notifier logs reminders instead of
// delivering them.
func NewRoutines(streams StreamLister, service Lifecycle, notifier notify.Dispatcher, recordings RecordingStore, policy Policy) *Routines {
	if streams == nil {
		panic("jobs: stream lister is required")
	}
	if service == nil {
		panic("jobs: lifecycle service is required")
	}
	if recordings == nil {
		panic("jobs: recording store is required")
	}
	if notifier == nil {
		notifier = notify.LogDispatcher{}
	}
	return &Routines{
		streams:    streams,
		service:    service,
		notifier:   notifier,
		recordings: recordings,
		policy:     policy.withDefaults(),
	}
}

// Jobs returns every routine paired with its configured period.
func (r *Routines) Jobs(periods config.JobConfig) []Job {
	return []Job{
		{Name: JobSendReminders, Period: periods.Reminders, Run: r.SendReminders},
		{Name: JobMaterialize, Period: periods.Materialize, Run: r.MaterializeRecurring},
		{Name: JobCleanupOverrun, Period: periods.CleanupOverrun, Run: r.CleanupOverrun},
		{Name: JobProcessRecordings, Period: periods.ProcessRecordings, Run: r.ProcessRecordings},
		{Name: JobExpireRecordings, Period: periods.ExpireRecordings, Run: r.ExpireRecordings},
		{Name: JobUpdateStats, Period: periods.ViewerStats, Run: r.UpdateStats},
	}
}

// SendReminders notifies the host and registered participants of streams
// starting within the reminder lead. A stream is marked reminded only after
// its notification went out, so a failed dispatch is retried next run.
func (r *Routines) SendReminders(ctx context.Context, now time.Time) (Report, error) {
	until := now.Add(r.policy.ReminderLead)
	candidates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		Statuses:         []models.StreamStatus{models.StatusScheduled},
		ExcludeTemplates: true,
		StartsAfter:      &now,
		StartsBefore:     &until,
		ReminderUnsent:   true,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	logger := logging.FromContext(ctx)
	for _, stream := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		audience, err := r.audience(ctx, stream)
		if err != nil {
			report.Failed++
			logger.Warn("list reminder audience", slog.String("streamId", stream.ID), slog.Any("error", err))
			continue
		}

		payload := map[string]any{
			"streamId":       stream.ID,
			"title":          stream.Title,
			"scheduledStart": stream.ScheduledStart.Format(time.RFC3339),
		}
		if err := r.notifier.Notify(ctx, audience, notify.TemplateStreamReminder, payload); err != nil {
			report.Failed++
			logger.Warn("send reminder", slog.String("streamId", stream.ID), slog.Any("error", err))
			continue
		}

		if err := r.service.MarkReminderSent(ctx, stream.ID, now); err != nil {
			report.Failed++
			logger.Warn("mark reminder sent", slog.String("streamId", stream.ID), slog.Any("error", err))
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func (r *Routines) audience(ctx context.Context, stream models.LiveStream) (notify.Audience, error) {
	participants, err := r.streams.ListParticipants(ctx, stream.ID)
	if err != nil {
		return notify.Audience{}, err
	}

	userIDs := []string{stream.HostID}
	seen := map[string]bool{stream.HostID: true}
	for _, participant := range participants {
		if seen[participant.UserID] {
			continue
		}
		seen[participant.UserID] = true
		userIDs = append(userIDs, participant.UserID)
	}
	return notify.Audience{StreamID: stream.ID, UserIDs: userIDs}, nil
}

// MaterializeRecurring tops up the occurrences of every scheduled template.
func (r *Routines) MaterializeRecurring(ctx context.Context, now time.Time) (Report, error) {
	templates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		Statuses:      []models.StreamStatus{models.StatusScheduled},
		TemplatesOnly: true,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(templates)}
	logger := logging.FromContext(ctx)
	for _, template := range templates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		created, err := r.service.MaterializeOccurrences(ctx, template.ID, now)
		if r.tally(&report, err) {
			logger.Warn("materialize occurrences", slog.String("streamId", template.ID), slog.Any("error", err))
			continue
		}
		if len(created) > 0 {
			logger.Info("occurrences materialized", slog.String("streamId", template.ID), slog.Int("created", len(created)))
		}
	}
	return report, nil
}

// CleanupOverrun ends live streams that ran past their scheduled end by
// more than the overrun threshold.
func (r *Routines) CleanupOverrun(ctx context.Context, now time.Time) (Report, error) {
	cutoff := now.Add(-r.policy.OverrunThreshold)
	candidates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		Statuses:   []models.StreamStatus{models.StatusLive},
		EndsBefore: &cutoff,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	logger := logging.FromContext(ctx)
	for _, stream := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, err := r.service.EndStream(ctx, stream.ID, now, models.EndReasonTimeout)
		if r.tally(&report, err) {
			logger.Warn("end overrun stream", slog.String("streamId", stream.ID), slog.Any("error", err))
		}
	}
	return report, nil
}

// ProcessRecordings promotes recordings whose media has been finalized.
func (r *Routines) ProcessRecordings(ctx context.Context, now time.Time) (Report, error) {
	candidates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		Statuses:        []models.StreamStatus{models.StatusEnded},
		RecordingStatus: models.RecordingProcessing,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	logger := logging.FromContext(ctx)
	for _, stream := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ready, err := r.probe(ctx, stream.RecordingKey)
		if err != nil {
			report.Failed++
			logger.Warn("probe recording", slog.String("streamId", stream.ID), slog.Any("error", err))
			continue
		}
		if !ready {
			report.Skipped++
			continue
		}

		_, err = r.service.MarkRecordingReady(ctx, stream.ID, now)
		if r.tally(&report, err) {
			logger.Warn("mark recording ready", slog.String("streamId", stream.ID), slog.Any("error", err))
		}
	}
	return report, nil
}

func (r *Routines) probe(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.policy.ExternalTimeout)
	defer cancel()
	return r.recordings.Probe(ctx, key)
}

// ExpireRecordings releases recordings whose retention has passed. Storage
// is released before the record is marked, so a failed release is retried.
func (r *Routines) ExpireRecordings(ctx context.Context, now time.Time) (Report, error) {
	candidates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		RecordingStatus:        models.RecordingReady,
		RecordingExpiresBefore: &now,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	logger := logging.FromContext(ctx)
	for _, stream := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if stream.RecordingKey != "" {
			if err := r.release(ctx, stream.RecordingKey); err != nil {
				report.Failed++
				logger.Warn("release recording", slog.String("streamId", stream.ID), slog.Any("error", err))
				continue
			}
		}

		_, err := r.service.ExpireRecording(ctx, stream.ID, now)
		if r.tally(&report, err) {
			logger.Warn("expire recording", slog.String("streamId", stream.ID), slog.Any("error", err))
		}
	}
	return report, nil
}

func (r *Routines) release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.policy.ExternalTimeout)
	defer cancel()
	return r.recordings.Release(ctx, key)
}

// UpdateStats refreshes viewer statistics of every live stream in parallel.
func (r *Routines) UpdateStats(ctx context.Context, now time.Time) (Report, error) {
	candidates, err := r.streams.FindMany(ctx, repositories.StreamFilter{
		Statuses: []models.StreamStatus{models.StatusLive},
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	logger := logging.FromContext(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.policy.StatsConcurrency)
	for _, stream := range candidates {
		g.Go(func() error {
			_, err := r.service.RefreshViewerStats(ctx, stream.ID, now)

			mu.Lock()
			failed := r.tally(&report, err)
			mu.Unlock()

			if failed {
				logger.Warn("refresh viewer stats", slog.String("streamId", stream.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

// tally counts the outcome of one record and reports whether it failed.
// An invalid state means another actor already moved the record.
func (r *Routines) tally(report *Report, err error) bool {
	switch {
	case err == nil:
		report.Succeeded++
	case errors.Is(err, schedule.ErrInvalidState):
		report.Skipped++
	default:
		report.Failed++
		return true
	}
	return false
}
