package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

var contractBase = time.Date(2024, time.January, 7, 9, 0, 0, 0, time.UTC)

func newTestStream(id, host string, start time.Time) models.LiveStream {
	return models.LiveStream{
		ID:              id,
		Title:           "Session " + id,
		Type:            models.StreamTypeOneTime,
		Status:          models.StatusScheduled,
		HostID:          host,
		ScheduledStart:  start,
		ScheduledEnd:    start.Add(time.Hour),
		TimeZone:        "UTC",
		RecordingStatus: models.RecordingNone,
		CreatedAt:       contractBase,
		UpdatedAt:       contractBase,
	}
}

// exerciseStreamRepository checks the behaviour every StreamRepository shares.
func exerciseStreamRepository(t *testing.T, repo StreamRepository) {
	t.Helper()
	ctx := context.Background()

	rule := models.RecurrenceRule{Frequency: models.FrequencyWeekly, Interval: 1, ByDay: []time.Weekday{time.Monday}}
	template := newTestStream("template-1", "host-1", contractBase.Add(time.Hour))
	template.Type = models.StreamTypeRecurring
	template.RecurrenceRule = &rule
	if err := repo.Insert(ctx, template); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	if err := repo.Insert(ctx, template); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate id to conflict got %v", err)
	}

	parentID := template.ID
	occurrence := newTestStream("occ-1", "host-1", contractBase.Add(25*time.Hour))
	occurrence.Type = models.StreamTypeRecurring
	occurrence.ParentStreamID = &parentID
	if err := repo.Insert(ctx, occurrence); err != nil {
		t.Fatalf("insert occurrence: %v", err)
	}
	duplicate := occurrence
	duplicate.ID = "occ-dup"
	if err := repo.Insert(ctx, duplicate); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate occurrence start to conflict got %v", err)
	}
	orphanParent := "missing"
	orphan := newTestStream("orphan", "host-1", contractBase.Add(48*time.Hour))
	orphan.ParentStreamID = &orphanParent
	if err := repo.Insert(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing parent to be not found got %v", err)
	}

	other := newTestStream("one-time-1", "host-2", contractBase.Add(2*time.Hour))
	if err := repo.Insert(ctx, other); err != nil {
		t.Fatalf("insert one-time: %v", err)
	}

	fetched, err := repo.FindByID(ctx, template.ID)
	if err != nil {
		t.Fatalf("find template: %v", err)
	}
	if !fetched.IsTemplate() || fetched.RecurrenceRule == nil || fetched.RecurrenceRule.Frequency != models.FrequencyWeekly {
		t.Fatalf("unexpected template round trip %+v", fetched)
	}
	if !fetched.ScheduledStart.Equal(template.ScheduledStart) {
		t.Fatalf("unexpected start %s", fetched.ScheduledStart)
	}
	if _, err := repo.FindByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	templates, err := repo.FindMany(ctx, StreamFilter{TemplatesOnly: true})
	if err != nil || len(templates) != 1 || templates[0].ID != template.ID {
		t.Fatalf("unexpected templates %v %v", templates, err)
	}
	overlapping, err := repo.FindMany(ctx, StreamFilter{
		HostID:           "host-2",
		ExcludeTemplates: true,
		Overlaps:         &TimeWindow{Start: contractBase.Add(150 * time.Minute), End: contractBase.Add(4 * time.Hour)},
	})
	if err != nil || len(overlapping) != 1 || overlapping[0].ID != other.ID {
		t.Fatalf("unexpected overlap result %v %v", overlapping, err)
	}
	adjacent, err := repo.FindMany(ctx, StreamFilter{
		HostID:   "host-2",
		Overlaps: &TimeWindow{Start: contractBase.Add(3 * time.Hour), End: contractBase.Add(4 * time.Hour)},
	})
	if err != nil || len(adjacent) != 0 {
		t.Fatalf("expected adjacent window not to overlap got %v %v", adjacent, err)
	}
	upcoming, err := repo.FindMany(ctx, StreamFilter{
		Statuses:       []models.StreamStatus{models.StatusScheduled},
		StartsAfter:    &contractBase,
		StartsBefore:   timePtr(contractBase.Add(2 * time.Hour)),
		ReminderUnsent: true,
		Limit:          5,
	})
	if err != nil || len(upcoming) != 2 || upcoming[0].ID != template.ID || upcoming[1].ID != other.ID {
		t.Fatalf("unexpected upcoming order %v %v", upcoming, err)
	}

	count, err := repo.CountFutureOccurrences(ctx, template.ID, contractBase)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 future occurrence got %d %v", count, err)
	}

	live := models.StatusLive
	scheduled := models.StatusScheduled
	startedAt := contractBase.Add(2 * time.Hour)
	updated, err := repo.Update(ctx, other.ID, Guard{Status: &scheduled}, Patch{Status: &live, ActualStart: &startedAt, UpdatedAt: startedAt})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if updated.Status != models.StatusLive || updated.ActualStart == nil || !updated.ActualStart.Equal(startedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if _, err := repo.Update(ctx, other.ID, Guard{Status: &scheduled}, Patch{Status: &live, UpdatedAt: startedAt}); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale got %v", err)
	}
	if _, err := repo.Update(ctx, "nope", Guard{}, Patch{UpdatedAt: startedAt}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	stats := models.ViewerStats{Current: 2, Peak: 3, Total: 4, UpdatedAt: &startedAt}
	updated, err = repo.Update(ctx, other.ID, Guard{Status: &live}, Patch{ViewerStats: &stats, UpdatedAt: startedAt})
	if err != nil {
		t.Fatalf("update stats: %v", err)
	}
	if updated.ViewerStats.Peak != 3 || updated.ViewerStats.Total != 4 || updated.Title != other.Title {
		t.Fatalf("expected patch to leave other columns intact %+v", updated)
	}

	sentAt := contractBase.Add(time.Minute)
	if _, err := repo.Update(ctx, template.ID, Guard{ReminderUnset: true}, Patch{ReminderSentAt: &sentAt, UpdatedAt: sentAt}); err != nil {
		t.Fatalf("mark reminder: %v", err)
	}
	if _, err := repo.Update(ctx, template.ID, Guard{ReminderUnset: true}, Patch{ReminderSentAt: &sentAt, UpdatedAt: sentAt}); !errors.Is(err, ErrStale) {
		t.Fatalf("expected second reminder mark to be stale got %v", err)
	}

	joined := contractBase.Add(2 * time.Hour)
	viewer := models.Participant{StreamID: other.ID, UserID: "viewer-1", Role: models.RoleViewer, RegisteredAt: contractBase}
	if err := repo.UpsertParticipant(ctx, viewer); err != nil {
		t.Fatalf("upsert participant: %v", err)
	}
	viewer.JoinedAt = &joined
	if err := repo.UpsertParticipant(ctx, viewer); err != nil {
		t.Fatalf("upsert participant again: %v", err)
	}
	host := models.Participant{StreamID: other.ID, UserID: "host-2", Role: models.RoleHost, RegisteredAt: joined, JoinedAt: &joined}
	if err := repo.UpsertParticipant(ctx, host); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	if err := repo.UpsertParticipant(ctx, models.Participant{StreamID: "nope", UserID: "u", Role: models.RoleViewer, RegisteredAt: contractBase}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected participant of missing stream to be not found got %v", err)
	}

	participants, err := repo.ListParticipants(ctx, other.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 2 || participants[0].UserID != "viewer-1" || !participants[0].Present() {
		t.Fatalf("unexpected participants %+v", participants)
	}
}

// exerciseConcurrentGuardedUpdates checks exactly one of many racing
// transitions wins.
func exerciseConcurrentGuardedUpdates(t *testing.T, repo StreamRepository) {
	t.Helper()
	ctx := context.Background()
	stream := newTestStream("race-1", "host-9", contractBase.Add(time.Hour))
	if err := repo.Insert(ctx, stream); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduled := models.StatusScheduled
	live := models.StatusLive
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		stales int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, stream.ID, Guard{Status: &scheduled}, Patch{Status: &live, UpdatedAt: contractBase})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStale):
				stales++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || stales != 7 {
		t.Fatalf("expected exactly one winner got %d wins %d stale", wins, stales)
	}
}
