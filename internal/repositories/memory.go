package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

// InMemoryStreamRepository implements StreamRepository for tests and local development.
type InMemoryStreamRepository struct {
	mu           sync.RWMutex
	streams      map[string]models.LiveStream
	participants map[string]map[string]models.Participant
}

// NewInMemoryStreamRepository returns an empty in-memory stream repository.
func NewInMemoryStreamRepository() *InMemoryStreamRepository {
	return &InMemoryStreamRepository{
		streams:      make(map[string]models.LiveStream),
		participants: make(map[string]map[string]models.Participant),
	}
}

// FindByID fetches a stream by identifier.
func (r *InMemoryStreamRepository) FindByID(_ context.Context, id string) (models.LiveStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.streams[id]
	if !ok {
		return models.LiveStream{}, ErrNotFound
	}
	return cloneStream(stream), nil
}

// FindMany returns the streams matching filter ordered by scheduled start.
func (r *InMemoryStreamRepository) FindMany(_ context.Context, filter StreamFilter) ([]models.LiveStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.LiveStream
	for _, stream := range r.streams {
		if filter.Matches(stream) {
			out = append(out, cloneStream(stream))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Insert stores a new stream. Duplicate identifiers and duplicate
// occurrences of the same template start are rejected with ErrConflict.
func (r *InMemoryStreamRepository) Insert(_ context.Context, stream models.LiveStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return ErrConflict
	}
	if stream.ParentStreamID != nil {
		if _, ok := r.streams[*stream.ParentStreamID]; !ok {
			return ErrNotFound
		}
		for _, existing := range r.streams {
			if existing.ParentStreamID != nil &&
				*existing.ParentStreamID == *stream.ParentStreamID &&
				existing.ScheduledStart.Equal(stream.ScheduledStart) {
				return ErrConflict
			}
		}
	}

	r.streams[stream.ID] = cloneStream(stream)
	return nil
}

// Update applies patch when the stored stream satisfies guard.
func (r *InMemoryStreamRepository) Update(_ context.Context, id string, guard Guard, patch Patch) (models.LiveStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return models.LiveStream{}, ErrNotFound
	}
	if !guard.Matches(stream) {
		return models.LiveStream{}, ErrStale
	}

	updated := patch.Apply(cloneStream(stream))
	r.streams[id] = updated
	return cloneStream(updated), nil
}

// CountFutureOccurrences counts scheduled occurrences of parentID starting after the instant.
func (r *InMemoryStreamRepository) CountFutureOccurrences(_ context.Context, parentID string, after time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, stream := range r.streams {
		if stream.ParentStreamID == nil || *stream.ParentStreamID != parentID {
			continue
		}
		if stream.Status == models.StatusScheduled && stream.ScheduledStart.After(after) {
			count++
		}
	}
	return count, nil
}

// UpsertParticipant inserts or replaces a participant of an existing stream.
func (r *InMemoryStreamRepository) UpsertParticipant(_ context.Context, participant models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[participant.StreamID]; !ok {
		return ErrNotFound
	}
	byUser, ok := r.participants[participant.StreamID]
	if !ok {
		byUser = make(map[string]models.Participant)
		r.participants[participant.StreamID] = byUser
	}
	byUser[participant.UserID] = cloneParticipant(participant)
	return nil
}

// ListParticipants returns the participants of a stream ordered by registration.
func (r *InMemoryStreamRepository) ListParticipants(_ context.Context, streamID string) ([]models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Participant
	for _, participant := range r.participants[streamID] {
		out = append(out, cloneParticipant(participant))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func cloneStream(s models.LiveStream) models.LiveStream {
	s.ActualStart = cloneTime(s.ActualStart)
	s.ActualEnd = cloneTime(s.ActualEnd)
	s.ReminderSentAt = cloneTime(s.ReminderSentAt)
	s.RecordingExpiresAt = cloneTime(s.RecordingExpiresAt)
	s.ViewerStats.UpdatedAt = cloneTime(s.ViewerStats.UpdatedAt)
	if s.ParentStreamID != nil {
		parent := *s.ParentStreamID
		s.ParentStreamID = &parent
	}
	if s.RecurrenceRule != nil {
		rule := *s.RecurrenceRule
		rule.ByDay = append([]time.Weekday(nil), rule.ByDay...)
		rule.Until = cloneTime(rule.Until)
		s.RecurrenceRule = &rule
	}
	return s
}

func cloneParticipant(p models.Participant) models.Participant {
	p.JoinedAt = cloneTime(p.JoinedAt)
	p.LeftAt = cloneTime(p.LeftAt)
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

var _ StreamRepository = (*InMemoryStreamRepository)(nil)
