package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/livesched/internal/db"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/recurrence"
)

const streamColumns = `
        id, title, stream_type, status, host_id, scheduled_start, scheduled_end,
        actual_start, actual_end, recurrence_rule, time_zone, parent_stream_id, reminder_sent_at,
        recording_enabled, recording_status, recording_key, recording_expires_at,
        viewer_current, viewer_peak, viewer_total, viewer_stats_updated_at,
        created_at, updated_at`

// PostgresStreamRepository provides PostgreSQL-backed persistence for live streams.
type PostgresStreamRepository struct {
	pool db.Pool
}

// NewPostgresStreamRepository constructs a stream repository backed by PostgreSQL.
func NewPostgresStreamRepository(pool db.Pool) *PostgresStreamRepository {
	return &PostgresStreamRepository{pool: pool}
}

// FindByID fetches a stream by identifier.
func (r *PostgresStreamRepository) FindByID(ctx context.Context, id string) (models.LiveStream, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+streamColumns+`
        FROM live_streams
        WHERE id = $1
    `, id)

	stream, err := scanStream(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LiveStream{}, ErrNotFound
		}
		return models.LiveStream{}, fmt.Errorf("select stream: %w", err)
	}
	return stream, nil
}

// FindMany returns the streams matching filter ordered by scheduled start.
func (r *PostgresStreamRepository) FindMany(ctx context.Context, filter StreamFilter) ([]models.LiveStream, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	where, args := filterClauses(filter)
	query := `SELECT ` + streamColumns + `
        FROM live_streams`
	if len(where) > 0 {
		query += "\n        WHERE " + strings.Join(where, "\n          AND ")
	}
	query += "\n        ORDER BY scheduled_start, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\n        LIMIT $%d", len(args))
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var streams []models.LiveStream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}

	return streams, nil
}

// Insert persists a new stream record.
func (r *PostgresStreamRepository) Insert(ctx context.Context, stream models.LiveStream) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var rule *string
	if stream.RecurrenceRule != nil {
		formatted := recurrence.Format(*stream.RecurrenceRule)
		rule = &formatted
	}
	timeZone := stream.TimeZone
	if timeZone == "" {
		timeZone = "UTC"
	}
	recordingStatus := stream.RecordingStatus
	if recordingStatus == "" {
		recordingStatus = models.RecordingNone
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO live_streams (
            id, title, stream_type, status, host_id, scheduled_start, scheduled_end,
            actual_start, actual_end, recurrence_rule, time_zone, parent_stream_id, reminder_sent_at,
            recording_enabled, recording_status, recording_key, recording_expires_at,
            viewer_current, viewer_peak, viewer_total, viewer_stats_updated_at,
            created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
    `,
		stream.ID, stream.Title, string(stream.Type), string(stream.Status), stream.HostID,
		stream.ScheduledStart.UTC(), stream.ScheduledEnd.UTC(),
		stream.ActualStart, stream.ActualEnd, rule, timeZone, stream.ParentStreamID, stream.ReminderSentAt,
		stream.RecordingEnabled, string(recordingStatus), stream.RecordingKey, stream.RecordingExpiresAt,
		stream.ViewerStats.Current, stream.ViewerStats.Peak, stream.ViewerStats.Total, stream.ViewerStats.UpdatedAt,
		stream.CreatedAt.UTC(), stream.UpdatedAt.UTC(),
	)
	if err != nil {
		if mapped := constraintError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert stream: %w", err)
	}

	return nil
}

// Update applies patch when the stored stream satisfies guard. The check and
// the write happen in one statement.
func (r *PostgresStreamRepository) Update(ctx context.Context, id string, guard Guard, patch Patch) (models.LiveStream, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.LiveStream{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	var (
		current, peak, total *int
		statsUpdatedAt       *time.Time
	)
	if patch.ViewerStats != nil {
		current = &patch.ViewerStats.Current
		peak = &patch.ViewerStats.Peak
		total = &patch.ViewerStats.Total
		statsUpdatedAt = patch.ViewerStats.UpdatedAt
	}

	row := conn.QueryRow(ctx, `
        UPDATE live_streams
        SET status = COALESCE($2::TEXT, status),
            actual_start = COALESCE($3::TIMESTAMPTZ, actual_start),
            actual_end = COALESCE($4::TIMESTAMPTZ, actual_end),
            reminder_sent_at = COALESCE($5::TIMESTAMPTZ, reminder_sent_at),
            recording_status = COALESCE($6::TEXT, recording_status),
            recording_key = COALESCE($7::TEXT, recording_key),
            recording_expires_at = COALESCE($8::TIMESTAMPTZ, recording_expires_at),
            viewer_current = COALESCE($9::INT, viewer_current),
            viewer_peak = COALESCE($10::INT, viewer_peak),
            viewer_total = COALESCE($11::INT, viewer_total),
            viewer_stats_updated_at = COALESCE($12::TIMESTAMPTZ, viewer_stats_updated_at),
            updated_at = $13
        WHERE id = $1
          AND ($14::TEXT IS NULL OR status = $14::TEXT)
          AND (NOT $15::BOOL OR reminder_sent_at IS NULL)
          AND ($16::TEXT IS NULL OR recording_status = $16::TEXT)
        RETURNING `+streamColumns,
		id,
		statusArg(patch.Status), utcPtr(patch.ActualStart), utcPtr(patch.ActualEnd), utcPtr(patch.ReminderSentAt),
		recordingArg(patch.RecordingStatus), patch.RecordingKey, utcPtr(patch.RecordingExpiresAt),
		current, peak, total, utcPtr(statsUpdatedAt),
		updatedAt.UTC(),
		statusArg(guard.Status), guard.ReminderUnset, recordingArg(guard.RecordingStatus),
	)

	stream, err := scanStream(row)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.LiveStream{}, fmt.Errorf("update stream: %w", err)
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM live_streams WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.LiveStream{}, fmt.Errorf("check stream exists: %w", err)
	}
	if !exists {
		return models.LiveStream{}, ErrNotFound
	}
	return models.LiveStream{}, ErrStale
}

// CountFutureOccurrences counts scheduled occurrences of parentID starting after the instant.
func (r *PostgresStreamRepository) CountFutureOccurrences(ctx context.Context, parentID string, after time.Time) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var count int
	if err := conn.QueryRow(ctx, `
        SELECT COUNT(*)
        FROM live_streams
        WHERE parent_stream_id = $1
          AND status = $2
          AND scheduled_start > $3
    `, parentID, string(models.StatusScheduled), after.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count future occurrences: %w", err)
	}
	return count, nil
}

// UpsertParticipant inserts or replaces a participant of an existing stream.
func (r *PostgresStreamRepository) UpsertParticipant(ctx context.Context, participant models.Participant) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO stream_participants (stream_id, user_id, role, registered_at, joined_at, left_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (stream_id, user_id)
        DO UPDATE SET role = EXCLUDED.role, joined_at = EXCLUDED.joined_at, left_at = EXCLUDED.left_at
    `, participant.StreamID, participant.UserID, string(participant.Role), participant.RegisteredAt.UTC(),
		utcPtr(participant.JoinedAt), utcPtr(participant.LeftAt))
	if err != nil {
		if errors.Is(constraintError(err), ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert participant: %w", err)
	}

	return nil
}

// ListParticipants returns the participants of a stream ordered by registration.
func (r *PostgresStreamRepository) ListParticipants(ctx context.Context, streamID string) ([]models.Participant, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT stream_id, user_id, role, registered_at, joined_at, left_at
        FROM stream_participants
        WHERE stream_id = $1
        ORDER BY registered_at, user_id
    `, streamID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var (
			p              models.Participant
			role           string
			joinedAt, left sql.NullTime
		)
		if err := rows.Scan(&p.StreamID, &p.UserID, &role, &p.RegisteredAt, &joinedAt, &left); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Role = models.ParticipantRole(role)
		p.RegisteredAt = p.RegisteredAt.UTC()
		p.JoinedAt = nullTime(joinedAt)
		p.LeftAt = nullTime(left)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return participants, nil
}

func filterClauses(filter StreamFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.Type != "" {
		add("stream_type = $%d", string(filter.Type))
	}
	if filter.HostID != "" {
		add("host_id = $%d", filter.HostID)
	}
	if filter.ParentStreamID != "" {
		add("parent_stream_id = $%d", filter.ParentStreamID)
	}
	if filter.TemplatesOnly {
		add("stream_type = $%d AND parent_stream_id IS NULL", string(models.StreamTypeRecurring))
	}
	if filter.ExcludeTemplates {
		add("(stream_type <> $%d OR parent_stream_id IS NOT NULL)", string(models.StreamTypeRecurring))
	}
	if filter.Overlaps != nil {
		add("scheduled_start < $%d", filter.Overlaps.End.UTC())
		add("scheduled_end > $%d", filter.Overlaps.Start.UTC())
	}
	if filter.StartsAfter != nil {
		add("scheduled_start > $%d", filter.StartsAfter.UTC())
	}
	if filter.StartsBefore != nil {
		add("scheduled_start <= $%d", filter.StartsBefore.UTC())
	}
	if filter.EndsBefore != nil {
		add("scheduled_end < $%d", filter.EndsBefore.UTC())
	}
	if filter.ReminderUnsent {
		where = append(where, "reminder_sent_at IS NULL")
	}
	if filter.RecordingStatus != "" {
		add("recording_status = $%d", string(filter.RecordingStatus))
	}
	if filter.RecordingExpiresBefore != nil {
		add("recording_expires_at <= $%d", filter.RecordingExpiresBefore.UTC())
	}

	return where, args
}

func scanStream(row pgx.Row) (models.LiveStream, error) {
	var (
		stream                                 models.LiveStream
		streamType, status, recordingStatus    string
		rule, parentID                         sql.NullString
		actualStart, actualEnd, reminderSentAt sql.NullTime
		recordingExpiresAt, statsUpdatedAt     sql.NullTime
	)

	if err := row.Scan(
		&stream.ID, &stream.Title, &streamType, &status, &stream.HostID, &stream.ScheduledStart, &stream.ScheduledEnd,
		&actualStart, &actualEnd, &rule, &stream.TimeZone, &parentID, &reminderSentAt,
		&stream.RecordingEnabled, &recordingStatus, &stream.RecordingKey, &recordingExpiresAt,
		&stream.ViewerStats.Current, &stream.ViewerStats.Peak, &stream.ViewerStats.Total, &statsUpdatedAt,
		&stream.CreatedAt, &stream.UpdatedAt,
	); err != nil {
		return models.LiveStream{}, err
	}

	stream.Type = models.StreamType(streamType)
	stream.Status = models.StreamStatus(status)
	stream.RecordingStatus = models.RecordingStatus(recordingStatus)
	stream.ScheduledStart = stream.ScheduledStart.UTC()
	stream.ScheduledEnd = stream.ScheduledEnd.UTC()
	stream.CreatedAt = stream.CreatedAt.UTC()
	stream.UpdatedAt = stream.UpdatedAt.UTC()
	stream.ActualStart = nullTime(actualStart)
	stream.ActualEnd = nullTime(actualEnd)
	stream.ReminderSentAt = nullTime(reminderSentAt)
	stream.RecordingExpiresAt = nullTime(recordingExpiresAt)
	stream.ViewerStats.UpdatedAt = nullTime(statsUpdatedAt)

	if parentID.Valid {
		parent := parentID.String
		stream.ParentStreamID = &parent
	}
	if rule.Valid && rule.String != "" {
		parsed, err := recurrence.Parse(rule.String)
		if err != nil {
			return models.LiveStream{}, fmt.Errorf("parse recurrence rule of stream %s: %w", stream.ID, err)
		}
		stream.RecurrenceRule = &parsed
	}

	return stream, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return timePtr(t.Time.UTC())
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(t.UTC())
}

func statusArg(status *models.StreamStatus) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}

func recordingArg(status *models.RecordingStatus) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}

var _ StreamRepository = (*PostgresStreamRepository)(nil)
