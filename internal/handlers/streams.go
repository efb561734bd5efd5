package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/recurrence"
	"github.com/vidfriends/livesched/internal/schedule"
)

// StreamHandler exposes the stream lifecycle over HTTP.
type StreamHandler struct {
	Streams StreamService
	NowFunc func() time.Time
}

type createStreamRequest struct {
	Title            string            `json:"title"`
	HostID           string            `json:"hostId"`
	Type             models.StreamType `json:"type"`
	ScheduledStart   time.Time         `json:"scheduledStart"`
	ScheduledEnd     time.Time         `json:"scheduledEnd"`
	RecurrenceRule   string            `json:"recurrenceRule"`
	TimeZone         string            `json:"timeZone"`
	RecordingEnabled bool              `json:"recordingEnabled"`
}

type endStreamRequest struct {
	Reason models.EndReason `json:"reason"`
}

type registerParticipantRequest struct {
	UserID string                 `json:"userId"`
	Role   models.ParticipantRole `json:"role"`
}

type streamResponse struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Type               models.StreamType      `json:"type"`
	Status             models.StreamStatus    `json:"status"`
	HostID             string                 `json:"hostId"`
	ScheduledStart     time.Time              `json:"scheduledStart"`
	ScheduledEnd       time.Time              `json:"scheduledEnd"`
	ActualStart        *time.Time             `json:"actualStart,omitempty"`
	ActualEnd          *time.Time             `json:"actualEnd,omitempty"`
	RecurrenceRule     string                 `json:"recurrenceRule,omitempty"`
	TimeZone           string                 `json:"timeZone"`
	ParentStreamID     *string                `json:"parentStreamId,omitempty"`
	ReminderSentAt     *time.Time             `json:"reminderSentAt,omitempty"`
	RecordingEnabled   bool                   `json:"recordingEnabled"`
	RecordingStatus    models.RecordingStatus `json:"recordingStatus"`
	RecordingExpiresAt *time.Time             `json:"recordingExpiresAt,omitempty"`
	ViewerStats        models.ViewerStats     `json:"viewerStats"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

type createStreamResponse struct {
	Stream      streamResponse   `json:"stream"`
	Occurrences []streamResponse `json:"occurrences,omitempty"`
}

type startStreamResponse struct {
	Stream    streamResponse      `json:"stream"`
	HostToken *models.StreamToken `json:"hostToken,omitempty"`
}

type occurrencesResponse struct {
	Occurrences []streamResponse `json:"occurrences"`
}

type participantResponse struct {
	StreamID     string                 `json:"streamId"`
	UserID       string                 `json:"userId"`
	Role         models.ParticipantRole `json:"role"`
	RegisteredAt time.Time              `json:"registeredAt"`
}

// Create handles POST /api/v1/streams. Recurring templates have their first
// occurrences materialized immediately.
func (h StreamHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid create stream payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	in := schedule.CreateStreamInput{
		Title:            req.Title,
		HostID:           req.HostID,
		Type:             req.Type,
		ScheduledStart:   req.ScheduledStart,
		ScheduledEnd:     req.ScheduledEnd,
		TimeZone:         req.TimeZone,
		RecordingEnabled: req.RecordingEnabled,
	}
	if rule := strings.TrimSpace(req.RecurrenceRule); rule != "" {
		parsed, err := recurrence.Parse(rule)
		if err != nil {
			respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "recurrenceRule"})
			return
		}
		in.RecurrenceRule = &parsed
	}

	stream, err := h.Streams.CreateStream(ctx, in)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	resp := createStreamResponse{Stream: toStreamResponse(stream)}
	if stream.IsTemplate() {
		occurrences, err := h.Streams.MaterializeOccurrences(ctx, stream.ID, h.now())
		if err != nil {
			logger.Warn("materialize new template", slog.String("streamId", stream.ID), slog.Any("error", err))
		}
		resp.Occurrences = toStreamResponses(occurrences)
	}

	respondJSON(ctx, w, http.StatusCreated, resp)
}

// Get handles GET /api/v1/streams/{id}.
func (h StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := h.Streams.GetStream(ctx, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, toStreamResponse(stream))
}

// Start handles POST /api/v1/streams/{id}/start.
func (h StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.Streams.StartStream(ctx, r.PathValue("id"), h.now())
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, startStreamResponse{Stream: toStreamResponse(result.Stream), HostToken: result.HostToken})
}

// End handles POST /api/v1/streams/{id}/end. The body is optional and
// defaults to a host-initiated end.
func (h StreamHandler) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := endStreamRequest{Reason: models.EndReasonHost}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logging.FromContext(ctx).Warn("invalid end stream payload", "error", err)
			respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.Reason == "" {
			req.Reason = models.EndReasonHost
		}
	}

	stream, err := h.Streams.EndStream(ctx, r.PathValue("id"), h.now(), req.Reason)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, toStreamResponse(stream))
}

// Cancel handles POST /api/v1/streams/{id}/cancel.
func (h StreamHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := h.Streams.CancelStream(ctx, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, toStreamResponse(stream))
}

// Materialize handles POST /api/v1/streams/{id}/materialize.
func (h StreamHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	occurrences, err := h.Streams.MaterializeOccurrences(ctx, r.PathValue("id"), h.now())
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, occurrencesResponse{Occurrences: toStreamResponses(occurrences)})
}

// Register handles POST /api/v1/streams/{id}/participants.
func (h StreamHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.FromContext(ctx).Warn("invalid register payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	participant, err := h.Streams.RegisterParticipant(ctx, r.PathValue("id"), req.UserID, req.Role, h.now())
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, participantResponse{
		StreamID:     participant.StreamID,
		UserID:       participant.UserID,
		Role:         participant.Role,
		RegisteredAt: participant.RegisteredAt,
	})
}

// Join handles POST /api/v1/streams/{id}/participants/{userId}/join.
func (h StreamHandler) Join(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, err := h.Streams.JoinStream(ctx, r.PathValue("id"), r.PathValue("userId"), h.now())
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, token)
}

// Leave handles POST /api/v1/streams/{id}/participants/{userId}/leave.
func (h StreamHandler) Leave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Streams.LeaveStream(ctx, r.PathValue("id"), r.PathValue("userId"), h.now()); err != nil {
		respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h StreamHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

func toStreamResponse(stream models.LiveStream) streamResponse {
	resp := streamResponse{
		ID:                 stream.ID,
		Title:              stream.Title,
		Type:               stream.Type,
		Status:             stream.Status,
		HostID:             stream.HostID,
		ScheduledStart:     stream.ScheduledStart,
		ScheduledEnd:       stream.ScheduledEnd,
		ActualStart:        stream.ActualStart,
		ActualEnd:          stream.ActualEnd,
		TimeZone:           stream.TimeZone,
		ParentStreamID:     stream.ParentStreamID,
		ReminderSentAt:     stream.ReminderSentAt,
		RecordingEnabled:   stream.RecordingEnabled,
		RecordingStatus:    stream.RecordingStatus,
		RecordingExpiresAt: stream.RecordingExpiresAt,
		ViewerStats:        stream.ViewerStats,
		CreatedAt:          stream.CreatedAt,
		UpdatedAt:          stream.UpdatedAt,
	}
	if stream.RecurrenceRule != nil {
		resp.RecurrenceRule = recurrence.Format(*stream.RecurrenceRule)
	}
	return resp
}

func toStreamResponses(streams []models.LiveStream) []streamResponse {
	if len(streams) == 0 {
		return nil
	}
	out := make([]streamResponse, 0, len(streams))
	for _, stream := range streams {
		out = append(out, toStreamResponse(stream))
	}
	return out
}
