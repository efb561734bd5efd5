// Package notify delivers user notifications such as stream reminders.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidfriends/livesched/internal/logging"
)

// TemplateStreamReminder is the template of the pre-start reminder.
const TemplateStreamReminder = "stream.reminder"

// Audience lists the users a notification is addressed to.
type Audience struct {
	StreamID string
	UserIDs  []string
}

// Dispatcher sends a templated notification to an audience. A nil error means
// every recipient was handed to the transport.
type Dispatcher interface {
	Notify(ctx context.Context, audience Audience, templateID string, payload map[string]any) error
}

// Message is the wire form of a notification.
type Message struct {
	Template string         `json:"template"`
	StreamID string         `json:"streamId,omitempty"`
	UserID   string         `json:"userId"`
	Payload  map[string]any `json:"payload,omitempty"`
	SentAt   time.Time      `json:"sentAt"`
}

// LogDispatcher writes notifications to the log instead of delivering them.
type LogDispatcher struct{}

// Notify logs one entry per recipient.
func (LogDispatcher) Notify(ctx context.Context, audience Audience, templateID string, payload map[string]any) error {
	logger := logging.FromContext(ctx)
	for _, userID := range audience.UserIDs {
		logger.Info("notification",
			slog.String("template", templateID),
			slog.String("streamId", audience.StreamID),
			slog.String("userId", userID),
			slog.Any("payload", payload),
		)
	}
	return nil
}

// RateLimited throttles an underlying dispatcher.
type RateLimited struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond notifications per second with the given burst.
func NewRateLimited(next Dispatcher, perSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Notify waits for a token from the limiter, then delegates.
func (r *RateLimited) Notify(ctx context.Context, audience Audience, templateID string, payload map[string]any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.next.Notify(ctx, audience, templateID, payload)
}

var (
	_ Dispatcher = LogDispatcher{}
	_ Dispatcher = (*RateLimited)(nil)
)
