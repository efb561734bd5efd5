package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span is a logical unit of work within a trace: an HTTP request, a job run,
// or a step inside either.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
	failed bool
}

// StartSpan derives a child span from ctx. The returned context carries a
// logger annotated with the trace and span ids plus attrs, so everything
// logged under it can be correlated.
func StartSpan(ctx context.Context, name string, attrs ...slog.Attr) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := FromContext(ctx)

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	spanID := uuid.NewString()
	fields := []any{slog.String("span_id", spanID), slog.String("span_name", name)}
	if parent := SpanIDFromContext(ctx); parent != "" {
		fields = append(fields, slog.String("parent_span_id", parent))
	}
	for _, attr := range attrs {
		fields = append(fields, attr)
	}
	logger = logger.With(fields...)

	ctx = WithLogger(ctx, logger)
	ctx = WithSpanID(ctx, spanID)
	return ctx, &Span{name: name, logger: logger, start: time.Now()}
}

// End emits the completion entry of the span.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.logger.Debug("span completed",
		slog.Duration("duration", time.Since(s.start)),
		slog.Bool("failed", s.failed),
	)
}

// Fail records err against the span without ending it.
func (s *Span) Fail(err error) {
	if s == nil || err == nil {
		return
	}
	s.failed = true
	s.logger.Warn("span failed", slog.String("span", s.name), slog.Any("error", err))
}
