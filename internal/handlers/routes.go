package handlers

import (
	"net/http"
	"time"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Streams StreamService
	Limiter RateLimiter
	Metrics http.Handler
	Health  map[string]HealthCheck
	NowFunc func() time.Time
}

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Checks: deps.Health}
	streams := StreamHandler{Streams: deps.Streams, NowFunc: deps.NowFunc}
	write := func(scope string, h http.HandlerFunc) http.HandlerFunc {
		return limited(deps.Limiter, scope, h)
	}

	mux.HandleFunc("/healthz", health.Handle)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("POST /api/v1/streams", write("streams", streams.Create))
	mux.HandleFunc("GET /api/v1/streams/{id}", streams.Get)
	mux.HandleFunc("POST /api/v1/streams/{id}/start", write("lifecycle", streams.Start))
	mux.HandleFunc("POST /api/v1/streams/{id}/end", write("lifecycle", streams.End))
	mux.HandleFunc("POST /api/v1/streams/{id}/cancel", write("lifecycle", streams.Cancel))
	mux.HandleFunc("POST /api/v1/streams/{id}/materialize", write("streams", streams.Materialize))
	mux.HandleFunc("POST /api/v1/streams/{id}/participants", write("participants", streams.Register))
	mux.HandleFunc("POST /api/v1/streams/{id}/participants/{userId}/join", write("participants", streams.Join))
	mux.HandleFunc("POST /api/v1/streams/{id}/participants/{userId}/leave", write("participants", streams.Leave))
}
