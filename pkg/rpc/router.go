package rpc

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds a chi.Mux with the same baseline middleware stack the
// teacher's HTTP server wires up: request IDs, real IP resolution, panic
// recovery, and a request timeout. No access-logging middleware is
// installed. The timeout applies to every route alike, including
// AcquireLock, which can legitimately block for seconds.
func NewRouter(requestTimeout time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}
	return r
}

// JSONContentType wraps a handler to set the JSON content type up front,
// mirroring the teacher's jsonContentType middleware.
func JSONContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}
