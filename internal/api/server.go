// Package api exposes the operator HTTP surface over the notification queue:
// enqueue, timeline views, dead-letter inspection, manual retries, and bulk
// cleanup.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"changewatch/internal/queue"
	"changewatch/internal/service"
	"changewatch/internal/types"
)

// Server holds the router and the collaborators the handlers need.
type Server struct {
	router         chi.Router
	svc            *service.RetryService
	queue          *queue.TaskQueue
	logger         types.Logger
	requestTimeout time.Duration
}

// NewServer creates the API server and mounts all routes.
func NewServer(svc *service.RetryService, q *queue.TaskQueue, logger types.Logger, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 29 * time.Second
	}
	s := &Server{
		router:         chi.NewRouter(),
		svc:            svc,
		queue:          q,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
	s.mountRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers the middleware chain and all endpoints. Middleware
// order matters: the recoverer is outermost so it catches everything below.
func (s *Server) mountRoutes() {
	s.router.Use(s.recoverer)
	s.router.Use(contextTimeout(s.requestTimeout))
	s.router.Use(requestID)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1/notifications", func(r chi.Router) {
		r.Post("/", s.HandleEnqueue)
		r.Delete("/", s.HandleClearAll)

		r.Get("/events", s.HandleEvents)
		r.Get("/pending", s.HandlePending)
		r.Get("/failed", s.HandleFailed)
		r.Get("/delivered", s.HandleDelivered)

		r.Post("/retry-all", s.HandleRetryAll)

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/log", s.HandleDeliveryLog)
			r.Post("/send-now", s.HandleSendNow)
			r.Post("/retry", s.HandleRetryFailed)
			r.Delete("/", s.HandleRevoke)
		})
	})
}

// recoverer converts handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected,
					"an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// contextTimeout sets a soft deadline on the request context.
func contextTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestID propagates or generates the correlation ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		ctx := types.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", types.GetRequestID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
