package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"changewatch/internal/types"
)

// defaultListLimit caps list endpoints when no limit query parameter is set.
const defaultListLimit = 100

// HandleHealth reports liveness plus the current queue depths.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	queued, scheduled, err := s.svc.Counts(r.Context())
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"storage backend unavailable", err))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"status":    "ok",
		"queued":    queued,
		"scheduled": scheduled,
	}})
}

// enqueueRequest is the body of POST /v1/notifications.
type enqueueRequest struct {
	WatchUUID        string            `json:"watch_uuid"`
	WatchURL         string            `json:"watch_url"`
	NotificationURLs []string          `json:"notification_urls"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Format           string            `json:"format,omitempty"`
	SnapshotRef      string            `json:"snapshot_ref,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// HandleEnqueue accepts a fully-rendered notification payload and queues it
// for immediate delivery.
func (s *Server) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if len(req.NotificationURLs) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"notification_urls must not be empty", nil))
		return
	}
	for _, dest := range req.NotificationURLs {
		u, err := url.Parse(dest)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidURL,
				"notification_urls entries must be http(s) URLs", err))
			return
		}
	}

	taskID, err := s.queue.Enqueue(r.Context(), types.NotificationPayload{
		WatchUUID:        req.WatchUUID,
		WatchURL:         req.WatchURL,
		NotificationURLs: req.NotificationURLs,
		Title:            req.Title,
		Body:             req.Body,
		Format:           req.Format,
		SnapshotRef:      req.SnapshotRef,
		Extra:            req.Extra,
	})
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"failed to enqueue notification", err))
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{"task_id": taskID}})
}

// HandleEvents returns the merged notification timeline, newest first.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(r.Context(), limitParam(r))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"failed to load notification events", err))
		return
	}
	if events == nil {
		events = []types.NotificationEvent{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: events})
}

// HandlePending returns queued and retrying jobs.
func (s *Server) HandlePending(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Pending(r.Context())
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"failed to load pending notifications", err))
		return
	}
	if events == nil {
		events = []types.NotificationEvent{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: events})
}

// HandleFailed returns the dead-letter view.
func (s *Server) HandleFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.svc.Failed(r.Context(), limitParam(r))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"failed to load dead-letter entries", err))
		return
	}
	if failed == nil {
		failed = []types.FailedNotification{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: failed})
}

// HandleDelivered returns the delivered audit log.
func (s *Server) HandleDelivered(w http.ResponseWriter, r *http.Request) {
	delivered, err := s.svc.Delivered(r.Context(), limitParam(r))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"failed to load delivered notifications", err))
		return
	}
	if delivered == nil {
		delivered = []types.DeliveredRecord{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: delivered})
}

// HandleDeliveryLog returns the delivery trace for one task. It always
// returns 200 with at least one line; a task with no recorded trace gets the
// "No log available" fallback rather than a 404.
func (s *Server) HandleDeliveryLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	log := s.svc.DeliveryLog(r.Context(), taskID)
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"task_id": taskID,
		"log":     log,
	}})
}

// HandleSendNow executes a scheduled retry immediately, returning whether
// the delivery succeeded.
func (s *Server) HandleSendNow(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	delivered, err := s.svc.RetryNow(r.Context(), taskID)
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"send-now failed", err))
		return
	}
	if !delivered {
		// Either the task has no scheduled retry, or the attempt failed and
		// re-entered the backoff path. Distinguish via ScheduledTask lookup
		// would race; report the non-delivery and let the caller re-list.
		JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
			"task_id":   taskID,
			"delivered": false,
		}})
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"task_id":   taskID,
		"delivered": true,
	}})
}

// HandleRetryFailed re-queues one dead-letter entry with a fresh retry
// budget.
func (s *Server) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ok, err := s.svc.RetryFailed(r.Context(), taskID)
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"dead-letter retry failed", err))
		return
	}
	if !ok {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundTask,
			"no dead-letter entry for task", nil))
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{"task_id": taskID}})
}

// HandleRetryAll re-queues every dead-letter entry.
func (s *Server) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.RetryAllFailed(r.Context())
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"bulk retry failed", err))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: counts})
}

// HandleRevoke cancels a not-yet-executed job.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.queue.Revoke(r.Context(), taskID); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"revoke failed", err))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"task_id": taskID}})
}

// HandleClearAll empties all notification state and reports per-category
// counts.
func (s *Server) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.ClearAll(r.Context())
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStorage,
			"clear-all failed", err))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: counts})
}

// limitParam parses the limit query parameter, defaulting when absent or
// unusable.
func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultListLimit
	}
	return n
}
