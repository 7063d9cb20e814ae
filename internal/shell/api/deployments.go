package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/queue"
	"github.com/artpar/keel/internal/shell/store"
)

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	appID := req.ApplicationID
	if req.ApplicationUUID != "" {
		app, err := h.store.GetApplicationByUUID(r.Context(), req.ApplicationUUID)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		appID = app.ID
	}
	if appID == 0 {
		h.writeError(w, http.StatusBadRequest, "application_id or application_uuid is required", "validation_error")
		return
	}
	if req.PullRequestID < 0 {
		h.writeError(w, http.StatusBadRequest, "pull_request_id must not be negative", "validation_error")
		return
	}

	result, err := h.queue.Enqueue(r.Context(), queue.Request{
		ApplicationID: appID,
		Commit:        req.Commit,
		PullRequestID: req.PullRequestID,
		Flags:         req.DeploymentFlags,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == queue.EnqueueSkipped {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.GetQueueEntryByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleForceStart(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.ForceStart(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// handleLogs returns the log lines after ?after=N. Hidden lines are only
// included with ?hidden=true.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	deploymentUUID := chi.URLParam(r, "uuid")
	after, hidden, ok := h.logParams(w, r)
	if !ok {
		return
	}

	entry, err := h.store.GetQueueEntryByUUID(r.Context(), deploymentUUID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	logs, err := h.store.ListLogs(r.Context(), deploymentUUID, after, hidden)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}

	next := after
	if len(logs) > 0 {
		next = logs[len(logs)-1].Order
	}
	h.writeJSON(w, http.StatusOK, LogsResponse{
		DeploymentUUID: deploymentUUID,
		Status:         entry.Status,
		Logs:           logs,
		Next:           next,
	})
}

// logParams parses ?after= and ?hidden=, writing a 400 on bad input.
func (h *Handler) logParams(w http.ResponseWriter, r *http.Request) (after int, hidden bool, ok bool) {
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "after must be a non-negative integer", "validation_error")
			return 0, false, false
		}
		after = n
	}
	if v := q.Get("hidden"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "hidden must be a boolean", "validation_error")
			return 0, false, false
		}
		hidden = b
	}
	return after, hidden, true
}

// =============================================================================
// Queue Handlers
// =============================================================================

func (h *Handler) handleServerQueue(w http.ResponseWriter, r *http.Request) {
	serverID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid server id", "validation_error")
		return
	}
	if _, err := h.store.GetServer(r.Context(), serverID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	entries, err := h.store.ListServerEntries(r.Context(), serverID, opts.Normalize())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	h.writeJSON(w, http.StatusOK, QueueResponse{ServerID: serverID, Entries: entries})
}
