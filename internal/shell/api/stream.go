package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients (CLI, curl)
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// handleLogStream upgrades to a websocket and sends every log line of the
// deployment as a JSON message, starting after ?after=N. Once the entry has
// reached a final status and every line was sent, the server closes the
// connection with a normal closure whose reason is the final status.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	deploymentUUID := chi.URLParam(r, "uuid")
	after, hidden, ok := h.logParams(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetQueueEntryByUUID(r.Context(), deploymentUUID); err != nil {
		w.Header().Set("Content-Type", "application/json")
		h.writeFailure(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", "deployment_uuid", deploymentUUID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing; reading only detects that it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := h.logger.With("deployment_uuid", deploymentUUID)
	ticker := time.NewTicker(h.config.LogPollInterval)
	defer ticker.Stop()

	for {
		// Status first: lines written before the final status are then
		// guaranteed to be in the listing that follows.
		entry, err := h.store.GetQueueEntryByUUID(ctx, deploymentUUID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.closeStream(conn, websocket.CloseInternalServerErr, "lookup failed")
			logger.Error("log stream lookup failed", "error", err)
			return
		}
		logs, err := h.store.ListLogs(ctx, deploymentUUID, after, hidden)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.closeStream(conn, websocket.CloseInternalServerErr, "lookup failed")
			logger.Error("log stream listing failed", "error", err)
			return
		}

		for _, line := range logs {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(line); err != nil {
				logger.Debug("log stream client went away", "error", err)
				return
			}
			after = line.Order
		}

		if entry.Status.IsTerminal() && len(logs) == 0 {
			h.closeStream(conn, websocket.CloseNormalClosure, string(entry.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
}
