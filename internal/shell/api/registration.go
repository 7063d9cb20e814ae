package api

import (
	"context"
	"net/http"
	"time"

	"github.com/artpar/keel/internal/core/crypto"
	"github.com/artpar/keel/internal/core/domain"
)

// serverCheckTimeout bounds the probe of a newly registered server.
const serverCheckTimeout = 15 * time.Second

// =============================================================================
// Registration Handlers
// =============================================================================
//
// Registration is an upsert keyed by uuid: a body without uuid creates a new
// record, a body with a known uuid replaces it.

func (h *Handler) handlePutApplication(w http.ResponseWriter, r *http.Request) {
	var app domain.Application
	if err := decodeJSON(r, &app); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}
	if _, err := h.store.GetDestination(r.Context(), app.DestinationID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	if err := h.store.SaveApplication(r.Context(), &app); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.logger.Info("application registered", "application", app.Name, "uuid", app.UUID, "build_pack", app.BuildPack)
	h.writeJSON(w, http.StatusOK, app)
}

func (h *Handler) handlePutServer(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	server := req.Server
	server.ApplyDefaults()
	if err := server.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	// Reachability is recorded by the checker only.
	server.IsReachable, server.IsUsable = false, false
	server.ErrorMessage, server.LastCheckedAt = "", nil

	var fingerprint string
	if req.PrivateKey != "" {
		if len(h.config.ServerKeyKey) == 0 {
			h.writeError(w, http.StatusBadRequest, "server key encryption is not configured", "validation_error")
			return
		}
		sealed, err := crypto.SealServerKey([]byte(req.PrivateKey), h.config.ServerKeyKey)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		if fingerprint, err = crypto.Fingerprint([]byte(req.PrivateKey)); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		server.PrivateKeyEncrypted = sealed
	}

	if err := h.store.SaveServer(r.Context(), &server); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	logger := h.logger.With("server_id", server.ID, "server_name", server.Name)
	if fingerprint != "" {
		logger = logger.With("key_fingerprint", fingerprint)
	}
	logger.Info("server registered", "address", server.Address())

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), serverCheckTimeout)
		err := h.checker.CheckServerNow(ctx, server.ID)
		cancel()
		if err != nil {
			logger.Warn("initial server check failed", "error", err)
		}
	}

	saved, err := h.store.GetServer(r.Context(), server.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ServerResponse{Server: *saved, KeyFingerprint: fingerprint})
}

func (h *Handler) handlePutDestination(w http.ResponseWriter, r *http.Request) {
	var dest domain.Destination
	if err := decodeJSON(r, &dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	if dest.Kind == "" {
		dest.Kind = domain.DestinationStandalone
	}
	if err := dest.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}
	if _, err := h.store.GetServer(r.Context(), dest.ServerID); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	if err := h.store.SaveDestination(r.Context(), &dest); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.logger.Info("destination registered", "destination", dest.Name, "network", dest.Network, "server_id", dest.ServerID)
	h.writeJSON(w, http.StatusOK, dest)
}
