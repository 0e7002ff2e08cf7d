package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/httputil"
	"github.com/torchlight-app/table-sync-go/internal/service"
)

// DisplayHandler exposes the display device's side of the pairing
// protocol. Everything here is keyed by the device token; there is no
// other authentication for displays.
type DisplayHandler struct {
	pairing *service.PairingService
}

func NewDisplayHandler(pairing *service.PairingService) *DisplayHandler {
	return &DisplayHandler{pairing: pairing}
}

// POST /v1/displays
func (h *DisplayHandler) Register(w http.ResponseWriter, r *http.Request) {
	result, err := h.pairing.Register(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to register display")
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, result)
}

// GET /v1/displays/{token}
func (h *DisplayHandler) Status(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	result, err := h.pairing.Status(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// POST /v1/displays/{token}/heartbeat
func (h *DisplayHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	if err := h.pairing.Heartbeat(r.Context(), token); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/displays/{token}/code
func (h *DisplayHandler) RefreshCode(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	result, err := h.pairing.RefreshCode(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// DELETE /v1/displays/{token}
//
// Best-effort unload signal; always answers ok so a closing page never
// retries. The reaper converges the state either way.
func (h *DisplayHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		httputil.WriteError(w, apperrors.MissingRequired("token"))
		return
	}

	if err := h.pairing.Disconnect(r.Context(), token); err != nil {
		log.Warn().Err(err).Msg("disconnect failed")
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
