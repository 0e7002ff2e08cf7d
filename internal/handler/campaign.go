package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/httputil"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/service"
)

// CampaignHandler exposes the DM/player side: claiming a display code
// for a campaign and the campaign's presence roster.
type CampaignHandler struct {
	pairing  *service.PairingService
	presence *service.PresenceService
}

func NewCampaignHandler(pairing *service.PairingService, presence *service.PresenceService) *CampaignHandler {
	return &CampaignHandler{pairing: pairing, presence: presence}
}

type claimRequest struct {
	Code   string `json:"code"`
	DMName string `json:"dmName"`
}

// POST /v1/campaigns/{campaignID}/claim
func (h *CampaignHandler) Claim(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if req.Code == "" {
		httputil.WriteError(w, apperrors.MissingRequired("code"))
		return
	}

	if err := h.pairing.Claim(r.Context(), req.Code, campaignID, req.DMName); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "paired"})
}

type joinRequest struct {
	MemberID string     `json:"memberId"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
}

// POST /v1/campaigns/{campaignID}/presence
func (h *CampaignHandler) Join(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if req.MemberID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("memberId"))
		return
	}

	member, err := h.presence.Join(r.Context(), campaignID, req.MemberID, req.Name, req.Role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, member)
}

// DELETE /v1/campaigns/{campaignID}/presence/{memberID}
func (h *CampaignHandler) Leave(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	memberID := chi.URLParam(r, "memberID")

	if err := h.presence.Leave(r.Context(), campaignID, memberID); err != nil {
		log.Warn().Err(err).Msg("presence leave failed")
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/campaigns/{campaignID}/presence/{memberID}/heartbeat
func (h *CampaignHandler) PresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	memberID := chi.URLParam(r, "memberID")

	if err := h.presence.Heartbeat(r.Context(), campaignID, memberID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /v1/campaigns/{campaignID}/presence
func (h *CampaignHandler) ListPresence(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	list, err := h.presence.List(r.Context(), campaignID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, list)
}
