package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/httputil"
	"github.com/torchlight-app/table-sync-go/internal/service"
)

type CharacterHandler struct {
	characters *service.CharacterService
}

func NewCharacterHandler(characters *service.CharacterService) *CharacterHandler {
	return &CharacterHandler{characters: characters}
}

// GET /v1/characters/{characterID}
func (h *CharacterHandler) Get(w http.ResponseWriter, r *http.Request) {
	characterID := chi.URLParam(r, "characterID")

	character, err := h.characters.Find(r.Context(), characterID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, character)
}

// POST /v1/characters/{characterID}/mutate
//
// The response carries the committed value and its sequence; the caller's
// reconciler treats both as authoritative.
func (h *CharacterHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	characterID := chi.URLParam(r, "characterID")

	var mut service.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mut); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	result, err := h.characters.Mutate(r.Context(), characterID, mut)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}
