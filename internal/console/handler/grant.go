package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/console/service"
)

type GrantHandler struct {
	service *service.GrantService
}

func NewGrantHandler(s *service.GrantService) *GrantHandler {
	return &GrantHandler{service: s}
}

// List возвращает гранты с фильтрацией
// GET /v1/grants?agent_id=...&limit=...
func (h *GrantHandler) List(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	grants, err := h.service.List(r.Context(), agentID, limit)
	if err != nil {
		http.Error(w, "Failed to fetch grants", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(grants)
}

// Get отдает один грант целиком
// GET /v1/grants/{id}
func (h *GrantHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	g, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrGrantNotFound) {
			http.Error(w, "grant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to fetch grant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g)
}

// Revoke — необратимый отзыв гранта + Redis Publish работающим инстансам
// POST /v1/grants/{id}/revoke
func (h *GrantHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "revoked by operator"
	}

	if err := h.service.Revoke(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, service.ErrGrantNotFound) {
			http.Error(w, "grant not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to revoke grant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked", "grant_id": id})
}
