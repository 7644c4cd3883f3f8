package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/console/service"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra/auth"
)

type AuthHandler struct {
	service *service.AuthService
}

func NewAuthHandler(s *service.AuthService) *AuthHandler {
	return &AuthHandler{service: s}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// IssueAgentToken выдает токен для агента (защищенный роут, только операторы)
// POST /v1/agents/{id}/token
func (h *AuthHandler) IssueAgentToken(w http.ResponseWriter, r *http.Request) {
	if !auth.HasScope(r.Context(), "admin") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		AgentID    string `json:"agent_id"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 3600
	}

	resp, err := h.service.IssueAgentToken(req.AgentID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
