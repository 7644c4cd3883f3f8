package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/orchestrator"
)

// CreateGrantRequest — JSON-дружелюбная форма гранта: списки вместо set-мап
type CreateGrantRequest struct {
	AgentID             string                       `json:"agent_id"`
	AllowedTools        []string                     `json:"allowed_tools"`
	AllowedPaths        map[string]domain.AccessMode `json:"allowed_paths"`
	EnvWhitelist        []string                     `json:"env_whitelist"`
	EnvVars             map[string]string            `json:"env_vars"`
	NetworkEnabled      bool                         `json:"network_enabled"`
	SubprocessesEnabled bool                         `json:"subprocesses_enabled"`
	CPUPercent          float64                      `json:"cpu_percent"`
	MemoryMB            int                          `json:"memory_mb"`
	TimeoutSeconds      int                          `json:"timeout_seconds"`
	MinIsolationLevel   string                       `json:"min_isolation_level"`
	MaxIsolationLevel   string                       `json:"max_isolation_level"`
	TTLSeconds          int64                        `json:"ttl_seconds"` // 0 = бессрочный
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req CreateGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Агентский токен может создавать гранты только на себя
	if tokenAgent := auth.AgentIDFrom(r.Context()); tokenAgent != "" && tokenAgent != req.AgentID {
		http.Error(w, "token does not match agent_id", http.StatusForbidden)
		return
	}

	g := &domain.CapabilityGrant{
		AgentID:             req.AgentID,
		AllowedTools:        toSet(req.AllowedTools),
		AllowedPaths:        req.AllowedPaths,
		EnvWhitelist:        toSet(req.EnvWhitelist),
		EnvVars:             req.EnvVars,
		NetworkEnabled:      req.NetworkEnabled,
		SubprocessesEnabled: req.SubprocessesEnabled,
		CPUPercent:          req.CPUPercent,
		MemoryMB:            req.MemoryMB,
		TimeoutSeconds:      req.TimeoutSeconds,
	}
	if lvl, ok := domain.ParseIsolationLevel(req.MinIsolationLevel); ok {
		g.MinIsolationLevel = lvl
	}
	g.MaxIsolationLevel = domain.LevelIsolated
	if lvl, ok := domain.ParseIsolationLevel(req.MaxIsolationLevel); ok {
		g.MaxIsolationLevel = lvl
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		g.ExpiresAt = &expires
	}

	id, err := s.store.CreateGrant(r.Context(), g)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"grant_id": id,
		"status":   string(domain.GrantPending),
	})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantID string `json:"grant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GrantID == "" {
		http.Error(w, "grant_id is required", http.StatusBadRequest)
		return
	}

	o, err := s.fleet.CreateSandbox(r.Context(), req.GrantID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sandboxView(o))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	live := s.fleet.List()
	out := make([]map[string]interface{}, 0, len(live))
	for _, o := range live {
		out = append(out, sandboxView(o))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	o, err := s.fleet.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := sandboxView(o)
	view["history"] = o.History()
	view["recent_anomalies"] = o.RecentAnomalies()
	if env := o.Environment(); env != nil {
		view["environment_warnings"] = env.Warnings
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	o, err := s.fleet.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Агентский токен исполняет команды только в своей песочнице
	if tokenAgent := auth.AgentIDFrom(r.Context()); tokenAgent != "" && tokenAgent != o.AgentID() {
		http.Error(w, "token does not match sandbox agent", http.StatusForbidden)
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	rec, err := o.RunCommand(r.Context(), req.Command)
	if err != nil {
		// Запись есть даже у отказов: отдаем ее вместе с ошибкой
		s.logger.Warn("command rejected",
			zap.String("sandbox_id", o.ID()),
			zap.Error(err),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  err.Error(),
			"record": rec,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sandboxView(o *orchestrator.Orchestrator) map[string]interface{} {
	return map[string]interface{}{
		"sandbox_id":      o.ID(),
		"agent_id":        o.AgentID(),
		"grant_id":        o.GrantID(),
		"state":           string(o.State()),
		"isolation_level": o.CurrentLevel().String(),
	}
}

func toSet(list []string) map[string]struct{} {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

// statusFor переводит доменную ошибку в HTTP-код.
// tip: Не отдаем детали внутренних ошибок в 500
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrGrantNotFound),
		errors.Is(err, orchestrator.ErrSandboxNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrPolicyDenied),
		errors.Is(err, orchestrator.ErrCapabilityMissing),
		errors.Is(err, orchestrator.ErrGrantInvalid),
		errors.Is(err, domain.ErrGrantRevoked),
		errors.Is(err, domain.ErrGrantExpired):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, orchestrator.ErrContainmentExhausted):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCleanedUp):
		return http.StatusGone
	case errors.Is(err, orchestrator.ErrBackendFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDecisionConflict):
		return http.StatusConflict
	case errors.Is(err, grants.ErrEmptyAgentID),
		errors.Is(err, grants.ErrInvalidTimeout),
		errors.Is(err, grants.ErrPathOutsideRoot),
		errors.Is(err, grants.ErrLevelBounds):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		// Детали внутренних ошибок клиенту не отдаем
		s.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal error", code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
