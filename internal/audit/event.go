package audit

import (
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// EventType классифицирует записи аудита
type EventType string

const (
	EventGrantCreated     EventType = "grant_created"
	EventGrantApproved    EventType = "grant_approved"
	EventGrantRevoked     EventType = "grant_revoked"
	EventGuardianDecision EventType = "guardian_decision"
	EventAnomaly          EventType = "anomaly"
	EventEscalation       EventType = "escalation"
	EventExecution        EventType = "execution"
	EventSandboxCreated   EventType = "sandbox_created"
	EventSandboxCleanup   EventType = "sandbox_cleanup"
)

// Event — структурированное событие для внешнего логирования и UI.
// Каждая мутация GrantStore, решение Guardian, аномалия, эскалация
// и ExecutionRecord проходят через этот тип.
type Event struct {
	ID        string    `json:"id"`       // UUID события
	TraceID   string    `json:"trace_id"` // Сквозной ID запроса
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id"`
	GrantID   string    `json:"grant_id,omitempty"`
	SandboxID string    `json:"sandbox_id,omitempty"`

	// Контекст исполнения
	IsolationLevel string `json:"isolation_level,omitempty"`
	Operation      string `json:"operation,omitempty"` // sandbox_create / command_execute / grant_revoke
	Command        string `json:"command,omitempty"`

	// Результат
	Status     string                 `json:"status"` // SUCCESS, FAILED, DENIED, TIMED_OUT, ...
	Reason     string                 `json:"reason,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ExecutionEvent собирает событие из append-only записи оркестратора
func ExecutionEvent(traceID, agentID, grantID, sandboxID string, rec domain.ExecutionRecord) Event {
	return Event{
		TraceID:        traceID,
		Type:           EventExecution,
		AgentID:        agentID,
		GrantID:        grantID,
		SandboxID:      sandboxID,
		IsolationLevel: rec.IsolationLevelAtExecution.String(),
		Operation:      "command_execute",
		Command:        rec.Command,
		Status:         string(rec.Status),
		Reason:         rec.Error,
		DurationMs:     int64(rec.DurationSeconds * 1000),
		Timestamp:      rec.ExecutedAt,
	}
}

// AnomalyEvent собирает событие из зафиксированной аномалии
func AnomalyEvent(agentID, sandboxID string, level domain.IsolationLevel, a domain.Anomaly) Event {
	return Event{
		Type:           EventAnomaly,
		AgentID:        agentID,
		SandboxID:      sandboxID,
		IsolationLevel: level.String(),
		Status:         string(a.Kind),
		Reason:         a.Reason,
		Detail:         map[string]interface{}{"severity": a.Severity},
		Timestamp:      a.ObservedAt,
	}
}
