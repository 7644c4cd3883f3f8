package domain

import "time"

// ExecutionStatus — итог одного вызова RunCommand
type ExecutionStatus string

const (
	ExecSuccess  ExecutionStatus = "SUCCESS"
	ExecFailed   ExecutionStatus = "FAILED"
	ExecDenied   ExecutionStatus = "DENIED"
	ExecTimedOut ExecutionStatus = "TIMED_OUT"
)

// ExecutionRecord — запись аудита на каждую команду. Append-only:
// после создания не мутируется, история только дописывается.
type ExecutionRecord struct {
	Command         string          `json:"command"`
	Status          ExecutionStatus `json:"status"`
	DurationSeconds float64         `json:"duration_seconds"`
	Output          string          `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExitCode        int             `json:"exit_code"`

	// Контекст решения на момент исполнения
	GuardianDecision          string         `json:"guardian_decision"`
	IsolationLevelAtExecution IsolationLevel `json:"isolation_level_at_execution"`

	ExecutedAt time.Time `json:"executed_at"`
}
