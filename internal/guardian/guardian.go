package guardian

import (
	"context"
	"fmt"
	"time"
)

// Операции, которые этот сабсистем прогоняет через Guardian
const (
	OpSandboxCreate  = "sandbox_create"
	OpCommandExecute = "command_execute"
	// OpGrantRevoke — информационный чекпоинт: результат логируется,
	// но отзыв гранта никогда не блокируется решением Guardian
	OpGrantRevoke = "grant_revoke"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// OperationRequest — запрос на валидацию привилегированного действия
type OperationRequest struct {
	AgentID   string                 `json:"agent_id"`
	Operation string                 `json:"operation"`
	Command   string                 `json:"command,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Decision — вердикт Guardian. Deny — не исключение, а ожидаемый
// нормальный исход, который фиксируется в аудите.
type Decision struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// Client — узкий интерфейс внешнего Policy Decision Point.
// Один метод, чтобы в тестах подменяться фейком без затрагивания
// логики оркестратора.
type Client interface {
	Validate(ctx context.Context, req OperationRequest) (Decision, error)
}

// ThrottleError сигнализирует ретраям, сколько ждать (Retry-After)
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}
