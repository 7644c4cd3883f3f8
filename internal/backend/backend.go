package backend

import (
	"context"
	"errors"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// ErrSpawnFailed — бэкенд не смог даже запустить процесс
var ErrSpawnFailed = errors.New("backend: failed to spawn process")

// Result — итог исполнения одной команды внутри песочницы
type Result struct {
	Stdout         string
	Stderr         string
	ExitCode       int
	ElapsedSeconds float64

	// Сэмпл потребления ресурсов по итогам исполнения (best effort:
	// что бэкенд смог измерить, то и заполнено)
	Metrics domain.ResourceMetrics
}

// Runner — шов к исключенной из скоупа OS-реализации песочницы
// (Docker/cgroups/job objects). Контракт: исполнить команду под
// ограничениями SandboxEnvironment и вернуть результат. Соблюдение
// ResourceLimits и ProcessConstraints на уровне ОС — обязанность
// конкретной реализации.
type Runner interface {
	Run(ctx context.Context, env *domain.SandboxEnvironment, command string) (*Result, error)
	Name() string
}
