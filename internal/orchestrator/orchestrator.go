package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/backend"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/guardian"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/isolation"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/monitor"
)

// State — состояния жизненного цикла песочницы
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateRunning      State = "RUNNING"
	StateFailed       State = "FAILED"
	StateCleanedUp    State = "CLEANED_UP"
)

// Orchestrator — state machine одной песочницы:
// Created -> Initializing -> Ready -> Running -> Ready ... -> CleanedUp.
// Владеет append-only историей исполнений и координирует EnvironmentBuilder,
// RuntimeMonitor и Guardian-чекпоинты.
//
// Контракт конкурентности: команды внутри одной песочницы строго
// сериализованы (вторая RunCommand при команде в полете отклоняется с
// ErrBusy). Эскалация никогда не прерывает текущую команду — она меняет
// окружение только для СЛЕДУЮЩЕГО вызова. Пересборка окружения поэтому
// не может гоняться с исполнением.
type Orchestrator struct {
	id      string
	agentID string
	grantID string

	store    *grants.Store
	policy   *isolation.Policy
	builder  *isolation.Builder
	guardian guardian.Client
	runner   backend.Runner
	sink     audit.Sink
	metrics  *Metrics
	logger   *zap.Logger

	cfg     infra.SandboxConfig
	hostEnv map[string]string // Снапшот окружения хоста на момент создания

	mu       sync.Mutex
	state    State
	cleaning bool // Cleanup начался: новые команды не принимаются
	env      *domain.SandboxEnvironment
	mon      *monitor.Monitor
	history  []domain.ExecutionRecord

	// Управление командой в полете (для Cancel и Cleanup-during-Running).
	// Регистрация происходит под mu в момент перехода Ready -> Running,
	// поэтому Cleanup либо видит команду целиком, либо не видит вовсе.
	inflight     sync.WaitGroup
	cancelActive context.CancelFunc
}

type Deps struct {
	Store    *grants.Store
	Policy   *isolation.Policy
	Builder  *isolation.Builder
	Guardian guardian.Client
	Runner   backend.Runner
	Sink     audit.Sink
	Metrics  *Metrics
	Logger   *zap.Logger
	Config   infra.SandboxConfig
	HostEnv  map[string]string
}

func New(id string, grant *domain.CapabilityGrant, d Deps) *Orchestrator {
	sink := d.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		id:       id,
		agentID:  grant.AgentID,
		grantID:  grant.GrantID,
		store:    d.Store,
		policy:   d.Policy,
		builder:  d.Builder,
		guardian: d.Guardian,
		runner:   d.Runner,
		sink:     sink,
		metrics:  metrics,
		logger: d.Logger.With(
			zap.String("mod", "orchestrator"),
			zap.String("sandbox_id", id),
			zap.String("agent_id", grant.AgentID),
		),
		cfg:     d.Config,
		hostEnv: d.HostEnv,
		state:   StateCreated,
	}
}

// Initialize прогоняет создание песочницы через Guardian и собирает
// стартовое окружение. Deny от Guardian — не исключение: переход в Failed
// с причиной, исполнение не начинается никогда.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateCreated {
		o.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, o.state)
	}
	o.state = StateInitializing
	o.mu.Unlock()

	grant, err := o.store.GetGrant(o.grantID)
	if err != nil {
		o.fail()
		return fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}

	decision, gerr := o.guardian.Validate(ctx, guardian.OperationRequest{
		AgentID:   o.agentID,
		Operation: guardian.OpSandboxCreate,
		TraceID:   infra.TraceIDFrom(ctx),
		Metadata:  grantSummary(grant),
	})
	o.auditDecision(ctx, guardian.OpSandboxCreate, "", decision, gerr)

	if !decision.Approved {
		o.fail()
		return fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Reason)
	}

	if err := o.store.ApproveGrant(ctx, o.grantID, decision.Reason); err != nil {
		o.fail()
		return fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}

	level := o.startingLevel(grant)
	env := o.builder.Build(grant, level, o.hostEnv)

	mon := monitor.New(o.cfg, o.policy, level, grant.MaxIsolationLevel,
		o.agentID, o.id, o.sink, o.logger)
	mon.SetEnvironment(&env)

	o.mu.Lock()
	o.env = &env
	o.mon = mon
	o.state = StateReady
	o.mu.Unlock()

	o.metrics.ActiveSandboxes.Inc()
	o.sink.Emit(audit.Event{
		TraceID:        infra.TraceIDFrom(ctx),
		Type:           audit.EventSandboxCreated,
		AgentID:        o.agentID,
		GrantID:        o.grantID,
		SandboxID:      o.id,
		IsolationLevel: level.String(),
		Operation:      guardian.OpSandboxCreate,
		Status:         "READY",
	})

	o.logger.Info("sandbox initialized",
		zap.String("level", level.String()),
		zap.Float64("cpu_limit", env.ResourceLimits.CPUPercent),
		zap.Int("memory_limit_mb", env.ResourceLimits.MemoryMB),
	)
	return nil
}

// startingLevel: минимум гранта, но не ниже сконфигурированного старта
// и не выше потолка гранта
func (o *Orchestrator) startingLevel(grant *domain.CapabilityGrant) domain.IsolationLevel {
	level := grant.MinIsolationLevel
	if configured, ok := domain.ParseIsolationLevel(o.cfg.StartingLevel); ok && configured > level {
		level = configured
	}
	if level > grant.MaxIsolationLevel {
		level = grant.MaxIsolationLevel
	}
	return level
}

// RunCommand — полный пайплайн одной команды. Порядок проверок от дешевых
// к дорогим: состояние -> грант -> capability -> Guardian -> исполнение.
// На КАЖДЫЙ вызов добавляется ровно одна ExecutionRecord, включая таймауты.
func (o *Orchestrator) RunCommand(ctx context.Context, command string) (domain.ExecutionRecord, error) {
	o.mu.Lock()
	if o.cleaning || o.state == StateCleanedUp {
		o.mu.Unlock()
		return domain.ExecutionRecord{}, ErrCleanedUp
	}
	switch o.state {
	case StateRunning:
		o.mu.Unlock()
		return domain.ExecutionRecord{}, ErrBusy
	case StateReady:
		// Продолжаем
	default:
		o.mu.Unlock()
		return domain.ExecutionRecord{}, fmt.Errorf("%w: state %s", ErrNotReady, o.state)
	}
	o.state = StateRunning
	env := o.env
	level := o.mon.CurrentLevel()
	// Команда в полете с этой точки: Cleanup обязан дождаться ВСЕГО тела
	// RunCommand, включая Guardian-чекпоинт, а не только исполнения
	runCtx, cancelRun := context.WithCancel(ctx)
	o.cancelActive = cancelRun
	o.inflight.Add(1)
	o.mu.Unlock()

	// По выходу возвращаемся в Ready, если Cleanup не перехватил состояние
	defer func() {
		o.mu.Lock()
		o.cancelActive = nil
		if o.state == StateRunning {
			o.state = StateReady
		}
		o.mu.Unlock()
		cancelRun()
		o.inflight.Done()
	}()

	// 1. Валидность гранта на КАЖДЫЙ вызов: Guardian даже не спрашиваем
	grant, err := o.store.GetGrant(o.grantID)
	if err == nil {
		err = grant.Usable(time.Now())
	}
	if err != nil {
		rec := o.appendRecord(ctx, domain.ExecutionRecord{
			Command:                   command,
			Status:                    domain.ExecDenied,
			Error:                     err.Error(),
			GuardianDecision:          "skipped: grant not usable",
			IsolationLevelAtExecution: level,
		})
		return rec, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}

	// 2. Capability-проверка инструмента (argv[0])
	if tool := commandTool(command); !grant.ToolAllowed(tool) {
		hint := fmt.Sprintf("Missing tool — add to allowed_tools: %s", tool)
		if hints := o.builder.SuggestFix("command not found: "+tool, grant); len(hints) > 0 {
			hint = strings.Join(hints, "; ")
		}
		rec := o.appendRecord(ctx, domain.ExecutionRecord{
			Command:                   command,
			Status:                    domain.ExecDenied,
			Error:                     hint,
			GuardianDecision:          "skipped: capability missing",
			IsolationLevelAtExecution: level,
		})
		return rec, fmt.Errorf("%w: tool %q not in grant", ErrCapabilityMissing, tool)
	}

	// 3. Guardian-чекпоинт (fail closed на транспортных ошибках)
	decision, gerr := o.guardian.Validate(runCtx, guardian.OperationRequest{
		AgentID:   o.agentID,
		Operation: guardian.OpCommandExecute,
		Command:   command,
		TraceID:   infra.TraceIDFrom(ctx),
		Metadata:  map[string]interface{}{"isolation_level": level.String(), "sandbox_id": o.id},
	})
	o.auditDecision(ctx, guardian.OpCommandExecute, command, decision, gerr)

	if !decision.Approved {
		rec := o.appendRecord(ctx, domain.ExecutionRecord{
			Command:                   command,
			Status:                    domain.ExecDenied,
			Error:                     decision.Reason,
			GuardianDecision:          decisionLabel(decision),
			IsolationLevelAtExecution: level,
		})
		return rec, fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Reason)
	}

	// 4. Повторная проверка перед исполнением: Cleanup (или Cancel) мог
	// прервать команду, пока Guardian думал. Запись появляется, бэкенд — нет.
	if runCtx.Err() != nil {
		rec := o.appendRecord(ctx, domain.ExecutionRecord{
			Command:                   command,
			Status:                    domain.ExecFailed,
			Error:                     "command cancelled",
			GuardianDecision:          decisionLabel(decision),
			IsolationLevelAtExecution: level,
		})
		return rec, nil
	}

	// 5. Исполнение под таймаутом текущего окружения.
	// Процесс активно убивается по дедлайну, а не «утекает».
	execCtx, cancelExec := context.WithTimeout(runCtx, time.Duration(env.ResourceLimits.TimeoutSeconds)*time.Second)
	res, execErr := o.runner.Run(execCtx, env, command)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancelExec()

	rec := domain.ExecutionRecord{
		Command:                   command,
		GuardianDecision:          decisionLabel(decision),
		IsolationLevelAtExecution: level,
	}
	if res != nil {
		rec.DurationSeconds = res.ElapsedSeconds
		rec.Output = res.Stdout
		rec.ExitCode = res.ExitCode
		if res.Stderr != "" && rec.Error == "" {
			rec.Error = res.Stderr
		}
	}

	var callerErr error
	switch {
	case timedOut:
		rec.Status = domain.ExecTimedOut
		rec.Error = fmt.Sprintf("command exceeded %ds timeout", env.ResourceLimits.TimeoutSeconds)
	case execErr != nil && errors.Is(execErr, context.Canceled):
		rec.Status = domain.ExecFailed
		rec.Error = "command cancelled"
	case execErr != nil:
		rec.Status = domain.ExecFailed
		rec.Error = execErr.Error()
		callerErr = fmt.Errorf("%w: %v", ErrBackendFailure, execErr)
	case res.ExitCode != 0:
		rec.Status = domain.ExecFailed
	default:
		rec.Status = domain.ExecSuccess
	}

	rec = o.appendRecord(ctx, rec)

	// 6. Телеметрия в монитор; эскалация меняет окружение для СЛЕДУЮЩЕЙ команды
	if res != nil {
		anomalies := o.mon.RecordMetrics(res.Metrics)
		for _, a := range anomalies {
			o.metrics.AnomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
		}
	}

	if should, next := o.mon.ShouldEscalate(); should && next != nil {
		o.escalate(*next, grant)
	} else if o.mon.ContainmentExhausted() {
		// Потолок изоляции, а нарушения продолжаются: наружу — громко
		o.logger.Error("CONTAINMENT EXHAUSTED: anomalies persist at max isolation",
			zap.String("level", o.mon.CurrentLevel().String()))
		if callerErr == nil {
			callerErr = ErrContainmentExhausted
		} else {
			callerErr = fmt.Errorf("%w (also: %v)", ErrContainmentExhausted, callerErr)
		}
	}

	return rec, callerErr
}

func (o *Orchestrator) escalate(next domain.IsolationLevel, grant *domain.CapabilityGrant) {
	o.mon.Escalate(next)
	o.metrics.EscalationsTotal.WithLabelValues(next.String()).Inc()

	env := o.builder.Build(grant, next, o.hostEnv)
	o.mon.SetEnvironment(&env)

	o.mu.Lock()
	o.env = &env
	o.mu.Unlock()

	o.logger.Warn("environment rebuilt for next command",
		zap.String("level", next.String()),
		zap.Float64("cpu_limit", env.ResourceLimits.CPUPercent),
		zap.Int("memory_limit_mb", env.ResourceLimits.MemoryMB),
	)
}

// Cancel прерывает команду в полете (kill всей группы процессов).
// Запись об исполнении все равно будет добавлена потоком RunCommand.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelActive
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cleanup отзывает грант, уведомляет Guardian (информационно, не гейт)
// и освобождает ресурсы. Идемпотентен: второй вызов — no-op без ошибки
// и без дублирования revoke-события. Безопасен при команде в полете:
// флаг cleaning закрывает прием новых команд, текущая прерывается
// и дожидается целиком — включая команду, зависшую в Guardian-чекпоинте.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.Lock()
	if o.cleaning || o.state == StateCleanedUp {
		o.mu.Unlock()
		return nil
	}
	o.cleaning = true
	wasLive := o.state == StateReady || o.state == StateRunning
	cancel := o.cancelActive
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Дожидаемся записи результата прерванной команды. Новых Add быть
	// не может: прием команд уже закрыт флагом cleaning.
	o.inflight.Wait()

	o.mu.Lock()
	o.state = StateCleanedUp
	o.mu.Unlock()

	// Отзыв идемпотентен на уровне Store: revoke-событие будет ровно одно
	if err := o.store.RevokeGrant(ctx, o.grantID, "sandbox cleanup"); err != nil &&
		!errors.Is(err, domain.ErrGrantNotFound) {
		o.logger.Error("failed to revoke grant on cleanup", zap.Error(err))
	}

	// Информационный чекпоинт: результат логируется, но не блокирует
	decision, gerr := o.guardian.Validate(ctx, guardian.OperationRequest{
		AgentID:   o.agentID,
		Operation: guardian.OpGrantRevoke,
		TraceID:   infra.TraceIDFrom(ctx),
		Metadata:  map[string]interface{}{"grant_id": o.grantID, "sandbox_id": o.id},
	})
	o.auditDecision(ctx, guardian.OpGrantRevoke, "", decision, gerr)

	if wasLive {
		o.metrics.ActiveSandboxes.Dec()
	}
	o.sink.Emit(audit.Event{
		TraceID:   infra.TraceIDFrom(ctx),
		Type:      audit.EventSandboxCleanup,
		AgentID:   o.agentID,
		GrantID:   o.grantID,
		SandboxID: o.id,
		Status:    "CLEANED_UP",
	})

	o.logger.Info("sandbox cleaned up", zap.Int("history", len(o.History())))
	return nil
}

func (o *Orchestrator) fail() {
	o.mu.Lock()
	o.state = StateFailed
	o.mu.Unlock()
}

// appendRecord — единственная точка пополнения append-only истории
func (o *Orchestrator) appendRecord(ctx context.Context, rec domain.ExecutionRecord) domain.ExecutionRecord {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}

	o.mu.Lock()
	o.history = append(o.history, rec)
	o.mu.Unlock()

	o.metrics.CommandsTotal.WithLabelValues(o.agentID, string(rec.Status)).Inc()
	o.metrics.CommandDuration.WithLabelValues(o.agentID, string(rec.Status)).Observe(rec.DurationSeconds)
	o.sink.Emit(audit.ExecutionEvent(infra.TraceIDFrom(ctx), o.agentID, o.grantID, o.id, rec))
	return rec
}

func (o *Orchestrator) auditDecision(ctx context.Context, operation, command string, d guardian.Decision, transportErr error) {
	o.metrics.GuardianDecisions.WithLabelValues(operation, strconv.FormatBool(d.Approved)).Inc()

	reason := d.Reason
	if transportErr != nil {
		reason = reason + " (transport: " + transportErr.Error() + ")"
	}
	o.sink.Emit(audit.Event{
		TraceID:   infra.TraceIDFrom(ctx),
		Type:      audit.EventGuardianDecision,
		AgentID:   o.agentID,
		GrantID:   o.grantID,
		SandboxID: o.id,
		Operation: operation,
		Command:   command,
		Status:    decisionLabel(d),
		Reason:    reason,
		Detail:    map[string]interface{}{"risk_level": string(d.RiskLevel)},
	})
}

// --- снапшоты для API и консоли ---

func (o *Orchestrator) ID() string      { return o.id }
func (o *Orchestrator) AgentID() string { return o.agentID }
func (o *Orchestrator) GrantID() string { return o.grantID }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History возвращает копию append-only истории
func (o *Orchestrator) History() []domain.ExecutionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ExecutionRecord, len(o.history))
	copy(out, o.history)
	return out
}

// Environment — снапшот текущего окружения (nil до Initialize)
func (o *Orchestrator) Environment() *domain.SandboxEnvironment {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.env == nil {
		return nil
	}
	cp := *o.env
	return &cp
}

// CurrentLevel — текущий уровень изоляции (после Initialize)
func (o *Orchestrator) CurrentLevel() domain.IsolationLevel {
	o.mu.Lock()
	mon := o.mon
	o.mu.Unlock()
	if mon == nil {
		return domain.LevelTrusted
	}
	return mon.CurrentLevel()
}

// RecentAnomalies — для инспекции песочницы из консоли
func (o *Orchestrator) RecentAnomalies() []domain.Anomaly {
	o.mu.Lock()
	mon := o.mon
	o.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.RecentAnomalies()
}

func decisionLabel(d guardian.Decision) string {
	if d.Approved {
		return "APPROVED"
	}
	return "DENIED"
}

func grantSummary(g *domain.CapabilityGrant) map[string]interface{} {
	tools := make([]interface{}, 0, len(g.AllowedTools))
	for t := range g.AllowedTools {
		tools = append(tools, t)
	}
	return map[string]interface{}{
		"grant_id":        g.GrantID,
		"tools":           tools,
		"paths":           len(g.AllowedPaths),
		"network":         g.NetworkEnabled,
		"cpu_percent":     g.CPUPercent,
		"memory_mb":       g.MemoryMB,
		"timeout_seconds": g.TimeoutSeconds,
		"min_level":       g.MinIsolationLevel.String(),
		"max_level":       g.MaxIsolationLevel.String(),
	}
}

// commandTool достает argv[0] из командной строки
func commandTool(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	tool := fields[0]
	// Путь к бинарнику сводим к имени
	if idx := strings.LastIndex(tool, "/"); idx >= 0 {
		tool = tool[idx+1:]
	}
	return tool
}
