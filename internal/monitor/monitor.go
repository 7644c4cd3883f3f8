package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/isolation"
)

// Monitor наблюдает за ОДНОЙ песочницей: кольцевой буфер сэмплов,
// счетчики нарушений по видам аномалий, текущий уровень изоляции.
// Состояние принадлежит оркестратору этой песочницы, между песочницами
// не шарится; мьютекс защищает буфер от гонки фонового сэмплера
// с проверкой эскалации.
type Monitor struct {
	mu sync.Mutex

	// Кольцевой буфер: фиксированная глубина, старейший вытесняется
	samples []domain.ResourceMetrics
	head    int
	count   int

	violations map[domain.AnomalyKind]int
	recent     []domain.Anomaly // Ограниченный лог последних аномалий
	recentCap  int

	currentLevel domain.IsolationLevel
	maxLevel     domain.IsolationLevel // Потолок из гранта

	// Лимиты текущего окружения (обновляются после каждого rebuild)
	limits      domain.ResourceLimits
	constraints domain.ProcessConstraints

	cfg    infra.SandboxConfig
	policy *isolation.Policy

	agentID   string
	sandboxID string
	sink      audit.Sink
	logger    *zap.Logger
}

func New(cfg infra.SandboxConfig, policy *isolation.Policy, startLevel, maxLevel domain.IsolationLevel,
	agentID, sandboxID string, sink audit.Sink, logger *zap.Logger) *Monitor {

	depth := cfg.MetricsBufferDepth
	if depth <= 0 {
		depth = 50
	}
	recentCap := cfg.RecentAnomalyCap
	if recentCap <= 0 {
		recentCap = 10
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	return &Monitor{
		samples:      make([]domain.ResourceMetrics, depth),
		violations:   make(map[domain.AnomalyKind]int),
		recentCap:    recentCap,
		currentLevel: startLevel,
		maxLevel:     maxLevel,
		cfg:          cfg,
		policy:       policy,
		agentID:      agentID,
		sandboxID:    sandboxID,
		sink:         sink,
		logger:       logger.With(zap.String("mod", "monitor"), zap.String("sandbox_id", sandboxID)),
	}
}

// SetEnvironment обновляет лимиты, относительно которых детектятся аномалии.
// Вызывается оркестратором после каждой пересборки окружения.
func (m *Monitor) SetEnvironment(env *domain.SandboxEnvironment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = env.ResourceLimits
	m.constraints = env.ProcessConstraints
}

// RecordMetrics кладет сэмпл в буфер и прогоняет детекторы аномалий.
// Каждая аномалия инкрементит свой счетчик нарушений и попадает
// в ограниченный recent-лог. Возвращает найденное — для метрик вызывающего.
func (m *Monitor) RecordMetrics(sample domain.ResourceMetrics) []domain.Anomaly {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	m.mu.Lock()

	m.samples[m.head] = sample
	m.head = (m.head + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}

	anomalies := m.detect(sample)
	for _, a := range anomalies {
		m.violations[a.Kind]++
		m.recent = append(m.recent, a)
		if len(m.recent) > m.recentCap {
			m.recent = m.recent[len(m.recent)-m.recentCap:]
		}
	}
	level := m.currentLevel
	m.mu.Unlock()

	for _, a := range anomalies {
		m.logger.Warn("ANOMALY DETECTED",
			zap.String("kind", string(a.Kind)),
			zap.Float64("severity", a.Severity),
			zap.String("reason", a.Reason),
		)
		m.sink.Emit(audit.AnomalyEvent(m.agentID, m.sandboxID, level, a))
	}
	return anomalies
}

// detect — пороговые эвристики по спецификации наблюдения.
// Вызывается под мьютексом.
func (m *Monitor) detect(s domain.ResourceMetrics) []domain.Anomaly {
	var found []domain.Anomaly
	now := s.Timestamp
	factor := m.cfg.EscalationThresholdFactor
	if factor <= 0 {
		factor = 1.0
	}

	if m.limits.CPUPercent > 0 && s.CPUPercent > m.limits.CPUPercent*factor {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalyCPUSpike,
			Severity:   clamp(s.CPUPercent/(m.limits.CPUPercent*factor) - 1),
			Reason:     fmt.Sprintf("cpu %.1f%% exceeds limit %.1f%%", s.CPUPercent, m.limits.CPUPercent),
			ObservedAt: now,
		})
	}

	if m.limits.MemoryMB > 0 && s.MemoryMB > int(float64(m.limits.MemoryMB)*factor) {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalyMemorySpike,
			Severity:   clamp(float64(s.MemoryMB)/(float64(m.limits.MemoryMB)*factor) - 1),
			Reason:     fmt.Sprintf("memory %dMB exceeds limit %dMB", s.MemoryMB, m.limits.MemoryMB),
			ObservedAt: now,
		})
	}

	if m.cfg.OpenFilesCeiling > 0 && s.OpenFiles > m.cfg.OpenFilesCeiling {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalyExcessiveFileOps,
			Severity:   clamp(float64(s.OpenFiles)/float64(m.cfg.OpenFilesCeiling) - 1),
			Reason:     fmt.Sprintf("%d open files exceeds ceiling %d", s.OpenFiles, m.cfg.OpenFilesCeiling),
			ObservedAt: now,
		})
	}

	// Любая сетевая активность при запрете сети — максимальная серьезность
	if !m.constraints.AllowNetwork && s.NetworkConnections > 0 {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalySuspiciousNetwork,
			Severity:   1.0,
			Reason:     fmt.Sprintf("%d network connections while network access is disabled", s.NetworkConnections),
			ObservedAt: now,
		})
	}

	if m.cfg.SubprocessCeiling > 0 && s.SubprocessCount > m.cfg.SubprocessCeiling {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalySubprocessExplosion,
			Severity:   clamp(float64(s.SubprocessCount)/float64(m.cfg.SubprocessCeiling) - 1),
			Reason:     fmt.Sprintf("%d subprocesses exceeds ceiling %d", s.SubprocessCount, m.cfg.SubprocessCeiling),
			ObservedAt: now,
		})
	}

	// 80% бюджета времени — риск таймаута
	if m.limits.TimeoutSeconds > 0 && s.ElapsedSeconds > float64(m.limits.TimeoutSeconds)*0.8 {
		found = append(found, domain.Anomaly{
			Kind:       domain.AnomalyTimeoutRisk,
			Severity:   clamp(s.ElapsedSeconds / float64(m.limits.TimeoutSeconds)),
			Reason:     fmt.Sprintf("elapsed %.1fs over 80%% of %ds budget", s.ElapsedSeconds, m.limits.TimeoutSeconds),
			ObservedAt: now,
		})
	}

	return found
}

// ShouldEscalate — два независимых OR-триггера:
// суммарный счетчик нарушений ИЛИ средняя severity последних аномалий.
// На потолке (Isolated или max гранта) всегда false: эскалировать некуда,
// это состояние оркестратор обязан превратить в ContainmentExhausted.
func (m *Monitor) ShouldEscalate() (bool, *domain.IsolationLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.policy.NextLevel(m.currentLevel)
	if next == nil || *next > m.maxLevel {
		return false, nil
	}

	total := 0
	for _, n := range m.violations {
		total += n
	}
	if total >= m.violationLimit() {
		return true, next
	}

	if len(m.recent) > 0 {
		var sum float64
		for _, a := range m.recent {
			sum += a.Severity
		}
		if sum/float64(len(m.recent)) > m.severityLimit() {
			return true, next
		}
	}

	return false, nil
}

// ContainmentExhausted — нарушения продолжаются, а эскалировать некуда
func (m *Monitor) ContainmentExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.policy.NextLevel(m.currentLevel)
	if next != nil && *next <= m.maxLevel {
		return false
	}

	total := 0
	for _, n := range m.violations {
		total += n
	}
	return total >= m.violationLimit()
}

// Escalate переводит песочницу на следующий уровень. Монотонность:
// движение только вверх, уровни не перескакиваются. Счетчики нарушений
// сбрасываются ТОЛЬКО здесь — время само по себе их не обнуляет.
func (m *Monitor) Escalate(next domain.IsolationLevel) {
	m.mu.Lock()
	if next <= m.currentLevel {
		m.mu.Unlock()
		return
	}

	total := 0
	for _, n := range m.violations {
		total += n
	}
	var avg float64
	if len(m.recent) > 0 {
		for _, a := range m.recent {
			avg += a.Severity
		}
		avg /= float64(len(m.recent))
	}

	prev := m.currentLevel
	m.currentLevel = next
	m.violations = make(map[domain.AnomalyKind]int)
	m.recent = nil
	m.mu.Unlock()

	m.logger.Warn("ISOLATION ESCALATED",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Int("violations", total),
		zap.Float64("avg_severity", avg),
	)

	m.sink.Emit(audit.Event{
		Type:           audit.EventEscalation,
		AgentID:        m.agentID,
		SandboxID:      m.sandboxID,
		IsolationLevel: next.String(),
		Status:         "ESCALATED",
		Reason:         fmt.Sprintf("from %s: %d violations, avg severity %.2f", prev, total, avg),
	})
}

// CurrentLevel — текущий уровень изоляции песочницы
func (m *Monitor) CurrentLevel() domain.IsolationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLevel
}

// RecentAnomalies — снапшот recent-лога (для консоли и post-mortem)
func (m *Monitor) RecentAnomalies() []domain.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Anomaly, len(m.recent))
	copy(out, m.recent)
	return out
}

// Samples возвращает содержимое кольцевого буфера от старых к новым
func (m *Monitor) Samples() []domain.ResourceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ResourceMetrics, 0, m.count)
	start := (m.head - m.count + len(m.samples)) % len(m.samples)
	for i := 0; i < m.count; i++ {
		out = append(out, m.samples[(start+i)%len(m.samples)])
	}
	return out
}

func (m *Monitor) violationLimit() int {
	if m.cfg.ViolationLimit > 0 {
		return m.cfg.ViolationLimit
	}
	return 3
}

func (m *Monitor) severityLimit() float64 {
	if m.cfg.SeverityLimit > 0 {
		return m.cfg.SeverityLimit
	}
	return 0.7
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
