package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSandboxNotFound = errors.New("sandbox not found")

// Manager держит флот живых песочниц: по оркестратору на ID.
// Песочницы независимы; общая здесь только мапа под RWMutex.
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Orchestrator

	deps   Deps
	logger *zap.Logger
}

func NewManager(deps Deps, logger *zap.Logger) *Manager {
	if deps.HostEnv == nil {
		deps.HostEnv = HostEnvSnapshot()
	}
	return &Manager{
		sandboxes: make(map[string]*Orchestrator),
		deps:      deps,
		logger:    logger.With(zap.String("mod", "fleet")),
	}
}

// HostEnvSnapshot — снимок окружения хоста для EnvironmentBuilder.
// Снимается один раз: сборка окружений детерминирована в рамках процесса.
func HostEnvSnapshot() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

// CreateSandbox создает и инициализирует песочницу под грантом.
// Guardian-отказ при Initialize возвращается вызывающему, песочница
// в флот не попадает.
func (m *Manager) CreateSandbox(ctx context.Context, grantID string) (*Orchestrator, error) {
	grant, err := m.deps.Store.GetGrant(grantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}

	o := New(uuid.New().String(), grant, m.deps)
	if err := o.Initialize(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sandboxes[o.ID()] = o
	total := len(m.sandboxes)
	m.mu.Unlock()

	m.logger.Info("sandbox added to fleet",
		zap.String("sandbox_id", o.ID()),
		zap.String("agent_id", o.AgentID()),
		zap.Int("fleet_size", total),
	)
	return o, nil
}

// Get — быстрый lookup для Hot Path исполнения команд
func (m *Manager) Get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return o, nil
}

// List — снапшот флота для консоли
func (m *Manager) List() []*Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Orchestrator, 0, len(m.sandboxes))
	for _, o := range m.sandboxes {
		out = append(out, o)
	}
	return out
}

// Remove вычищает песочницу из флота после Cleanup
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.sandboxes[id]
	if ok {
		delete(m.sandboxes, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSandboxNotFound
	}
	return o.Cleanup(ctx)
}

// CleanupAll — graceful shutdown: дочистить все живые песочницы
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Orchestrator, 0, len(m.sandboxes))
	for _, o := range m.sandboxes {
		live = append(live, o)
	}
	m.sandboxes = make(map[string]*Orchestrator)
	m.mu.Unlock()

	for _, o := range live {
		if err := o.Cleanup(ctx); err != nil {
			m.logger.Error("cleanup failed", zap.String("sandbox_id", o.ID()), zap.Error(err))
		}
	}
	m.logger.Info("fleet cleanup complete", zap.Int("count", len(live)))
}
