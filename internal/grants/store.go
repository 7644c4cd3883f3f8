package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

var (
	ErrEmptyAgentID    = errors.New("grant validation: agent_id is required")
	ErrInvalidTimeout  = errors.New("grant validation: timeout_seconds must be positive")
	ErrPathOutsideRoot = errors.New("grant validation: path outside allowed roots")
	ErrLevelBounds     = errors.New("grant validation: min isolation level above max")
)

// Repository — опциональная персистентность грантов (Postgres).
// Store работает и без нее: чисто in-memory режим для тестов и dev.
type Repository interface {
	SaveGrant(ctx context.Context, g *domain.CapabilityGrant) error
	UpdateGrantStatus(ctx context.Context, id string, status domain.GrantStatus, reason string) error
	GetActiveGrants(ctx context.Context) ([]domain.CapabilityGrant, error)
}

// RevokeFanout транслирует отзыв гранта остальным инстансам (Redis Pub/Sub)
type RevokeFanout interface {
	PublishRevoke(ctx context.Context, grantID string) error
}

// Store владеет жизненным циклом CapabilityGrant для всех агентов.
// Общее мутабельное состояние всех песочниц: одна RWMutex-мапа,
// мутации под write-lock, чтения под read-lock.
type Store struct {
	mu     sync.RWMutex
	grants map[string]*domain.CapabilityGrant

	// Разрешенные корни для allowed_paths; пустой список = без ограничения
	allowedRoots []string

	repo   Repository   // nil = in-memory only
	fanout RevokeFanout // nil = single instance
	sink   audit.Sink
	logger *zap.Logger
}

func NewStore(repo Repository, fanout RevokeFanout, sink audit.Sink, allowedRoots []string, logger *zap.Logger) *Store {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Store{
		grants:       make(map[string]*domain.CapabilityGrant),
		allowedRoots: allowedRoots,
		repo:         repo,
		fanout:       fanout,
		sink:         sink,
		logger:       logger.With(zap.String("mod", "grants")),
	}
}

// CreateGrant валидирует и сохраняет новый грант со статусом Pending
func (s *Store) CreateGrant(ctx context.Context, g *domain.CapabilityGrant) (string, error) {
	if err := s.validate(g); err != nil {
		return "", err
	}

	if g.GrantID == "" {
		g.GrantID = uuid.New().String()
	}
	now := time.Now()
	g.Status = domain.GrantPending
	g.CreatedAt = now
	g.UpdatedAt = now

	s.mu.Lock()
	s.grants[g.GrantID] = g
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveGrant(ctx, g); err != nil {
			// Память — источник правды рантайма; падение персистентности логируем
			s.logger.Error("failed to persist grant", zap.String("grant_id", g.GrantID), zap.Error(err))
		}
	}

	s.sink.Emit(audit.Event{
		Type:    audit.EventGrantCreated,
		AgentID: g.AgentID,
		GrantID: g.GrantID,
		Status:  string(domain.GrantPending),
	})

	s.logger.Info("grant created",
		zap.String("grant_id", g.GrantID),
		zap.String("agent_id", g.AgentID),
		zap.Int("tools", len(g.AllowedTools)),
		zap.Int("paths", len(g.AllowedPaths)),
	)
	return g.GrantID, nil
}

func (s *Store) validate(g *domain.CapabilityGrant) error {
	if g.AgentID == "" {
		return ErrEmptyAgentID
	}
	if g.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if g.MinIsolationLevel > g.MaxIsolationLevel {
		return ErrLevelBounds
	}
	if len(s.allowedRoots) > 0 {
		for p := range g.AllowedPaths {
			if !s.underAllowedRoot(p) {
				return fmt.Errorf("%w: %s", ErrPathOutsideRoot, p)
			}
		}
	}
	return nil
}

func (s *Store) underAllowedRoot(path string) bool {
	for _, root := range s.allowedRoots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}

// GetGrant возвращает копию гранта. Истечение детектится лениво,
// прямо на чтении — фоновый свипер не нужен.
func (s *Store) GetGrant(id string) (*domain.CapabilityGrant, error) {
	s.mu.RLock()
	g, ok := s.grants[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrGrantNotFound
	}

	if g.Status != domain.GrantExpired && g.Status != domain.GrantRevoked && g.Expired(time.Now()) {
		s.markExpired(id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.grants[id]
	return &cp, nil
}

func (s *Store) markExpired(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	// Перепроверка под write-lock: конкурент мог успеть отозвать
	if !ok || g.Status == domain.GrantRevoked || g.Status == domain.GrantExpired {
		return
	}
	g.Status = domain.GrantExpired
	g.UpdatedAt = time.Now()
	s.logger.Info("grant expired", zap.String("grant_id", id), zap.String("agent_id", g.AgentID))
}

// ApproveGrant фиксирует решение Guardian. Гонка двух Approve по одному
// гранту разрешается идемпотентно: проигравший видит уже обновленное
// состояние и возвращает успех при совпадении решения, иначе ошибку.
func (s *Store) ApproveGrant(ctx context.Context, id string, guardianReason string) error {
	s.mu.Lock()
	g, ok := s.grants[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrGrantNotFound
	}

	switch g.Status {
	case domain.GrantRevoked:
		s.mu.Unlock()
		return domain.ErrGrantRevoked
	case domain.GrantExpired:
		s.mu.Unlock()
		return domain.ErrGrantExpired
	case domain.GrantApproved:
		// Идемпотентность: тот же вердикт — успех, другой — конфликт
		same := g.GuardianReason == guardianReason
		s.mu.Unlock()
		if same {
			return nil
		}
		return domain.ErrDecisionConflict
	}

	now := time.Now()
	g.Status = domain.GrantApproved
	g.GuardianReason = guardianReason
	g.ApprovedAt = &now
	g.UpdatedAt = now
	agentID := g.AgentID
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.UpdateGrantStatus(ctx, id, domain.GrantApproved, guardianReason); err != nil {
			s.logger.Error("failed to persist grant approval", zap.String("grant_id", id), zap.Error(err))
		}
	}

	s.sink.Emit(audit.Event{
		Type:    audit.EventGrantApproved,
		AgentID: agentID,
		GrantID: id,
		Status:  string(domain.GrantApproved),
		Reason:  guardianReason,
	})
	return nil
}

// RevokeGrant отзывает грант. Идемпотентен: повторный отзыв — no-op,
// не ошибка, и событие аудита не дублируется.
func (s *Store) RevokeGrant(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	g, ok := s.grants[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrGrantNotFound
	}
	if g.Status == domain.GrantRevoked {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	g.Status = domain.GrantRevoked
	g.RevokedAt = &now
	g.RevokeReason = reason
	g.UpdatedAt = now
	agentID := g.AgentID
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.UpdateGrantStatus(ctx, id, domain.GrantRevoked, reason); err != nil {
			s.logger.Error("failed to persist grant revocation", zap.String("grant_id", id), zap.Error(err))
		}
	}
	if s.fanout != nil {
		if err := s.fanout.PublishRevoke(ctx, id); err != nil {
			s.logger.Error("failed to fan out revocation", zap.String("grant_id", id), zap.Error(err))
		}
	}

	s.sink.Emit(audit.Event{
		Type:    audit.EventGrantRevoked,
		AgentID: agentID,
		GrantID: id,
		Status:  string(domain.GrantRevoked),
		Reason:  reason,
	})

	s.logger.Info("grant revoked",
		zap.String("grant_id", id),
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	return nil
}

// ApplyRemoteRevoke применяет отзыв, пришедший по Pub/Sub с другого
// инстанса: без повторной публикации и без повторной записи в БД.
func (s *Store) ApplyRemoteRevoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok || g.Status == domain.GrantRevoked {
		return
	}
	now := time.Now()
	g.Status = domain.GrantRevoked
	g.RevokedAt = &now
	g.RevokeReason = "revoked remotely"
	g.UpdatedAt = now
	s.logger.Info("grant revoked by remote signal", zap.String("grant_id", id))
}

// IsExpired — ленивая проверка по спецификации GrantStore
func (s *Store) IsExpired(g *domain.CapabilityGrant) bool {
	return g.Expired(time.Now())
}

// List возвращает снапшот всех грантов (для операторской консоли)
func (s *Store) List() []domain.CapabilityGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CapabilityGrant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, *g)
	}
	return out
}

// Refresh — «холодная загрузка» активных грантов из Postgres при старте
func (s *Store) Refresh(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	loaded, err := s.repo.GetActiveGrants(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch grants from DB: %w", err)
	}

	fresh := make(map[string]*domain.CapabilityGrant, len(loaded))
	for i := range loaded {
		g := loaded[i]
		fresh[g.GrantID] = &g
	}

	s.mu.Lock()
	s.grants = fresh
	s.mu.Unlock()

	s.logger.Info("grant cache refreshed", zap.Int("count", len(fresh)))
	return nil
}
