package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"go.uber.org/zap"
)

var ErrGrantNotFound = errors.New("grant not found")

// GrantProvider — контракт к хранилищу грантов (Postgres)
type GrantProvider interface {
	GetGrant(ctx context.Context, id string) (*domain.CapabilityGrant, error)
	ListGrants(ctx context.Context, agentID string, limit int) ([]domain.CapabilityGrant, error)
	UpdateGrantStatus(ctx context.Context, id string, status domain.GrantStatus, reason string) error
}

// RevokePublisher доносит отзыв до работающих инстансов sandboxd (Redis)
type RevokePublisher interface {
	PublishRevoke(ctx context.Context, grantID string) error
}

// GrantService — операторские действия над грантами.
// Консоль не держит грантов в памяти: источник правды Postgres,
// сигнал работающим sandboxd уходит через Redis Pub/Sub.
type GrantService struct {
	repo   GrantProvider
	fanout RevokePublisher
	logger *zap.Logger
}

func NewGrantService(repo GrantProvider, fanout RevokePublisher, logger *zap.Logger) *GrantService {
	return &GrantService{
		repo:   repo,
		fanout: fanout,
		logger: logger.With(zap.String("mod", "grant-service")),
	}
}

func (s *GrantService) List(ctx context.Context, agentID string, limit int) ([]domain.CapabilityGrant, error) {
	return s.repo.ListGrants(ctx, agentID, limit)
}

func (s *GrantService) Get(ctx context.Context, id string) (*domain.CapabilityGrant, error) {
	g, err := s.repo.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGrantNotFound
	}
	return g, nil
}

// Revoke отзывает грант: сперва Postgres (источник правды), затем Redis.
// Повторный отзыв — no-op: операторы жмут кнопку дважды.
func (s *GrantService) Revoke(ctx context.Context, id, reason string) error {
	g, err := s.repo.GetGrant(ctx, id)
	if err != nil {
		return fmt.Errorf("grant_service: failed to load grant: %w", err)
	}
	if g == nil {
		return ErrGrantNotFound
	}
	if g.Status == domain.GrantRevoked {
		return nil
	}

	if err := s.repo.UpdateGrantStatus(ctx, id, domain.GrantRevoked, reason); err != nil {
		return fmt.Errorf("grant_service: failed to persist revoke: %w", err)
	}

	// Fan-out работающим инстансам. БД уже обновлена: даже если Redis лег,
	// отзыв подхватится при следующем прогреве.
	if err := s.fanout.PublishRevoke(ctx, id); err != nil {
		s.logger.Error("revoke persisted but fan-out failed",
			zap.String("grant_id", id), zap.Error(err))
	}

	s.logger.Info("grant revoked by operator",
		zap.String("grant_id", id),
		zap.String("agent_id", g.AgentID),
		zap.String("reason", reason),
	)
	return nil
}
