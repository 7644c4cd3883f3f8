package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
// Используем структуру Event из пакета audit, чтобы сохранить единую модель данных.
type AuditLogProvider interface {
	QueryEvents(ctx context.Context, agentID, eventType string, limit int) ([]audit.Event, error)
	GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error)
	CountActive(ctx context.Context) (int, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs запрашивает журнал с фильтрацией.
// Логика фильтрации (пустые строки или конкретные значения) инкапсулирована в репозитории.
func (s *AuditService) FetchLogs(ctx context.Context, agentID, eventType string, limit int) ([]audit.Event, error) {
	logs, err := s.repo.QueryEvents(ctx, agentID, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

// GetGlobalStats собирает агрегаты дашборда из журнала аудита
func (s *AuditService) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	stats, err := s.repo.GetGlobalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch stats: %w", err)
	}
	if active, err := s.repo.CountActive(ctx); err == nil {
		stats.ActiveSandboxes = active
	}
	return stats, nil
}
