package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

type GrantRepo struct {
	db *sql.DB
}

// NewGrantRepo создает новый экземпляр репозитория
func NewGrantRepo(connString string) *GrantRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &GrantRepo{db: db}
}

// SaveGrant пишет грант целиком: колонки для выборок, payload для полноты.
// Upsert, потому что ApproveGrant тоже проходит через этот метод.
func (r *GrantRepo) SaveGrant(ctx context.Context, g *domain.CapabilityGrant) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal grant: %w", err)
	}

	query := `
		INSERT INTO grants (id, agent_id, status, payload, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`

	_, err = r.db.ExecContext(ctx, query,
		g.GrantID, g.AgentID, string(g.Status), payload, g.ExpiresAt, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save grant: %w", err)
	}
	return nil
}

// UpdateGrantStatus меняет статус (Revoke, Expire) без перезаписи payload
func (r *GrantRepo) UpdateGrantStatus(ctx context.Context, id string, status domain.GrantStatus, reason string) error {
	query := `
		UPDATE grants SET status = $1, status_reason = $2, updated_at = NOW()
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, string(status), reason, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update grant status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("postgres: grant %s not found", id)
	}
	return nil
}

// GetActiveGrants поднимает живые гранты для прогрева кэша при старте.
// Revoked и Expired не грузим: их жизненный цикл закончен.
func (r *GrantRepo) GetActiveGrants(ctx context.Context) ([]domain.CapabilityGrant, error) {
	query := `
		SELECT payload FROM grants
		WHERE status IN ('PENDING', 'APPROVED')
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query active grants: %w", err)
	}
	defer rows.Close()

	var out []domain.CapabilityGrant
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var g domain.CapabilityGrant
		if err := json.Unmarshal(payload, &g); err != nil {
			// Битая запись не должна ронять весь прогрев
			continue
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListGrants — выборка для консоли, включая отозванные и протухшие.
// Пустой agentID = все агенты.
func (r *GrantRepo) ListGrants(ctx context.Context, agentID string, limit int) ([]domain.CapabilityGrant, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT payload FROM grants
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []domain.CapabilityGrant
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var g domain.CapabilityGrant
		if err := json.Unmarshal(payload, &g); err != nil {
			continue
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGrant поднимает один грант по ID; nil, nil = не найден
func (r *GrantRepo) GetGrant(ctx context.Context, id string) (*domain.CapabilityGrant, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM grants WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	g := &domain.CapabilityGrant{}
	if err := json.Unmarshal(payload, g); err != nil {
		return nil, fmt.Errorf("postgres: corrupt grant payload %s: %w", id, err)
	}
	return g, nil
}

// Ping проверяет доступность базы при старте
func (r *GrantRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
