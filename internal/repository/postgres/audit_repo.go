package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) *AuditRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 14
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12, p+13, p+14)

		detail, _ := json.Marshal(e.Detail)

		vals = append(vals,
			e.ID, e.TraceID, string(e.Type), e.AgentID, e.GrantID, e.SandboxID,
			e.IsolationLevel, e.Operation, e.Command,
			e.Status, e.Reason, detail, e.DurationMs, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO audit_events (id, trace_id, type, agent_id, grant_id, sandbox_id, isolation_level, operation, command, status, reason, detail, duration_ms, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// QueryEvents отдает хвост журнала для консоли.
// Фильтры опциональны: пустая строка = без фильтра.
func (r *AuditRepo) QueryEvents(ctx context.Context, agentID, eventType string, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, trace_id, type, agent_id, grant_id, sandbox_id,
		       isolation_level, operation, command, status, reason, detail, duration_ms, timestamp
		FROM audit_events
		WHERE ($1 = '' OR agent_id = $1)
		  AND ($2 = '' OR type = $2)
		ORDER BY timestamp DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, agentID, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var detail []byte
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.Type, &e.AgentID, &e.GrantID, &e.SandboxID,
			&e.IsolationLevel, &e.Operation, &e.Command,
			&e.Status, &e.Reason, &detail, &e.DurationMs, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetGlobalStats собирает агрегаты для дашборда одним заходом в базу
func (r *AuditRepo) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	stats := &domain.GlobalStats{}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE type = 'execution'),
			COUNT(*) FILTER (WHERE type = 'execution' AND status = 'DENIED'),
			COUNT(*) FILTER (WHERE type = 'escalation')
		FROM audit_events
		WHERE timestamp > NOW() - INTERVAL '24 hours'`

	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalCommands, &stats.DeniedCommands, &stats.Escalations,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query stats: %w", err)
	}
	if stats.TotalCommands > 0 {
		stats.DenyRatio = float64(stats.DeniedCommands) / float64(stats.TotalCommands)
	}

	topQuery := `
		SELECT agent_id, COUNT(*) FROM audit_events
		WHERE type = 'execution' AND timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY agent_id
		ORDER BY COUNT(*) DESC
		LIMIT 5`

	rows, err := r.db.QueryContext(ctx, topQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats.TopAgents = make(map[string]int64)
	for rows.Next() {
		var agent string
		var n int64
		if err := rows.Scan(&agent, &n); err != nil {
			return nil, err
		}
		stats.TopAgents[agent] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hourlyQuery := `
		SELECT to_char(date_trunc('hour', timestamp), 'YYYY-MM-DD HH24:00') AS hr, COUNT(*)
		FROM audit_events
		WHERE type = 'execution' AND timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY hr ORDER BY hr`

	hrows, err := r.db.QueryContext(ctx, hourlyQuery)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var pt domain.ActivityPoint
		if err := hrows.Scan(&pt.Hour, &pt.Count); err != nil {
			return nil, err
		}
		stats.HourlyActivity = append(stats.HourlyActivity, pt)
	}
	return stats, hrows.Err()
}

// CountActive считает живые песочницы по журналу: created минус cleanup.
// Приблизительно, но для дашборда достаточно.
func (r *AuditRepo) CountActive(ctx context.Context) (int, error) {
	var created, cleaned sql.NullInt64
	query := `
		SELECT
			COUNT(*) FILTER (WHERE type = 'sandbox_created'),
			COUNT(*) FILTER (WHERE type = 'sandbox_cleanup')
		FROM audit_events`
	if err := r.db.QueryRowContext(ctx, query).Scan(&created, &cleaned); err != nil {
		return 0, err
	}
	n := int(created.Int64 - cleaned.Int64)
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Ping проверяет доступность базы при старте
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
