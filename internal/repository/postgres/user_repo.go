package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(connString string) *UserRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &UserRepo{db: db}
}

// GetUserByUsername ищет оператора для выдачи токена.
// nil, nil = пользователь не найден (не ошибка, решает сервис авторизации).
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var scopes []byte
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(scopes) > 0 {
		_ = json.Unmarshal(scopes, &u.Scopes)
	}
	return u, nil
}

// Ping проверяет доступность базы при старте
func (r *UserRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
