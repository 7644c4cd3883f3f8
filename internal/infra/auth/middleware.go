package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который должны реализовать и sandboxd, и консоль
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey string

const (
	ctxKeyUserID  ctxKey = "user_id"
	ctxKeyAgentID ctxKey = "agent_id"
	ctxKeyScopes  ctxKey = "user_scopes"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), ctxKeyScopes, claims.Scopes)
			ctx = context.WithValue(ctx, ctxKeyUserID, claims.UserID)
			ctx = context.WithValue(ctx, ctxKeyAgentID, claims.AgentID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentIDFrom достает ID агента, положенный middleware (агентские токены)
func AgentIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyAgentID).(string); ok {
		return id
	}
	return ""
}

// UserIDFrom достает ID оператора (операторские токены консоли)
func UserIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return id
	}
	return ""
}

// HasScope проверяет разрешение из токена
func HasScope(ctx context.Context, scope string) bool {
	scopes, ok := ctx.Value(ctxKeyScopes).(map[string]bool)
	if !ok {
		return false
	}
	return scopes[scope] || scopes["admin"]
}
