package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims *domain.CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestVerifyToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewBaseValidator(&key.PublicKey)

	agentClaims := func() *domain.CustomClaims {
		return &domain.CustomClaims{
			AgentID: "agent-1",
			Scopes:  map[string]bool{"sandbox.execute": true},
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	t.Run("agent token with bearer prefix", func(t *testing.T) {
		got, err := v.VerifyToken("Bearer " + signToken(t, key, agentClaims()))
		require.NoError(t, err)
		assert.Equal(t, "agent-1", got.AgentID)
		assert.True(t, got.Scopes["sandbox.execute"])
	})

	t.Run("operator token without prefix", func(t *testing.T) {
		c := &domain.CustomClaims{
			UserID: "op-7",
			Scopes: map[string]bool{"admin": true},
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		got, err := v.VerifyToken(signToken(t, key, c))
		require.NoError(t, err)
		assert.Equal(t, "op-7", got.UserID)
	})

	t.Run("expired token", func(t *testing.T) {
		c := agentClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.VerifyToken(signToken(t, key, c))
		assert.Error(t, err)
	})

	t.Run("foreign key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = v.VerifyToken(signToken(t, other, agentClaims()))
		assert.Error(t, err)
	})

	t.Run("hs256 is rejected", func(t *testing.T) {
		// Подмена алгоритма на симметричный не должна проходить
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, agentClaims()).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.VerifyToken(s)
		assert.Error(t, err)
	})

	t.Run("token without principal", func(t *testing.T) {
		c := &domain.CustomClaims{RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		_, err := v.VerifyToken(signToken(t, key, c))
		assert.ErrorContains(t, err, "principal")
	})
}
