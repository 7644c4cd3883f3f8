package grants

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// recordingSink копит события аудита для проверок
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t audit.EventType) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeRepo — функциональные коллбеки вместо настоящего Postgres
type fakeRepo struct {
	saveFn   func(ctx context.Context, g *domain.CapabilityGrant) error
	updateFn func(ctx context.Context, id string, status domain.GrantStatus, reason string) error
	activeFn func(ctx context.Context) ([]domain.CapabilityGrant, error)
}

func (r *fakeRepo) SaveGrant(ctx context.Context, g *domain.CapabilityGrant) error {
	if r.saveFn != nil {
		return r.saveFn(ctx, g)
	}
	return nil
}

func (r *fakeRepo) UpdateGrantStatus(ctx context.Context, id string, status domain.GrantStatus, reason string) error {
	if r.updateFn != nil {
		return r.updateFn(ctx, id, status, reason)
	}
	return nil
}

func (r *fakeRepo) GetActiveGrants(ctx context.Context) ([]domain.CapabilityGrant, error) {
	if r.activeFn != nil {
		return r.activeFn(ctx)
	}
	return nil, nil
}

type fakeFanout struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFanout) PublishRevoke(_ context.Context, grantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, grantID)
	return nil
}

func validGrant() *domain.CapabilityGrant {
	return &domain.CapabilityGrant{
		AgentID:        "agent-1",
		AllowedTools:   map[string]struct{}{"ls": {}},
		TimeoutSeconds: 60,
	}
}

func TestCreateGrantValidation(t *testing.T) {
	s := NewStore(nil, nil, nil, nil, zap.NewNop())
	ctx := context.Background()

	t.Run("empty agent id", func(t *testing.T) {
		g := validGrant()
		g.AgentID = ""
		_, err := s.CreateGrant(ctx, g)
		assert.ErrorIs(t, err, ErrEmptyAgentID)
	})

	t.Run("non-positive timeout", func(t *testing.T) {
		g := validGrant()
		g.TimeoutSeconds = 0
		_, err := s.CreateGrant(ctx, g)
		assert.ErrorIs(t, err, ErrInvalidTimeout)
	})

	t.Run("min level above max", func(t *testing.T) {
		g := validGrant()
		g.MinIsolationLevel = domain.LevelIsolated
		g.MaxIsolationLevel = domain.LevelMonitored
		_, err := s.CreateGrant(ctx, g)
		assert.ErrorIs(t, err, ErrLevelBounds)
	})

	t.Run("valid grant becomes pending", func(t *testing.T) {
		id, err := s.CreateGrant(ctx, validGrant())
		require.NoError(t, err)
		require.NotEmpty(t, id)

		g, err := s.GetGrant(id)
		require.NoError(t, err)
		assert.Equal(t, domain.GrantPending, g.Status)
	})
}

func TestCreateGrantPathRoots(t *testing.T) {
	s := NewStore(nil, nil, nil, []string{"/data", "/tmp/sandbox"}, zap.NewNop())
	ctx := context.Background()

	g := validGrant()
	g.AllowedPaths = map[string]domain.AccessMode{"/data/in": domain.AccessReadOnly}
	_, err := s.CreateGrant(ctx, g)
	assert.NoError(t, err)

	g = validGrant()
	g.AllowedPaths = map[string]domain.AccessMode{"/etc": domain.AccessReadOnly}
	_, err = s.CreateGrant(ctx, g)
	assert.ErrorIs(t, err, ErrPathOutsideRoot)

	// Префикс без границы сегмента — не совпадение
	g = validGrant()
	g.AllowedPaths = map[string]domain.AccessMode{"/database": domain.AccessReadWrite}
	_, err = s.CreateGrant(ctx, g)
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestGetGrantReturnsCopy(t *testing.T) {
	s := NewStore(nil, nil, nil, nil, zap.NewNop())
	id, err := s.CreateGrant(context.Background(), validGrant())
	require.NoError(t, err)

	g1, _ := s.GetGrant(id)
	g1.Status = domain.GrantRevoked // Мутация копии

	g2, _ := s.GetGrant(id)
	assert.Equal(t, domain.GrantPending, g2.Status)
}

func TestApproveGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("approve pending", func(t *testing.T) {
		s := NewStore(nil, nil, nil, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())

		require.NoError(t, s.ApproveGrant(ctx, id, "risk acceptable"))
		g, _ := s.GetGrant(id)
		assert.Equal(t, domain.GrantApproved, g.Status)
		assert.Equal(t, "risk acceptable", g.GuardianReason)
		assert.NotNil(t, g.ApprovedAt)
	})

	t.Run("idempotent with same reason", func(t *testing.T) {
		s := NewStore(nil, nil, nil, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())

		require.NoError(t, s.ApproveGrant(ctx, id, "ok"))
		assert.NoError(t, s.ApproveGrant(ctx, id, "ok"))
	})

	t.Run("conflict with different reason", func(t *testing.T) {
		s := NewStore(nil, nil, nil, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())

		require.NoError(t, s.ApproveGrant(ctx, id, "ok"))
		assert.ErrorIs(t, s.ApproveGrant(ctx, id, "different verdict"), domain.ErrDecisionConflict)
	})

	t.Run("cannot approve revoked or expired", func(t *testing.T) {
		s := NewStore(nil, nil, nil, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())
		require.NoError(t, s.RevokeGrant(ctx, id, "test"))
		assert.ErrorIs(t, s.ApproveGrant(ctx, id, "ok"), domain.ErrGrantRevoked)

		expired := validGrant()
		past := time.Now().Add(-time.Minute)
		expired.ExpiresAt = &past
		id2, _ := s.CreateGrant(ctx, expired)
		_, _ = s.GetGrant(id2) // Ленивое истечение срабатывает на чтении
		assert.ErrorIs(t, s.ApproveGrant(ctx, id2, "ok"), domain.ErrGrantExpired)
	})

	t.Run("unknown grant", func(t *testing.T) {
		s := NewStore(nil, nil, nil, nil, zap.NewNop())
		assert.ErrorIs(t, s.ApproveGrant(ctx, "nope", "ok"), domain.ErrGrantNotFound)
	})
}

func TestRevokeGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("revoke publishes and persists once", func(t *testing.T) {
		sink := &recordingSink{}
		fanout := &fakeFanout{}
		var updates []domain.GrantStatus
		repo := &fakeRepo{
			updateFn: func(_ context.Context, _ string, status domain.GrantStatus, _ string) error {
				updates = append(updates, status)
				return nil
			},
		}
		s := NewStore(repo, fanout, sink, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())

		require.NoError(t, s.RevokeGrant(ctx, id, "operator request"))
		// Повторный отзыв — no-op без дублей
		require.NoError(t, s.RevokeGrant(ctx, id, "double click"))

		g, _ := s.GetGrant(id)
		assert.Equal(t, domain.GrantRevoked, g.Status)
		assert.Equal(t, "operator request", g.RevokeReason)

		assert.Equal(t, []string{id}, fanout.calls)
		assert.Equal(t, []domain.GrantStatus{domain.GrantRevoked}, updates)
		assert.Len(t, sink.byType(audit.EventGrantRevoked), 1)
	})

	t.Run("remote revoke does not re-publish", func(t *testing.T) {
		fanout := &fakeFanout{}
		s := NewStore(nil, fanout, nil, nil, zap.NewNop())
		id, _ := s.CreateGrant(ctx, validGrant())

		s.ApplyRemoteRevoke(id)
		g, _ := s.GetGrant(id)
		assert.Equal(t, domain.GrantRevoked, g.Status)
		assert.Empty(t, fanout.calls)
	})
}

func TestLazyExpiry(t *testing.T) {
	s := NewStore(nil, nil, nil, nil, zap.NewNop())
	g := validGrant()
	past := time.Now().Add(-time.Second)
	g.ExpiresAt = &past
	id, _ := s.CreateGrant(context.Background(), g)

	got, err := s.GetGrant(id)
	require.NoError(t, err)
	assert.Equal(t, domain.GrantExpired, got.Status)
	assert.ErrorIs(t, got.Usable(time.Now()), domain.ErrGrantExpired)
}

func TestRefreshColdLoad(t *testing.T) {
	repo := &fakeRepo{
		activeFn: func(context.Context) ([]domain.CapabilityGrant, error) {
			return []domain.CapabilityGrant{
				{GrantID: "a", AgentID: "x", Status: domain.GrantApproved, TimeoutSeconds: 10},
				{GrantID: "b", AgentID: "y", Status: domain.GrantPending, TimeoutSeconds: 10},
			}, nil
		},
	}
	s := NewStore(repo, nil, nil, nil, zap.NewNop())
	require.NoError(t, s.Refresh(context.Background()))

	g, err := s.GetGrant("a")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantApproved, g.Status)
	assert.Len(t, s.List(), 2)
}

func TestConcurrentApproveAndRevoke(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil, nil, nil, zap.NewNop())
	id, _ := s.CreateGrant(ctx, validGrant())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.ApproveGrant(ctx, id, "ok")
		}()
		go func() {
			defer wg.Done()
			_, _ = s.GetGrant(id)
		}()
	}
	wg.Wait()

	require.NoError(t, s.RevokeGrant(ctx, id, "done"))
	g, _ := s.GetGrant(id)
	assert.Equal(t, domain.GrantRevoked, g.Status)
}
