package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/backend"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/guardian"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/isolation"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/orchestrator"
)

// newTestServer собирает полный стек на MockRunner и StaticGuardian,
// без токенов (dev-режим)
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := infra.SandboxConfig{
		EscalationThresholdFactor: 1.0,
		OpenFilesCeiling:          256,
		SubprocessCeiling:         16,
		ViolationLimit:            3,
		SeverityLimit:             0.7,
		MetricsBufferDepth:        50,
		RecentAnomalyCap:          10,
		StartingLevel:             "monitored",
	}
	logger := zap.NewNop()
	store := grants.NewStore(nil, nil, nil, nil, logger)
	policy := isolation.NewPolicy(cfg)
	fleet := orchestrator.NewManager(orchestrator.Deps{
		Store:    store,
		Policy:   policy,
		Builder:  isolation.NewBuilder(policy, logger),
		Guardian: guardian.NewStaticGuardian(),
		Runner:   backend.MockRunner{},
		Logger:   logger,
		Config:   cfg,
		HostEnv:  map[string]string{"PATH": "/usr/bin"},
	}, logger)
	return NewServer(store, fleet, nil, logger)
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func grantBody() map[string]interface{} {
	return map[string]interface{}{
		"agent_id":            "agent-1",
		"allowed_tools":       []string{"ls", "python", "fail", "rm"},
		"cpu_percent":         50,
		"memory_mb":           256,
		"timeout_seconds":     60,
		"max_isolation_level": "isolated",
	}
}

func createSandbox(t *testing.T, srv *Server) string {
	t.Helper()
	rr := doJSON(t, srv, http.MethodPost, "/v1/grants", grantBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	grantID := decode(t, rr)["grant_id"].(string)

	rr = doJSON(t, srv, http.MethodPost, "/v1/sandboxes", map[string]string{"grant_id": grantID})
	require.Equal(t, http.StatusCreated, rr.Code)
	return decode(t, rr)["sandbox_id"].(string)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTraceIDPropagation(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", "trace-abc")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, "trace-abc", rr.Header().Get("X-Trace-ID"))

	// Без заголовка сервер генерирует собственный ID
	rr = doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"))
}

func TestCreateGrant(t *testing.T) {
	srv := newTestServer(t)

	t.Run("created pending", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/grants", grantBody())
		require.Equal(t, http.StatusCreated, rr.Code)
		body := decode(t, rr)
		assert.NotEmpty(t, body["grant_id"])
		assert.Equal(t, string(domain.GrantPending), body["status"])
	})

	t.Run("validation error is 400", func(t *testing.T) {
		b := grantBody()
		b["timeout_seconds"] = 0
		rr := doJSON(t, srv, http.MethodPost, "/v1/grants", b)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decode(t, rr)["error"], "timeout")
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/grants", bytes.NewBufferString("{nope"))
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestCreateSandbox(t *testing.T) {
	srv := newTestServer(t)

	t.Run("full flow", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/grants", grantBody())
		require.Equal(t, http.StatusCreated, rr.Code)
		grantID := decode(t, rr)["grant_id"].(string)

		rr = doJSON(t, srv, http.MethodPost, "/v1/sandboxes", map[string]string{"grant_id": grantID})
		require.Equal(t, http.StatusCreated, rr.Code)
		body := decode(t, rr)
		assert.NotEmpty(t, body["sandbox_id"])
		assert.Equal(t, "READY", body["state"])
		assert.Equal(t, "monitored", body["isolation_level"])
	})

	t.Run("unknown grant", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes", map[string]string{"grant_id": "nope"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("missing grant_id", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestExecute(t *testing.T) {
	srv := newTestServer(t)
	id := createSandbox(t, srv)

	t.Run("success", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
			map[string]string{"command": "ls -la"})
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, string(domain.ExecSuccess), body["status"])
		assert.Equal(t, "ok\n", body["output"])
	})

	t.Run("nonzero exit is still 200", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
			map[string]string{"command": "fail job"})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, string(domain.ExecFailed), decode(t, rr)["status"])
	})

	t.Run("capability missing is 403 with record", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
			map[string]string{"command": "curl http://example.com"})
		require.Equal(t, http.StatusForbidden, rr.Code)
		body := decode(t, rr)
		assert.Contains(t, body["error"], "not in grant")
		rec := body["record"].(map[string]interface{})
		assert.Equal(t, string(domain.ExecDenied), rec["status"])
	})

	t.Run("guardian denies dangerous command", func(t *testing.T) {
		// rm разрешен грантом, но статический Guardian режет rm -rf /
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
			map[string]string{"command": "rm -rf / --no-preserve-root"})
		require.Equal(t, http.StatusForbidden, rr.Code)
		rec := decode(t, rr)["record"].(map[string]interface{})
		assert.Equal(t, string(domain.ExecDenied), rec["status"])
	})

	t.Run("empty command", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
			map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown sandbox", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/nope/execute",
			map[string]string{"command": "ls"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestGetAndListSandboxes(t *testing.T) {
	srv := newTestServer(t)
	id := createSandbox(t, srv)

	rr := doJSON(t, srv, http.MethodPost, "/v1/sandboxes/"+id+"/execute",
		map[string]string{"command": "ls"})
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("get includes history", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodGet, "/v1/sandboxes/"+id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, id, body["sandbox_id"])
		history := body["history"].([]interface{})
		assert.Len(t, history, 1)
	})

	t.Run("list", func(t *testing.T) {
		rr := doJSON(t, srv, http.MethodGet, "/v1/sandboxes", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var out []map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		assert.Len(t, out, 1)
	})
}

func TestDeleteSandbox(t *testing.T) {
	srv := newTestServer(t)
	id := createSandbox(t, srv)

	rr := doJSON(t, srv, http.MethodDelete, "/v1/sandboxes/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, srv, http.MethodGet, "/v1/sandboxes/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, srv, http.MethodDelete, "/v1/sandboxes/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// fakeValidator отдает фиксированные claims для любого токена
type fakeValidator struct {
	claims *domain.CustomClaims
	err    error
}

func (f *fakeValidator) VerifyToken(string) (*domain.CustomClaims, error) {
	return f.claims, f.err
}

func TestAgentTokenBinding(t *testing.T) {
	newAuthServer := func(v *fakeValidator) *Server {
		srv := newTestServer(t)
		return NewServer(srv.store, srv.fleet, v, zap.NewNop())
	}
	withToken := func(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Authorization", "token")
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, req)
		return rr
	}

	t.Run("missing token", func(t *testing.T) {
		srv := newAuthServer(&fakeValidator{claims: &domain.CustomClaims{AgentID: "agent-1"}})
		rr := doJSON(t, srv, http.MethodPost, "/v1/grants", grantBody())
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		srv := newAuthServer(&fakeValidator{err: errors.New("token expired")})
		rr := withToken(srv, http.MethodPost, "/v1/grants", grantBody())
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("grant only for own agent", func(t *testing.T) {
		srv := newAuthServer(&fakeValidator{claims: &domain.CustomClaims{AgentID: "agent-2"}})
		rr := withToken(srv, http.MethodPost, "/v1/grants", grantBody()) // agent_id = agent-1
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("matching agent passes", func(t *testing.T) {
		srv := newAuthServer(&fakeValidator{claims: &domain.CustomClaims{AgentID: "agent-1"}})
		rr := withToken(srv, http.MethodPost, "/v1/grants", grantBody())
		assert.Equal(t, http.StatusCreated, rr.Code)
	})
}
