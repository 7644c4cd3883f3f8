package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(NewPolicy(infra.SandboxConfig{}), zap.NewNop())
}

func testGrant() *domain.CapabilityGrant {
	return &domain.CapabilityGrant{
		GrantID: "g-1",
		AgentID: "agent-1",
		AllowedTools: map[string]struct{}{
			"python": {},
		},
		AllowedPaths: map[string]domain.AccessMode{
			"/data/in":   domain.AccessReadOnly,
			"/data/out":  domain.AccessReadWrite,
			"/tmp/cache": domain.AccessReadWrite,
		},
		EnvWhitelist:        map[string]struct{}{"API_URL": {}},
		EnvVars:             map[string]string{"MODE": "batch"},
		SubprocessesEnabled: true,
		NetworkEnabled:      true,
		CPUPercent:          90,
		MemoryMB:            2048,
		TimeoutSeconds:      900,
		MinIsolationLevel:   domain.LevelTrusted,
		MaxIsolationLevel:   domain.LevelIsolated,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := newTestBuilder(t)
	host := map[string]string{"PATH": "/usr/bin", "HOME": "/home/u", "SECRET": "x"}
	grant := testGrant()

	first := b.Build(grant, domain.LevelRestricted, host)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, b.Build(grant, domain.LevelRestricted, host))
	}

	// Маунты отсортированы по пути
	require.Len(t, first.WritableMounts, 2)
	assert.Equal(t, "/data/out", first.WritableMounts[0].Path)
	assert.Equal(t, "/tmp/cache", first.WritableMounts[1].Path)
}

func TestBuildEnvFiltering(t *testing.T) {
	b := newTestBuilder(t)
	host := map[string]string{
		"PATH":    "/usr/bin:/bin",
		"HOME":    "/home/u",
		"API_URL": "https://internal",
		"SECRET":  "do-not-leak",
	}

	t.Run("trusted without whitelists inherits everything", func(t *testing.T) {
		grant := testGrant()
		grant.EnvWhitelist = nil
		env := b.Build(grant, domain.LevelTrusted, host)
		assert.Equal(t, "do-not-leak", env.EnvironmentVariables["SECRET"])
		assert.Equal(t, "batch", env.EnvironmentVariables["MODE"])
	})

	t.Run("grant whitelist narrows even the trusted level", func(t *testing.T) {
		env := b.Build(testGrant(), domain.LevelTrusted, host)
		assert.Equal(t, "https://internal", env.EnvironmentVariables["API_URL"])
		_, leaked := env.EnvironmentVariables["SECRET"]
		assert.False(t, leaked)
	})

	t.Run("restricted keeps union of level and grant whitelists", func(t *testing.T) {
		env := b.Build(testGrant(), domain.LevelRestricted, host)
		// Из whitelist уровня
		assert.Equal(t, "/usr/bin:/bin", env.EnvironmentVariables["PATH"])
		assert.Equal(t, "/home/u", env.EnvironmentVariables["HOME"])
		// Из whitelist гранта
		assert.Equal(t, "https://internal", env.EnvironmentVariables["API_URL"])
		// Мимо обоих whitelist
		_, leaked := env.EnvironmentVariables["SECRET"]
		assert.False(t, leaked)
	})

	t.Run("explicit grant vars always win", func(t *testing.T) {
		grant := testGrant()
		grant.EnvVars = map[string]string{"HOME": "/sandbox/home", "SYNTHETIC": "1"}
		env := b.Build(grant, domain.LevelRestricted, host)
		// Перекрытие значения хоста
		assert.Equal(t, "/sandbox/home", env.EnvironmentVariables["HOME"])
		// Инжекция переменной, которой нет ни на хосте, ни в whitelist
		assert.Equal(t, "1", env.EnvironmentVariables["SYNTHETIC"])
	})

	t.Run("isolated starts empty plus grant vars", func(t *testing.T) {
		env := b.Build(testGrant(), domain.LevelIsolated, host)
		_, hasHome := env.EnvironmentVariables["HOME"]
		assert.False(t, hasHome)
		assert.Equal(t, "batch", env.EnvironmentVariables["MODE"])
		// Платформенный PATH добавляется, чтобы резолвились бинарники
		assert.NotEmpty(t, env.EnvironmentVariables["PATH"])
	})
}

func TestBuildMountDowngrade(t *testing.T) {
	b := newTestBuilder(t)
	grant := testGrant()

	t.Run("rw stays rw below readonly-root levels", func(t *testing.T) {
		env := b.Build(grant, domain.LevelRestricted, nil)
		assert.Len(t, env.WritableMounts, 2)
		assert.Len(t, env.ReadonlyMounts, 1)
		assert.Empty(t, env.Warnings)
	})

	t.Run("rw downgraded to ro under readonly root", func(t *testing.T) {
		env := b.Build(grant, domain.LevelSandboxed, nil)
		assert.Empty(t, env.WritableMounts)
		require.Len(t, env.ReadonlyMounts, 3)

		degraded := 0
		for _, m := range env.ReadonlyMounts {
			assert.Equal(t, domain.AccessReadOnly, m.Mode)
			if m.Degraded {
				degraded++
			}
		}
		// Понижены ровно два RW-пути, и об этом есть предупреждения
		assert.Equal(t, 2, degraded)
		assert.Len(t, env.Warnings, 2)
	})

	t.Run("ro never becomes writable", func(t *testing.T) {
		for l := domain.LevelTrusted; l <= domain.LevelIsolated; l++ {
			env := b.Build(grant, l, nil)
			for _, m := range env.WritableMounts {
				assert.NotEqual(t, "/data/in", m.Path, "level %s", l)
			}
		}
	})
}

func TestBuildResourceLimitsMinWins(t *testing.T) {
	b := newTestBuilder(t)
	grant := testGrant() // cpu 90, mem 2048, timeout 900

	// Restricted: потолок cpu 80 / mem 512 / timeout 600 — потолок выигрывает
	env := b.Build(grant, domain.LevelRestricted, nil)
	assert.Equal(t, 80.0, env.ResourceLimits.CPUPercent)
	assert.Equal(t, 512, env.ResourceLimits.MemoryMB)
	assert.Equal(t, 600, env.ResourceLimits.TimeoutSeconds)

	// Запрошено меньше потолка — выигрывает грант
	grant.CPUPercent = 10
	grant.MemoryMB = 64
	grant.TimeoutSeconds = 30
	env = b.Build(grant, domain.LevelRestricted, nil)
	assert.Equal(t, 10.0, env.ResourceLimits.CPUPercent)
	assert.Equal(t, 64, env.ResourceLimits.MemoryMB)
	assert.Equal(t, 30, env.ResourceLimits.TimeoutSeconds)
}

func TestBuildProcessConstraints(t *testing.T) {
	b := newTestBuilder(t)
	grant := testGrant()

	// Грант просит, уровень разрешает
	env := b.Build(grant, domain.LevelMonitored, nil)
	assert.True(t, env.ProcessConstraints.AllowSubprocess)
	assert.True(t, env.ProcessConstraints.AllowNetwork)

	// Уровень запрещает — запрос гранта не помогает
	env = b.Build(grant, domain.LevelSandboxed, nil)
	assert.False(t, env.ProcessConstraints.AllowSubprocess)
	assert.False(t, env.ProcessConstraints.AllowNetwork)

	// Грант не просит — разрешение уровня не включает
	grant.SubprocessesEnabled = false
	grant.NetworkEnabled = false
	env = b.Build(grant, domain.LevelTrusted, nil)
	assert.False(t, env.ProcessConstraints.AllowSubprocess)
	assert.False(t, env.ProcessConstraints.AllowNetwork)
}

func TestSuggestFix(t *testing.T) {
	b := newTestBuilder(t)
	grant := testGrant()

	t.Run("missing tool", func(t *testing.T) {
		fixes := b.SuggestFix("sh: command not found: curl", grant)
		require.Len(t, fixes, 1)
		assert.Contains(t, fixes[0], "allowed_tools: curl")
	})

	t.Run("allowed tool gives no suggestion", func(t *testing.T) {
		fixes := b.SuggestFix("command not found: python", grant)
		assert.Empty(t, fixes)
	})

	t.Run("readonly path", func(t *testing.T) {
		fixes := b.SuggestFix("permission denied: /data/in", grant)
		require.Len(t, fixes, 1)
		assert.Contains(t, fixes[0], "ReadWrite")
	})

	t.Run("path not granted", func(t *testing.T) {
		fixes := b.SuggestFix("permission denied: /etc/passwd", grant)
		require.Len(t, fixes, 1)
		assert.Contains(t, fixes[0], "allowed_paths: /etc/passwd")
	})

	t.Run("subject-first format", func(t *testing.T) {
		fixes := b.SuggestFix("curl: command not found", grant)
		require.Len(t, fixes, 1)
		assert.Contains(t, fixes[0], "curl")
	})

	t.Run("network disabled", func(t *testing.T) {
		g := testGrant()
		g.NetworkEnabled = false
		fixes := b.SuggestFix("dial tcp: network is unreachable", g)
		require.Len(t, fixes, 1)
		assert.Contains(t, fixes[0], "network_enabled")
	})
}
