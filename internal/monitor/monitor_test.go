package monitor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/isolation"
)

func testConfig() infra.SandboxConfig {
	return infra.SandboxConfig{
		EscalationThresholdFactor: 1.0,
		OpenFilesCeiling:          100,
		SubprocessCeiling:         5,
		ViolationLimit:            3,
		SeverityLimit:             0.7,
		MetricsBufferDepth:        4,
		RecentAnomalyCap:          10,
	}
}

func newTestMonitor(t *testing.T, start, max domain.IsolationLevel) *Monitor {
	t.Helper()
	cfg := testConfig()
	m := New(cfg, isolation.NewPolicy(cfg), start, max, "agent-1", "sbx-1", nil, zap.NewNop())
	m.SetEnvironment(&domain.SandboxEnvironment{
		ResourceLimits: domain.ResourceLimits{
			CPUPercent:     50,
			MemoryMB:       256,
			TimeoutSeconds: 100,
		},
		ProcessConstraints: domain.ProcessConstraints{
			AllowSubprocess: false,
			AllowNetwork:    false,
		},
	})
	return m
}

func TestRingBufferEviction(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)

	// Глубина буфера 4: кладем 6 сэмплов, первые два вытесняются
	for i := 1; i <= 6; i++ {
		m.RecordMetrics(domain.ResourceMetrics{CPUPercent: float64(i)})
	}

	samples := m.Samples()
	require.Len(t, samples, 4)
	assert.Equal(t, 3.0, samples[0].CPUPercent) // Старейший из оставшихся
	assert.Equal(t, 6.0, samples[3].CPUPercent) // Новейший
}

func TestDetectAnomalyKinds(t *testing.T) {
	cases := []struct {
		name   string
		sample domain.ResourceMetrics
		kind   domain.AnomalyKind
	}{
		{"cpu spike", domain.ResourceMetrics{CPUPercent: 75}, domain.AnomalyCPUSpike},
		{"memory spike", domain.ResourceMetrics{MemoryMB: 512}, domain.AnomalyMemorySpike},
		{"excessive file ops", domain.ResourceMetrics{OpenFiles: 150}, domain.AnomalyExcessiveFileOps},
		{"suspicious network", domain.ResourceMetrics{NetworkConnections: 1}, domain.AnomalySuspiciousNetwork},
		{"subprocess explosion", domain.ResourceMetrics{SubprocessCount: 10}, domain.AnomalySubprocessExplosion},
		{"timeout risk", domain.ResourceMetrics{ElapsedSeconds: 85}, domain.AnomalyTimeoutRisk},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)
			anomalies := m.RecordMetrics(tc.sample)
			require.Len(t, anomalies, 1)
			assert.Equal(t, tc.kind, anomalies[0].Kind)
			assert.Greater(t, anomalies[0].Severity, 0.0)
			assert.NotEmpty(t, anomalies[0].Reason)
		})
	}
}

func TestWithinLimitsIsQuiet(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)
	anomalies := m.RecordMetrics(domain.ResourceMetrics{
		CPUPercent: 40, MemoryMB: 100, OpenFiles: 10, ElapsedSeconds: 5,
	})
	assert.Empty(t, anomalies)

	should, _ := m.ShouldEscalate()
	assert.False(t, should)
}

func TestNetworkWhileDisabledIsMaxSeverity(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)
	anomalies := m.RecordMetrics(domain.ResourceMetrics{NetworkConnections: 3})
	require.Len(t, anomalies, 1)
	assert.Equal(t, 1.0, anomalies[0].Severity)
}

func TestEscalateByViolationCount(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)

	// Небольшие превышения CPU: severity низкая, но счетчик копится
	for i := 0; i < 2; i++ {
		m.RecordMetrics(domain.ResourceMetrics{CPUPercent: 55})
		should, _ := m.ShouldEscalate()
		assert.False(t, should, "after %d violations", i+1)
	}

	m.RecordMetrics(domain.ResourceMetrics{CPUPercent: 55})
	should, next := m.ShouldEscalate()
	require.True(t, should)
	require.NotNil(t, next)
	assert.Equal(t, domain.LevelRestricted, *next)
}

func TestEscalateBySeverityAlone(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)

	// ОДНА аномалия с severity 1.0 > 0.7 — триггер по средней severity,
	// счетчик нарушений (1 < 3) тут ни при чем
	m.RecordMetrics(domain.ResourceMetrics{NetworkConnections: 1})
	should, next := m.ShouldEscalate()
	require.True(t, should)
	assert.Equal(t, domain.LevelRestricted, *next)
}

func TestEscalateResetsCountersOnlyOnEscalate(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)

	for i := 0; i < 3; i++ {
		m.RecordMetrics(domain.ResourceMetrics{CPUPercent: 55})
	}
	should, next := m.ShouldEscalate()
	require.True(t, should)

	m.Escalate(*next)
	assert.Equal(t, domain.LevelRestricted, m.CurrentLevel())
	assert.Empty(t, m.RecentAnomalies())

	// После сброса прежние нарушения не тянут эскалацию дальше
	should, _ = m.ShouldEscalate()
	assert.False(t, should)
}

func TestEscalateIsMonotonic(t *testing.T) {
	m := newTestMonitor(t, domain.LevelRestricted, domain.LevelIsolated)

	// Попытка понижения — no-op
	m.Escalate(domain.LevelMonitored)
	assert.Equal(t, domain.LevelRestricted, m.CurrentLevel())

	m.Escalate(domain.LevelSandboxed)
	assert.Equal(t, domain.LevelSandboxed, m.CurrentLevel())
}

func TestNoEscalationPastGrantCeiling(t *testing.T) {
	// Потолок гранта — Restricted: с него эскалировать уже некуда
	m := newTestMonitor(t, domain.LevelRestricted, domain.LevelRestricted)

	for i := 0; i < 5; i++ {
		m.RecordMetrics(domain.ResourceMetrics{NetworkConnections: 1})
	}

	should, next := m.ShouldEscalate()
	assert.False(t, should)
	assert.Nil(t, next)
	assert.True(t, m.ContainmentExhausted())
}

func TestContainmentExhaustedAtIsolated(t *testing.T) {
	m := newTestMonitor(t, domain.LevelIsolated, domain.LevelIsolated)
	assert.False(t, m.ContainmentExhausted(), "no violations yet")

	for i := 0; i < 3; i++ {
		m.RecordMetrics(domain.ResourceMetrics{CPUPercent: 200})
	}
	should, _ := m.ShouldEscalate()
	assert.False(t, should)
	assert.True(t, m.ContainmentExhausted())
}

func TestRecentAnomalyLogIsCapped(t *testing.T) {
	m := newTestMonitor(t, domain.LevelMonitored, domain.LevelIsolated)

	for i := 0; i < 25; i++ {
		m.RecordMetrics(domain.ResourceMetrics{CPUPercent: float64(60 + i)})
	}
	recent := m.RecentAnomalies()
	assert.Len(t, recent, 10) // RecentAnomalyCap

	// В логе остаются последние аномалии
	last := recent[len(recent)-1]
	assert.Equal(t, fmt.Sprintf("cpu %.1f%% exceeds limit %.1f%%", 84.0, 50.0), last.Reason)
}
