package backend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// MockRunner имитирует исполнение для dev-режима без реального запуска.
// Знает несколько сценариев по префиксу команды, остальное «исполняет» успешно.
type MockRunner struct{}

func (MockRunner) Name() string { return "mock" }

func (MockRunner) Run(ctx context.Context, env *domain.SandboxEnvironment, command string) (*Result, error) {
	// Имитируем задержку 50-300мс
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return &Result{ElapsedSeconds: latency.Seconds()}, ctx.Err()
	}

	res := &Result{
		ElapsedSeconds: latency.Seconds(),
		Metrics: domain.ResourceMetrics{
			Timestamp:      time.Now(),
			CPUPercent:     float64(5 + rand.IntN(20)),
			MemoryMB:       16 + rand.IntN(48),
			ElapsedSeconds: latency.Seconds(),
		},
	}

	switch {
	case strings.HasPrefix(command, "fail"):
		res.ExitCode = 1
		res.Stderr = "simulated failure\n"
	case strings.HasPrefix(command, "spawn-error"):
		return res, fmt.Errorf("%w: simulated", ErrSpawnFailed)
	case strings.HasPrefix(command, "hog"):
		// Сценарий для проверки эскалации: метрики далеко за лимитами
		res.Metrics.CPUPercent = 100 + float64(rand.IntN(100))
		res.Metrics.MemoryMB = env.ResourceLimits.MemoryMB * 2
		res.Stdout = "hogging resources\n"
	default:
		res.Stdout = "ok\n"
	}

	return res, nil
}
