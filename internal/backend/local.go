package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// LocalRunner исполняет команды локальным процессом через /bin/sh.
// Реализует то, что доступно обычному host-процессу: окружение, рабочая
// директория, таймаут с убийством всей группы процессов. Жесткие
// cgroup/seccomp-ограничения — зона ответственности контейнерного
// бэкенда за тем же интерфейсом.
type LocalRunner struct {
	shell  string
	logger *zap.Logger
}

func NewLocalRunner(logger *zap.Logger) *LocalRunner {
	return &LocalRunner{
		shell:  "/bin/sh",
		logger: logger.With(zap.String("mod", "backend-local")),
	}
}

func (r *LocalRunner) Name() string { return "local" }

// Run исполняет команду под ограничениями окружения. Вызывающий задает
// таймаут через ctx; по его истечении убивается вся группа процессов,
// а не только лидер — дочерние процессы не утекают.
func (r *LocalRunner) Run(ctx context.Context, env *domain.SandboxEnvironment, command string) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)

	cmd.Env = flattenEnv(env.EnvironmentVariables)
	if len(env.WritableMounts) > 0 {
		cmd.Dir = env.WritableMounts[0].Path
	} else if len(env.ReadonlyMounts) > 0 {
		cmd.Dir = env.ReadonlyMounts[0].Path
	}

	// Отдельная группа процессов: таймаут убивает и потомков
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		ElapsedSeconds: elapsed.Seconds(),
	}

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Metrics = collectMetrics(cmd, elapsed)
	}
	res.Metrics.Timestamp = time.Now()
	res.Metrics.ElapsedSeconds = elapsed.Seconds()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Ненулевой exit code — не ошибка бэкенда, а результат команды
			return res, nil
		}
		if ctx.Err() != nil {
			// Таймаут/отмена: процесс уже убит через Cancel
			return res, ctx.Err()
		}
		r.logger.Error("process spawn failed", zap.String("command", command), zap.Error(err))
		return res, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	return res, nil
}

// collectMetrics достает из завершенного процесса то, что ОС отдает
// post-mortem: пиковую память и потребленное CPU-время. Открытые файлы
// и сетевые соединения видны только live-сэмплеру контейнерного бэкенда.
func collectMetrics(cmd *exec.Cmd, elapsed time.Duration) domain.ResourceMetrics {
	m := domain.ResourceMetrics{}

	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss на Linux — в килобайтах
		m.MemoryMB = int(ru.Maxrss / 1024)
	}

	if elapsed > 0 {
		cpu := cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		m.CPUPercent = float64(cpu) / float64(elapsed) * 100
	}

	return m
}

// flattenEnv сериализует map в формат exec.Cmd детерминированно
func flattenEnv(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
