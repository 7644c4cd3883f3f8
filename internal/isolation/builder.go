package isolation

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
)

// Builder — чистая функция сборки окружения:
// (грант, уровень изоляции, снапшот host env) -> SandboxEnvironment.
// Детерминирован: одинаковые входы дают идентичный результат,
// все списки отсортированы, случайности и время не участвуют.
type Builder struct {
	policy *Policy
	logger *zap.Logger
}

func NewBuilder(policy *Policy, logger *zap.Logger) *Builder {
	return &Builder{
		policy: policy,
		logger: logger.Named("envbuilder"),
	}
}

// Build собирает применимое окружение. Инварианты:
//   - грант может только запрашивать, потолок задает уровень (min выигрывает);
//   - RO-путь никогда не станет writable; RW под readonly-root понижается до RO
//     с предупреждением — молча выдавать больше разрешенного нельзя;
//   - явные EnvVars гранта инжектятся всегда, даже вне whitelist:
//     так агенту можно выдать синтетическую переменную, которой нет на хосте.
func (b *Builder) Build(grant *domain.CapabilityGrant, level domain.IsolationLevel, hostEnv map[string]string) domain.SandboxEnvironment {
	cfg := b.policy.GetConfig(level)

	env := domain.SandboxEnvironment{
		EnvironmentVariables:    b.buildEnvVars(grant, cfg, hostEnv),
		EffectiveIsolationLevel: cfg.Level,
		ResourceLimits: domain.ResourceLimits{
			CPUPercent:     minFloat(grant.CPUPercent, cfg.CPUPercent),
			MemoryMB:       minInt(grant.MemoryMB, cfg.MemoryMB),
			TimeoutSeconds: minInt(grant.TimeoutSeconds, cfg.TimeoutSeconds),
		},
		ProcessConstraints: domain.ProcessConstraints{
			// Грант запрашивает, уровень разрешает: оба должны сказать "да"
			AllowSubprocess: grant.SubprocessesEnabled && cfg.AllowSubprocessCreation,
			AllowNetwork:    grant.NetworkEnabled && cfg.AllowNetworkAccess,
			BlockedSyscalls: cfg.BlockedSyscalls, // Не ослабляется грантом
		},
	}

	// Точки монтирования: детерминированный порядок по пути
	paths := make([]string, 0, len(grant.AllowedPaths))
	for p := range grant.AllowedPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		mode := grant.AllowedPaths[p]
		switch {
		case mode == domain.AccessReadOnly:
			env.ReadonlyMounts = append(env.ReadonlyMounts, domain.Mount{Path: p, Mode: domain.AccessReadOnly})
		case cfg.ReadonlyFilesystemRoot:
			// Уровень требует readonly root: понижаем RW до RO и фиксируем это
			env.ReadonlyMounts = append(env.ReadonlyMounts, domain.Mount{Path: p, Mode: domain.AccessReadOnly, Degraded: true})
			env.Warnings = append(env.Warnings,
				fmt.Sprintf("path %s downgraded to read-only: level %s enforces readonly filesystem root", p, cfg.Level))
		default:
			env.WritableMounts = append(env.WritableMounts, domain.Mount{Path: p, Mode: domain.AccessReadWrite})
		}
	}

	if len(env.Warnings) > 0 {
		b.logger.Warn("environment built with downgrades",
			zap.String("grant_id", grant.GrantID),
			zap.String("level", cfg.Level.String()),
			zap.Strings("warnings", env.Warnings),
		)
	}

	return env
}

// buildEnvVars реализует трехступенчатую фильтрацию окружения
func (b *Builder) buildEnvVars(grant *domain.CapabilityGrant, cfg domain.IsolationConfig, hostEnv map[string]string) map[string]string {
	out := make(map[string]string)

	// 1. База: host env при наследовании, иначе пусто
	if cfg.InheritEnvironment {
		for k, v := range hostEnv {
			out[k] = v
		}
	}

	// 2. Фильтр: остаются только ключи из (whitelist гранта ∪ whitelist уровня).
	// При полном наследовании без whitelist уровня фильтр не применяется.
	if !cfg.InheritEnvironment || len(cfg.EnvWhitelist) > 0 || len(grant.EnvWhitelist) > 0 {
		allowed := func(key string) bool {
			if _, ok := grant.EnvWhitelist[key]; ok {
				return true
			}
			_, ok := cfg.EnvWhitelist[key]
			return ok
		}
		if !cfg.InheritEnvironment {
			// Стартуем с пустого и добираем разрешенное из хоста
			for k, v := range hostEnv {
				if allowed(k) {
					out[k] = v
				}
			}
		} else {
			for k := range out {
				if !allowed(k) {
					delete(out, k)
				}
			}
		}
	}

	// 3. Явные переменные гранта перекрывают всё (в том числе вне whitelist)
	for k, v := range grant.EnvVars {
		out[k] = v
	}

	// 4. Платформенные переменные — аддитивно, без перекрытия результата фильтра
	for k, v := range platformEnv(hostEnv) {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}

	return out
}

// platformEnv возвращает переменные, без которых тулчейн платформы не работает.
// Только добавляет; фильтрацию whitelist не обходит для уже отброшенных значений хоста.
func platformEnv(hostEnv map[string]string) map[string]string {
	out := make(map[string]string)
	switch runtime.GOOS {
	case "windows":
		if v, ok := hostEnv["SystemRoot"]; ok {
			out["SystemRoot"] = v
		}
		if v, ok := hostEnv["ComSpec"]; ok {
			out["ComSpec"] = v
		}
	default:
		// Минимальный PATH, чтобы резолвились системные бинарники
		out["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	return out
}

// SuggestFix — эвристики подсказок по тексту ошибки исполнения.
// Сугубо advisory-вывод: best-effort сопоставление с capability-набором гранта,
// полноты не гарантирует.
func (b *Builder) SuggestFix(errorMessage string, grant *domain.CapabilityGrant) []string {
	var suggestions []string
	msg := strings.ToLower(errorMessage)

	// "command not found: X" или "X: command not found"
	if idx := strings.Index(msg, "command not found"); idx >= 0 {
		tool := extractSubject(errorMessage, "command not found")
		if tool != "" && !grant.ToolAllowed(tool) {
			suggestions = append(suggestions,
				fmt.Sprintf("Missing tool — add to allowed_tools: %s", tool))
		}
	}

	// "permission denied: /path" или "/path: permission denied"
	if strings.Contains(msg, "permission denied") {
		subject := extractSubject(errorMessage, "permission denied")
		if subject != "" {
			if mode, ok := grant.AllowedPaths[subject]; ok && mode == domain.AccessReadOnly {
				suggestions = append(suggestions,
					fmt.Sprintf("Path not writable — change access mode to ReadWrite for %s", subject))
			} else if !ok {
				suggestions = append(suggestions,
					fmt.Sprintf("Path not granted — add to allowed_paths: %s", subject))
			}
		}
	}

	if strings.Contains(msg, "no such file or directory") {
		subject := extractSubject(errorMessage, "no such file or directory")
		if subject != "" {
			if _, ok := grant.AllowedPaths[subject]; !ok {
				suggestions = append(suggestions,
					fmt.Sprintf("Path not mounted — add to allowed_paths: %s", subject))
			}
		}
	}

	if strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "connection refused") {
		if !grant.NetworkEnabled {
			suggestions = append(suggestions,
				"Network disabled — set network_enabled: true in the grant")
		}
	}

	return suggestions
}

// extractSubject достает "виновника" из сообщений двух форматов:
// "<reason>: <subject>" и "<subject>: <reason>"
func extractSubject(message, reason string) string {
	lower := strings.ToLower(message)
	idx := strings.Index(lower, reason)
	if idx < 0 {
		return ""
	}

	// Формат "<reason>: <subject>"
	after := message[idx+len(reason):]
	after = strings.TrimLeft(after, ": ")
	if after != "" {
		if cut := strings.IndexAny(after, " \n'\""); cut > 0 {
			after = after[:cut]
		}
		if after != "" {
			return strings.TrimSpace(after)
		}
	}

	// Формат "<subject>: <reason>"
	before := strings.TrimSpace(message[:idx])
	before = strings.TrimSuffix(before, ":")
	if cut := strings.LastIndexAny(before, " '\""); cut >= 0 {
		before = before[cut+1:]
	}
	return strings.TrimSpace(before)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
