package domain

// Mount — одна точка монтирования, выданная песочнице
type Mount struct {
	Path     string     `json:"path"`
	Mode     AccessMode `json:"mode"`
	Degraded bool       `json:"degraded,omitempty"` // RW запрошен, но уровень понизил до RO
}

// ResourceLimits — эффективные лимиты: min(запрос гранта, потолок уровня)
type ResourceLimits struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       int     `json:"memory_mb"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// ProcessConstraints — ограничения процессов, не ослабляемые грантом
type ProcessConstraints struct {
	AllowSubprocess bool                `json:"allow_subprocess"`
	AllowNetwork    bool                `json:"allow_network"`
	BlockedSyscalls map[string]struct{} `json:"blocked_syscalls"`
}

// SandboxEnvironment — конкретное, применимое окружение исполнения.
// Деривативный объект: пересобирается EnvironmentBuilder'ом при каждом
// изменении гранта или уровня изоляции, сам по себе не мутируется.
type SandboxEnvironment struct {
	EnvironmentVariables map[string]string  `json:"environment_variables"`
	ReadonlyMounts       []Mount            `json:"readonly_mounts"`
	WritableMounts       []Mount            `json:"writable_mounts"`
	ResourceLimits       ResourceLimits     `json:"resource_limits"`
	ProcessConstraints   ProcessConstraints `json:"process_constraints"`

	EffectiveIsolationLevel IsolationLevel `json:"effective_isolation_level"`

	// Предупреждения сборки (например, понижение RW -> RO).
	// Никогда не выдаем больше, чем разрешает уровень — но и не молчим об этом.
	Warnings []string `json:"warnings,omitempty"`
}
