package domain

// IsolationLevel — порядковый уровень строгости контейнмента.
// Эскалация движется только вверх по цепочке; автоматического понижения нет
// (де-эскалация — всегда ручное действие оператора).
type IsolationLevel int

const (
	LevelTrusted    IsolationLevel = iota // Полное доверие, наследуем окружение хоста
	LevelMonitored                        // Доверие + усиленный аудит
	LevelRestricted                       // ACL и фильтрация окружения
	LevelSandboxed                        // Контейнеризация, seccomp
	LevelIsolated                         // Максимальная изоляция, дальше эскалировать некуда
)

// NumIsolationLevels используется для таблиц, индексируемых ординалом уровня
const NumIsolationLevels = int(LevelIsolated) + 1

func (l IsolationLevel) String() string {
	switch l {
	case LevelTrusted:
		return "trusted"
	case LevelMonitored:
		return "monitored"
	case LevelRestricted:
		return "restricted"
	case LevelSandboxed:
		return "sandboxed"
	case LevelIsolated:
		return "isolated"
	}
	return "unknown"
}

// Valid — уровень попадает в известный диапазон
func (l IsolationLevel) Valid() bool {
	return l >= LevelTrusted && l <= LevelIsolated
}

// ParseIsolationLevel — обратное преобразование из конфига/API
func ParseIsolationLevel(name string) (IsolationLevel, bool) {
	for l := LevelTrusted; l <= LevelIsolated; l++ {
		if l.String() == name {
			return l, true
		}
	}
	return LevelTrusted, false
}

// MonitoringIntensity определяет глубину наблюдения за песочницей
type MonitoringIntensity string

const (
	MonitorLog      MonitoringIntensity = "log"       // Обычное логирование
	MonitorAuditAll MonitoringIntensity = "audit_all" // Каждая операция в аудит
	MonitorTraceAll MonitoringIntensity = "trace_all" // Полная трассировка
)

// IsolationConfig — иммутабельная конфигурация одного уровня изоляции.
// Задает жесткие потолки; грант может только запрашивать меньше.
type IsolationConfig struct {
	Level IsolationLevel `json:"level"`

	// Окружение
	InheritEnvironment bool                `json:"inherit_environment"`
	EnvWhitelist       map[string]struct{} `json:"env_whitelist"` // Дефолт уровня, мержится с грантом

	// Файловая система
	EnforceACL             bool `json:"enforce_acl"`
	ReadonlyFilesystemRoot bool `json:"readonly_filesystem_root"`

	// Процессы и сеть
	AllowSubprocessCreation bool                `json:"allow_subprocess_creation"`
	AllowNetworkAccess      bool                `json:"allow_network_access"`
	EnableSeccomp           bool                `json:"enable_seccomp"`
	BlockedSyscalls         map[string]struct{} `json:"blocked_syscalls"`

	// Жесткие потолки ресурсов
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       int     `json:"memory_mb"`
	TimeoutSeconds int     `json:"timeout_seconds"`

	UseContainerization bool                `json:"use_containerization"`
	Monitoring          MonitoringIntensity `json:"monitoring"`

	// Куда эскалируем при аномалиях; nil для Isolated (потолок)
	EscalatesTo *IsolationLevel `json:"escalates_to,omitempty"`
}
