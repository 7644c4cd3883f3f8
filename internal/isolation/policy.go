package isolation

import (
	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
)

// Policy — тотальная таблица конфигураций по уровням изоляции.
// Фиксированный массив, индексируемый ординалом уровня: отсутствие
// записи невозможно по построению, в отличие от map-lookup,
// где пропущенный ключ превращается в тихий неправильный дефолт.
type Policy struct {
	table [domain.NumIsolationLevels]domain.IsolationConfig
}

func levelPtr(l domain.IsolationLevel) *domain.IsolationLevel { return &l }

func setFrom(items ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// NewPolicy собирает таблицу дефолтов и накатывает поверх потолки из конфига.
// Потолки ресурсов — внешне настраиваемые константы, не зашитые в код.
func NewPolicy(cfg infra.SandboxConfig) *Policy {
	p := &Policy{}

	p.table[domain.LevelTrusted] = domain.IsolationConfig{
		Level:                   domain.LevelTrusted,
		InheritEnvironment:      true,
		EnvWhitelist:            nil, // При полном наследовании фильтр не нужен
		EnforceACL:              false,
		ReadonlyFilesystemRoot:  false,
		AllowSubprocessCreation: true,
		AllowNetworkAccess:      true,
		EnableSeccomp:           false,
		BlockedSyscalls:         nil,
		CPUPercent:              100,
		MemoryMB:                8192,
		TimeoutSeconds:          3600,
		UseContainerization:     false,
		Monitoring:              domain.MonitorLog,
		EscalatesTo:             levelPtr(domain.LevelMonitored),
	}

	p.table[domain.LevelMonitored] = domain.IsolationConfig{
		Level:                   domain.LevelMonitored,
		InheritEnvironment:      true,
		EnvWhitelist:            nil,
		EnforceACL:              false,
		ReadonlyFilesystemRoot:  false,
		AllowSubprocessCreation: true,
		AllowNetworkAccess:      true,
		EnableSeccomp:           false,
		BlockedSyscalls:         nil,
		CPUPercent:              100,
		MemoryMB:                4096,
		TimeoutSeconds:          1800,
		UseContainerization:     false,
		Monitoring:              domain.MonitorAuditAll,
		EscalatesTo:             levelPtr(domain.LevelRestricted),
	}

	p.table[domain.LevelRestricted] = domain.IsolationConfig{
		Level:                   domain.LevelRestricted,
		InheritEnvironment:      false,
		EnvWhitelist:            setFrom("PATH", "HOME", "LANG", "TERM", "TMPDIR"),
		EnforceACL:              true,
		ReadonlyFilesystemRoot:  false,
		AllowSubprocessCreation: true,
		AllowNetworkAccess:      true,
		EnableSeccomp:           false,
		BlockedSyscalls:         setFrom("ptrace", "mount"),
		CPUPercent:              80,
		MemoryMB:                512,
		TimeoutSeconds:          600,
		UseContainerization:     false,
		Monitoring:              domain.MonitorAuditAll,
		EscalatesTo:             levelPtr(domain.LevelSandboxed),
	}

	p.table[domain.LevelSandboxed] = domain.IsolationConfig{
		Level:                   domain.LevelSandboxed,
		InheritEnvironment:      false,
		EnvWhitelist:            setFrom("PATH", "LANG"),
		EnforceACL:              true,
		ReadonlyFilesystemRoot:  true,
		AllowSubprocessCreation: false,
		AllowNetworkAccess:      false,
		EnableSeccomp:           true,
		BlockedSyscalls:         setFrom("ptrace", "mount", "kexec_load", "init_module", "reboot"),
		CPUPercent:              50,
		MemoryMB:                256,
		TimeoutSeconds:          300,
		UseContainerization:     true,
		Monitoring:              domain.MonitorTraceAll,
		EscalatesTo:             levelPtr(domain.LevelIsolated),
	}

	p.table[domain.LevelIsolated] = domain.IsolationConfig{
		Level:                   domain.LevelIsolated,
		InheritEnvironment:      false,
		EnvWhitelist:            nil, // Пустое окружение, только явные EnvVars гранта
		EnforceACL:              true,
		ReadonlyFilesystemRoot:  true,
		AllowSubprocessCreation: false,
		AllowNetworkAccess:      false,
		EnableSeccomp:           true,
		BlockedSyscalls:         setFrom("ptrace", "mount", "kexec_load", "init_module", "reboot", "socket", "clone"),
		CPUPercent:              25,
		MemoryMB:                128,
		TimeoutSeconds:          60,
		UseContainerization:     true,
		Monitoring:              domain.MonitorTraceAll,
		EscalatesTo:             nil, // Потолок: дальше эскалировать некуда
	}

	// Переопределение потолков из конфигурации (по имени уровня)
	for name, ceiling := range cfg.LevelCeilings {
		for i := range p.table {
			if p.table[i].Level.String() != name {
				continue
			}
			if ceiling.CPUPercent > 0 {
				p.table[i].CPUPercent = ceiling.CPUPercent
			}
			if ceiling.MemoryMB > 0 {
				p.table[i].MemoryMB = ceiling.MemoryMB
			}
			if ceiling.TimeoutSeconds > 0 {
				p.table[i].TimeoutSeconds = ceiling.TimeoutSeconds
			}
		}
	}

	return p
}

// GetConfig — чистый lookup, тотальный по всем пяти уровням.
// Невалидный уровень схлопывается в Isolated (Zero Trust: при сомнении — строже).
func (p *Policy) GetConfig(level domain.IsolationLevel) domain.IsolationConfig {
	if !level.Valid() {
		return p.table[domain.LevelIsolated]
	}
	return p.table[level]
}

// NextLevel следует фиксированной цепочке
// Trusted -> Monitored -> Restricted -> Sandboxed -> Isolated -> nil.
func (p *Policy) NextLevel(level domain.IsolationLevel) *domain.IsolationLevel {
	return p.GetConfig(level).EscalatesTo
}
