package domain

import (
	"errors"
	"time"
)

// GrantStatus Статусы жизненного цикла гранта (State Machine)
type GrantStatus string

const (
	GrantPending  GrantStatus = "PENDING"  // Создан, ждет решения Guardian
	GrantApproved GrantStatus = "APPROVED" // Guardian разрешил работу
	GrantRevoked  GrantStatus = "REVOKED"  // Отозван (оператором или Cleanup)
	GrantExpired  GrantStatus = "EXPIRED"  // Истек срок действия
)

// AccessMode режим доступа к пути внутри песочницы
type AccessMode string

const (
	AccessReadOnly  AccessMode = "ro"
	AccessReadWrite AccessMode = "rw"
)

var (
	ErrGrantNotFound = errors.New("grant not found")
	ErrGrantRevoked  = errors.New("grant is revoked")
	ErrGrantExpired  = errors.New("grant is expired")
	// ErrDecisionConflict — повторный Approve с другим решением Guardian
	ErrDecisionConflict = errors.New("grant already processed with a different decision")
)

// CapabilityGrant — что агенту разрешено делать в рамках одной жизни песочницы.
// Грант только *запрашивает* ресурсы; жесткий потолок всегда задает IsolationConfig.
type CapabilityGrant struct {
	GrantID string `json:"grant_id"` // UUID
	AgentID string `json:"agent_id"`

	// Capability-модель: какие исполняемые файлы и пути доступны
	AllowedTools map[string]struct{}   `json:"allowed_tools"`
	AllowedPaths map[string]AccessMode `json:"allowed_paths"`

	// Окружение: whitelist фильтрует host env, EnvVars инжектятся всегда
	EnvWhitelist map[string]struct{} `json:"env_whitelist"`
	EnvVars      map[string]string   `json:"env_vars"`

	NetworkEnabled      bool `json:"network_enabled"`
	SubprocessesEnabled bool `json:"subprocesses_enabled"`

	// Мягкие запрошенные лимиты (min с потолком уровня изоляции)
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       int     `json:"memory_mb"`
	TimeoutSeconds int     `json:"timeout_seconds"`

	// Границы, в которых песочнице разрешено жить
	MinIsolationLevel IsolationLevel `json:"min_isolation_level"`
	MaxIsolationLevel IsolationLevel `json:"max_isolation_level"`

	Status    GrantStatus `json:"status"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`

	// Решение Guardian, зафиксированное при Approve (для аудита)
	GuardianReason string     `json:"guardian_reason,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired проверяет истечение лениво — на момент чтения, без фонового свипера
func (g *CapabilityGrant) Expired(now time.Time) bool {
	if g.Status == GrantExpired {
		return true
	}
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// Usable — метод-интерпретатор в духе Zero Trust: гарантирует явный отказ,
// даже если грант не проинициализирован. Проверяется на КАЖДЫЙ RunCommand,
// а не только при создании песочницы.
func (g *CapabilityGrant) Usable(now time.Time) error {
	if g == nil {
		return ErrGrantNotFound
	}
	if g.Status == GrantRevoked {
		return ErrGrantRevoked
	}
	if g.Expired(now) {
		return ErrGrantExpired
	}
	return nil
}

// ToolAllowed проверяет, входит ли исполняемый файл в capability-набор
func (g *CapabilityGrant) ToolAllowed(tool string) bool {
	_, ok := g.AllowedTools[tool]
	return ok
}
