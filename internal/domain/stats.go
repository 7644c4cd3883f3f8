package domain

// GlobalStats — агрегаты для операторского дашборда
type GlobalStats struct {
	TotalCommands   int64            `json:"total_commands"`
	DeniedCommands  int64            `json:"denied_commands"`
	DenyRatio       float64          `json:"deny_ratio"`
	ActiveSandboxes int              `json:"active_sandboxes"`
	Escalations     int64            `json:"escalations"`
	TopAgents       map[string]int64 `json:"top_agents"`
	HourlyActivity  []ActivityPoint  `json:"hourly_activity"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
