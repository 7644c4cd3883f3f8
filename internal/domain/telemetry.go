package domain

import "time"

// ResourceMetrics — один сэмпл наблюдения за песочницей.
// Пишется исключительно RuntimeMonitor'ом своей песочницы,
// читается логикой эскалации и экспортом аудита.
type ResourceMetrics struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryMB           int       `json:"memory_mb"`
	OpenFiles          int       `json:"open_files"`
	NetworkConnections int       `json:"network_connections"`
	SubprocessCount    int       `json:"subprocess_count"`
	DiskIOOps          int       `json:"disk_io_ops"`
	// ElapsedSeconds — сколько уже длится текущая команда (для TimeoutRisk)
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// AnomalyKind классифицирует отклонение от ожидаемого поведения
type AnomalyKind string

const (
	AnomalyCPUSpike            AnomalyKind = "cpu_spike"
	AnomalyMemorySpike         AnomalyKind = "memory_spike"
	AnomalyExcessiveFileOps    AnomalyKind = "excessive_file_ops"
	AnomalySuspiciousNetwork   AnomalyKind = "suspicious_network"
	AnomalySubprocessExplosion AnomalyKind = "subprocess_explosion"
	AnomalyTimeoutRisk         AnomalyKind = "timeout_risk"
)

// Anomaly — зафиксированное отклонение. Severity нормирована в [0,1].
type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	Severity   float64     `json:"severity"`
	Reason     string      `json:"reason"`
	ObservedAt time.Time   `json:"observed_at"`
}
