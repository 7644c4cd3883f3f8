package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняло исполнение команды (включая бэкенд)
	CommandDuration *prometheus.HistogramVec

	// Traffic: общее кол-во команд
	CommandsTotal *prometheus.CounterVec

	// Решения Guardian по операциям
	GuardianDecisions *prometheus.CounterVec

	// Наблюдение: аномалии и эскалации
	AnomaliesTotal   *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec

	// Saturation
	ActiveSandboxes prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CommandDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbox_command_duration_seconds",
			Help:    "Histogram of command execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent_id", "status"}),

		CommandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_commands_total",
			Help: "Total number of processed commands.",
		}, []string{"agent_id", "status"}),

		GuardianDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_guardian_decisions_total",
			Help: "Guardian checkpoint decisions by operation.",
		}, []string{"operation", "approved"}),

		AnomaliesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_anomalies_total",
			Help: "Detected anomalies by kind.",
		}, []string{"kind"}),

		EscalationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_escalations_total",
			Help: "Isolation escalations by target level.",
		}, []string{"to_level"}),

		ActiveSandboxes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_active_total",
			Help: "Number of live sandboxes.",
		}),
	}
}
