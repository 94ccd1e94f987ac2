package shellcmd

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for command outcome.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

var (
	commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_shell_command_seconds",
			Help:    "Duration of shell command execution, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_shell_commands_total",
			Help: "Total number of shell commands processed by the shell handler.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(commandsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	commandsTotal.WithLabelValues(statusCompleted)
	commandsTotal.WithLabelValues(statusFailed)
}
