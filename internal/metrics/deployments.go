package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(deploymentsCreated, deploymentTransitions, pollTicks, activeTasks)
}

var (
	deploymentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentdeploy_deployments_created_total",
		Help: "Deployment jobs accepted.",
	})

	deploymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeploy_deployment_transitions_total",
			Help: "Deployment status transitions, labeled by target status.",
		},
		[]string{"status"},
	)

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeploy_poll_ticks_total",
			Help: "Status poller ticks, labeled by outcome.",
		},
		[]string{"outcome"}, // not_running, probe_error, waiting, starting, running, timeout
	)

	activeTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentdeploy_active_tasks",
		Help: "Pollers and fallback timers currently armed.",
	})
)

func IncDeploymentCreated() { deploymentsCreated.Inc() }

func IncTransition(status string) {
	deploymentTransitions.WithLabelValues(norm(status)).Inc()
}

func IncPollTick(outcome string) {
	pollTicks.WithLabelValues(norm(outcome)).Inc()
}

func SetActiveTasks(n int) { activeTasks.Set(float64(n)) }
