// Package metrics is an optional api.Extension that exposes Step lifecycle
// counters and gauges over Prometheus, the shape of metrics sink spec §1
// describes as living outside the orchestration core. Grounded on
// cuemby-warren's pkg/metrics/metrics.go (package-level prometheus.*Vec
// collectors registered in init, promhttp.Handler exposed over HTTP) and
// wired as a no-op-by-default Extension per SPEC_FULL.md §2.2, so the
// Manager never needs to know whether metrics are enabled.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

var (
	stepsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbroker_steps_started_total",
			Help: "Total number of Steps started, by container name.",
		},
		[]string{"container_name"},
	)

	stepsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbroker_steps_stopped_total",
			Help: "Total number of Steps stopped, by container name.",
		},
		[]string{"container_name"},
	)

	stepInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadbroker_step_instances",
			Help: "Instances currently running a Step's container, by container name.",
		},
		[]string{"container_name"},
	)
)

func init() {
	prometheus.MustRegister(stepsStarted, stepsStopped, stepInstances)
}

// Handler exposes the registered collectors for scraping, to be mounted
// alongside pkg/httpapi's router by the CLI when metrics are enabled.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Extension implements api.Extension. Its zero value is ready to use; it
// holds no state of its own beyond the package-level collectors, so
// multiple Runs and Managers share one set of counters.
type Extension struct{}

// New returns a metrics Extension. It is safe to register whether or not
// Handler is scraped; cmd/serve.go registers it only when metrics_addr is
// configured.
func New() *Extension { return &Extension{} }

func (e *Extension) Name() string { return "metrics" }

func (e *Extension) StepStarted(_ context.Context, _ string, step *model.Step, hosts []string) error {
	stepsStarted.WithLabelValues(step.ContainerName).Inc()
	stepInstances.WithLabelValues(step.ContainerName).Set(float64(len(hosts)))
	return nil
}

func (e *Extension) StepStopped(_ context.Context, _ string, step *model.Step) error {
	stepsStopped.WithLabelValues(step.ContainerName).Inc()
	stepInstances.WithLabelValues(step.ContainerName).Set(0)
	return nil
}
