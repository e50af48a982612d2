// Package metrics exposes Prometheus metrics for deploys and bundle
// selection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
)

// Metrics holds the Umpire collectors.
type Metrics struct {
	// DeploysTotal counts finished deploys.
	// Labels: outcome (success|invalid|rolled_back|fatal)
	DeploysTotal *prometheus.CounterVec

	// DeployDuration measures deploys from validation to final state.
	DeployDuration prometheus.Histogram

	// DeployState is 1 for the deployer's current state and 0 otherwise.
	// Labels: state
	DeployState *prometheus.GaugeVec

	// BundleSelections counts resource map lookups.
	// Labels: result (match|no_match|bad_request)
	BundleSelections *prometheus.CounterVec
}

// Selection results.
const (
	SelectionMatch      = "match"
	SelectionNoMatch    = "no_match"
	SelectionBadRequest = "bad_request"
)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		DeploysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "umpire_deploys_total",
			Help: "Finished config deploys by outcome.",
		}, []string{"outcome"}),
		DeployDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "umpire_deploy_duration_seconds",
			Help:    "Time from deploy start to its final state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		DeployState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "umpire_deploy_state",
			Help: "Current deployer state (1 for the active state).",
		}, []string{"state"}),
		BundleSelections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "umpire_bundle_selections_total",
			Help: "Resource map lookups by result.",
		}, []string{"result"}),
	}
	m.setState(deploy.StateIdle)
	return m
}

// ObserveDeploy implements deploy.Observer.
func (m *Metrics) ObserveDeploy(t deploy.Transition) {
	m.setState(t.State)
	if t.Terminal() {
		m.DeploysTotal.WithLabelValues(string(t.Outcome)).Inc()
		m.DeployDuration.Observe(t.Duration().Seconds())
	}
}

// SetState records s as the current deployer state.
func (m *Metrics) SetState(s deploy.State) { m.setState(s) }

func (m *Metrics) setState(current deploy.State) {
	for _, s := range deploy.States {
		v := 0.0
		if s == current {
			v = 1
		}
		m.DeployState.WithLabelValues(string(s)).Set(v)
	}
}

// BundleSelected counts one resource map lookup.
func (m *Metrics) BundleSelected(result string) {
	m.BundleSelections.WithLabelValues(result).Inc()
}
