package runner

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/treefleet/internal/behavior"
)

const namespace = "treefleet"

// Metrics holds the runner's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	ticks            *prometheus.CounterVec
	tickDuration     *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	commands         *prometheus.CounterVec
	blackboardWrites *prometheus.CounterVec
	trees            prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Tree ticks by resulting status.",
		}, []string{"tree", "status"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent processing one tick.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"tree"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Finished tree runs by outcome.",
		}, []string{"tree", "status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by type and result.",
		}, []string{"type", "result"}),
		blackboardWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blackboard_changes_total",
			Help:      "Blackboard value changes by tree and key.",
		}, []string{"tree", "key"}),
		trees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trees",
			Help:      "Tree instances hosted by this runner.",
		}),
	}
	for _, c := range []prometheus.Collector{m.ticks, m.tickDuration, m.runs, m.commands, m.blackboardWrites, m.trees} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeTick(tree string, status behavior.Status, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(tree, status.String()).Inc()
	m.tickDuration.WithLabelValues(tree).Observe(took.Seconds())
}

func (m *Metrics) observeRun(run *Run) {
	if m == nil || run == nil {
		return
	}
	m.runs.WithLabelValues(run.Tree, string(run.Status)).Inc()
}

func (m *Metrics) observeCommand(cmdType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(cmdType, result).Inc()
}

func (m *Metrics) observeChange(tree, key string) {
	if m == nil {
		return
	}
	m.blackboardWrites.WithLabelValues(tree, key).Inc()
}

func (m *Metrics) setTrees(n int) {
	if m == nil {
		return
	}
	m.trees.Set(float64(n))
}

// MetricsHandler serves the collectors gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
