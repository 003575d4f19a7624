// Package metrics provides Prometheus metrics for the ebuild processor pool.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Inherit request outcomes.
const (
	InheritPath     = "path"
	InheritTransfer = "transfer"
	InheritFailed   = "failed"
)

var (
	processorsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "processors_spawned_total",
		Help:      "Daemons spawned, by privilege and sandbox mode",
	}, []string{"userpriv", "sandboxed"})

	processorsReused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "processors_reused_total",
		Help:      "Requests served by an inactive daemon",
	})

	processorShutdowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "processor_shutdowns_total",
		Help:      "Daemons torn down, graceful or signalled",
	}, []string{"graceful"})

	poolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "active",
		Help:      "Daemons currently handed out",
	})

	poolInactive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "inactive",
		Help:      "Daemons idle in the pool",
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ebd",
		Subsystem: "phase",
		Name:      "duration_seconds",
		Help:      "Wall time of ebuild phases",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"phase", "result"})

	eclassPreloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "eclass",
		Name:      "preloads_total",
		Help:      "Eclasses preloaded into daemons",
	})

	inheritRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "eclass",
		Name:      "inherit_requests_total",
		Help:      "Inherit requests served, by how the eclass was sent",
	}, []string{"source"})
)

// Totals holds process-wide counter values read back from the registry.
type Totals struct {
	Spawned         int
	Reused          int
	Shutdowns       int
	Active          int
	Inactive        int
	Phases          int
	PhaseFailures   int
	EclassPreloads  int
	InheritRequests map[string]int
}

// RecordSpawn counts a freshly spawned daemon.
func RecordSpawn(userpriv, sandboxed bool) {
	processorsSpawned.WithLabelValues(strconv.FormatBool(userpriv), strconv.FormatBool(sandboxed)).Inc()
}

// RecordReuse counts a request served from the inactive set.
func RecordReuse() {
	processorsReused.Inc()
}

// RecordShutdown counts a torn down daemon.
func RecordShutdown(graceful bool) {
	processorShutdowns.WithLabelValues(strconv.FormatBool(graceful)).Inc()
}

// SetPoolSize publishes the current sizes of the active and inactive sets.
func SetPoolSize(active, inactive int) {
	poolActive.Set(float64(active))
	poolInactive.Set(float64(inactive))
}

// ObservePhase records the duration and outcome of a phase.
func ObservePhase(phase string, succeeded bool, d time.Duration) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	phaseDuration.WithLabelValues(phase, result).Observe(d.Seconds())
}

// AddEclassPreloads counts n preloaded eclasses.
func AddEclassPreloads(n int) {
	if n <= 0 {
		return
	}
	eclassPreloads.Add(float64(n))
}

// RecordInherit counts an inherit request by outcome (InheritPath, InheritTransfer or InheritFailed).
func RecordInherit(source string) {
	inheritRequests.WithLabelValues(source).Inc()
}

// Current gathers the ebd metrics from the default registry. Families that
// fail to gather are reported as zero.
func Current() Totals {
	return gatherTotals(prometheus.DefaultGatherer)
}

func gatherTotals(g prometheus.Gatherer) Totals {
	t := Totals{InheritRequests: make(map[string]int)}
	families, _ := g.Gather()
	for _, mf := range families {
		switch mf.GetName() {
		case "ebd_pool_processors_spawned_total":
			t.Spawned = sumValues(mf)
		case "ebd_pool_processors_reused_total":
			t.Reused = sumValues(mf)
		case "ebd_pool_processor_shutdowns_total":
			t.Shutdowns = sumValues(mf)
		case "ebd_pool_active":
			t.Active = sumValues(mf)
		case "ebd_pool_inactive":
			t.Inactive = sumValues(mf)
		case "ebd_eclass_preloads_total":
			t.EclassPreloads = sumValues(mf)
		case "ebd_phase_duration_seconds":
			for _, m := range mf.GetMetric() {
				n := int(m.GetHistogram().GetSampleCount())
				t.Phases += n
				if labelValue(m, "result") == "failed" {
					t.PhaseFailures += n
				}
			}
		case "ebd_eclass_inherit_requests_total":
			for _, m := range mf.GetMetric() {
				t.InheritRequests[labelValue(m, "source")] += int(m.GetCounter().GetValue())
			}
		}
	}
	return t
}

func sumValues(mf *dto.MetricFamily) int {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		}
	}
	return int(total)
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
