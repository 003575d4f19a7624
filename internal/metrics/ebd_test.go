package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCounters(t *testing.T) {
	spawnedBefore := testutil.ToFloat64(processorsSpawned.WithLabelValues("true", "false"))
	reusedBefore := testutil.ToFloat64(processorsReused)
	preloadsBefore := testutil.ToFloat64(eclassPreloads)
	pathBefore := testutil.ToFloat64(inheritRequests.WithLabelValues(InheritPath))

	RecordSpawn(true, false)
	RecordReuse()
	AddEclassPreloads(3)
	AddEclassPreloads(0)
	RecordInherit(InheritPath)

	if got := testutil.ToFloat64(processorsSpawned.WithLabelValues("true", "false")) - spawnedBefore; got != 1 {
		t.Errorf("spawned{userpriv=true,sandboxed=false} delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(processorsReused) - reusedBefore; got != 1 {
		t.Errorf("reused delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(eclassPreloads) - preloadsBefore; got != 3 {
		t.Errorf("preloads delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(inheritRequests.WithLabelValues(InheritPath)) - pathBefore; got != 1 {
		t.Errorf("path inherits delta = %v, want 1", got)
	}
}

func TestCurrentReadsRegistry(t *testing.T) {
	before := Current()

	RecordSpawn(false, true)
	RecordShutdown(true)
	RecordInherit(InheritFailed)
	ObservePhase("setup", true, 10*time.Millisecond)
	ObservePhase("compile", false, time.Second)

	after := Current()
	if got := after.Spawned - before.Spawned; got != 1 {
		t.Errorf("Spawned delta = %d, want 1", got)
	}
	if got := after.Shutdowns - before.Shutdowns; got != 1 {
		t.Errorf("Shutdowns delta = %d, want 1", got)
	}
	if got := after.InheritRequests[InheritFailed] - before.InheritRequests[InheritFailed]; got != 1 {
		t.Errorf("failed inherits delta = %d, want 1", got)
	}
	if got := after.Phases - before.Phases; got != 2 {
		t.Errorf("Phases delta = %d, want 2", got)
	}
	if got := after.PhaseFailures - before.PhaseFailures; got != 1 {
		t.Errorf("PhaseFailures delta = %d, want 1", got)
	}
}

func TestSetPoolSize(t *testing.T) {
	SetPoolSize(2, 5)
	defer SetPoolSize(0, 0)

	if got := testutil.ToFloat64(poolActive); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
	s := Current()
	if s.Active != 2 || s.Inactive != 5 {
		t.Errorf("pool size = %d/%d, want 2/5", s.Active, s.Inactive)
	}
}

func TestGatherTotalsIgnoresForeignMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "x"}).Add(7)
	reused := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "ebd",
		Subsystem: "pool",
		Name:      "processors_reused_total",
		Help:      "x",
	})
	reused.Add(4)

	got := gatherTotals(reg)
	if got.Reused != 4 {
		t.Errorf("Reused = %d, want 4", got.Reused)
	}
	if got.Spawned != 0 || got.Phases != 0 {
		t.Errorf("unexpected totals %+v", got)
	}
}

func TestConcurrentRecords(t *testing.T) {
	before := testutil.ToFloat64(processorsReused)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordReuse()
			SetPoolSize(1, 1)
		}()
	}
	wg.Wait()
	SetPoolSize(0, 0)

	if got := testutil.ToFloat64(processorsReused) - before; got != 20 {
		t.Errorf("reused delta = %v, want 20", got)
	}
}
