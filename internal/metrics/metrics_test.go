package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if rendersTotal == nil || cacheLookupsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(rendersTotal.WithLabelValues("test"))
	ObserveRender("test")
	if val := testutil.ToFloat64(rendersTotal.WithLabelValues("test")); val != before+1 {
		t.Errorf("Expected rendersTotal to be %f, got %f", before+1, val)
	}
}

func TestPoolGauges(t *testing.T) {
	SetPoolInstances(3, 1, 1)
	if val := testutil.ToFloat64(poolInstances.WithLabelValues("idle")); val != 3 {
		t.Errorf("expected 3 idle, got %f", val)
	}
	if val := testutil.ToFloat64(poolInstances.WithLabelValues("unhealthy")); val != 1 {
		t.Errorf("expected 1 unhealthy, got %f", val)
	}

	for state, want := range map[string]float64{"closed": 0, "half-open": 1, "open": 2} {
		SetBreakerState(state)
		if val := testutil.ToFloat64(poolBreakerState); val != want {
			t.Errorf("SetBreakerState(%q) = %f; want %f", state, val, want)
		}
	}
}

func TestCacheAndStageObservers(t *testing.T) {
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("memory", "hit"))
	ObserveCacheLookup("memory", "hit")
	if val := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("memory", "hit")); val != before+1 {
		t.Errorf("expected cache hit counter to advance, got %f", val)
	}

	ObserveCacheEviction("ttl", 0)
	ObserveCacheEviction("ttl", 2)
	if val := testutil.ToFloat64(cacheEvictionsTotal.WithLabelValues("ttl")); val < 2 {
		t.Errorf("expected at least 2 ttl evictions, got %f", val)
	}

	ObserveStage("compile", 10*time.Millisecond)
	if val := testutil.CollectAndCount(renderStageSeconds); val <= 0 {
		t.Errorf("expected stage histogram to be observed, got %d", val)
	}
}

func TestEventObservers(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("progress"))
	ObserveEvents("progress", 3)
	if val := testutil.ToFloat64(eventsTotal.WithLabelValues("progress")); val != before+3 {
		t.Errorf("expected progress events to advance by 3, got %f", val)
	}

	ObserveEventsDropped(1)
	if val := testutil.ToFloat64(eventsDroppedTotal); val < 1 {
		t.Errorf("expected dropped events to be counted, got %f", val)
	}

	SetEventSubscribers(4)
	if val := testutil.ToFloat64(eventSubscribers); val != 4 {
		t.Errorf("expected 4 subscribers, got %f", val)
	}
}
