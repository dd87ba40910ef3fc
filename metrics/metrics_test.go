package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSet_RegistersAllCollectors(t *testing.T) {
	s := New("orders", "host-1-abc")

	s.Processed.WithLabelValues(OutcomeOK).Inc()
	s.DLQEntries.Inc()
	s.DLQWriteFailures.Inc()
	s.DLQTrimmed.Inc()
	s.Reconnects.Inc()
	s.DedupDrops.Inc()
	s.ProcessDuration.Observe(0.05)
	s.EndToEndLatency.Observe(1.2)
	s.FetchBatchSize.Observe(8)
	s.InFlight.Set(3)
	s.ConsumerLag.Set(42)

	families, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"jobs_processed_total":           false,
		"dlq_entries_total":              false,
		"dlq_write_failures_total":       false,
		"dlq_trimmed_total":              false,
		"broker_reconnects_total":        false,
		"enqueue_dedup_drops_total":      false,
		"job_process_duration_seconds":   false,
		"job_end_to_end_latency_seconds": false,
		"fetch_batch_size":               false,
		"in_flight_jobs":                 false,
		"circuit_state":                  false,
		"worker_up":                      false,
		"consumer_lag":                   false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestSet_CircuitStateIsOneHot(t *testing.T) {
	s := New("orders", "w1")

	if got := testutil.ToFloat64(s.CircuitState.WithLabelValues("closed")); got != 1 {
		t.Errorf("initial closed gauge = %v, want 1", got)
	}

	s.SetCircuitState("open")

	if got := testutil.ToFloat64(s.CircuitState.WithLabelValues("open")); got != 1 {
		t.Errorf("open gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.CircuitState.WithLabelValues("closed")); got != 0 {
		t.Errorf("closed gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(s.CircuitState.WithLabelValues("half_open")); got != 0 {
		t.Errorf("half_open gauge = %v, want 0", got)
	}
}

func TestSet_ProcessedOutcomes(t *testing.T) {
	s := New("orders", "w1")

	s.Processed.WithLabelValues(OutcomeOK).Inc()
	s.Processed.WithLabelValues(OutcomeOK).Inc()
	s.Processed.WithLabelValues(OutcomeRetry).Inc()
	s.Processed.WithLabelValues(OutcomeSkipped).Inc()

	if got := testutil.ToFloat64(s.Processed.WithLabelValues(OutcomeOK)); got != 2 {
		t.Errorf("ok outcome = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.Processed.WithLabelValues(OutcomePermanent)); got != 0 {
		t.Errorf("permanent outcome = %v, want 0", got)
	}
}
