package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("%s%v metric not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordSourceStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSourceStats("checkins", 10, 7, 2, 1)
	c.RecordSourceStats("checkins", 5, 5, 0, 0)

	tests := []struct {
		result string
		want   float64
	}{
		{"processed", 15},
		{"matched", 12},
		{"unmatched", 2},
		{"malformed", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, "gymflag_source_records_total", map[string]string{"source": "checkins", "result": tt.result})
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestRecordFlagsEmitted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFlagsEmitted(map[string]int{"ready_for_membership": 3, "second_visit_2wk_offer": 1})

	m := findMetric(t, reg, "gymflag_flags_emitted_total", map[string]string{"flag_type": "ready_for_membership"})
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("ready_for_membership = %v, want 3", got)
	}
}

func TestRecordExperimentEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordExperimentEntries(4, 6)

	recorded := findMetric(t, reg, "gymflag_experiment_entries_total", map[string]string{"result": "recorded"})
	present := findMetric(t, reg, "gymflag_experiment_entries_total", map[string]string{"result": "already_present"})
	if recorded.GetCounter().GetValue() != 4 || present.GetCounter().GetValue() != 6 {
		t.Errorf("recorded = %v, already_present = %v", recorded.GetCounter().GetValue(), present.GetCounter().GetValue())
	}
}

func TestRecordCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDependencyUnavailable(2)
	c.RecordCustomersSkipped(5)
	c.RecordPersistenceFailure("flags")
	c.RecordPersistenceFailure("flags")
	c.RecordReservationStatus(503)

	if got := findMetric(t, reg, "gymflag_rule_dependency_unavailable_total", nil).GetCounter().GetValue(); got != 2 {
		t.Errorf("dependency_unavailable = %v, want 2", got)
	}
	if got := findMetric(t, reg, "gymflag_customers_skipped_total", nil).GetCounter().GetValue(); got != 5 {
		t.Errorf("customers_skipped = %v, want 5", got)
	}
	if got := findMetric(t, reg, "gymflag_persistence_failures_total", map[string]string{"ledger": "flags"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("persistence_failures = %v, want 2", got)
	}
	if got := findMetric(t, reg, "gymflag_reservation_api_status_total", map[string]string{"status_code": "503"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("reservation status 503 = %v, want 1", got)
	}
}

func TestRecordBatchDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBatchDuration(12 * time.Second)

	m := findMetric(t, reg, "gymflag_batch_duration_seconds", nil)
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
	if got := m.GetHistogram().GetSampleSum(); got != 12 {
		t.Errorf("sample sum = %v, want 12", got)
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("同じレジストリへの二重登録はpanicすべき")
		}
	}()
	NewCollector(reg)
}
