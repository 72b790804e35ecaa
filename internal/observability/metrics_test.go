package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestObserveRun(t *testing.T) {
	m := newTestMetrics()
	m.ObserveRun("success", 120*time.Millisecond)
	m.ObserveRun("success", 80*time.Millisecond)
	m.ObserveRun("api_error", time.Second)

	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("success")); got != 2 {
		t.Errorf("success runs = %v", got)
	}
	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("api_error")); got != 1 {
		t.Errorf("api_error runs = %v", got)
	}
}

func TestAddTokens(t *testing.T) {
	m := newTestMetrics()
	m.AddTokens("gpt-4o", 100, 40)
	m.AddTokens("gpt-4o", 50, 10)

	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("gpt-4o", "prompt")); got != 150 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("gpt-4o", "completion")); got != 50 {
		t.Errorf("completion tokens = %v", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()
	m.RecordToolExecution("clock", true)
	m.RecordToolExecution("clock", true)
	m.RecordToolExecution("clock", false)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("clock", "success")); got != 2 {
		t.Errorf("successes = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("clock", "error")); got != 1 {
		t.Errorf("failures = %v", got)
	}
}

func TestRecordCompaction(t *testing.T) {
	m := newTestMetrics()
	m.RecordCompaction("auto", true)
	m.RecordCompaction("turn_limit", false)

	if got := testutil.ToFloat64(m.CompactionCounter.WithLabelValues("auto", "success")); got != 1 {
		t.Errorf("auto compactions = %v", got)
	}
	if got := testutil.ToFloat64(m.CompactionCounter.WithLabelValues("turn_limit", "error")); got != 1 {
		t.Errorf("turn limit compactions = %v", got)
	}
}

func TestRecordTurn(t *testing.T) {
	m := newTestMetrics()
	m.RecordTurn()
	m.RecordTurn()
	if got := testutil.ToFloat64(m.TurnCounter); got != 2 {
		t.Errorf("turns = %v", got)
	}
}

func TestHistogramsObserveWithoutPanic(t *testing.T) {
	m := newTestMetrics()
	m.ObserveToolDuration("clock", 5*time.Millisecond)
	m.ObserveJournalWrite("message", time.Millisecond)
}
