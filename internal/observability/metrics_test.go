package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers with the default registry, so these tests exercise
// the same metric shapes against isolated registries.

func TestLLMRequestCounterShape(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_llm_requests_total",
			Help: "Test LLM request counter",
		},
		[]string{"provider", "model", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("anthropic", "claude-sonnet-4-5", "success").Inc()
	counter.WithLabelValues("anthropic", "claude-sonnet-4-5", "success").Inc()
	counter.WithLabelValues("deepseek", "deepseek-chat", "error").Inc()

	expected := `
		# HELP test_llm_requests_total Test LLM request counter
		# TYPE test_llm_requests_total counter
		test_llm_requests_total{model="claude-sonnet-4-5",provider="anthropic",status="success"} 2
		test_llm_requests_total{model="deepseek-chat",provider="deepseek",status="error"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestFailoverCounterShape(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_llm_failovers_total",
			Help: "Test failover counter",
		},
		[]string{"role", "from_provider", "to_provider"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("workhorse", "deepseek", "anthropic").Inc()

	expected := `
		# HELP test_llm_failovers_total Test failover counter
		# TYPE test_llm_failovers_total counter
		test_llm_failovers_total{from_provider="deepseek",role="workhorse",to_provider="anthropic"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestAgentGaugeLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_active_agents",
		Help: "Test active agents",
	})
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_agent_outcomes_total",
			Help: "Test agent outcomes",
		},
		[]string{"status"},
	)
	registry.MustRegister(gauge, outcomes)

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()
	outcomes.WithLabelValues("completed").Inc()

	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("active agents = %v, want 1", got)
	}
	if got := testutil.ToFloat64(outcomes.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed outcomes = %v, want 1", got)
	}
}

func TestTaskRunsShape(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_task_runs_total",
			Help: "Test task runs",
		},
		[]string{"kind", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("scheduled", "success").Inc()
	counter.WithLabelValues("scheduled", "timeout").Inc()
	counter.WithLabelValues("deferred", "failure").Inc()

	if count := testutil.CollectAndCount(counter); count != 3 {
		t.Errorf("Expected 3 label combinations, got %d", count)
	}
}

func TestToolDurationBuckets(t *testing.T) {
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_tool_execution_duration_seconds",
			Help:    "Test tool durations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"tool_id"},
	)
	registry.MustRegister(histogram)

	for _, d := range []float64{0.02, 0.4, 3.0, 45.0} {
		histogram.WithLabelValues("files.read").Observe(d)
	}

	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("Expected histogram to have observations")
	}
}

func TestConcurrentCounterAccess(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_frames_total",
			Help: "Test frame counter",
		},
		[]string{"type", "direction"},
	)
	registry.MustRegister(counter)

	done := make(chan struct{})
	for _, dir := range []string{"inbound", "outbound"} {
		dir := dir
		go func() {
			for i := 0; i < 100; i++ {
				counter.WithLabelValues("prompt", dir).Inc()
			}
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if got := testutil.ToFloat64(counter.WithLabelValues("prompt", "inbound")); got != 100 {
		t.Errorf("inbound prompt frames = %v, want 100", got)
	}
}
