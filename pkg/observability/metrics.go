package observability

import (
	"sync"
	"time"
)

// Metric record categories emitted by the engine.
const (
	CategoryMergeOperation     = "merge_operation"
	CategoryAIAnalysis         = "ai_analysis"
	CategoryOperationTransform = "operation_transform"
	CategoryMergeExecution     = "merge_execution"
	CategoryConflictDetection  = "conflict_detection"
)

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that records nothing.
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) RecordOperation(category, operation string, success bool, duration time.Duration, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)             {}
func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoopMetricsClient) Close() error { return nil }

// OperationRecord is one captured RecordOperation call.
type OperationRecord struct {
	Category  string
	Operation string
	Success   bool
	Duration  time.Duration
	Labels    map[string]string
}

// RecordingMetricsClient captures metrics in memory so tests can assert on
// what the engine emitted without process-wide state.
type RecordingMetricsClient struct {
	mu         sync.Mutex
	operations []OperationRecord
	counters   map[string]float64
}

// NewRecordingMetricsClient creates an in-memory recording client.
func NewRecordingMetricsClient() *RecordingMetricsClient {
	return &RecordingMetricsClient{counters: make(map[string]float64)}
}

func (m *RecordingMetricsClient) RecordOperation(category, operation string, success bool, duration time.Duration, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, OperationRecord{
		Category:  category,
		Operation: operation,
		Success:   success,
		Duration:  duration,
		Labels:    labels,
	})
}

func (m *RecordingMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *RecordingMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = value
}

func (m *RecordingMetricsClient) RecordLatency(operation string, duration time.Duration) {}

func (m *RecordingMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordOperation(name, "timer", true, time.Since(start), labels)
	}
}

func (m *RecordingMetricsClient) Close() error { return nil }

// Operations returns a copy of the captured operation records.
func (m *RecordingMetricsClient) Operations() []OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OperationRecord, len(m.operations))
	copy(out, m.operations)
	return out
}

// OperationsByCategory filters captured records by category.
func (m *RecordingMetricsClient) OperationsByCategory(category string) []OperationRecord {
	var out []OperationRecord
	for _, rec := range m.Operations() {
		if rec.Category == category {
			out = append(out, rec)
		}
	}
	return out
}

// Counter returns the accumulated value for a counter.
func (m *RecordingMetricsClient) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}
