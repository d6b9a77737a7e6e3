package idregistry

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMetrics 按 "方法:标签" 计数，供断言使用
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	delays []float64
}

var _ Metrics = (*recordingMetrics)(nil)

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) delayUpdates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delays)
}

func (m *recordingMetrics) RecordRegistration(_, mode, outcome string) {
	m.inc("registration:" + mode + ":" + outcome)
}
func (m *recordingMetrics) SetGlobalID(string, int)              {}
func (m *recordingMetrics) RecordHeartbeat(_, outcome string)    { m.inc("heartbeat:" + outcome) }
func (m *recordingMetrics) RecordRepair(_, node string)          { m.inc("repair:" + node) }
func (m *recordingMetrics) RecordFatal(_, code string)           { m.inc("fatal:" + code) }
func (m *recordingMetrics) RecordUnregistration(_, state string) { m.inc("unregistration:" + state) }

func (m *recordingMetrics) SetHeartbeatDelay(_ string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, seconds)
}

func TestPrometheusMetrics_Registration(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg, "test")

	r, _ := f.register(reusableConfig(), "a", WithMetrics(m))
	_, _, err := f.tryRegister(reusableConfig(), "a", WithMetrics(m))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues(r.Topic(), "reusable", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues(r.Topic(), "reusable", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.globalID.WithLabelValues(r.Topic())))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unregistrations.WithLabelValues(r.Topic(), "normal")))

	expected := `
# HELP test_idregistry_global_id Global id assigned to this instance.
# TYPE test_idregistry_global_id gauge
test_idregistry_global_id{topic="default_sequential_reusable_id_registry"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_idregistry_global_id"))
}

func TestPrometheusMetrics_Heartbeat(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry(), "")

	m.RecordHeartbeat("t", "success")
	m.RecordHeartbeat("t", "success")
	m.RecordHeartbeat("t", "timeout")
	m.SetHeartbeatDelay("t", 1.5)
	m.RecordRepair("t", "ids")
	m.RecordFatal("t", string(CodeConflict))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.heartbeats.WithLabelValues("t", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeats.WithLabelValues("t", "timeout")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.heartbeatDelay.WithLabelValues("t")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repairs.WithLabelValues("t", "ids")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fatals.WithLabelValues("t", "CONFLICT_DETECTED")))
}
