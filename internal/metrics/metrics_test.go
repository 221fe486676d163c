package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("messages_sent", nil, "Messages sent")
	r.IncrementCounter("messages_sent", nil, "Messages sent")
	r.AddToCounter("messages_sent", 3, nil, "Messages sent")

	all := r.GetAllMetrics()
	counters := all["counters"].(map[string]*Metric)
	require.Contains(t, counters, "messages_sent")
	assert.Equal(t, 5.0, counters["messages_sent"].Value)
	assert.Equal(t, Counter, counters["messages_sent"].Type)
}

func TestCounterLabelsProduceSeparateSeries(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("queue_enqueued", map[string]string{"priority": "normal"}, "")
	r.IncrementCounter("queue_enqueued", map[string]string{"priority": "emergency"}, "")
	r.IncrementCounter("queue_enqueued", map[string]string{"priority": "emergency"}, "")

	counters := r.GetAllMetrics()["counters"].(map[string]*Metric)
	assert.Equal(t, 1.0, counters["queue_enqueued_priority:normal"].Value)
	assert.Equal(t, 2.0, counters["queue_enqueued_priority:emergency"].Value)
}

func TestTimer(t *testing.T) {
	r := NewRegistry()

	r.RecordTimer("send_duration", 10*time.Millisecond, nil, "")
	r.RecordTimer("send_duration", 30*time.Millisecond, nil, "")
	r.RecordTimer("send_duration", 20*time.Millisecond, nil, "")

	timers := r.GetAllMetrics()["timers"].(map[string]*TimerMetric)
	timer := timers["send_duration"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(3), timer.Count)
	assert.Equal(t, 10.0, timer.Min)
	assert.Equal(t, 30.0, timer.Max)
	assert.InDelta(t, 20.0, timer.Average, 0.001)
}

func TestTimerPercentileAfterEnoughSamples(t *testing.T) {
	r := NewRegistry()

	for i := 1; i <= 100; i++ {
		r.RecordTimer("op", time.Duration(i)*time.Millisecond, nil, "")
	}

	timers := r.GetAllMetrics()["timers"].(map[string]*TimerMetric)
	assert.InDelta(t, 96.0, timers["op"].P95, 1.0)
}

func TestGauge(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("queue_depth", 42, nil, "")
	r.SetGauge("queue_depth", 17, nil, "")

	gauges := r.GetAllMetrics()["gauges"].(map[string]*Metric)
	assert.Equal(t, 17.0, gauges["queue_depth"].Value)
}

func TestMetricKeyIsLabelOrderIndependent(t *testing.T) {
	a := metricKey("m", map[string]string{"x": "1", "y": "2"})
	b := metricKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}

func TestGlobalRegistryHelpers(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	SetGauge("global_test_gauge", 1, nil, "")
	RecordTimer("global_test_timer", time.Millisecond, nil, "")

	all := GetRegistry().GetAllMetrics()
	counters := all["counters"].(map[string]*Metric)
	assert.Contains(t, counters, "global_test_counter")
}
