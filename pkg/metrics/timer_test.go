package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	if d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerDurationIncreases(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(5 * time.Millisecond)
	second := timer.Duration()

	if second <= first {
		t.Errorf("Duration() should grow: first=%v second=%v", first, second)
	}
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_seconds",
		Help: "timer test",
	})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_vec_seconds",
		Help: "timer vec test",
	}, []string{"op"})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDurationVec(hv, "lease")
}
