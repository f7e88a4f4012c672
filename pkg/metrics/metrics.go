// Package metrics provides Prometheus metrics for vmediad.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vmediad"

// Lifecycle states, mirrored as string labels: the lowercase form of
// slot.LifecycleState.String().
const (
	StateInitial      = "initial"
	StateReady        = "ready"
	StateActivating   = "activating"
	StateActive       = "active"
	StateDeactivating = "deactivating"
)

var (
	slotState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_state",
			Help:      "Current lifecycle state of a slot (1 for the active state, 0 otherwise)",
		},
		[]string{"slot", "state"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of lifecycle state transitions by slot",
		},
		[]string{"slot", "from", "to"},
	)

	mountRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mount_requests_total",
			Help:      "Total number of Mount/Unmount D-Bus requests by slot and outcome",
		},
		[]string{"slot", "request", "status"},
	)

	mountDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mount_duration_seconds",
			Help:      "Time a slot spent Active, from reaching Active to leaving it",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		},
		[]string{"slot"},
	)

	udevEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udev_events_total",
			Help:      "Total number of udev block device events observed, by slot and resulting state",
		},
		[]string{"slot", "state"},
	)

	subprocessExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subprocess_exits_total",
			Help:      "Total number of nbd-client/nbdkit subprocess exits by slot and exit code",
		},
		[]string{"slot", "code"},
	)

	completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of Completion signals emitted by slot and errno",
		},
		[]string{"slot", "errno"},
	)
)

// RecordTransition records a slot moving from one lifecycle state to
// another and updates the per-slot state gauge to reflect the new state.
func RecordTransition(slot, from, to string) {
	transitionsTotal.WithLabelValues(slot, from, to).Inc()
	for _, s := range []string{StateInitial, StateReady, StateActivating, StateActive, StateDeactivating} {
		v := 0.0
		if s == to {
			v = 1.0
		}
		slotState.WithLabelValues(slot, s).Set(v)
	}
}

// RecordMountRequest records the outcome of a Mount or Unmount D-Bus call.
func RecordMountRequest(slot, request, status string) {
	mountRequestsTotal.WithLabelValues(slot, request, status).Inc()
}

// RecordUdevEvent records a udev-derived state transition observed for a
// slot's backing NBD device.
func RecordUdevEvent(slot, state string) {
	udevEventsTotal.WithLabelValues(slot, state).Inc()
}

// RecordSubprocessExit records a supervised child process exiting.
func RecordSubprocessExit(slot string, code int) {
	subprocessExitsTotal.WithLabelValues(slot, itoa(code)).Inc()
}

// RecordCompletion records a Completion signal emitted towards the host.
func RecordCompletion(slot string, errno int32) {
	completionsTotal.WithLabelValues(slot, itoa(int(errno))).Inc()
}

// ActiveTimer measures how long a slot remains Active.
type ActiveTimer struct {
	slot  string
	start time.Time
}

// NewActiveTimer starts timing a slot's Active period.
func NewActiveTimer(slot string) *ActiveTimer {
	return &ActiveTimer{slot: slot, start: time.Now()}
}

// Observe records the elapsed Active duration.
func (t *ActiveTimer) Observe() {
	mountDuration.WithLabelValues(t.slot).Observe(time.Since(t.start).Seconds())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		return "-" + digits
	}
	return digits
}
