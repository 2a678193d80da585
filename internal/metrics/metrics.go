// Package metrics holds the Prometheus collectors of the session manager.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blesession"

var (
	ScansStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_started_total",
		Help:      "Scan epochs started.",
	})
	PeripheralsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peripherals_discovered_total",
		Help:      "Peripherals admitted to a scan epoch.",
	})
	RadioErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radio_errors_total",
		Help:      "Radio errors reported while scanning.",
	})
	ConnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Connection attempts issued to the radio.",
	})
	ConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_failures_total",
		Help:      "Connection attempts that ended in Failed.",
	})
	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Connection state transitions.",
	}, []string{"from", "to"})
	Samples = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_total",
		Help:      "Notification samples delivered.",
	})
	SampleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sample_errors_total",
		Help:      "Non-fatal per-sample errors.",
	}, []string{"kind"})
	StreamFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_failures_total",
		Help:      "Notification streams terminated by a transport error.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ScansStarted,
		PeripheralsDiscovered,
		RadioErrors,
		ConnectAttempts,
		ConnectFailures,
		StateTransitions,
		Samples,
		SampleErrors,
		StreamFailures,
	}
}

// Register registers all collectors with reg. Collectors already registered are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
