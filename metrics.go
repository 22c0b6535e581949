package lattice

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands *prometheus.CounterVec
	retries  prometheus.Counter
	latency  *prometheus.HistogramVec
}

// newMetrics registers the client collectors on registerer. Collectors that
// are already registered, by another client for instance, are shared. A nil
// registerer disables metrics.
func newMetrics(registerer prometheus.Registerer) (*metrics, error) {

	if registerer == nil {
		return nil, nil
	}

	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Name:      "commands_total",
			Help:      "Commands run against the device by kind and outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Name:      "transport_retries_total",
			Help:      "Frames exchanged again after a transport failure.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lattice",
			Name:      "command_duration_seconds",
			Help:      "Time from submission to completion of a command.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"kind"}),
	}

	var err error

	if m.commands, err = register(registerer, m.commands); err != nil {
		return nil, err
	}
	if m.retries, err = register(registerer, m.retries); err != nil {
		return nil, err
	}
	if m.latency, err = register(registerer, m.latency); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {

	if err := registerer.Register(collector); err != nil {

		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}

		return collector, err
	}

	return collector, nil
}

func (m *metrics) observe(kind string, started time.Time, err error) {

	if m == nil {
		return
	}

	m.commands.WithLabelValues(kind, outcome(err)).Inc()
	m.latency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *metrics) retry() {

	if m == nil {
		return
	}

	m.retries.Inc()
}

func outcome(err error) string {

	switch {
	case err == nil:
		return "ok"
	case IsValidationError(err):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case IsDeviceError(err):
		return "device"
	case IsSessionError(err):
		return "session"
	case IsTransportError(err):
		return "transport"
	default:
		return "error"
	}
}
