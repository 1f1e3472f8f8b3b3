package panda_ctl

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	callList   = "list_controllers"
	callLoad   = "load_controller"
	callUnload = "unload_controller"
	callSwitch = "switch_controller"

	outcomeOK      = "ok"
	outcomeRefused = "refused"
	outcomeError   = "error"

	switchNoop     = "noop"
	switchSwitched = "switched"
	switchRejected = "rejected"
	switchFailed   = "failed"
	switchInvalid  = "invalid"
)

type coordinatorMetrics struct {
	calls    *prometheus.CounterVec
	switches *prometheus.CounterVec
}

// newCoordinatorMetrics builds the coordinator counters and registers them on
// reg. A nil reg leaves them unregistered. Coordinators sharing a registry
// share counters.
func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panda",
		Subsystem: "controller_manager",
		Name:      "calls_total",
		Help:      "Requests issued to the controller manager, by call and outcome.",
	}, []string{"call", "outcome"})

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panda",
		Subsystem: "controller",
		Name:      "switch_total",
		Help:      "Controller switch requests, by how they were resolved.",
	}, []string{"result"})

	return &coordinatorMetrics{
		calls:    registerCounterVec(reg, calls),
		switches: registerCounterVec(reg, switches),
	}
}

func registerCounterVec(reg prometheus.Registerer, cv *prometheus.CounterVec) *prometheus.CounterVec {
	if reg == nil {
		return cv
	}
	if err := reg.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return cv
}

func (m *coordinatorMetrics) observeQuery(err error) {
	if err != nil {
		m.calls.WithLabelValues(callList, outcomeError).Inc()
		return
	}
	m.calls.WithLabelValues(callList, outcomeOK).Inc()
}

func (m *coordinatorMetrics) observeMutation(call string, ok bool, err error) {
	switch {
	case err != nil:
		m.calls.WithLabelValues(call, outcomeError).Inc()
	case !ok:
		m.calls.WithLabelValues(call, outcomeRefused).Inc()
	default:
		m.calls.WithLabelValues(call, outcomeOK).Inc()
	}
}

func (m *coordinatorMetrics) observeSwitch(result string) {
	m.switches.WithLabelValues(result).Inc()
}
