// Package metrics holds the Prometheus collectors for register traffic,
// applies and recovery runs, and a Session wrapper that feeds them.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/recovery"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	RegisterAccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plx_register_access_total",
			Help: "Number of register accesses by method, operation and result",
		},
		[]string{"method", "op", "result"},
	)

	ApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plx_apply_total",
			Help: "Number of live applies by outcome",
		},
		[]string{"outcome"},
	)

	RegisterWritesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plx_apply_register_writes_total",
			Help: "Number of register writes landed by live applies",
		},
	)

	RecoveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plx_recovery_transitions_total",
			Help: "Number of recovery workflow transitions by target state",
		},
		[]string{"state"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plx_http_requests_total",
			Help: "Number of inspection API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	Registry.MustRegister(RegisterAccessTotal)
	Registry.MustRegister(ApplyTotal)
	Registry.MustRegister(RegisterWritesApplied)
	Registry.MustRegister(RecoveryTransitionsTotal)
	Registry.MustRegister(HTTPRequestsTotal)
}

// result labels an outcome with its error kind.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, plxerr.PartiallyApplied):
		return string(plxerr.PartiallyApplied)
	}
	return string(plxerr.KindOf(err))
}

// ObserveApply counts one live apply.
func ObserveApply(err error) {
	ApplyTotal.WithLabelValues(result(err)).Inc()
}

// ObserveRecovery is a recovery.Workflow OnTransition hook.
func ObserveRecovery(t recovery.Transition) {
	RecoveryTransitionsTotal.WithLabelValues(t.To.String()).Inc()
}

// Session counts every access that passes through it.
type Session struct {
	transport.Session
	method string
}

// Instrument wraps s so its accesses are counted under method.
func Instrument(s transport.Session, method transport.Method) *Session {
	return &Session{Session: s, method: string(method)}
}

func (s *Session) ReadRegister(addr uint32) (uint32, error) {
	v, err := s.Session.ReadRegister(addr)
	RegisterAccessTotal.WithLabelValues(s.method, "read", result(err)).Inc()
	return v, err
}

func (s *Session) WriteRegister(addr, value uint32) error {
	err := s.Session.WriteRegister(addr, value)
	RegisterAccessTotal.WithLabelValues(s.method, "write", result(err)).Inc()
	return err
}
