package observability

import (
	"errors"
	"sync"

	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts control-channel activity. It implements session.Observer.
type Metrics struct {
	framesSent       *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	framesReceived   prometheus.Counter
	decodeErrors     prometheus.Counter
	requestsResolved *prometheus.CounterVec
	acksDiscarded    prometheus.Counter
	messages         *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns metrics registered with the global prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds and registers the collectors with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "frames_sent_total",
				Help:      "Command frames handed to the transport.",
			},
			[]string{"command", "kind"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "send_failures_total",
				Help:      "Command frames the transport refused.",
			},
			[]string{"command"},
		),
		framesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "frames_received_total",
				Help:      "Raw frames delivered by the transport.",
			},
		),
		decodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "decode_errors_total",
				Help:      "Received frames dropped as malformed.",
			},
		),
		requestsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "requests_resolved_total",
				Help:      "Outstanding requests resolved, by outcome.",
			},
			[]string{"command", "outcome"},
		),
		acksDiscarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "acks_discarded_total",
				Help:      "Acks with no matching outstanding request.",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rangectl",
				Subsystem: "control",
				Name:      "messages_total",
				Help:      "Unsolicited messages, by routing result.",
			},
			[]string{"command", "routed"},
		),
	}
	if reg != nil {
		m.framesSent = register(reg, m.framesSent)
		m.sendFailures = register(reg, m.sendFailures)
		m.framesReceived = register(reg, m.framesReceived)
		m.decodeErrors = register(reg, m.decodeErrors)
		m.requestsResolved = register(reg, m.requestsResolved)
		m.acksDiscarded = register(reg, m.acksDiscarded)
		m.messages = register(reg, m.messages)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Sent(_ session.DeviceID, f frame.Frame, _ []byte, attempt int) {
	kind := "initial"
	if attempt > 1 {
		kind = "resend"
	}
	m.framesSent.WithLabelValues(f.Command.String(), kind).Inc()
}

func (m *Metrics) SendFailed(_ session.DeviceID, f frame.Frame, _ error) {
	m.sendFailures.WithLabelValues(f.Command.String()).Inc()
}

func (m *Metrics) Received(session.DeviceID, []byte) {
	m.framesReceived.Inc()
}

func (m *Metrics) DecodeFailed(session.DeviceID, error) {
	m.decodeErrors.Inc()
}

func (m *Metrics) Resolved(r session.Result) {
	m.requestsResolved.WithLabelValues(r.Command.String(), Outcome(r.Err)).Inc()
}

func (m *Metrics) AckDiscarded(session.DeviceID, frame.Frame) {
	m.acksDiscarded.Inc()
}

func (m *Metrics) MessageRouted(msg session.Message, handlers int) {
	routed := "true"
	if handlers == 0 {
		routed = "false"
	}
	m.messages.WithLabelValues(msg.Command.String(), routed).Inc()
}

// Outcome labels a request result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ack"
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
