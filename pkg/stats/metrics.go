package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/f18m/go-sipua/pkg/transport"
)

// Namespace prefixes every metric name.
const Namespace = "sipua"

// Metrics holds the Prometheus collectors of one user agent. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registrations *prometheus.CounterVec
	calls         *prometheus.CounterVec
	events        *prometheus.CounterVec
	activeCalls   prometheus.Gauge

	timeouts  counterSource
	unmatched counterSource
	sent      counterSource
	received  counterSource
	malformed counterSource
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	f := promauto.With(reg)

	m.registrations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "registrations_total",
		Help:      "Registration attempts by outcome.",
	}, []string{"result"})
	m.calls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "calls_total",
		Help:      "Outbound calls by outcome.",
	}, []string{"result"})
	m.events = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_total",
		Help:      "Events emitted to the application by kind.",
	}, []string{"kind"})
	m.activeCalls = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_calls",
		Help:      "Calls not yet terminated.",
	})

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "transaction",
		Name:      "timeouts_total",
		Help:      "Client transactions terminated by timer B or F.",
	}, m.timeouts.value)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "transaction",
		Name:      "unmatched_total",
		Help:      "Inbound messages matching no transaction.",
	}, m.unmatched.value)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "SIP messages written to the network.",
	}, m.sent.value)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "SIP messages read from the network.",
	}, m.received.value)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "transport",
		Name:      "parse_failures_total",
		Help:      "Inbound packets that were not valid SIP.",
	}, m.malformed.value)
	return m
}

// RegistrationResult counts one registration outcome ("ok", "failed", "unregistered").
func (m *Metrics) RegistrationResult(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// CallStarted counts a new outbound call.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

// CallEnded counts the end of a call ("completed", "failed", "canceled").
func (m *Metrics) CallEnded(result string) {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
	m.calls.WithLabelValues(result).Inc()
}

// EventEmitted counts an event handed to the application.
func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// Attach starts reading the transaction and transport counters from the given sources.
// Counts of previously attached sources are kept, so totals survive a restart of the
// user agent.
func (m *Metrics) Attach(timeouts, unmatched func() uint64, tp func() transport.Counters) {
	if m == nil {
		return
	}
	m.timeouts.attach(timeouts)
	m.unmatched.attach(unmatched)
	m.sent.attach(func() uint64 { return tp().MessagesSent })
	m.received.attach(func() uint64 { return tp().MessagesReceived })
	m.malformed.attach(func() uint64 { return tp().ParseFailures })
}

// Detach freezes the current values of the attached sources.
func (m *Metrics) Detach() {
	if m == nil {
		return
	}
	for _, c := range []*counterSource{&m.timeouts, &m.unmatched, &m.sent, &m.received, &m.malformed} {
		c.detach()
	}
}

// counterSource adds the value of a live source to what earlier sources counted.
type counterSource struct {
	mu   sync.Mutex
	base uint64
	fn   func() uint64
}

func (c *counterSource) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.base
	if c.fn != nil {
		v += c.fn()
	}
	return float64(v)
}

func (c *counterSource) attach(fn func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fn != nil {
		c.base += c.fn()
	}
	c.fn = fn
}

func (c *counterSource) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fn != nil {
		c.base += c.fn()
		c.fn = nil
	}
}
