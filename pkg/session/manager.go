// Package session tracks the registrations and calls of a user agent: their state machines,
// refresh timers and dialogs, and the inbound requests that concern them.
//
// Everything in this package runs on the goroutine of the [loop.Loop] given to [NewManager];
// only the [media.Notifier] methods of [Manager] may be called from elsewhere.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/media"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/stats"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

// DefaultCallRetention is how long terminated calls stay queryable with full details.
const DefaultCallRetention = 30 * time.Second

// DefaultKeepEnded is how many final snapshots of ended calls are kept.
const DefaultKeepEnded = 1024

// allowed lists the methods answered by the user agent.
const allowed = "INVITE, ACK, CANCEL, BYE, OPTIONS"

// Config wires a [Manager] to the rest of the user agent.
type Config struct {
	Loop      *loop.Loop
	Layer     *transaction.Layer
	Transport transport.Transport
	// Media defaults to an SDP-only factory.
	Media media.Factory
	// Emit publishes an event to the application. It must not block.
	Emit    func(events.Event)
	Metrics *stats.Metrics
	Logger  log.Logger

	UserAgent     string
	CallRetention time.Duration
	// KeepEnded bounds the final snapshots kept after CallRetention; the oldest go first.
	KeepEnded    int
	RefreshRetry Backoff
	// LastCallID is the id of the last call placed by a previous manager of the same user agent.
	// Call ids continue after it.
	LastCallID uint32
}

type endedCall struct {
	snapshot stats.Snapshot
}

// Manager owns every registration and call of a user agent.
type Manager struct {
	cfg     Config
	loop    *loop.Loop
	layer   *transaction.Layer
	tp      transport.Transport
	log     log.Logger
	metrics *stats.Metrics

	regs     map[string]*Registration
	regOrder []string
	calls    map[uint32]*Call
	ended    map[uint32]endedCall
	// endedOrder lists the keys of ended, oldest first
	endedOrder []uint32
	byCallID   map[string]*Call
	nextID     uint32
	expiry     map[uint32]*loop.Timer

	closing bool
	onIdle  func()
}

// NewManager creates a manager and installs its handlers on the transaction layer.
func NewManager(cfg Config) *Manager {
	if cfg.Media == nil {
		cfg.Media = media.NewSDPFactory(media.SDPOptions{LocalIP: hostOf(cfg.Transport.LocalAddr(transport.UDP))})
	}
	if cfg.CallRetention <= 0 {
		cfg.CallRetention = DefaultCallRetention
	}
	if cfg.KeepEnded <= 0 {
		cfg.KeepEnded = DefaultKeepEnded
	}
	if cfg.RefreshRetry.Base <= 0 {
		cfg.RefreshRetry = DefaultBackoff
	}
	if cfg.Emit == nil {
		cfg.Emit = func(events.Event) {}
	}

	m := &Manager{
		cfg:      cfg,
		loop:     cfg.Loop,
		layer:    cfg.Layer,
		tp:       cfg.Transport,
		log:      log.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
		regs:     make(map[string]*Registration),
		calls:    make(map[uint32]*Call),
		ended:    make(map[uint32]endedCall),
		byCallID: make(map[string]*Call),
		expiry:   make(map[uint32]*loop.Timer),
		nextID:   cfg.LastCallID,
	}
	m.layer.OnRequest(m.handleRequest)
	m.layer.OnUnmatchedResponse(m.handleUnmatched)
	return m
}

func (m *Manager) emit(e events.Event) {
	m.metrics.EventEmitted(string(e.Kind))
	m.cfg.Emit(e)
}

// Register starts the registration of acct, superseding an existing one of the same AOR.
// Once Shutdown has been called it only reports [ErrShutdown], also as a RegisterFailed event.
func (m *Manager) Register(acct Account) error {
	key := acct.Key()
	if m.closing {
		m.emit(events.Event{Kind: events.RegisterFailed, Subject: key, Detail: ErrShutdown.Error(), Err: ErrShutdown})
		return ErrShutdown
	}
	prev := m.regs[key]
	if prev != nil {
		m.log.Infof("registration %s: superseding the binding in state %s", key, prev.State())
		prev.supersede()
	} else {
		m.regOrder = append(m.regOrder, key)
	}
	r := newRegistration(m, acct, prev)
	m.regs[key] = r
	r.start()
	return nil
}

// Unregister removes the binding of aor. Unknown AORs are ignored.
func (m *Manager) Unregister(aor string) {
	r, ok := m.regs[aor]
	if !ok {
		m.log.Debugf("unregister %s: not registered", aor)
		return
	}
	r.unregister(ErrAborted)
}

// Registration returns the registration of aor, or nil.
func (m *Manager) Registration(aor string) *Registration { return m.regs[aor] }

func (m *Manager) removeRegistration(r *Registration) {
	if m.regs[r.key] != r {
		return
	}
	delete(m.regs, r.key)
	for i, k := range m.regOrder {
		if k == r.key {
			m.regOrder = append(m.regOrder[:i], m.regOrder[i+1:]...)
			break
		}
	}
	m.checkIdle()
}

// account picks the identity of outbound calls: the oldest registered account, else the oldest
// configured one, else none.
func (m *Manager) account() *Account {
	var fallback *Account
	for _, k := range m.regOrder {
		r := m.regs[k]
		if r.State() == RegRegistered || r.State() == RegRefreshing {
			return &r.acct
		}
		if fallback == nil {
			fallback = &r.acct
		}
	}
	return fallback
}

// Invite starts a call to target and returns its id. The call is in state Calling when Invite
// returns; its progress is reported through events. Once Shutdown has been called it fails
// with [ErrShutdown].
func (m *Manager) Invite(target sip.Uri) (uint32, error) {
	if m.closing {
		return 0, ErrShutdown
	}
	acct := m.account()
	def := transport.UDP
	if acct != nil {
		def = acct.Transport
	}
	kind, err := sipmsg.TransportOf(target, def)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", sipmsg.ErrInvalidURI, err)
	}

	m.nextID++
	if m.nextID == 0 {
		m.nextID++
	}
	id := m.nextID
	if _, dup := m.calls[id]; dup {
		return 0, fmt.Errorf("%w: call id %d in use", ErrInvariant, id)
	}

	c := newCall(m, id, target, kind, acct)
	m.calls[id] = c
	m.byCallID[c.leg.CallID] = c
	c.start()
	return id, nil
}

// LastCallID returns the id of the most recent call.
func (m *Manager) LastCallID() uint32 { return m.nextID }

// Call returns a call that is live or recently terminated, or nil.
func (m *Manager) Call(id uint32) *Call { return m.calls[id] }

// Hangup ends call id. Unknown and terminated calls are ignored.
func (m *Manager) Hangup(id uint32) {
	if c, ok := m.calls[id]; ok {
		c.hangup()
	}
}

// Stats returns the statistics of call id. Calls that ended long ago, beyond the KeepEnded
// most recent ones, are unknown again.
func (m *Manager) Stats(id uint32) (stats.Snapshot, error) {
	if c, ok := m.calls[id]; ok {
		return stats.Compute(c.view(), time.Now()), nil
	}
	if e, ok := m.ended[id]; ok {
		return e.snapshot, nil
	}
	return stats.Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownCall, id)
}

func (m *Manager) callEnded(c *Call) {
	delete(m.byCallID, c.leg.CallID)
	m.expiry[c.id] = m.loop.AfterFunc(m.cfg.CallRetention, func() {
		delete(m.expiry, c.id)
		m.forget(c)
	})
	m.checkIdle()
}

func (m *Manager) forget(c *Call) {
	m.ended[c.id] = endedCall{snapshot: stats.Compute(c.view(), c.endedAt)}
	m.endedOrder = append(m.endedOrder, c.id)
	if len(m.endedOrder) > m.cfg.KeepEnded {
		delete(m.ended, m.endedOrder[0])
		m.endedOrder = m.endedOrder[1:]
	}
	delete(m.calls, c.id)
}

// ActiveCalls counts calls that are not terminated.
func (m *Manager) ActiveCalls() int {
	n := 0
	for _, c := range m.calls {
		if c.active() {
			n++
		}
	}
	return n
}

// Shutdown hangs up every call and unregisters every binding. done is called once nothing is
// pending anymore.
func (m *Manager) Shutdown(done func()) {
	m.closing = true
	m.onIdle = done
	for _, c := range m.calls {
		c.hangup()
	}
	for _, k := range append([]string(nil), m.regOrder...) {
		if r, ok := m.regs[k]; ok {
			r.unregister(ErrShutdown)
		}
	}
	m.checkIdle()
}

func (m *Manager) checkIdle() {
	if !m.closing || m.onIdle == nil || len(m.regs) > 0 || m.ActiveCalls() > 0 {
		return
	}
	done := m.onIdle
	m.onIdle = nil
	done()
}

// Close stops every timer. Call it once the transaction layer is closed.
func (m *Manager) Close() {
	for id, t := range m.expiry {
		t.Stop()
		delete(m.expiry, id)
	}
	for _, r := range m.regs {
		r.dead = true
		r.stopTimers()
	}
}

// SessionEstablished implements [media.Notifier].
func (m *Manager) SessionEstablished(callID uint32) {
	m.loop.Post(func() {
		if c, ok := m.calls[callID]; ok {
			c.onMediaEstablished()
		}
	})
}

// SessionTerminated implements [media.Notifier].
func (m *Manager) SessionTerminated(callID uint32, err error) {
	m.loop.Post(func() {
		if c, ok := m.calls[callID]; ok {
			c.onMediaTerminated(err)
		}
	})
}

func (m *Manager) handleRequest(tx *transaction.ServerTx, req *sip.Request) {
	switch req.Method {
	case sip.BYE:
		c := m.dialogOf(req)
		if c == nil || !c.onRemoteBye() {
			tx.Respond(sipmsg.NewResponse(req, 481, "Call/Transaction Does Not Exist"))
			return
		}
		tx.Respond(sipmsg.NewResponse(req, 200, "OK"))
	case sip.OPTIONS:
		res := sipmsg.NewResponse(req, 200, "OK")
		res.AppendHeader(sip.NewHeader("Allow", allowed))
		tx.Respond(res)
	case sip.INVITE:
		m.log.Infof("rejecting inbound call from %s", req.From().Address.String())
		tx.Respond(sipmsg.NewResponse(req, 480, "Temporarily Unavailable"))
	case sip.CANCEL:
		tx.Respond(sipmsg.NewResponse(req, 481, "Call/Transaction Does Not Exist"))
	default:
		res := sipmsg.NewResponse(req, 405, "Method Not Allowed")
		res.AppendHeader(sip.NewHeader("Allow", allowed))
		tx.Respond(res)
	}
}

// dialogOf finds the call a request from the remote party belongs to.
func (m *Manager) dialogOf(req *sip.Request) *Call {
	callID := req.CallID()
	if callID == nil {
		return nil
	}
	c, ok := m.byCallID[callID.Value()]
	if !ok {
		return nil
	}
	if to := req.To(); to == nil || sipmsg.Tag(to.Params) != c.leg.LocalTag {
		return nil
	}
	if from := req.From(); from == nil || sipmsg.Tag(from.Params) != c.leg.RemoteTag {
		return nil
	}
	return c
}

func (m *Manager) handleUnmatched(res *sip.Response, _ transport.Message) bool {
	cseq := res.CSeq()
	callID := res.CallID()
	if cseq == nil || callID == nil || cseq.MethodName != sip.INVITE || res.StatusCode < 200 || res.StatusCode >= 300 {
		return false
	}
	for _, c := range m.calls {
		if c.leg.CallID == callID.Value() {
			c.onStray2xx(res)
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
