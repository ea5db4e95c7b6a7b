// Package transporttest provides an in-memory [transport.Transport] for tests.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/transport"
)

// Sent is one message handed to [Transport.Send].
type Sent struct {
	Msg  sip.Message
	Dst  string
	Kind transport.Kind
}

// Request returns the sent message as a request, or nil.
func (s Sent) Request() *sip.Request {
	req, _ := s.Msg.(*sip.Request)
	return req
}

// Transport records outbound messages and lets tests inject inbound ones.
// Inbound handlers run synchronously from [Transport.Inject].
type Transport struct {
	// Local is returned by LocalAddr. Default "192.0.2.100:5060".
	Local string

	mu      sync.Mutex
	handler transport.Handler
	onSend  func(Sent) error
	sent    []Sent
	notify  chan Sent
	closed  bool
	ctrs    transport.Counters
}

// New returns a ready fake transport.
func New() *Transport {
	return &Transport{
		Local:  "192.0.2.100:5060",
		notify: make(chan Sent, 1024),
	}
}

// OnSend installs a hook run for every sent message. A non-nil error is returned to the sender
// (and the message is not recorded as delivered). The hook may call [Transport.Inject].
func (t *Transport) OnSend(fn func(Sent) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

// Send implements [transport.Transport].
func (t *Transport) Send(_ context.Context, msg sip.Message, dst string, kind transport.Kind) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &transport.Error{Kind: transport.Closed, Op: "send", Dest: dst}
	}
	hook := t.onSend
	t.mu.Unlock()

	s := Sent{Msg: msg, Dst: dst, Kind: kind}
	if hook != nil {
		if err := hook(s); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, s)
	t.ctrs.MessagesSent++
	t.ctrs.BytesSent += uint64(len(msg.String()))
	t.mu.Unlock()

	select {
	case t.notify <- s:
	default:
	}
	return nil
}

// Inject delivers msg to the installed handler as if it arrived from src.
func (t *Transport) Inject(msg sip.Message, src string, kind transport.Kind) {
	t.mu.Lock()
	h := t.handler
	t.ctrs.MessagesReceived++
	t.ctrs.BytesReceived += uint64(len(msg.String()))
	t.mu.Unlock()
	if h != nil {
		h(transport.Message{Msg: msg, Source: src, Kind: kind, Size: len(msg.String())})
	}
}

// Respond builds a response to req with sipgo and injects it.
func (t *Transport) Respond(req *sip.Request, code int, reason string, hdrs ...sip.Header) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	t.Inject(res, "192.0.2.1:5060", transport.UDP)
	return res
}

// OnReceive implements [transport.Transport].
func (t *Transport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// LocalAddr implements [transport.Transport].
func (t *Transport) LocalAddr(transport.Kind) string { return t.Local }

// Counters implements [transport.Transport].
func (t *Transport) Counters() transport.Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrs
}

// Close implements [transport.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SentMessages returns a copy of everything sent so far.
func (t *Transport) SentMessages() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentRequests returns the sent requests with the given method.
func (t *Transport) SentRequests(method sip.RequestMethod) []*sip.Request {
	var out []*sip.Request
	for _, s := range t.SentMessages() {
		if req := s.Request(); req != nil && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// WaitSend waits for the next sent message, failing the test after timeout.
func (t *Transport) WaitSend(tb testing.TB, timeout time.Duration) Sent {
	tb.Helper()
	select {
	case s := <-t.notify:
		return s
	case <-time.After(timeout):
		tb.Fatalf("no message sent within %s", timeout)
		return Sent{}
	}
}

// WaitRequest waits until a request with the given method is sent, skipping other messages.
func (t *Transport) WaitRequest(tb testing.TB, method sip.RequestMethod, timeout time.Duration) *sip.Request {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-t.notify:
			if req := s.Request(); req != nil && req.Method == method {
				return req
			}
		case <-deadline:
			tb.Fatalf("no %s request sent within %s", method, timeout)
			return nil
		}
	}
}

var _ transport.Transport = (*Transport)(nil)
