package session

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

const callee = "sip:bob@example.com"

func subject(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func (h *harness) invite(t *testing.T, target string) uint32 {
	t.Helper()
	var (
		id  uint32
		err error
	)
	h.do(t, func() { id, err = h.m.Invite(mustURI(t, target)) })
	require.NoError(t, err)
	return id
}

func (h *harness) hangup(t *testing.T, id uint32) {
	t.Helper()
	h.do(t, func() { h.m.Hangup(id) })
}

func (h *harness) callState(t *testing.T, id uint32) CallState {
	t.Helper()
	var s CallState
	h.do(t, func() {
		if c := h.m.Call(id); c != nil {
			s = c.State()
		}
	})
	return s
}

// waitResponse waits until the user agent sends a response with the given status code.
func (h *harness) waitResponse(t *testing.T, code int) *sip.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := h.tp.WaitSend(t, time.Until(deadline))
		if res, ok := s.Msg.(*sip.Response); ok && int(res.StatusCode) == code {
			return res
		}
	}
	t.Fatalf("no %d response sent", code)
	return nil
}

// answering makes the callee ring and answer every INVITE.
func answering(h *harness) {
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{
			reply(req, 100, "Trying"),
			reply(req, 180, "Ringing"),
			answer(req),
		}
	})
	h.peer.Handle(sip.BYE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 200, "OK")}
	})
}

// connect places a call to an answering callee and waits until it is connected.
func connect(t *testing.T, h *harness) uint32 {
	t.Helper()
	answering(h)
	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Connected, subject(id))
	return id
}

// remoteRequest builds an in-dialog request from the callee of invite.
func remoteRequest(t *testing.T, invite *sip.Request, method sip.RequestMethod) *sip.Request {
	t.Helper()
	leg := sipmsg.Leg{
		CallID:    invite.CallID().Value(),
		LocalURI:  mustURI(t, callee),
		LocalTag:  remoteTag,
		RemoteURI: invite.From().Address,
		RemoteTag: sipmsg.Tag(invite.From().Params),
		Target:    invite.Contact().Address,
		Local:     serverAddr,
		Transport: transport.UDP,
	}
	return leg.NewRequest(method, 1)
}

// outOfDialog builds a request from a stranger.
func outOfDialog(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	leg := sipmsg.Leg{
		CallID:    sipmsg.NewCallID("192.0.2.1"),
		LocalURI:  mustURI(t, "sip:carol@example.net"),
		LocalTag:  sipmsg.NewTag(),
		RemoteURI: mustURI(t, "sip:alice@example.com"),
		Target:    mustURI(t, "sip:alice@192.0.2.100:5060"),
		Local:     serverAddr,
		Transport: transport.UDP,
	}
	return leg.NewRequest(method, 1)
}

func TestInvite_Connected(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, []events.Kind{events.Calling, events.Ringing, events.Connected}, h.ev.kinds(subject(id)))
	assert.Equal(t, CallConnected, h.callState(t, id))

	invites := h.tp.SentRequests(sip.INVITE)
	require.NotEmpty(t, invites)
	inv := invites[0]
	assert.Equal(t, callee, inv.Recipient.String())
	assert.Equal(t, "anonymous", inv.From().Address.User)
	require.NotNil(t, inv.ContentType())
	assert.Equal(t, "application/sdp", inv.ContentType().Value())
	assert.Contains(t, string(inv.Body()), "m=audio")

	ack := h.tp.WaitRequest(t, sip.ACK, time.Second)
	assert.Equal(t, "sip:bob@192.0.2.1:5060", ack.Recipient.String())
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, uint32(1), ack.CSeq().SeqNo)
	assert.Equal(t, inv.CallID().Value(), ack.CallID().Value())
	assert.Equal(t, remoteTag, sipmsg.Tag(ack.To().Params))
	assert.NotEqual(t, sipmsg.Branch(inv), sipmsg.Branch(ack))

	time.Sleep(20 * time.Millisecond)
	h.do(t, func() {
		snap, err := h.m.Stats(id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.DurationMs, int64(10))
		assert.GreaterOrEqual(t, snap.RoundTripMs, int64(0))
		assert.Equal(t, 1, h.m.ActiveCalls())
	})
}

func TestInvite_SequentialIDs(t *testing.T) {
	h := newHarness(t)
	first := h.invite(t, callee)
	second := h.invite(t, "sip:carol@example.com")
	assert.Equal(t, first+1, second)
	h.do(t, func() { assert.Equal(t, 2, h.m.ActiveCalls()) })

	h.do(t, func() {
		snap, err := h.m.Stats(first)
		require.NoError(t, err)
		assert.True(t, snap.IsZero(), "not connected yet")

		_, err = h.m.Stats(42)
		assert.ErrorIs(t, err, ErrUnknownCall)
	})
}

func TestInvite_InvalidTransport(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() {
		_, err := h.m.Invite(mustURI(t, "sip:bob@example.com;transport=sctp"))
		assert.ErrorIs(t, err, sipmsg.ErrInvalidURI)
		assert.Zero(t, h.m.ActiveCalls())
	})
	assert.Empty(t, h.tp.SentRequests(sip.INVITE))
}

func TestInvite_Rejected(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 486, "Busy Here")}
	})

	id := h.invite(t, callee)
	e := h.ev.waitFor(t, events.Failed, subject(id))
	assert.Equal(t, 486, StatusCode(e.Err))
	assert.Equal(t, "486 Busy Here", e.Detail)

	// the transaction acknowledges the failure
	ack := h.tp.WaitRequest(t, sip.ACK, time.Second)
	assert.Equal(t, uint32(1), ack.CSeq().SeqNo)

	assert.Equal(t, CallTerminated, h.callState(t, id))
	assert.Equal(t, []events.Kind{events.Calling, events.Failed}, h.ev.kinds(subject(id)))
	h.do(t, func() { assert.Zero(t, h.m.ActiveCalls()) })
}

func TestInvite_Timeout(t *testing.T) {
	h := newHarness(t)
	id := h.invite(t, callee)

	e := h.ev.waitFor(t, events.Failed, subject(id))
	assert.ErrorIs(t, e.Err, transaction.ErrTimeout)
	assert.Equal(t, []events.Kind{events.Calling, events.Failed}, h.ev.kinds(subject(id)))
}

func TestInvite_AuthRetry(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 200, "OK")}
	})
	acct := testAccount(t, "sip:alice@example.com")
	h.register(t, acct)
	h.ev.waitFor(t, events.RegisterOk, acct.Key())

	var (
		mu   sync.Mutex
		seen = map[string]*sip.Request{}
	)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		mu.Lock()
		seen[sipmsg.Branch(req)] = req
		mu.Unlock()
		if req.GetHeader("Proxy-Authorization") == nil {
			return []*sip.Response{reply(req, 407, "Proxy Authentication Required",
				sip.NewHeader("Proxy-Authenticate", challenge))}
		}
		return []*sip.Response{answer(req)}
	})

	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Connected, subject(id))

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()

	require.Eventually(t, func() bool {
		for _, ack := range h.tp.SentRequests(sip.ACK) {
			if ack.CSeq().SeqNo == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "2xx to the authorized INVITE is acknowledged")

	for _, inv := range h.tp.SentRequests(sip.INVITE) {
		assert.Equal(t, "alice", inv.From().Address.User, "calls use the registered identity")
	}
}

func TestInvite_AuthFailsTwice(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 200, "OK")}
	})
	acct := testAccount(t, "sip:alice@example.com")
	h.register(t, acct)
	h.ev.waitFor(t, events.RegisterOk, acct.Key())

	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 401, "Unauthorized", wwwAuthenticate())}
	})
	id := h.invite(t, callee)
	e := h.ev.waitFor(t, events.Failed, subject(id))
	assert.ErrorIs(t, e.Err, ErrAuthFailure)
	assert.Equal(t, 401, StatusCode(e.Err))
}

func TestHangup_BeforeAnyResponse(t *testing.T) {
	h := newHarness(t)
	id := h.invite(t, callee)
	h.tp.WaitRequest(t, sip.INVITE, time.Second)

	h.hangup(t, id)
	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.NoError(t, e.Err)
	assert.Equal(t, []events.Kind{events.Calling, events.Terminated}, h.ev.kinds(subject(id)))

	sent := len(h.tp.SentRequests(sip.INVITE))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.tp.SentRequests(sip.INVITE), sent, "retransmissions stop")
	assert.Empty(t, h.tp.SentRequests(sip.CANCEL))
}

func TestHangup_WhileRinging(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 180, "Ringing")}
	})
	h.peer.Handle(sip.CANCEL, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{
			reply(req, 200, "OK"),
			reply(h.peer.Last(sip.INVITE), 487, "Request Terminated"),
		}
	})

	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Ringing, subject(id))

	h.hangup(t, id)
	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.Equal(t, "canceled", e.Detail)
	assert.Equal(t, []events.Kind{events.Calling, events.Ringing, events.Terminated}, h.ev.kinds(subject(id)))

	cancels := h.tp.SentRequests(sip.CANCEL)
	require.Len(t, cancels, 1)
	inv := h.tp.SentRequests(sip.INVITE)[0]
	assert.Equal(t, sipmsg.Branch(inv), sipmsg.Branch(cancels[0]))
	assert.Equal(t, sip.CANCEL, cancels[0].CSeq().MethodName)
	assert.Equal(t, inv.CSeq().SeqNo, cancels[0].CSeq().SeqNo)

	require.Eventually(t, func() bool { return len(h.tp.SentRequests(sip.ACK)) > 0 }, time.Second, 5*time.Millisecond,
		"the 487 is acknowledged")
}

func TestHangup_WhileRingingWithoutFinalResponse(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 180, "Ringing")}
	})
	h.peer.Handle(sip.CANCEL, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 200, "OK")}
	})

	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Ringing, subject(id))
	h.hangup(t, id)

	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.ErrorIs(t, e.Err, transaction.ErrTimeout)
}

func TestHangup_AnswerCrossesCancel(t *testing.T) {
	h := newHarness(t)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 180, "Ringing")}
	})
	h.peer.Handle(sip.CANCEL, func(req *sip.Request) []*sip.Response {
		// too late: the callee answered already
		return []*sip.Response{reply(req, 200, "OK"), answer(h.peer.Last(sip.INVITE))}
	})
	h.peer.Handle(sip.BYE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{reply(req, 200, "OK")}
	})

	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Ringing, subject(id))
	h.hangup(t, id)

	h.ev.waitFor(t, events.Terminated, subject(id))
	assert.NotEmpty(t, h.tp.SentRequests(sip.ACK))
	assert.Len(t, h.tp.SentRequests(sip.BYE), 1)
	assert.NotContains(t, h.ev.kinds(subject(id)), events.Connected)
}

func TestHangup_Connected(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)

	h.hangup(t, id)
	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.Equal(t, "local hangup", e.Detail)
	assert.NoError(t, e.Err)

	byes := h.tp.SentRequests(sip.BYE)
	require.Len(t, byes, 1)
	bye := byes[0]
	assert.Equal(t, "sip:bob@192.0.2.1:5060", bye.Recipient.String())
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	assert.Equal(t, remoteTag, sipmsg.Tag(bye.To().Params))

	// a second hangup is a no-op
	h.hangup(t, id)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tp.SentRequests(sip.BYE), 1)
	assert.Equal(t, []events.Kind{events.Calling, events.Ringing, events.Connected, events.Terminated}, h.ev.kinds(subject(id)))
}

func TestHangup_UnknownCall(t *testing.T) {
	h := newHarness(t)
	h.hangup(t, 7)
	assert.Empty(t, h.tp.SentMessages())
}

func TestRemoteBye(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)
	inv := h.tp.SentRequests(sip.INVITE)[0]

	h.tp.Inject(remoteRequest(t, inv, sip.BYE), serverAddr, transport.UDP)
	h.waitResponse(t, 200)
	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.Equal(t, "remote hangup", e.Detail)
	assert.Empty(t, h.tp.SentRequests(sip.BYE))

	// the dialog is gone
	h.tp.Inject(remoteRequest(t, inv, sip.BYE), serverAddr, transport.UDP)
	h.waitResponse(t, 481)
}

func TestRemoteBye_WrongTag(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)
	inv := h.tp.SentRequests(sip.INVITE)[0]

	bye := remoteRequest(t, inv, sip.BYE)
	from := bye.From()
	from.Params = sip.NewParams().Add("tag", "someone-else")
	h.tp.Inject(bye, serverAddr, transport.UDP)
	h.waitResponse(t, 481)
	assert.Equal(t, CallConnected, h.callState(t, id))
}

func TestInboundRequests(t *testing.T) {
	h := newHarness(t)

	h.tp.Inject(outOfDialog(t, sip.OPTIONS), serverAddr, transport.UDP)
	res := h.waitResponse(t, 200)
	require.NotNil(t, res.GetHeader("Allow"))
	assert.Contains(t, res.GetHeader("Allow").Value(), "INVITE")

	h.tp.Inject(outOfDialog(t, sip.INVITE), serverAddr, transport.UDP)
	h.waitResponse(t, 480)

	h.tp.Inject(outOfDialog(t, sip.MESSAGE), serverAddr, transport.UDP)
	res = h.waitResponse(t, 405)
	require.NotNil(t, res.GetHeader("Allow"))

	h.tp.Inject(outOfDialog(t, sip.BYE), serverAddr, transport.UDP)
	h.waitResponse(t, 481)

	h.do(t, func() { assert.Zero(t, h.m.ActiveCalls()) })
}

func TestStray2xxIsAcknowledgedAgain(t *testing.T) {
	h := newHarness(t)
	var (
		mu sync.Mutex
		ok *sip.Response
	)
	h.peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		res := answer(req)
		mu.Lock()
		ok = res
		mu.Unlock()
		return []*sip.Response{res}
	})

	id := h.invite(t, callee)
	h.ev.waitFor(t, events.Connected, subject(id))
	require.Eventually(t, func() bool { return len(h.tp.SentRequests(sip.ACK)) == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	retransmitted := ok
	mu.Unlock()
	h.tp.Inject(retransmitted, serverAddr, transport.UDP)
	require.Eventually(t, func() bool { return len(h.tp.SentRequests(sip.ACK)) == 2 }, time.Second, 5*time.Millisecond)
	h.do(t, func() { assert.Zero(t, h.layer.Unmatched()) })
}

func TestMediaTerminated(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)

	h.m.SessionTerminated(id, nil)
	e := h.ev.waitFor(t, events.Terminated, subject(id))
	assert.ErrorIs(t, e.Err, ErrMediaTerminated)
	require.Eventually(t, func() bool { return len(h.tp.SentRequests(sip.BYE)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetention(t *testing.T) {
	h := newHarness(t)
	id := connect(t, h)
	time.Sleep(10 * time.Millisecond)
	h.hangup(t, id)
	h.ev.waitFor(t, events.Terminated, subject(id))

	var during int64
	h.do(t, func() {
		snap, err := h.m.Stats(id)
		require.NoError(t, err)
		during = snap.DurationMs
		assert.NotNil(t, h.m.Call(id))
	})

	// the retention period is 100ms
	require.Eventually(t, func() bool {
		var gone bool
		h.do(t, func() { gone = h.m.Call(id) == nil })
		return gone
	}, time.Second, 10*time.Millisecond)

	h.do(t, func() {
		snap, err := h.m.Stats(id)
		require.NoError(t, err)
		assert.Equal(t, during, snap.DurationMs, "ended calls keep their final statistics")
	})
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		unreg    bool
		expiries []string
	)
	h.peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		mu.Lock()
		v := req.GetHeader("Expires").Value()
		expiries = append(expiries, v)
		unreg = unreg || v == "0"
		mu.Unlock()
		return []*sip.Response{reply(req, 200, "OK")}
	})
	acct := testAccount(t, "sip:alice@example.com")
	h.register(t, acct)
	h.ev.waitFor(t, events.RegisterOk, acct.Key())
	id := connect(t, h)

	done := make(chan struct{})
	h.do(t, func() { h.m.Shutdown(func() { close(done) }) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Contains(t, h.ev.kinds(subject(id)), events.Terminated)
	assert.Contains(t, h.ev.kinds(acct.Key()), events.Unregistered)
	assert.Len(t, h.tp.SentRequests(sip.BYE), 1)

	mu.Lock()
	assert.True(t, unreg, "bindings removed, got expiries %s", strings.Join(expiries, ","))
	mu.Unlock()
}

func TestShutdown_Idle(t *testing.T) {
	h := newHarness(t)
	called := false
	h.do(t, func() { h.m.Shutdown(func() { called = true }) })
	assert.True(t, called)
}

func TestShutdown_RefusesNewWork(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() { h.m.Shutdown(func() {}) })

	var (
		id        uint32
		inviteErr error
		regErr    error
	)
	acct := testAccount(t, "sip:alice@example.com")
	h.do(t, func() {
		id, inviteErr = h.m.Invite(mustURI(t, callee))
		regErr = h.m.Register(acct)
	})
	assert.ErrorIs(t, inviteErr, ErrShutdown)
	assert.Zero(t, id)
	assert.ErrorIs(t, regErr, ErrShutdown)

	e := h.ev.waitFor(t, events.RegisterFailed, acct.Key())
	assert.ErrorIs(t, e.Err, ErrShutdown)
	assert.Equal(t, []events.Kind{events.RegisterFailed}, h.ev.kinds(acct.Key()))
	assert.Empty(t, h.tp.SentMessages())
}

func TestRetention_KeepsRecentEndedCalls(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() { h.m.cfg.KeepEnded = 1 })

	// nobody answers: each call ends as soon as it is hung up
	first := h.invite(t, callee)
	h.hangup(t, first)
	h.ev.waitFor(t, events.Terminated, subject(first))
	second := h.invite(t, callee)
	h.hangup(t, second)
	h.ev.waitFor(t, events.Terminated, subject(second))

	require.Eventually(t, func() bool {
		var gone bool
		h.do(t, func() { gone = h.m.Call(first) == nil && h.m.Call(second) == nil })
		return gone
	}, time.Second, 10*time.Millisecond)

	h.do(t, func() {
		_, err := h.m.Stats(first)
		assert.ErrorIs(t, err, ErrUnknownCall)
		_, err = h.m.Stats(second)
		assert.NoError(t, err)
		assert.Len(t, h.m.ended, 1)
	})
}
