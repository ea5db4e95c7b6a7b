package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/media"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/stats"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

// CallState is the state of a call.
type CallState string

// Call states. Every call ends in Terminated; Failed is passed on the way when the call was
// rejected or could not be set up.
const (
	CallIdle        CallState = "Idle"
	CallCalling     CallState = "Calling"
	CallRinging     CallState = "Ringing"
	CallConnected   CallState = "Connected"
	CallTerminating CallState = "Terminating"
	CallTerminated  CallState = "Terminated"
	CallFailed      CallState = "Failed"
)

func (s CallState) String() string { return string(s) }

const (
	callEvtInvite = "invite"
	callEvtRing   = "ring"
	callEvtAnswer = "answer"
	callEvtFail   = "fail"
	callEvtHangup = "hangup"
	callEvtEnd    = "end"
)

// Call is one outbound call and its dialog. It lives on the loop goroutine.
type Call struct {
	m    *Manager
	id   uint32
	acct *Account
	fsm  *fsm.FSM

	leg        sipmsg.Leg
	dst        string
	kind       transport.Kind
	dialogDst  string
	dialogKind transport.Kind
	cseq       uint32

	media      media.Session
	finalMedia media.Counters

	invite      *sip.Request
	inviteTx    *transaction.ClientTx
	ack         *sip.Request
	provisional bool
	authTried   bool

	createdAt      time.Time
	inviteSentAt   time.Time
	answeredAt     time.Time
	connectedAt    time.Time
	mediaStartedAt time.Time
	endedAt        time.Time

	tmrHangup *loop.Timer
}

func newCall(m *Manager, id uint32, target sip.Uri, kind transport.Kind, acct *Account) *Call {
	local := m.tp.LocalAddr(kind)
	from := sip.Uri{Scheme: "sip", User: "anonymous", Host: hostOf(local)}
	if acct != nil {
		from = acct.AOR
	}

	c := &Call{
		m:         m,
		id:        id,
		acct:      acct,
		dst:       sipmsg.Destination(target),
		kind:      kind,
		createdAt: time.Now(),
		leg: sipmsg.Leg{
			CallID:    sipmsg.NewCallID(hostOf(local)),
			LocalURI:  from,
			LocalTag:  sipmsg.NewTag(),
			RemoteURI: target,
			Target:    target,
			Local:     local,
			Transport: kind,
			UserAgent: m.cfg.UserAgent,
		},
	}
	c.dialogDst, c.dialogKind = c.dst, kind

	c.fsm = fsm.NewFSM(
		CallIdle.String(),
		fsm.Events{
			{Name: callEvtInvite, Src: []string{CallIdle.String()}, Dst: CallCalling.String()},
			{Name: callEvtRing, Src: []string{CallCalling.String()}, Dst: CallRinging.String()},
			{Name: callEvtAnswer, Src: []string{CallCalling.String(), CallRinging.String()}, Dst: CallConnected.String()},
			{Name: callEvtFail, Src: []string{CallCalling.String(), CallRinging.String()}, Dst: CallFailed.String()},
			{Name: callEvtHangup, Src: []string{CallCalling.String(), CallRinging.String(), CallConnected.String()}, Dst: CallTerminating.String()},
			{Name: callEvtEnd, Src: []string{CallConnected.String(), CallTerminating.String(), CallFailed.String()}, Dst: CallTerminated.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.onEnter(e)
			},
		},
	)
	return c
}

// ID returns the call identifier.
func (c *Call) ID() uint32 { return c.id }

// State returns the current state.
func (c *Call) State() CallState { return CallState(c.fsm.Current()) }

func (c *Call) subject() string { return strconv.FormatUint(uint64(c.id), 10) }

func (c *Call) active() bool {
	s := c.State()
	return s != CallTerminated && s != CallFailed
}

func (c *Call) event(name string, args ...any) bool {
	if err := c.fsm.Event(context.Background(), name, args...); err != nil {
		c.m.log.Errorf("call %d: %s in state %s: %s", c.id, name, c.State(), err)
		return false
	}
	return true
}

func (c *Call) fail(err error) {
	if c.event(callEvtFail, err) {
		c.event(callEvtEnd, err.Error(), err)
	}
}

func (c *Call) end(reason string, err error) {
	if c.State() == CallTerminated {
		return
	}
	c.event(callEvtEnd, reason, err)
}

func argString(args []any, i int) string {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s
		}
	}
	return ""
}

func argError(args []any, i int) error {
	if i < len(args) {
		if err, ok := args[i].(error); ok {
			return err
		}
	}
	return nil
}

func (c *Call) onEnter(e *fsm.Event) {
	c.m.log.Debugf("call %d: %s -> %s", c.id, e.Src, e.Dst)

	switch CallState(e.Dst) {
	case CallCalling:
		c.emit(events.Calling, argString(e.Args, 0), nil)
	case CallRinging:
		c.emit(events.Ringing, argString(e.Args, 0), nil)
	case CallConnected:
		c.connectedAt = time.Now()
		c.emit(events.Connected, argString(e.Args, 0), nil)
	case CallFailed:
		err := argError(e.Args, 0)
		if err == nil {
			err = ErrInvariant
		}
		c.m.log.Infof("call %d failed: %s", c.id, err)
		c.emit(events.Failed, err.Error(), err)
	case CallTerminated:
		c.endedAt = time.Now()
		c.release()
		result := "completed"
		switch {
		case CallState(e.Src) == CallFailed:
			result = "failed"
		case c.connectedAt.IsZero():
			result = "canceled"
		}
		if CallState(e.Src) != CallFailed {
			c.emit(events.Terminated, argString(e.Args, 0), argError(e.Args, 1))
		}
		c.m.metrics.CallEnded(result)
		c.m.callEnded(c)
	}
}

func (c *Call) emit(kind events.Kind, detail string, err error) {
	c.m.emit(events.Event{Kind: kind, Subject: c.subject(), Detail: detail, Err: err})
}

func (c *Call) release() {
	c.tmrHangup.Stop()
	c.tmrHangup = nil
	if c.inviteTx != nil {
		c.inviteTx.Cancel()
	}
	if c.media != nil {
		c.finalMedia = c.media.Counters()
		if err := c.media.Close(); err != nil {
			c.m.log.Warnf("call %d: close media: %s", c.id, err)
		}
		c.media = nil
	}
}

// start allocates the media session and sends the INVITE.
func (c *Call) start() {
	c.event(callEvtInvite, sipmsg.AORString(c.leg.Target))
	c.m.metrics.CallStarted()

	sess, err := c.m.cfg.Media.NewSession(c.id, c.m)
	if err != nil {
		c.fail(fmt.Errorf("media: %w", err))
		return
	}
	c.media = sess
	ct, body, err := sess.Offer()
	if err != nil {
		c.fail(fmt.Errorf("media: %w", err))
		return
	}

	c.cseq = 1
	req := c.leg.NewRequest(sip.INVITE, c.cseq)
	sipmsg.SetBody(req, ct, body)
	c.sendInvite(req)
}

func (c *Call) sendInvite(req *sip.Request) {
	c.invite = req
	c.provisional = false
	tx, err := c.m.layer.Request(req, c.dst, c.kind, c.onInviteResponse, c.onInviteDone)
	if err != nil {
		c.inviteTx = nil
		c.fail(err)
		return
	}
	c.inviteTx = tx
	c.inviteSentAt = tx.SentAt()
}

func (c *Call) onInviteResponse(tx *transaction.ClientTx, res *sip.Response) {
	if tx != c.inviteTx {
		return
	}
	switch {
	case res.StatusCode < 200:
		c.provisional = true
		if res.StatusCode > 100 && c.State() == CallCalling {
			c.event(callEvtRing, sipmsg.StatusLine(res))
		}
	case res.StatusCode < 300:
		c.inviteTx = nil
		c.onAnswer(res)
	default:
		c.inviteTx = nil
		c.onReject(res)
	}
}

func (c *Call) onInviteDone(tx *transaction.ClientTx, err error) {
	if tx != c.inviteTx || err == nil || errors.Is(err, transaction.ErrCanceled) {
		return
	}
	c.inviteTx = nil
	switch c.State() {
	case CallTerminating:
		c.end("no answer to CANCEL", err)
	case CallCalling, CallRinging:
		c.fail(err)
	}
}

func (c *Call) onAnswer(res *sip.Response) {
	c.answeredAt = time.Now()
	c.establishDialog(res)
	c.ack = c.leg.NewRequest(sip.ACK, c.cseq)
	c.sendAck()

	switch c.State() {
	case CallTerminating:
		// the answer crossed our CANCEL
		c.bye(func(err error) { c.end("canceled", err) })
		return
	case CallCalling, CallRinging:
	default:
		return
	}

	if body := res.Body(); len(body) > 0 && c.media != nil {
		ct := ""
		if h := res.GetHeader("Content-Type"); h != nil {
			ct = h.Value()
		}
		if err := c.media.Answer(ct, body); err != nil {
			c.bye(nil)
			c.fail(fmt.Errorf("media: %w", err))
			return
		}
	} else {
		c.m.log.Warnf("call %d: answer without session description", c.id)
	}

	c.event(callEvtAnswer, sipmsg.StatusLine(res))
	if c.media != nil {
		if err := c.media.Start(); err != nil {
			c.m.log.Warnf("call %d: start media: %s", c.id, err)
		}
	}
}

// establishDialog records what the 2xx tells about the dialog: remote tag, remote target
// and route set.
func (c *Call) establishDialog(res *sip.Response) {
	if to := res.To(); to != nil {
		c.leg.RemoteTag = sipmsg.Tag(to.Params)
	}
	if contact := res.Contact(); contact != nil && contact.Address.Host != "" {
		c.leg.Target = *contact.Address.Clone()
	}

	var routes []string
	for _, h := range res.GetHeaders("Record-Route") {
		for _, v := range strings.Split(h.Value(), ",") {
			if v = strings.TrimSpace(v); v != "" {
				routes = append(routes, v)
			}
		}
	}
	slices.Reverse(routes)
	c.leg.RouteSet = routes

	next := c.leg.Target
	if len(routes) > 0 {
		if u, err := sipmsg.ParseURI(routeURI(routes[0])); err == nil {
			next = u
		}
	}
	kind, err := sipmsg.TransportOf(next, c.kind)
	if err != nil {
		kind = c.kind
	}
	c.dialogDst, c.dialogKind = sipmsg.Destination(next), kind
}

// routeURI extracts the URI of a Route or Record-Route value: "<sip:p1;lr>;x=y" -> "sip:p1;lr".
func routeURI(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	return v
}

func (c *Call) sendAck() {
	c.m.layer.Send(c.ack, c.dialogDst, c.dialogKind, func(err error) {
		if err != nil {
			c.m.log.Warnf("call %d: send ACK: %s", c.id, err)
		}
	})
}

func (c *Call) onReject(res *sip.Response) {
	if sipmsg.IsChallenge(res) && c.State() != CallTerminating && !c.authTried && c.acct != nil && c.acct.hasCredentials() {
		c.authTried = true
		c.cseq++
		retry := sipmsg.Retry(c.invite, c.cseq)
		if err := sipmsg.Authorize(retry, res, c.acct.username(), c.acct.Password); err == nil {
			c.m.log.Debugf("call %d: answering %s", c.id, sipmsg.StatusLine(res))
			c.sendInvite(retry)
			return
		}
	}

	if c.State() == CallTerminating {
		c.end("canceled", nil)
		return
	}
	var err error = statusError(res)
	if sipmsg.IsChallenge(res) {
		err = fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	c.fail(err)
}

// hangup ends the call from the local side. It is a no-op once the call is terminating.
func (c *Call) hangup() {
	switch c.State() {
	case CallCalling:
		if !c.provisional {
			// nothing was heard from the callee: abandon the transaction without sending anything
			if tx := c.inviteTx; tx != nil {
				c.inviteTx = nil
				tx.Cancel()
			}
			if c.event(callEvtHangup) {
				c.end("canceled", nil)
			}
			return
		}
		fallthrough
	case CallRinging:
		if c.event(callEvtHangup) {
			c.sendCancel()
		}
	case CallConnected:
		if c.event(callEvtHangup) {
			c.bye(func(err error) { c.end("local hangup", err) })
		}
	}
}

func (c *Call) sendCancel() {
	cancel := sipmsg.CancelFor(c.invite)
	_, err := c.m.layer.Request(cancel, c.dst, c.kind, nil, func(_ *transaction.ClientTx, err error) {
		if err != nil {
			c.m.log.Warnf("call %d: CANCEL: %s", c.id, err)
		}
	})
	if err != nil {
		c.m.log.Warnf("call %d: CANCEL: %s", c.id, err)
	}
	// the INVITE transaction normally ends with 487; give up if it does not
	c.tmrHangup = c.m.loop.AfterFunc(c.m.layer.Timings().TimeB(), func() {
		c.tmrHangup = nil
		if c.State() == CallTerminating {
			c.end("no answer to CANCEL", transaction.ErrTimeout)
		}
	})
}

// bye sends a BYE in the dialog. done, when set, is called once with the outcome.
func (c *Call) bye(done func(error)) {
	finished := false
	finish := func(err error) {
		if finished || done == nil {
			return
		}
		finished = true
		done(err)
	}

	c.cseq++
	req := c.leg.NewRequest(sip.BYE, c.cseq)
	_, err := c.m.layer.Request(req, c.dialogDst, c.dialogKind,
		func(_ *transaction.ClientTx, res *sip.Response) {
			if res.StatusCode >= 200 {
				finish(nil)
			}
		},
		func(_ *transaction.ClientTx, err error) {
			finish(err)
		},
	)
	if err != nil {
		c.m.log.Warnf("call %d: BYE: %s", c.id, err)
		finish(err)
	}
}

// onRemoteBye handles a BYE from the callee. It reports whether the BYE matched a dialog
// in a state that accepts it.
func (c *Call) onRemoteBye() bool {
	switch c.State() {
	case CallConnected:
		c.end("remote hangup", nil)
		return true
	case CallTerminating:
		if !c.connectedAt.IsZero() {
			c.end("remote hangup", nil)
			return true
		}
	}
	return false
}

// onStray2xx handles a 2xx to our INVITE arriving after its transaction is gone: a retransmission
// gets the ACK again, an answer to an abandoned INVITE is acknowledged and torn down.
func (c *Call) onStray2xx(res *sip.Response) {
	if c.ack != nil {
		c.sendAck()
		return
	}
	if c.State() != CallTerminated || c.invite == nil {
		return
	}
	c.m.log.Infof("call %d: late answer %s, releasing", c.id, sipmsg.StatusLine(res))
	c.establishDialog(res)
	c.ack = c.leg.NewRequest(sip.ACK, c.invite.CSeq().SeqNo)
	c.sendAck()
	c.bye(nil)
}

func (c *Call) onMediaEstablished() {
	if c.mediaStartedAt.IsZero() {
		c.mediaStartedAt = time.Now()
		c.m.log.Debugf("call %d: media established", c.id)
	}
}

func (c *Call) onMediaTerminated(err error) {
	if c.State() != CallConnected {
		return
	}
	if err == nil {
		err = ErrMediaTerminated
	} else {
		err = fmt.Errorf("%w: %w", ErrMediaTerminated, err)
	}
	c.bye(nil)
	c.end("media terminated", err)
}

func (c *Call) view() stats.CallView {
	v := stats.CallView{
		InviteSentAt: c.inviteSentAt,
		AnsweredAt:   c.answeredAt,
		ConnectedAt:  c.connectedAt,
		EndedAt:      c.endedAt,
		Media:        c.finalMedia,
	}
	if c.media != nil {
		v.Media = c.media.Counters()
	}
	return v
}
