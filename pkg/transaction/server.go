package transaction

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"

	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/transport"
)

const (
	txEvtRecvReq  = "recv_req"
	txEvtRecvAck  = "recv_ack"
	txEvtSendResp = "send_res"
	txEvtSend2xx  = "send_2xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerJ   = "timer_j"
)

// ServerTx is a minimal server transaction: it answers one inbound request with a single final
// response and absorbs retransmissions of the request by resending that response.
// An INVITE transaction also retransmits a non-2xx final response until it is acknowledged.
// All methods must be called on the loop goroutine.
type ServerTx struct {
	layer  *Layer
	key    string
	req    *sip.Request
	source string
	kind   transport.Kind
	fsm    *stateless.StateMachine

	// res is the last response sent
	res *sip.Response
	// tmr is timer J, or timer I once an INVITE is confirmed
	tmr        *loop.Timer
	tmrG, tmrH *loop.Timer
}

func newServerTx(l *Layer, key string, msg transport.Message, req *sip.Request) *ServerTx {
	tx := &ServerTx{
		layer:  l,
		key:    key,
		req:    req,
		source: msg.Source,
		kind:   msg.Kind,
	}
	if req.Method == sip.INVITE {
		tx.configureInvite()
	} else {
		tx.configureNonInvite()
	}
	tx.fsm.Configure(Terminated).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtSendResp).
		Ignore(txEvtSend2xx).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Ignore(txEvtTimerI).
		Ignore(txEvtTimerJ).
		Ignore(txEvtTerminate)
	return tx
}

func (tx *ServerTx) configureNonInvite() {
	tx.fsm = stateless.NewStateMachine(Trying)
	tx.fsm.Configure(Trying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSendResp, Completed).
		Permit(txEvtSend2xx, Completed).
		Permit(txEvtTerminate, Terminated)
	tx.fsm.Configure(Completed).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResend).
		Permit(txEvtTimerJ, Terminated).
		Permit(txEvtTerminate, Terminated)
}

func (tx *ServerTx) configureInvite() {
	tx.fsm = stateless.NewStateMachine(Proceeding)
	tx.fsm.Configure(Proceeding).
		InternalTransition(txEvtRecvReq, tx.actResend).
		Permit(txEvtSendResp, Completed).
		Permit(txEvtSend2xx, Terminated).
		Permit(txEvtTerminate, Terminated)
	tx.fsm.Configure(Completed).
		OnEntry(tx.actInviteCompleted).
		InternalTransition(txEvtRecvReq, tx.actResend).
		InternalTransition(txEvtTimerG, tx.actTimerG).
		Permit(txEvtRecvAck, Confirmed).
		Permit(txEvtTimerH, Terminated).
		Permit(txEvtTerminate, Terminated)
	tx.fsm.Configure(Confirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Permit(txEvtTimerI, Terminated).
		Permit(txEvtTerminate, Terminated)
}

// String identifies the transaction in logs.
func (tx *ServerTx) String() string { return tx.key }

// Request returns the inbound request.
func (tx *ServerTx) Request() *sip.Request { return tx.req }

// State returns the current state.
func (tx *ServerTx) State() State {
	return tx.fsm.MustState().(State) //nolint:forcetypeassert
}

// Respond sends res. Provisional responses are sent as is; the first final response
// completes the transaction, later ones are dropped.
func (tx *ServerTx) Respond(res *sip.Response) {
	if st := tx.State(); st != Trying && st != Proceeding {
		tx.layer.log.Debugf("transaction %s: response %d dropped in state %s", tx, res.StatusCode, st)
		return
	}
	tx.res = res
	tx.layer.send(res, tx.source, tx.kind, func(err error) {
		if err != nil {
			tx.layer.log.Warnf("transaction %s: send response to %s failed: %s", tx, tx.source, err)
		}
	})
	switch {
	case res.StatusCode >= 300:
		tx.fire(txEvtSendResp)
	case res.StatusCode >= 200:
		tx.fire(txEvtSend2xx)
	}
}

func (tx *ServerTx) fire(trigger string) {
	if err := tx.fsm.Fire(trigger); err != nil {
		tx.layer.log.Errorf("transaction %s: fire %q in state %s: %s", tx, trigger, tx.State(), err)
	}
}

// after fires trigger once d elapsed, at once when d is zero.
func (tx *ServerTx) after(d time.Duration, trigger string) *loop.Timer {
	if d <= 0 {
		tx.fire(trigger)
		return nil
	}
	return tx.layer.loop.AfterFunc(d, func() { tx.fire(trigger) })
}

func (tx *ServerTx) actCompleted(_ context.Context, _ ...any) error {
	tx.tmr = tx.after(tx.layer.timings.TimeJ(tx.kind.Reliable()), txEvtTimerJ)
	return nil
}

func (tx *ServerTx) actInviteCompleted(_ context.Context, _ ...any) error {
	if !tx.kind.Reliable() {
		tx.tmrG = tx.layer.loop.AfterFunc(tx.layer.timings.TimeG(), func() { tx.fire(txEvtTimerG) })
	}
	tx.tmrH = tx.layer.loop.AfterFunc(tx.layer.timings.TimeH(), func() {
		tx.layer.log.Warnf("transaction %s: no ACK for %d from %s", tx, tx.res.StatusCode, tx.source)
		tx.fire(txEvtTimerH)
	})
	return nil
}

func (tx *ServerTx) actTimerG(_ context.Context, _ ...any) error {
	tx.layer.send(tx.res, tx.source, tx.kind, nil)
	tx.tmrG.Reset(tx.layer.timings.nextInterval(tx.tmrG.Duration()))
	return nil
}

func (tx *ServerTx) actConfirmed(_ context.Context, _ ...any) error {
	tx.tmrG.Stop()
	tx.tmrH.Stop()
	tx.tmr = tx.after(tx.layer.timings.TimeI(tx.kind.Reliable()), txEvtTimerI)
	return nil
}

func (tx *ServerTx) actResend(_ context.Context, _ ...any) error {
	if tx.res != nil {
		tx.layer.send(tx.res, tx.source, tx.kind, nil)
	}
	return nil
}

func (tx *ServerTx) actTerminated(_ context.Context, _ ...any) error {
	tx.tmr.Stop()
	tx.tmrG.Stop()
	tx.tmrH.Stop()
	tx.tmr, tx.tmrG, tx.tmrH = nil, nil, nil
	tx.layer.removeServer(tx)
	return nil
}
