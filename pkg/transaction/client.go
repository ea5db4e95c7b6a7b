package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"

	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transport"
)

// State is the state of a transaction.
type State string

// Transaction states of RFC 3261 section 17.
const (
	Calling    State = "Calling"
	Trying     State = "Trying"
	Proceeding State = "Proceeding"
	Completed  State = "Completed"
	Confirmed  State = "Confirmed"
	Terminated State = "Terminated"
)

func (s State) String() string { return string(s) }

const (
	txEvtRetransmit = "timer_a"
	txEvtTimeout    = "timer_b"
	txEvtWait       = "timer_d"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecvFinal  = "recv_300-699"
	txEvtTerminate  = "terminate"
)

// ResponseHandler receives the responses passed up by a client transaction:
// every provisional response, and the first final one.
type ResponseHandler func(tx *ClientTx, res *sip.Response)

// DoneHandler is called once when a client transaction terminates.
// err is nil after a final response, [ErrTimeout], [ErrCanceled] or [ErrClosed] otherwise.
type DoneHandler func(tx *ClientTx, err error)

// ClientTx is a client transaction. All of its methods must be called on the loop goroutine.
type ClientTx struct {
	layer  *Layer
	key    string
	req    *sip.Request
	dst    string
	kind   transport.Kind
	invite bool
	fsm    *stateless.StateMachine

	onResponse ResponseHandler
	onDone     DoneHandler

	tmrRetransmit *loop.Timer // A or E, also drives retries after transport errors
	tmrTimeout    *loop.Timer // B or F
	tmrWait       *loop.Timer // D or K
	interval      time.Duration

	lastErr error
	final   *sip.Response
	ack     *sip.Request
	err     error
	sentAt  time.Time
}

func newClientTx(l *Layer, key string, req *sip.Request, dst string, kind transport.Kind, onRes ResponseHandler, onDone DoneHandler) *ClientTx {
	tx := &ClientTx{
		layer:      l,
		key:        key,
		req:        req,
		dst:        dst,
		kind:       kind,
		invite:     req.Method == sip.INVITE,
		onResponse: onRes,
		onDone:     onDone,
	}
	if tx.invite {
		tx.initInviteFSM()
	} else {
		tx.initNonInviteFSM()
	}
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		l.log.Debugf("transaction %s: %v ignored in state %v", tx, trigger, state)
		return nil
	})
	return tx
}

func (tx *ClientTx) initInviteFSM() {
	tx.fsm = stateless.NewStateMachine(Calling)

	tx.fsm.Configure(Calling).
		Permit(txEvtRecv1xx, Proceeding).
		Permit(txEvtRecv2xx, Terminated).
		Permit(txEvtRecvFinal, Completed).
		Permit(txEvtTimeout, Terminated).
		Permit(txEvtTerminate, Terminated)

	tx.fsm.Configure(Proceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actProceeding).
		InternalTransition(txEvtRecv1xx, tx.actPassResponse).
		Permit(txEvtRecv2xx, Terminated).
		Permit(txEvtRecvFinal, Completed).
		Permit(txEvtTerminate, Terminated)

	tx.fsm.Configure(Completed).
		OnEntryFrom(txEvtRecvFinal, tx.actCompleted).
		InternalTransition(txEvtRecvFinal, tx.actResendAck).
		Ignore(txEvtRecv1xx).
		Permit(txEvtWait, Terminated).
		Permit(txEvtTerminate, Terminated)

	tx.configureTerminated()
}

func (tx *ClientTx) initNonInviteFSM() {
	tx.fsm = stateless.NewStateMachine(Trying)

	tx.fsm.Configure(Trying).
		Permit(txEvtRecv1xx, Proceeding).
		Permit(txEvtRecvFinal, Completed).
		Permit(txEvtTimeout, Terminated).
		Permit(txEvtTerminate, Terminated)

	tx.fsm.Configure(Proceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actProceeding).
		InternalTransition(txEvtRecv1xx, tx.actPassResponse).
		Permit(txEvtRecvFinal, Completed).
		Permit(txEvtTimeout, Terminated).
		Permit(txEvtTerminate, Terminated)

	tx.fsm.Configure(Completed).
		OnEntryFrom(txEvtRecvFinal, tx.actCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecvFinal).
		Permit(txEvtWait, Terminated).
		Permit(txEvtTerminate, Terminated)

	tx.configureTerminated()
}

func (tx *ClientTx) configureTerminated() {
	tx.fsm.Configure(Terminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassResponse).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRetransmit).
		Ignore(txEvtTimeout).
		Ignore(txEvtWait).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecvFinal).
		Ignore(txEvtTerminate)
}

// String identifies the transaction in logs.
func (tx *ClientTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

// Key is the matching key: top Via branch and method.
func (tx *ClientTx) Key() string { return tx.key }

// Request returns the request that created the transaction.
func (tx *ClientTx) Request() *sip.Request { return tx.req }

// Response returns the final response, or nil.
func (tx *ClientTx) Response() *sip.Response { return tx.final }

// Err returns the termination error, if any.
func (tx *ClientTx) Err() error { return tx.err }

// SentAt is when the request was first handed to the transport.
func (tx *ClientTx) SentAt() time.Time { return tx.sentAt }

// State returns the current state.
func (tx *ClientTx) State() State {
	return tx.fsm.MustState().(State) //nolint:forcetypeassert
}

// Cancel stops all timers without sending anything and terminates the transaction with
// [ErrCanceled]. It is a no-op on a terminated transaction.
func (tx *ClientTx) Cancel() {
	tx.terminate(ErrCanceled)
}

func (tx *ClientTx) terminate(err error) {
	if tx.State() == Terminated {
		return
	}
	tx.err = err
	tx.fire(txEvtTerminate)
}

func (tx *ClientTx) fire(trigger string, args ...any) {
	if err := tx.fsm.Fire(trigger, args...); err != nil {
		tx.layer.log.Errorf("transaction %s: fire %q in state %s: %s", tx, trigger, tx.State(), err)
	}
}

func (tx *ClientTx) start() {
	tx.sentAt = time.Now()
	tx.interval = tx.layer.timings.T1()
	tx.transmit()

	if !tx.kind.Reliable() {
		tx.tmrRetransmit = tx.layer.loop.AfterFunc(tx.interval, tx.onRetransmit)
	}
	timeout := tx.layer.timings.TimeF()
	if tx.invite {
		timeout = tx.layer.timings.TimeB()
	}
	tx.tmrTimeout = tx.layer.loop.AfterFunc(timeout, tx.onTimeout)
}

func (tx *ClientTx) transmit() {
	tx.layer.send(tx.req, tx.dst, tx.kind, tx.onSendResult)
}

// retransmitting reports whether the request is still being (re)sent in the current state.
func (tx *ClientTx) retransmitting() bool {
	switch tx.State() {
	case Calling, Trying:
		return true
	case Proceeding:
		return !tx.invite
	default:
		return false
	}
}

func (tx *ClientTx) onSendResult(err error) {
	if err == nil || tx.State() == Terminated {
		return
	}
	tx.lastErr = err
	tx.layer.log.Warnf("transaction %s: send to %s/%s failed: %s", tx, tx.kind, tx.dst, err)

	// unreliable transports keep retransmitting on timer A/E anyway
	if tx.tmrRetransmit == nil && tx.retransmitting() {
		tx.tmrRetransmit = tx.layer.loop.AfterFunc(tx.interval, tx.onRetransmit)
	}
}

func (tx *ClientTx) onRetransmit() {
	if !tx.retransmitting() {
		tx.tmrRetransmit = nil
		return
	}
	tx.layer.log.Debugf("transaction %s: retransmit after %s", tx, tx.interval)
	tx.transmit()

	if tx.State() == Proceeding {
		tx.interval = tx.layer.timings.T2()
	} else {
		tx.interval = tx.layer.timings.nextInterval(tx.interval)
	}
	if tx.kind.Reliable() {
		// only re-armed by the next send failure
		tx.tmrRetransmit = nil
		return
	}
	tx.tmrRetransmit.Reset(tx.interval)
}

func (tx *ClientTx) onTimeout() {
	tx.tmrTimeout = nil
	if tx.State() == Terminated || tx.State() == Completed {
		return
	}
	if tx.lastErr != nil {
		tx.err = fmt.Errorf("%w: %w", ErrTimeout, tx.lastErr)
	} else {
		tx.err = ErrTimeout
	}
	tx.layer.timeouts.Add(1)
	tx.fire(txEvtTimeout)
}

func (tx *ClientTx) onWait() {
	tx.tmrWait = nil
	tx.fire(txEvtWait)
}

// receive is called by the layer with a response matching the transaction.
func (tx *ClientTx) receive(res *sip.Response) {
	switch {
	case res.StatusCode < 200:
		tx.fire(txEvtRecv1xx, res)
	case res.StatusCode < 300 && tx.invite:
		tx.fire(txEvtRecv2xx, res)
	default:
		tx.fire(txEvtRecvFinal, res)
	}
}

func responseArg(args []any) *sip.Response {
	if len(args) == 0 {
		return nil
	}
	res, _ := args[0].(*sip.Response)
	return res
}

func (tx *ClientTx) actPassResponse(_ context.Context, args ...any) error {
	res := responseArg(args)
	if res == nil {
		return nil
	}
	if res.StatusCode >= 200 {
		tx.final = res
	}
	if tx.onResponse != nil {
		tx.onResponse(tx, res)
	}
	return nil
}

func (tx *ClientTx) actProceeding(ctx context.Context, args ...any) error {
	if tx.invite {
		// an INVITE waits for its final response as long as the caller wants
		tx.stopRetransmit()
		tx.tmrTimeout.Stop()
		tx.tmrTimeout = nil
	} else {
		tx.interval = tx.layer.timings.T2()
	}
	return tx.actPassResponse(ctx, args...)
}

func (tx *ClientTx) actCompleted(ctx context.Context, args ...any) error {
	tx.stopRetransmit()
	tx.tmrTimeout.Stop()
	tx.tmrTimeout = nil

	if tx.invite {
		if res := responseArg(args); res != nil {
			tx.ack = sipmsg.AckFor(tx.req, res)
			tx.layer.send(tx.ack, tx.dst, tx.kind, nil)
		}
	}
	_ = tx.actPassResponse(ctx, args...)

	wait := tx.layer.timings.TimeK(tx.kind.Reliable())
	if tx.invite {
		wait = tx.layer.timings.TimeD(tx.kind.Reliable())
	}
	if wait <= 0 {
		tx.fire(txEvtWait)
		return nil
	}
	tx.tmrWait = tx.layer.loop.AfterFunc(wait, tx.onWait)
	return nil
}

func (tx *ClientTx) actResendAck(_ context.Context, _ ...any) error {
	if tx.ack != nil {
		tx.layer.send(tx.ack, tx.dst, tx.kind, nil)
	}
	return nil
}

func (tx *ClientTx) actTerminated(_ context.Context, _ ...any) error {
	tx.stopRetransmit()
	tx.tmrTimeout.Stop()
	tx.tmrTimeout = nil
	tx.tmrWait.Stop()
	tx.tmrWait = nil

	tx.layer.removeClient(tx)
	if tx.err != nil {
		tx.layer.log.Debugf("transaction %s terminated: %s", tx, tx.err)
	} else {
		tx.layer.log.Debugf("transaction %s terminated", tx)
	}
	if tx.onDone != nil {
		tx.onDone(tx, tx.err)
	}
	return nil
}

func (tx *ClientTx) stopRetransmit() {
	tx.tmrRetransmit.Stop()
	tx.tmrRetransmit = nil
}
