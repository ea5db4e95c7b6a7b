// Package transaction implements the SIP transaction layer of a user agent:
// client INVITE and non-INVITE transactions with retransmission and timeouts,
// a minimal server transaction, and matching of inbound messages by Via branch.
//
// The layer is not safe for concurrent use. Every method must be called on the goroutine of
// the [loop.Loop] it was created with; inbound messages reach it through [Layer.Receive],
// which the transport handler posts to that loop. Sends run on separate goroutines and report
// back through the loop, so nothing here ever blocks on the network.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transport"
)

// RequestHandler handles an inbound request that created a new server transaction.
// It must eventually call [ServerTx.Respond] with a final response.
type RequestHandler func(tx *ServerTx, req *sip.Request)

// UnmatchedHandler gets a response no client transaction matched, such as a retransmitted
// 2xx to an INVITE. It returns true if it consumed the response.
type UnmatchedHandler func(res *sip.Response, msg transport.Message) bool

// Layer owns all transactions of a user agent.
type Layer struct {
	loop    *loop.Loop
	tp      transport.Transport
	timings Timings
	log     log.Logger

	clients map[string]*ClientTx
	servers map[string]*ServerTx

	onRequest   RequestHandler
	onUnmatched UnmatchedHandler

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup
	closed bool

	unmatched atomic.Uint64
	timeouts  atomic.Uint64
}

// NewLayer creates a transaction layer sending through tp. Call it on the loop goroutine
// or before the loop starts.
func NewLayer(l *loop.Loop, tp transport.Transport, timings Timings, logger log.Logger) *Layer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		loop:    l,
		tp:      tp,
		timings: timings,
		log:     log.OrNop(logger),
		clients: make(map[string]*ClientTx),
		servers: make(map[string]*ServerTx),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnRequest installs the handler for inbound requests.
func (l *Layer) OnRequest(h RequestHandler) { l.onRequest = h }

// OnUnmatchedResponse installs the handler for responses matching no transaction.
func (l *Layer) OnUnmatchedResponse(h UnmatchedHandler) { l.onUnmatched = h }

// Timings returns the timer configuration.
func (l *Layer) Timings() Timings { return l.timings }

// Unmatched is the number of inbound messages dropped because nothing matched them.
func (l *Layer) Unmatched() uint64 { return l.unmatched.Load() }

// Timeouts is the number of client transactions terminated by timer B or F.
func (l *Layer) Timeouts() uint64 { return l.timeouts.Load() }

// Len returns the number of live client and server transactions.
func (l *Layer) Len() int { return len(l.clients) + len(l.servers) }

// clientKey matches a request or response to its client transaction: RFC 3261 section 17.1.3.
func clientKey(msg sip.Message) (string, error) {
	branch := sipmsg.Branch(msg)
	if branch == "" {
		return "", errtrace.Wrap(fmt.Errorf("%w: missing Via branch", ErrInvalidRequest))
	}
	var cseq *sip.CSeqHeader
	switch m := msg.(type) {
	case *sip.Request:
		cseq = m.CSeq()
	case *sip.Response:
		cseq = m.CSeq()
	}
	if cseq == nil {
		return "", errtrace.Wrap(fmt.Errorf("%w: missing CSeq", ErrInvalidRequest))
	}
	return branch + "|" + string(cseq.MethodName), nil
}

// serverKey matches an inbound request to its server transaction. An ACK matches the
// INVITE transaction it acknowledges.
func serverKey(req *sip.Request) (string, error) {
	branch := sipmsg.Branch(req)
	if branch == "" {
		return "", errtrace.Wrap(fmt.Errorf("%w: missing Via branch", ErrInvalidRequest))
	}
	method := req.Method
	if method == sip.ACK {
		method = sip.INVITE
	}
	return branch + "|" + string(method), nil
}

// Request starts a client transaction sending req to dst over kind. onResponse gets provisional
// responses and the final one; onDone is called once on termination. Either may be nil.
func (l *Layer) Request(req *sip.Request, dst string, kind transport.Kind, onResponse ResponseHandler, onDone DoneHandler) (*ClientTx, error) {
	if l.closed {
		return nil, errtrace.Wrap(ErrClosed)
	}
	key, err := clientKey(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if _, ok := l.clients[key]; ok {
		return nil, errtrace.Wrap(fmt.Errorf("%w: duplicate transaction %s", ErrInvalidRequest, key))
	}

	tx := newClientTx(l, key, req, dst, kind, onResponse, onDone)
	l.clients[key] = tx
	l.log.Debugf("transaction %s started towards %s/%s", tx, kind, dst)
	tx.start()
	return tx, nil
}

// Send transmits msg outside of any transaction, as done for the ACK of a 2xx.
// done, when not nil, is called on the loop with the send result.
func (l *Layer) Send(msg sip.Message, dst string, kind transport.Kind, done func(error)) {
	if l.closed {
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	l.send(msg, dst, kind, done)
}

func (l *Layer) send(msg sip.Message, dst string, kind transport.Kind, done func(error)) {
	l.sends.Add(1)
	go func() {
		defer l.sends.Done()
		err := l.tp.Send(l.ctx, msg, dst, kind)
		if done != nil {
			l.loop.Post(func() { done(err) })
		}
	}()
}

// Receive dispatches an inbound message to its transaction. Unmatched responses and
// malformed messages are dropped, logged and counted.
func (l *Layer) Receive(msg transport.Message) {
	if l.closed {
		return
	}
	switch m := msg.Msg.(type) {
	case *sip.Response:
		l.receiveResponse(m, msg)
	case *sip.Request:
		l.receiveRequest(m, msg)
	default:
		l.unmatched.Add(1)
		l.log.Warnf("dropping unknown message type %T from %s", msg.Msg, msg.Source)
	}
}

func (l *Layer) receiveResponse(res *sip.Response, msg transport.Message) {
	key, err := clientKey(res)
	if err != nil {
		l.unmatched.Add(1)
		l.log.Warnf("dropping response from %s: %s", msg.Source, err)
		return
	}
	if tx, ok := l.clients[key]; ok {
		tx.receive(res)
		return
	}
	if l.onUnmatched != nil && l.onUnmatched(res, msg) {
		return
	}
	l.unmatched.Add(1)
	l.log.Debugf("dropping unmatched response %d %s (%s) from %s", res.StatusCode, res.Reason, key, msg.Source)
}

func (l *Layer) receiveRequest(req *sip.Request, msg transport.Message) {
	key, err := serverKey(req)
	if err != nil {
		l.unmatched.Add(1)
		l.log.Warnf("dropping request from %s: %s", msg.Source, err)
		return
	}

	if tx, ok := l.servers[key]; ok {
		if req.Method == sip.ACK {
			tx.fire(txEvtRecvAck)
			return
		}
		tx.fire(txEvtRecvReq)
		return
	}
	if req.Method == sip.ACK {
		l.unmatched.Add(1)
		l.log.Debugf("dropping unmatched ACK from %s", msg.Source)
		return
	}

	tx := newServerTx(l, key, msg, req)
	l.servers[key] = tx
	if l.onRequest == nil {
		tx.Respond(sipmsg.NewResponse(req, 501, "Not Implemented"))
		return
	}
	l.onRequest(tx, req)
}

func (l *Layer) removeClient(tx *ClientTx) {
	if l.clients[tx.key] == tx {
		delete(l.clients, tx.key)
	}
}

func (l *Layer) removeServer(tx *ServerTx) {
	if l.servers[tx.key] == tx {
		delete(l.servers, tx.key)
	}
}

// Close terminates every transaction with [ErrClosed], aborts sends in progress and waits for
// the send goroutines. It must be called on the loop goroutine.
func (l *Layer) Close() {
	if l.closed {
		return
	}
	l.closed = true

	clients := make([]*ClientTx, 0, len(l.clients))
	for _, tx := range l.clients {
		clients = append(clients, tx)
	}
	for _, tx := range clients {
		tx.terminate(ErrClosed)
	}
	servers := make([]*ServerTx, 0, len(l.servers))
	for _, tx := range l.servers {
		servers = append(servers, tx)
	}
	for _, tx := range servers {
		tx.fire(txEvtTerminate)
	}

	l.cancel()
	l.sends.Wait()
}
