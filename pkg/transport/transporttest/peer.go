package transporttest

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// PeerTag is the To tag [Reply] adds to responses.
const PeerTag = "peer-tag"

// PeerAddr is the source address of the responses injected by a [Peer].
const PeerAddr = "192.0.2.1:5060"

// PeerHandler answers one request. It runs on the sending goroutine.
type PeerHandler func(req *sip.Request) []*sip.Response

// Peer plays the remote side, registrar or callee, of the requests sent through a [Transport].
// Requests without a handler go unanswered.
type Peer struct {
	tp *Transport

	mu       sync.Mutex
	handlers map[sip.RequestMethod]PeerHandler
	last     map[sip.RequestMethod]*sip.Request
}

// NewPeer installs a peer as the send hook of tp.
func NewPeer(tp *Transport) *Peer {
	p := &Peer{
		tp:       tp,
		handlers: make(map[sip.RequestMethod]PeerHandler),
		last:     make(map[sip.RequestMethod]*sip.Request),
	}
	tp.OnSend(p.onSend)
	return p
}

// Handle sets the handler of method, replacing any previous one.
func (p *Peer) Handle(method sip.RequestMethod, h PeerHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// Last returns the last request of method received, or nil.
func (p *Peer) Last(method sip.RequestMethod) *sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[method]
}

func (p *Peer) onSend(s Sent) error {
	req := s.Request()
	if req == nil {
		return nil
	}
	p.mu.Lock()
	p.last[req.Method] = req
	h := p.handlers[req.Method]
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	for _, res := range h(req) {
		p.tp.Inject(res, PeerAddr, s.Kind)
	}
	return nil
}

// Reply builds a response to req the way a registrar or callee would: responses other than
// 100 to out-of-dialog requests carry the To tag [PeerTag], replacing the one sipgo generates.
func Reply(req *sip.Request, code int, reason string, hdrs ...sip.Header) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if code > 100 && req.To() != nil {
		if tag, _ := req.To().Params.Get("tag"); tag == "" {
			if to := res.To(); to != nil {
				tagged := sip.HeaderClone(to).(*sip.ToHeader)
				tagged.Params = to.Params.Clone().Add("tag", PeerTag)
				res.ReplaceHeader(tagged)
			}
		}
	}
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	return res
}
