package sipmsg

import (
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/transport"
)

// Leg holds what every request of one registration or dialog shares.
type Leg struct {
	CallID    string
	LocalURI  sip.Uri
	LocalTag  string
	RemoteURI sip.Uri
	// RemoteTag is empty until the dialog is established.
	RemoteTag string
	// Target is the request-URI: the registrar, the called party, or the remote Contact once
	// a dialog exists.
	Target sip.Uri
	// RouteSet holds Route header values, in the order they must be sent.
	RouteSet []string

	// Local is the advertised "host:port" written into Via and Contact.
	Local     string
	Transport transport.Kind
	UserAgent string
}

// Contact returns the local contact URI of the leg.
func (l *Leg) Contact() sip.Uri {
	host, portStr, err := net.SplitHostPort(l.Local)
	if err != nil {
		host = l.Local
	}
	port, _ := strconv.Atoi(portStr)
	u := sip.Uri{Scheme: "sip", User: l.LocalURI.User, Host: host, Port: port}
	if l.Transport != "" && l.Transport != transport.UDP {
		u.UriParams = sip.NewParams().Add("transport", string(l.Transport))
	}
	return u
}

// NewRequest builds a request with a fresh Via branch and the leg's dialog headers.
// The message ends with an empty body; use [SetBody] to attach one.
func (l *Leg) NewRequest(method sip.RequestMethod, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, l.Target)

	req.AppendHeader(l.via(NewBranch()))
	maxFwd := sip.MaxForwardsHeader(DefaultMaxForwards)
	req.AppendHeader(&maxFwd)

	for _, r := range l.RouteSet {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	from := &sip.FromHeader{Address: AOR(l.LocalURI), Params: sip.NewParams()}
	if l.LocalTag != "" {
		from.Params.Add("tag", l.LocalTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: AOR(l.RemoteURI), Params: sip.NewParams()}
	if l.RemoteTag != "" {
		to.Params.Add("tag", l.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(l.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	switch method {
	case sip.INVITE, sip.REGISTER:
		req.AppendHeader(&sip.ContactHeader{Address: l.Contact(), Params: sip.NewParams()})
	}
	if l.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", l.UserAgent))
	}
	SetBody(req, "", nil)
	return req
}

func (l *Leg) via(branch string) *sip.ViaHeader {
	host, portStr, err := net.SplitHostPort(l.Local)
	if err != nil {
		host = l.Local
	}
	port, _ := strconv.Atoi(portStr)
	kind := l.Transport
	if kind == "" {
		kind = transport.UDP
	}
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       kind.ViaName(),
		Host:            host,
		Port:            port,
		Params:          sip.NewParams().Add("branch", branch),
	}
}

// SetBody replaces the body of req, keeping Content-Type and Content-Length consistent.
func SetBody(req *sip.Request, contentType string, body []byte) {
	req.SetBody(body)
	req.RemoveHeader("Content-Type")
	req.RemoveHeader("Content-Length")
	if len(body) > 0 && contentType != "" {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
	}
	cl := sip.ContentLengthHeader(len(body))
	req.AppendHeader(&cl)
}

// Retry copies req for a resubmission with a new branch and CSeq, as done after an
// authentication challenge. Authorization headers of the original are dropped.
func Retry(req *sip.Request, cseq uint32) *sip.Request {
	next := req.Clone()
	next.RemoveHeader("Authorization")
	next.RemoveHeader("Proxy-Authorization")
	if via := next.Via(); via != nil {
		v := via.Clone()
		v.Params = via.Params.Clone().Add("branch", NewBranch())
		next.ReplaceHeader(v)
	}
	next.ReplaceHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: req.Method})
	return next
}

// AckFor builds the ACK of a non-2xx final response, which belongs to the INVITE transaction:
// same request-URI, top Via, From, Call-ID and CSeq number as the INVITE, To taken from the response.
func AckFor(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	maxFwd := sip.MaxForwardsHeader(DefaultMaxForwards)
	ack.AppendHeader(&maxFwd)
	sip.CopyHeaders("Route", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	} else {
		sip.CopyHeaders("To", invite, ack)
	}
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	SetBody(ack, "", nil)
	return ack
}

// CancelFor builds the CANCEL of a pending INVITE, sharing its top Via and CSeq number.
func CancelFor(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	maxFwd := sip.MaxForwardsHeader(DefaultMaxForwards)
	cancel.AppendHeader(&maxFwd)
	sip.CopyHeaders("Route", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	SetBody(cancel, "", nil)
	return cancel
}

// NewResponse builds a response to req with an empty body.
func NewResponse(req *sip.Request, code int, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if res.GetHeader("Content-Length") == nil {
		cl := sip.ContentLengthHeader(0)
		res.AppendHeader(&cl)
	}
	return res
}
