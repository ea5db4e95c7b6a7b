// Package sipmsg builds the SIP requests and responses a user agent sends,
// on top of the github.com/emiago/sipgo/sip message model.
package sipmsg

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/f18m/go-sipua/pkg/transport"
)

// BranchMagicCookie prefixes every RFC 3261 compliant Via branch.
const BranchMagicCookie = "z9hG4bK"

// DefaultMaxForwards is written into every new request.
const DefaultMaxForwards = 70

// ErrInvalidURI is returned when a string is not a SIP or SIPS URI.
var ErrInvalidURI = errors.New("invalid SIP URI")

// NewBranch returns a fresh Via branch parameter.
func NewBranch() string {
	return BranchMagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTag returns a fresh From/To tag.
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCallID returns a fresh Call-ID, qualified with host when it is not empty.
func NewCallID(host string) string {
	id := uuid.NewString()
	if host == "" {
		return id
	}
	return id + "@" + host
}

// ParseURI parses a sip: or sips: URI. Bare "user@host" strings are accepted as sip: URIs.
func ParseURI(s string) (sip.Uri, error) {
	var u sip.Uri
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return u, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}

	lower := strings.ToLower(s)
	switch scheme, rest, found := strings.Cut(lower, ":"); {
	case scheme == "sip" || scheme == "sips":
	case found && isForeignScheme(scheme, rest):
		return u, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURI, s)
	default:
		s = "sip:" + s
	}

	if err := sip.ParseUri(s, &u); err != nil {
		return u, fmt.Errorf("%w: %q: %w", ErrInvalidURI, s, err)
	}
	if u.Host == "" {
		return u, fmt.Errorf("%w: %q has no host", ErrInvalidURI, s)
	}
	if u.Scheme == "" {
		u.Scheme = "sip"
	}
	return u, nil
}

// isForeignScheme tells "tel:+1234" apart from "host:5060".
func isForeignScheme(scheme, rest string) bool {
	if scheme == "" || strings.ContainsAny(scheme, "@.") {
		return false
	}
	for _, r := range scheme {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return rest == "" || rest[0] < '0' || rest[0] > '9'
}

// TransportOf returns the transport selected by a URI: its ";transport=" parameter,
// TLS for sips: URIs, or def.
func TransportOf(u sip.Uri, def transport.Kind) (transport.Kind, error) {
	if u.UriParams != nil {
		if v, ok := u.UriParams.Get("transport"); ok && v != "" {
			return transport.ParseKind(v)
		}
	}
	if u.Scheme == "sips" {
		return transport.TLS, nil
	}
	return def, nil
}

// Destination is the "host:port" a request for u is sent to. When u carries no port the bare host
// is returned, leaving the port to SRV resolution in the transport.
func Destination(u sip.Uri) string {
	if u.Port > 0 {
		return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	}
	return u.Host
}

// AOR strips everything but scheme, user and host:port from u.
func AOR(u sip.Uri) sip.Uri {
	return sip.Uri{Scheme: u.Scheme, User: u.User, Host: u.Host, Port: u.Port}
}

// AORString is the canonical string form of an address-of-record, used as registration key.
func AORString(u sip.Uri) string {
	a := AOR(u)
	if a.Scheme == "" {
		a.Scheme = "sip"
	}
	return a.String()
}

// Registrar returns the request-URI of a REGISTER for aor: the AOR without its user part.
func Registrar(aor sip.Uri) sip.Uri {
	r := sip.Uri{Scheme: aor.Scheme, Host: aor.Host, Port: aor.Port}
	if aor.UriParams != nil {
		if v, ok := aor.UriParams.Get("transport"); ok {
			r.UriParams = sip.NewParams().Add("transport", v)
		}
	}
	return r
}

// FirstVia returns the topmost Via header of msg, or nil.
func FirstVia(msg sip.Message) *sip.ViaHeader {
	switch m := msg.(type) {
	case *sip.Request:
		return m.Via()
	case *sip.Response:
		return m.Via()
	}
	return nil
}

// Branch returns the branch of the topmost Via of msg.
func Branch(msg sip.Message) string {
	via := FirstVia(msg)
	if via == nil || via.Params == nil {
		return ""
	}
	b, _ := via.Params.Get("branch")
	return b
}

// Tag returns the tag parameter of a From or To header.
func Tag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	t, _ := params.Get("tag")
	return t
}

// HeaderInt parses the integer value of the first header called name.
func HeaderInt(msg sip.Message, name string) (int, bool) {
	hs := msg.GetHeaders(name)
	if len(hs) == 0 {
		return 0, false
	}
	h := hs[0]
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return 0, false
	}
	return n, true
}

// StatusLine renders "code reason" of a response, for logs and event details.
func StatusLine(res *sip.Response) string {
	return fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
}
