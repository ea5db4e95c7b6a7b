// Package transport moves SIP messages over UDP, TCP and TLS.
//
// A [Transport] serializes outbound [sip.Message] values, delivers parsed inbound messages to the
// registered [Handler] and owns every socket it opens. [Manager] is the socket-backed
// implementation; the transporttest and transportmock sub-packages provide test doubles.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Kind selects the transport protocol.
type Kind string

// Supported transport kinds.
const (
	UDP Kind = "udp"
	TCP Kind = "tcp"
	TLS Kind = "tls"
)

// ParseKind converts a transport name (as found in a ";transport=" URI parameter) to a [Kind].
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case UDP, TCP, TLS:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", s)
	}
}

// Reliable reports whether the kind is connection oriented.
func (k Kind) Reliable() bool {
	return k == TCP || k == TLS
}

// ViaName returns the transport token used in Via headers.
func (k Kind) ViaName() string {
	return strings.ToUpper(string(k))
}

// DefaultPort is the well-known SIP port for the kind.
func (k Kind) DefaultPort() int {
	if k == TLS {
		return 5061
	}
	return 5060
}

// Message is an inbound SIP message together with where it came from.
type Message struct {
	Msg    sip.Message
	Source string
	Kind   Kind
	// Size is the number of bytes the message occupied on the wire.
	Size int
}

// Handler consumes inbound messages. It is called from transport reader goroutines
// and must not block.
type Handler func(Message)

// Counters are cumulative traffic counters.
type Counters struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	ParseFailures    uint64 `json:"parse_failures"`
}

// Transport is the boundary between the SIP core and the network.
//
//go:generate mockgen -destination=transportmock/mock_transport.go -package=transportmock . Transport
type Transport interface {
	// Send serializes msg and writes it to dst ("host:port" or bare host, resolved as needed)
	// over the given kind. Failures are reported as *[Error].
	Send(ctx context.Context, msg sip.Message, dst string, kind Kind) error
	// OnReceive installs the inbound message handler, replacing any previous one.
	OnReceive(h Handler)
	// LocalAddr is the "host:port" to advertise in Via and Contact headers for kind.
	LocalAddr(kind Kind) string
	// Counters returns a snapshot of the traffic counters.
	Counters() Counters
	// Close releases every socket. It is idempotent.
	Close() error
}
