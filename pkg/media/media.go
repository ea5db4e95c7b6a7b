// Package media defines the boundary between the SIP core and the media engine.
//
// The core never touches RTP: it asks a [Factory] for one [Session] per call, places the
// session's offer in the INVITE, hands it the answer from the 2xx, and reads its counters for
// call statistics. The media engine reports back through a [Notifier].
package media

import "errors"

// ErrNoCommonCodec is returned by [Session.Answer] when the answer selects nothing we offered.
var ErrNoCommonCodec = errors.New("no common codec")

// Counters are cumulative media traffic counters of one session.
type Counters struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Notifier receives session signals from the media engine. Implementations must be safe to
// call from any goroutine.
type Notifier interface {
	// SessionEstablished reports that media is flowing for the call.
	SessionEstablished(callID uint32)
	// SessionTerminated reports that media stopped on its own, e.g. the remote went away.
	SessionTerminated(callID uint32, err error)
}

// Session is the media side of one call.
type Session interface {
	// Offer returns the session description placed in the INVITE.
	Offer() (contentType string, body []byte, err error)
	// Answer applies the remote answer carried by the 2xx.
	Answer(contentType string, body []byte) error
	// Start begins media once the call is connected.
	Start() error
	// Counters returns the traffic counters. It must not block.
	Counters() Counters
	// Close releases the session. It is called exactly once.
	Close() error
}

// Factory creates media sessions.
type Factory interface {
	NewSession(callID uint32, n Notifier) (Session, error)
}
