package session

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

var (
	// ErrAuthFailure is reported when a request is challenged again after one credential retry,
	// or challenged while no credentials are configured.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrSuperseded ends a registration replaced by a new register call for the same AOR.
	ErrSuperseded = errors.New("registration superseded")
	// ErrAborted ends a registration attempt interrupted by an unregister.
	ErrAborted = errors.New("registration aborted")
	// ErrShutdown ends whatever was pending when the user agent shut down.
	ErrShutdown = errors.New("user agent shutting down")
	// ErrUnknownCall is returned for call ids that never existed.
	ErrUnknownCall = errors.New("unknown call")
	// ErrInvariant reports a broken internal invariant; only the affected session is aborted.
	ErrInvariant = errors.New("internal invariant violated")
	// ErrMediaTerminated ends a call whose media session stopped.
	ErrMediaTerminated = errors.New("media session terminated")
)

// StatusError is a final non-2xx response, as seen by a registration or call.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

func statusError(res *sip.Response) *StatusError {
	return &StatusError{Code: int(res.StatusCode), Reason: res.Reason}
}

// StatusCode returns the SIP status code carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
