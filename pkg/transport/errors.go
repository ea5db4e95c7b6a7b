package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrTransport matches every *[Error] with errors.Is.
var ErrTransport = errors.New("transport error")

// ErrorKind classifies transport failures.
type ErrorKind int

// Transport failure kinds.
const (
	Unreachable ErrorKind = iota
	AuthFailure
	HandshakeFailure
	Timeout
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthFailure:
		return "auth failure"
	case HandshakeFailure:
		return "handshake failure"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by [Transport.Send].
type Error struct {
	Kind ErrorKind
	Op   string
	Dest string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Dest, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Dest, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match [ErrTransport].
func (e *Error) Is(target error) bool { return target == ErrTransport }

// Temporary reports whether retrying may help.
func (e *Error) Temporary() bool {
	return e.Kind == Unreachable || e.Kind == Timeout
}

// KindOf extracts the [ErrorKind] of err, returning false if err is not a transport error.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// classify wraps a socket or handshake error into an *Error.
func classify(op, dest string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	kind := Unreachable
	var (
		unknownAuth  x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		certVerify   *tls.CertificateVerificationError
		recordHeader tls.RecordHeaderError
		alert        tls.AlertError
		netErr       net.Error
	)
	switch {
	case errors.Is(err, net.ErrClosed):
		kind = Closed
	case errors.Is(err, os.ErrDeadlineExceeded):
		kind = Timeout
	case errors.As(err, &certVerify), errors.As(err, &unknownAuth),
		errors.As(err, &hostErr), errors.As(err, &certInvalid):
		kind = AuthFailure
	case errors.As(err, &recordHeader), errors.As(err, &alert):
		kind = HandshakeFailure
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Dest: dest, Err: err}
}
