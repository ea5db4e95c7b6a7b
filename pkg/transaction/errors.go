package transaction

import "errors"

var (
	// ErrTimeout terminates a client transaction that got no final response in time (timer B/F).
	// When sends failed, the last transport error is wrapped as well.
	ErrTimeout = errors.New("transaction timed out")
	// ErrCanceled terminates a client transaction stopped with [ClientTx.Cancel].
	ErrCanceled = errors.New("transaction canceled")
	// ErrClosed terminates every transaction still alive when the [Layer] is closed.
	ErrClosed = errors.New("transaction layer closed")
	// ErrInvalidRequest is returned for requests lacking the headers needed to match responses.
	ErrInvalidRequest = errors.New("invalid request")
)
