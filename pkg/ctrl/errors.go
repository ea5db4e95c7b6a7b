package ctrl

import "errors"

// ErrNoCtrlConn is returned when trying to send a command with a [Client] whose connection has never
// been established. Did you invoke the [Client.Serve] method?
var ErrNoCtrlConn = errors.New("no control connection established")

// ErrUnknownCommand is reported in the response to a command the server does not implement.
var ErrUnknownCommand = errors.New("unknown command")

// ErrBadParams is reported in the response to a command with missing or malformed parameters.
var ErrBadParams = errors.New("invalid command parameters")
