package sipua

import (
	"errors"
	"fmt"

	"github.com/f18m/go-sipua/pkg/session"
	"github.com/f18m/go-sipua/pkg/sipmsg"
)

// ErrAlreadyInitialized is returned by [UserAgent.Init] when the user agent is running already.
var ErrAlreadyInitialized = errors.New("user agent already initialized")

// ErrNotInitialized is returned by every operation of a [UserAgent] that is not running.
// Did you invoke the [UserAgent.Init] method?
var ErrNotInitialized = errors.New("user agent not initialized")

// ErrInvalidURI is returned for targets and addresses-of-record that are not SIP URIs.
var ErrInvalidURI = sipmsg.ErrInvalidURI

// ErrUnknownCall is returned by [UserAgent.GetStats] for call ids that never existed.
var ErrUnknownCall = session.ErrUnknownCall

// ConfigError reports an invalid [RegisterConfig].
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var errMissing = errors.New("missing")
