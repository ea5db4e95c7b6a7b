package session

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transport"
)

// DefaultExpires is the registration lifetime asked for when none is configured.
const DefaultExpires = time.Hour

// Account is a validated registration request.
type Account struct {
	AOR       sip.Uri
	AuthUser  string
	Password  string
	Transport transport.Kind
	Expires   time.Duration
}

// Key identifies the registration of the account.
func (a *Account) Key() string { return sipmsg.AORString(a.AOR) }

func (a *Account) username() string {
	if a.AuthUser != "" {
		return a.AuthUser
	}
	return a.AOR.User
}

func (a *Account) hasCredentials() bool { return a.Password != "" }

// Backoff is the retry policy of failed registration refreshes: Attempts retries,
// waiting Base, 2*Base, 4*Base... capped at Cap.
type Backoff struct {
	Base     time.Duration
	Cap      time.Duration
	Attempts int
}

// DefaultBackoff is used when no refresh retry policy is configured.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 30 * time.Second, Attempts: 4}

// Delay returns the wait before retry number n (starting at 0).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for range n {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return min(d, b.Cap)
}
