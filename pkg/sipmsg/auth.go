package sipmsg

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrNoChallenge is returned by [Authorize] when a 401/407 response carries no usable challenge.
var ErrNoChallenge = errors.New("no digest challenge in response")

// IsChallenge reports whether res asks for credentials.
func IsChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// Authorize answers the digest challenge of res by adding an Authorization (401) or
// Proxy-Authorization (407) header to req.
func Authorize(req *sip.Request, res *sip.Response, username, password string) error {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return fmt.Errorf("%w: missing %s", ErrNoChallenge, challengeName)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoChallenge, err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader(credName)
	req.AppendHeader(sip.NewHeader(credName, cred.String()))
	return nil
}
