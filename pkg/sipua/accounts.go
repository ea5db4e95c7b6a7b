package sipua

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/f18m/go-sipua/pkg/session"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transport"
)

// RegisterConfig describes an account to register.
type RegisterConfig struct {
	// AOR is the address-of-record, e.g. "sip:alice@example.com". A ";transport=" parameter
	// selects the transport when Transport is empty.
	AOR string `yaml:"aor" json:"aor"`
	// AuthUser is the digest user name. It defaults to the user part of AOR.
	AuthUser string `yaml:"auth_user,omitempty" json:"auth_user,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	// Transport is one of "udp", "tcp" or "tls". Default "udp".
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`
	// Expires is the requested binding lifetime in seconds. Default 3600.
	Expires int `yaml:"expires,omitempty" json:"expires,omitempty"`
}

// account validates c.
func (c RegisterConfig) account() (session.Account, error) {
	var acct session.Account
	if c.AOR == "" {
		return acct, &ConfigError{Field: "aor", Err: errMissing}
	}
	aor, err := sipmsg.ParseURI(c.AOR)
	if err != nil {
		return acct, &ConfigError{Field: "aor", Value: c.AOR, Err: err}
	}
	if aor.User == "" {
		return acct, &ConfigError{Field: "aor", Value: c.AOR, Err: errors.New("no user part")}
	}

	var kind transport.Kind
	if c.Transport != "" {
		kind, err = transport.ParseKind(c.Transport)
		if err != nil {
			return acct, &ConfigError{Field: "transport", Value: c.Transport, Err: err}
		}
	} else {
		kind, err = sipmsg.TransportOf(aor, transport.UDP)
		if err != nil {
			return acct, &ConfigError{Field: "transport", Value: c.AOR, Err: err}
		}
	}

	if c.Expires < 0 {
		return acct, &ConfigError{Field: "expires", Value: strconv.Itoa(c.Expires), Err: errors.New("negative")}
	}
	expires := session.DefaultExpires
	if c.Expires > 0 {
		expires = time.Duration(c.Expires) * time.Second
	}

	return session.Account{
		AOR:       aor,
		AuthUser:  c.AuthUser,
		Password:  c.Password,
		Transport: kind,
		Expires:   expires,
	}, nil
}

// Validate checks c the way [UserAgent.Register] does.
func (c RegisterConfig) Validate() error {
	_, err := c.account()
	return err
}

type accountFile struct {
	Accounts []RegisterConfig `yaml:"accounts"`
}

// LoadAccounts reads a YAML account list:
//
//	accounts:
//	  - aor: sip:alice@example.com
//	    password: secret
//	  - aor: sip:bob@example.org;transport=tls
//	    auth_user: bob01
//	    password: secret
//	    expires: 600
//
// Every account is validated.
func LoadAccounts(r io.Reader) ([]RegisterConfig, error) {
	var f accountFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i, c := range f.Accounts {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("account %d: %w", i+1, err)
		}
	}
	return f.Accounts, nil
}
