package sipua

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/media"
	"github.com/f18m/go-sipua/pkg/resolve"
	"github.com/f18m/go-sipua/pkg/session"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

// SetOption takes one or more option function and applies them in order to the UserAgent.
func (ua *UserAgent) SetOption(options ...func(*UserAgent) error) error {
	for _, opt := range options {
		if err := opt(ua); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger sets the logger for the UserAgent and every layer below it.
func SetLogger(lgr log.Logger) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.logger = lgr
		return nil
	}
}

// SetTransportFactory replaces the socket transport, e.g. to listen on a given address
// (see [NewTransportFactory]) or to run over an in-memory fake in tests.
func SetTransportFactory(f TransportFactory) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		if f == nil {
			return errors.New("nil transport factory")
		}
		ua.newTransport = f
		return nil
	}
}

// SetTimings sets the SIP timer base values (T1, T2, T4...). Defaults follow RFC 3261.
func SetTimings(t transaction.Timings) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.timings = t
		return nil
	}
}

// SetUserAgentName sets the User-Agent header of every request. It defaults to "go-sipua".
func SetUserAgentName(name string) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.name = name
		return nil
	}
}

// SetMediaFactory plugs a media implementation in. By default calls only negotiate an SDP
// offer/answer and no media flows.
func SetMediaFactory(f media.Factory) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.media = f
		return nil
	}
}

// SetMetricsRegisterer registers the Prometheus metrics of the UserAgent on reg.
// Without it no metrics are collected.
func SetMetricsRegisterer(reg prometheus.Registerer) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.registerer = reg
		return nil
	}
}

// SetResolver sets the DNS resolver used by the default transport.
func SetResolver(r *resolve.Resolver) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.resolver = r
		return nil
	}
}

// SetCallRetention sets how long a terminated call keeps its full state around.
// Statistics of ended calls remain available afterwards.
func SetCallRetention(d time.Duration) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		if d < 0 {
			return errors.New("negative call retention")
		}
		ua.callRetention = d
		return nil
	}
}

// SetKeepEndedCalls sets how many ended calls keep their final statistics after the call
// retention period. Older ones are forgotten and [UserAgent.GetStats] reports them as unknown.
// Default 1024.
func SetKeepEndedCalls(n int) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		if n <= 0 {
			return errors.New("kept ended calls must be positive")
		}
		ua.keepEnded = n
		return nil
	}
}

// SetRefreshRetry sets the retry policy of failed registration refreshes.
func SetRefreshRetry(b session.Backoff) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		if b.Base < 0 || b.Cap < b.Base || b.Attempts < 0 {
			return errors.New("invalid refresh retry policy")
		}
		ua.refreshRetry = b
		return nil
	}
}

// SetShutdownTimeout bounds how long [UserAgent.Shutdown] waits for calls to end and bindings
// to be removed, on top of the deadline of its context. It defaults to 5s; zero waits
// for the context only.
func SetShutdownTimeout(d time.Duration) func(*UserAgent) error {
	return func(ua *UserAgent) error {
		ua.shutdownTimeout = d
		return nil
	}
}

// NewTransportFactory returns a [TransportFactory] opening a socket transport configured by opts.
// The logger and resolver of the UserAgent are used when opts leaves them unset.
func NewTransportFactory(opts transport.Options) TransportFactory {
	return func(lgr log.Logger, r *resolve.Resolver) (transport.Transport, error) {
		o := opts
		if o.Logger == nil {
			o.Logger = lgr
		}
		if o.Resolver == nil {
			o.Resolver = r
		}
		m, err := transport.NewManager(o)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
