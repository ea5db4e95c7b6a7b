package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

// RegState is the state of a registration.
type RegState string

// Registration states.
const (
	RegIdle          RegState = "Idle"
	RegRegistering   RegState = "Registering"
	RegRegistered    RegState = "Registered"
	RegRefreshing    RegState = "Refreshing"
	RegUnregistering RegState = "Unregistering"
	RegFailed        RegState = "Failed"
)

func (s RegState) String() string { return string(s) }

const (
	regEvtRegister   = "register"
	regEvtOK         = "ok"
	regEvtFail       = "fail"
	regEvtRefresh    = "refresh"
	regEvtUnregister = "unregister"
	regEvtDone       = "done"
	regEvtReset      = "reset"
)

// refreshRatio schedules the refresh before the binding expires.
const refreshRatio = 0.9

// Registration is the binding of one address-of-record. It lives on the loop goroutine.
type Registration struct {
	m    *Manager
	acct Account
	key  string
	leg  sipmsg.Leg
	dst  string
	cseq uint32
	fsm  *stateless.StateMachine

	expires   time.Duration
	granted   time.Duration
	expiresAt time.Time
	attempts  int

	tx              *transaction.ClientTx
	req             *sip.Request
	challenge       *sip.Response
	authTried       bool
	minExpiresTried bool
	announced       bool
	dead            bool

	tmrRefresh *loop.Timer
	tmrRetry   *loop.Timer
}

func newRegistration(m *Manager, acct Account, prev *Registration) *Registration {
	if acct.Expires <= 0 {
		acct.Expires = DefaultExpires
	}
	local := m.tp.LocalAddr(acct.Transport)
	registrar := sipmsg.Registrar(acct.AOR)

	r := &Registration{
		m:       m,
		acct:    acct,
		key:     acct.Key(),
		dst:     sipmsg.Destination(registrar),
		expires: acct.Expires,
		leg: sipmsg.Leg{
			CallID:    sipmsg.NewCallID(hostOf(local)),
			LocalURI:  acct.AOR,
			LocalTag:  sipmsg.NewTag(),
			RemoteURI: acct.AOR,
			Target:    registrar,
			Local:     local,
			Transport: acct.Transport,
			UserAgent: m.cfg.UserAgent,
		},
	}
	if prev != nil {
		r.leg.CallID = prev.leg.CallID
		r.cseq = prev.cseq
	}

	r.fsm = stateless.NewStateMachine(RegIdle)
	r.fsm.Configure(RegIdle).
		OnEntry(r.actIdle).
		Permit(regEvtRegister, RegRegistering)
	r.fsm.Configure(RegRegistering).
		OnEntry(r.actRegistering).
		Permit(regEvtOK, RegRegistered).
		Permit(regEvtFail, RegFailed).
		Permit(regEvtUnregister, RegUnregistering)
	r.fsm.Configure(RegRegistered).
		OnEntryFrom(regEvtOK, r.actRegistered).
		Permit(regEvtRefresh, RegRefreshing).
		Permit(regEvtUnregister, RegUnregistering)
	r.fsm.Configure(RegRefreshing).
		OnEntry(r.actRefreshing).
		Permit(regEvtOK, RegRegistered).
		Permit(regEvtFail, RegFailed).
		Permit(regEvtUnregister, RegUnregistering)
	r.fsm.Configure(RegUnregistering).
		OnEntryFrom(regEvtUnregister, r.actUnregistering).
		Ignore(regEvtUnregister).
		Permit(regEvtDone, RegIdle)
	r.fsm.Configure(RegFailed).
		OnEntryFrom(regEvtFail, r.actFailed).
		Permit(regEvtReset, RegIdle)
	r.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		m.log.Debugf("registration %s: %v ignored in state %v", r.key, trigger, state)
		return nil
	})
	return r
}

// AOR returns the address-of-record of the registration.
func (r *Registration) AOR() string { return r.key }

// State returns the current state.
func (r *Registration) State() RegState {
	return r.fsm.MustState().(RegState) //nolint:forcetypeassert
}

// ExpiresAt is when the current binding expires; zero unless registered.
func (r *Registration) ExpiresAt() time.Time { return r.expiresAt }

func (r *Registration) fire(trigger string, args ...any) {
	if err := r.fsm.Fire(trigger, args...); err != nil {
		r.m.log.Errorf("registration %s: fire %q in state %s: %s", r.key, trigger, r.State(), err)
	}
}

func (r *Registration) start() { r.fire(regEvtRegister) }

func (r *Registration) unregister(reason error) { r.fire(regEvtUnregister, reason) }

func (r *Registration) emit(kind events.Kind, detail string, err error) {
	r.m.emit(events.Event{Kind: kind, Subject: r.key, Detail: detail, Err: err})
}

func (r *Registration) newRequest(expires time.Duration) *sip.Request {
	r.cseq++
	req := r.leg.NewRequest(sip.REGISTER, r.cseq)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	if r.challenge != nil && r.acct.hasCredentials() {
		// reuse the last nonce, the registrar challenges again if it is stale
		if err := sipmsg.Authorize(req, r.challenge, r.acct.username(), r.acct.Password); err != nil {
			r.m.log.Warnf("registration %s: %s", r.key, err)
		}
	}
	return req
}

// begin starts a new request cycle: credential and Min-Expires retries are allowed once per cycle.
func (r *Registration) begin(expires time.Duration) {
	r.authTried = false
	r.minExpiresTried = false
	r.transmit(r.newRequest(expires))
}

func (r *Registration) transmit(req *sip.Request) {
	r.req = req
	tx, err := r.m.layer.Request(req, r.dst, r.acct.Transport, r.onResponse, r.onDone)
	if err != nil {
		r.tx = nil
		r.onFailure(err)
		return
	}
	r.tx = tx
}

func (r *Registration) requestedExpires() time.Duration {
	if r.State() == RegUnregistering {
		return 0
	}
	return r.expires
}

func (r *Registration) onResponse(tx *transaction.ClientTx, res *sip.Response) {
	if tx != r.tx || r.dead || res.StatusCode < 200 {
		return
	}

	switch {
	case res.StatusCode < 300:
		if r.State() == RegUnregistering {
			r.finishUnregister(nil)
			return
		}
		r.granted = grantedExpiry(res, r.leg.Contact(), r.expires)
		r.fire(regEvtOK, res)

	case sipmsg.IsChallenge(res):
		if r.authTried || !r.acct.hasCredentials() {
			r.onFailure(fmt.Errorf("%w: %w", ErrAuthFailure, statusError(res)))
			return
		}
		r.authTried = true
		r.challenge = res
		req := r.newRequest(r.requestedExpires())
		if req.GetHeader("Authorization") == nil && req.GetHeader("Proxy-Authorization") == nil {
			r.onFailure(fmt.Errorf("%w: unusable challenge in %s", ErrAuthFailure, sipmsg.StatusLine(res)))
			return
		}
		r.m.log.Debugf("registration %s: answering %s", r.key, sipmsg.StatusLine(res))
		r.transmit(req)

	case res.StatusCode == 423 && r.State() != RegUnregistering:
		minExp, ok := sipmsg.HeaderInt(res, "Min-Expires")
		if r.minExpiresTried || !ok || minExp <= 0 {
			r.onFailure(statusError(res))
			return
		}
		r.minExpiresTried = true
		r.expires = time.Duration(minExp) * time.Second
		r.m.log.Infof("registration %s: registrar requires expiry of at least %s", r.key, r.expires)
		r.transmit(r.newRequest(r.expires))

	default:
		r.onFailure(statusError(res))
	}
}

func (r *Registration) onDone(tx *transaction.ClientTx, err error) {
	if tx != r.tx || r.dead || err == nil || errors.Is(err, transaction.ErrCanceled) {
		return
	}
	r.onFailure(err)
}

// onFailure handles the failure of the current request.
func (r *Registration) onFailure(err error) {
	switch r.State() {
	case RegUnregistering:
		r.finishUnregister(err)
	case RegRefreshing:
		if retryable(err) && r.attempts < r.m.cfg.RefreshRetry.Attempts {
			delay := r.m.cfg.RefreshRetry.Delay(r.attempts)
			r.attempts++
			r.m.log.Warnf("registration %s: refresh failed: %s, retry %d in %s", r.key, err, r.attempts, delay)
			r.tmrRetry = r.m.loop.AfterFunc(delay, func() {
				r.tmrRetry = nil
				r.begin(r.expires)
			})
			return
		}
		r.fire(regEvtFail, err)
	case RegRegistering:
		r.fire(regEvtFail, err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, transaction.ErrTimeout) ||
		errors.Is(err, transport.ErrTransport) ||
		StatusCode(err) >= 500
}

func (r *Registration) finishUnregister(err error) {
	detail := "unregistered"
	if err != nil {
		detail = err.Error()
	}
	r.emit(events.Unregistered, detail, err)
	r.m.metrics.RegistrationResult("unregistered")
	r.fire(regEvtDone)
}

func (r *Registration) stopTimers() {
	r.tmrRefresh.Stop()
	r.tmrRefresh = nil
	r.tmrRetry.Stop()
	r.tmrRetry = nil
}

func (r *Registration) cancelTx() {
	if tx := r.tx; tx != nil {
		r.tx = nil
		tx.Cancel()
	}
}

func (r *Registration) actRegistering(_ context.Context, _ ...any) error {
	r.m.log.Infof("registration %s: registering at %s over %s", r.key, r.dst, r.acct.Transport)
	r.emit(events.Registering, r.dst, nil)
	r.begin(r.expires)
	return nil
}

func (r *Registration) actRegistered(_ context.Context, args ...any) error {
	r.attempts = 0
	r.expiresAt = time.Now().Add(r.granted)
	refresh := time.Duration(float64(r.granted) * refreshRatio)
	r.tmrRefresh = r.m.loop.AfterFunc(refresh, func() {
		r.tmrRefresh = nil
		r.fire(regEvtRefresh)
	})
	r.m.log.Debugf("registration %s: binding granted for %s, refresh in %s", r.key, r.granted, refresh)

	if r.announced {
		return nil
	}
	r.announced = true
	detail := "200 OK"
	if len(args) > 0 {
		if res, ok := args[0].(*sip.Response); ok {
			detail = sipmsg.StatusLine(res)
		}
	}
	r.emit(events.RegisterOk, detail, nil)
	r.m.metrics.RegistrationResult("ok")
	return nil
}

func (r *Registration) actRefreshing(_ context.Context, _ ...any) error {
	r.m.log.Debugf("registration %s: refreshing", r.key)
	r.begin(r.expires)
	return nil
}

func (r *Registration) actUnregistering(_ context.Context, args ...any) error {
	r.stopTimers()
	r.cancelTx()

	reason := ErrAborted
	if len(args) > 0 {
		if err, ok := args[0].(error); ok && err != nil {
			reason = err
		}
	}
	if !r.announced {
		r.announced = true
		r.emit(events.RegisterFailed, reason.Error(), reason)
		r.m.metrics.RegistrationResult("failed")
	}
	r.expiresAt = time.Time{}
	r.emit(events.Unregistering, r.dst, nil)
	r.begin(0)
	return nil
}

func (r *Registration) actFailed(_ context.Context, args ...any) error {
	r.stopTimers()
	r.expiresAt = time.Time{}

	err := error(ErrInvariant)
	if len(args) > 0 {
		if e, ok := args[0].(error); ok && e != nil {
			err = e
		}
	}
	if r.announced {
		r.m.log.Warnf("registration %s: binding lost: %s", r.key, err)
		r.emit(events.Unregistered, err.Error(), err)
		r.m.metrics.RegistrationResult("lost")
	} else {
		r.announced = true
		r.m.log.Warnf("registration %s failed: %s", r.key, err)
		r.emit(events.RegisterFailed, err.Error(), err)
		r.m.metrics.RegistrationResult("failed")
	}
	r.fire(regEvtReset)
	return nil
}

func (r *Registration) actIdle(_ context.Context, _ ...any) error {
	r.stopTimers()
	r.cancelTx()
	r.m.removeRegistration(r)
	return nil
}

// supersede abandons r in favour of a new registration of the same AOR. A pending outcome is
// resolved so that every register call gets exactly one.
func (r *Registration) supersede() {
	r.dead = true
	r.stopTimers()
	r.cancelTx()
	switch r.State() {
	case RegRegistering:
		r.emit(events.RegisterFailed, ErrSuperseded.Error(), ErrSuperseded)
		r.m.metrics.RegistrationResult("failed")
	case RegUnregistering:
		r.emit(events.Unregistered, ErrSuperseded.Error(), ErrSuperseded)
	}
}

// grantedExpiry reads the binding lifetime from a 2xx to REGISTER: the expires parameter of our
// Contact, else the Expires header, else what was requested.
func grantedExpiry(res *sip.Response, contact sip.Uri, requested time.Duration) time.Duration {
	var first time.Duration
	for _, h := range res.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok || c.Params == nil {
			continue
		}
		v, ok := c.Params.Get("expires")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		d := time.Duration(n) * time.Second
		if c.Address.Host == contact.Host && c.Address.Port == contact.Port && c.Address.User == contact.User {
			return d
		}
		if first == 0 {
			first = d
		}
	}
	if n, ok := sipmsg.HeaderInt(res, "Expires"); ok && n > 0 {
		return time.Duration(n) * time.Second
	}
	if first > 0 {
		return first
	}
	return requested
}
