package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/loop"
	"github.com/f18m/go-sipua/pkg/media"
	"github.com/f18m/go-sipua/pkg/resolve"
	"github.com/f18m/go-sipua/pkg/session"
	"github.com/f18m/go-sipua/pkg/sipmsg"
	"github.com/f18m/go-sipua/pkg/stats"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
)

const (
	defaultName            = "go-sipua"
	defaultShutdownTimeout = 5 * time.Second
	eventChanSize          = 100
)

// TransportFactory opens the transport of a [UserAgent]. It is called by every [UserAgent.Init].
type TransportFactory func(lgr log.Logger, r *resolve.Resolver) (transport.Transport, error)

// UserAgent is a SIP user agent: a set of registrations and calls sharing one transport.
// Several independent instances may live in one process.
type UserAgent struct {
	// CONFIG

	logger          log.Logger
	newTransport    TransportFactory
	timings         transaction.Timings
	name            string
	media           media.Factory
	registerer      prometheus.Registerer
	resolver        *resolve.Resolver
	callRetention   time.Duration
	keepEnded       int
	refreshRetry    session.Backoff
	shutdownTimeout time.Duration

	// STATUS

	metrics *stats.Metrics
	// lastCallID carries call numbering over a Shutdown
	lastCallID uint32

	// lifecycle serializes Init and Shutdown
	lifecycle sync.Mutex

	// mu guards run
	mu  sync.Mutex
	run *runtime
}

// runtime is everything started by Init and torn down by Shutdown.
type runtime struct {
	loop  *loop.Loop
	tp    transport.Transport
	layer *transaction.Layer
	mgr   *session.Manager
	queue *events.Queue

	// eventChan receives the events when Init got no handler
	eventChan chan events.Event
	abandon   chan struct{}
}

// New creates a new [UserAgent] instance with the provided options.
// Options can be set using functional options like [SetLogger], [SetUserAgentName],
// [SetTransportFactory], etc. If no options are provided, it will use default values.
func New(options ...func(*UserAgent) error) (*UserAgent, error) {
	ua := &UserAgent{
		shutdownTimeout: defaultShutdownTimeout,
	}

	if err := ua.SetOption(options...); err != nil {
		return nil, err
	}

	ua.logger = log.OrNop(ua.logger)
	if ua.name == "" {
		ua.name = defaultName
	}
	if ua.resolver == nil {
		ua.resolver = &resolve.Resolver{}
	}
	if ua.newTransport == nil {
		ua.newTransport = NewTransportFactory(transport.Options{})
	}
	if ua.callRetention == 0 {
		ua.callRetention = session.DefaultCallRetention
	}
	if ua.refreshRetry.Base == 0 {
		ua.refreshRetry = session.DefaultBackoff
	}
	if ua.registerer != nil {
		ua.metrics = stats.NewMetrics(ua.registerer)
	}
	return ua, nil
}

// Init starts the user agent: it opens the transport and starts delivering events.
// Events are passed to handler one at a time, from a dedicated goroutine, in the order they
// happened; the handler must not block for long. With a nil handler events are delivered on
// the channel returned by [UserAgent.GetEventChan] instead.
//
// Init returns [ErrAlreadyInitialized] if the user agent is running. After [UserAgent.Shutdown]
// it may be called again.
func (ua *UserAgent) Init(handler events.Handler) error {
	ua.lifecycle.Lock()
	defer ua.lifecycle.Unlock()

	ua.mu.Lock()
	running := ua.run != nil
	ua.mu.Unlock()
	if running {
		return ErrAlreadyInitialized
	}

	tp, err := ua.newTransport(ua.logger, ua.resolver)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	rt := &runtime{
		loop:    loop.New(),
		tp:      tp,
		abandon: make(chan struct{}),
	}
	if handler == nil {
		rt.eventChan = make(chan events.Event, eventChanSize)
		handler = rt.forward
	}
	rt.queue = events.NewQueue(handler)
	rt.layer = transaction.NewLayer(rt.loop, tp, ua.timings, ua.logger)
	tp.OnReceive(func(msg transport.Message) {
		rt.loop.Post(func() { rt.layer.Receive(msg) })
	})
	go rt.loop.Run()

	cfg := session.Config{
		Loop:          rt.loop,
		Layer:         rt.layer,
		Transport:     tp,
		Media:         ua.media,
		Emit:          func(e events.Event) { rt.queue.Publish(e) },
		Metrics:       ua.metrics,
		Logger:        ua.logger,
		UserAgent:     ua.name,
		CallRetention: ua.callRetention,
		KeepEnded:     ua.keepEnded,
		RefreshRetry:  ua.refreshRetry,
		LastCallID:    ua.lastCallID,
	}
	if err := rt.loop.Call(func() { rt.mgr = session.NewManager(cfg) }); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	ua.metrics.Attach(rt.layer.Timeouts, rt.layer.Unmatched, tp.Counters)

	ua.mu.Lock()
	ua.run = rt
	ua.mu.Unlock()
	ua.logger.Infof("user agent %s started, local address %s", ua.name, tp.LocalAddr(transport.UDP))
	return nil
}

// forward delivers an event on the event channel, unless Shutdown gave up waiting for a reader.
func (rt *runtime) forward(e events.Event) {
	select {
	case rt.eventChan <- e:
	case <-rt.abandon:
	}
}

// GetEventChan returns the receive-only [events.Event] channel used when [UserAgent.Init] was
// given no handler. The channel is closed by [UserAgent.Shutdown]. It returns nil when the
// user agent is not running or has an event handler.
func (ua *UserAgent) GetEventChan() <-chan events.Event {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.run == nil || ua.run.eventChan == nil {
		return nil
	}
	return ua.run.eventChan
}

func (ua *UserAgent) runtime() (*runtime, error) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.run == nil {
		return nil, ErrNotInitialized
	}
	return ua.run, nil
}

// post runs fn on the loop without waiting.
func (ua *UserAgent) post(fn func(rt *runtime)) error {
	rt, err := ua.runtime()
	if err != nil {
		return err
	}
	if !rt.loop.Post(func() { fn(rt) }) {
		return ErrNotInitialized
	}
	return nil
}

// call runs fn on the loop and waits for it.
func (ua *UserAgent) call(fn func(rt *runtime)) error {
	rt, err := ua.runtime()
	if err != nil {
		return err
	}
	if err := rt.loop.Call(func() { fn(rt) }); err != nil {
		return ErrNotInitialized
	}
	return nil
}

// Register starts registering an account and returns at once: the outcome is reported by
// exactly one [events.RegisterOk] or [events.RegisterFailed] event about the account's AOR.
// A configuration problem is returned as a [*ConfigError] and produces no event.
//
// Registering an AOR again supersedes the previous registration, whose pending attempt fails
// with [session.ErrSuperseded].
func (ua *UserAgent) Register(cfg RegisterConfig) error {
	acct, err := cfg.account()
	if err != nil {
		return err
	}
	return ua.post(func(rt *runtime) { _ = rt.mgr.Register(acct) })
}

// Unregister removes the binding of aor. The end is reported by an [events.Unregistered] event.
// Unknown AORs are ignored.
func (ua *UserAgent) Unregister(aor string) error {
	u, err := sipmsg.ParseURI(aor)
	if err != nil {
		return err
	}
	key := sipmsg.AORString(u)
	return ua.post(func(rt *runtime) { rt.mgr.Unregister(key) })
}

// Invite places a call to target and returns its id. The call is in progress when Invite
// returns; it ends with exactly one [events.Terminated] or [events.Failed] event.
// Call ids start at 1 and are never reused by a UserAgent.
func (ua *UserAgent) Invite(target string) (uint32, error) {
	u, err := sipmsg.ParseURI(target)
	if err != nil {
		return 0, err
	}
	var (
		id        uint32
		inviteErr error
	)
	if err := ua.call(func(rt *runtime) { id, inviteErr = rt.mgr.Invite(u) }); err != nil {
		return 0, err
	}
	if errors.Is(inviteErr, session.ErrShutdown) {
		return 0, ErrNotInitialized
	}
	return id, inviteErr
}

// Hangup ends call id: a call in progress is canceled, an established one is closed with a BYE.
// Hanging up a terminated or unknown call does nothing.
func (ua *UserAgent) Hangup(id uint32) error {
	return ua.post(func(rt *runtime) { rt.mgr.Hangup(id) })
}

// GetStats returns the statistics of call id. The snapshot is all zeros until the call is
// connected; ended calls keep their final statistics (see [SetKeepEndedCalls]). Ids that never
// existed or were forgotten yield [ErrUnknownCall].
func (ua *UserAgent) GetStats(id uint32) (stats.Snapshot, error) {
	var (
		snap stats.Snapshot
		err  error
	)
	if cerr := ua.call(func(rt *runtime) { snap, err = rt.mgr.Stats(id) }); cerr != nil {
		return stats.Snapshot{}, cerr
	}
	return snap, err
}

// Shutdown hangs up every call, removes every binding and waits for both to complete, at most
// until ctx is done or the shutdown timeout elapses. It then closes the transport and delivers
// the events still queued. Whatever did not complete in time is abandoned; ctx.Err() is
// returned in that case.
//
// Operations called once Shutdown has started return [ErrNotInitialized] until
// [UserAgent.Init] is called again. Shutdown may be called from the event handler: when the
// handler is running as the last step of Shutdown is reached, Shutdown does not wait for it and
// the events still queued are delivered after the handler returns.
func (ua *UserAgent) Shutdown(ctx context.Context) error {
	ua.lifecycle.Lock()
	defer ua.lifecycle.Unlock()

	ua.mu.Lock()
	rt := ua.run
	ua.run = nil
	ua.mu.Unlock()
	if rt == nil {
		return ErrNotInitialized
	}
	if ua.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ua.shutdownTimeout)
		defer cancel()
	}

	ua.logger.Infof("shutting down user agent %s", ua.name)
	idle := make(chan struct{})
	rt.loop.Post(func() {
		rt.mgr.Shutdown(func() { close(idle) })
	})

	var result error
	select {
	case <-idle:
	case <-ctx.Done():
		result = ctx.Err()
		ua.logger.Warnf("shutdown: giving up on pending calls and registrations: %s", result)
	}

	_ = rt.loop.Call(func() {
		rt.layer.Close()
		rt.mgr.Close()
		ua.lastCallID = rt.mgr.LastCallID()
	})
	rt.loop.Close()
	<-rt.loop.Done()
	ua.metrics.Detach()

	if err := rt.tp.Close(); err != nil {
		ua.logger.Warnf("shutdown: close transport: %s", err)
	}

	rt.queue.Stop()
	if rt.eventChan != nil {
		// forward returns once abandon is closed, so the channel is always drained in time
		select {
		case <-rt.queue.Done():
		case <-ctx.Done():
			close(rt.abandon)
			<-rt.queue.Done()
			if result == nil {
				result = ctx.Err()
			}
		}
		close(rt.eventChan)
	} else if !rt.queue.Delivering() {
		select {
		case <-rt.queue.Done():
		case <-ctx.Done():
			if result == nil {
				result = ctx.Err()
			}
		}
	}

	ua.logger.Infof("user agent %s stopped", ua.name)
	if result != nil {
		return fmt.Errorf("shutdown incomplete: %w", result)
	}
	return nil
}
