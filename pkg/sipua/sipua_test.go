package sipua

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/resolve"
	"github.com/f18m/go-sipua/pkg/session"
	"github.com/f18m/go-sipua/pkg/transaction"
	"github.com/f18m/go-sipua/pkg/transport"
	"github.com/f18m/go-sipua/pkg/transport/transportmock"
	"github.com/f18m/go-sipua/pkg/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// T1 = 5ms: one retransmission interval is 5ms, transactions time out after 320ms
var testTimings = transaction.NewTimings(5*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond, 30*time.Millisecond)

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 8\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

func answer(req *sip.Request) *sip.Response {
	res := transporttest.Reply(req, 200, "OK", &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.1", Port: 5060},
		Params:  sip.NewParams(),
	})
	res.SetBody([]byte(answerSDP))
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	return res
}

// recorder is an event handler remembering everything it got.
type recorder struct {
	mu  sync.Mutex
	all []events.Event
	ch  chan events.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan events.Event, 256)}
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.all = append(r.all, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) waitFor(t *testing.T, kind events.Kind, subject string) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind && e.Subject == subject {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event for %s, got %v", kind, subject, r.kinds(subject))
			return events.Event{}
		}
	}
}

func (r *recorder) kinds(subject string) []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.all {
		if e.Subject == subject {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *recorder) count(subject string, kinds ...events.Kind) int {
	n := 0
	for _, k := range r.kinds(subject) {
		for _, want := range kinds {
			if k == want {
				n++
			}
		}
	}
	return n
}

func fakeTransport(tp transport.Transport) func(*UserAgent) error {
	return SetTransportFactory(func(log.Logger, *resolve.Resolver) (transport.Transport, error) {
		return tp, nil
	})
}

// newAgent returns a running user agent over tp whose events go to the returned recorder.
func newAgent(t *testing.T, tp transport.Transport, options ...func(*UserAgent) error) (*UserAgent, *recorder) {
	t.Helper()
	opts := []func(*UserAgent) error{
		SetLogger(zaptest.NewLogger(t).Sugar()),
		fakeTransport(tp),
		SetTimings(testTimings),
		SetCallRetention(100 * time.Millisecond),
		SetRefreshRetry(session.Backoff{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond, Attempts: 2}),
		SetShutdownTimeout(time.Second),
	}
	ua, err := New(append(opts, options...)...)
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, ua.Init(rec.handle))
	t.Cleanup(func() {
		if err := ua.Shutdown(context.Background()); err != nil && !errors.Is(err, ErrNotInitialized) {
			t.Logf("shutdown: %s", err)
		}
	})
	return ua, rec
}

func subject(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func TestNew_Defaults(t *testing.T) {
	ua, err := New()
	require.NoError(t, err)
	assert.Equal(t, defaultName, ua.name)
	assert.Equal(t, defaultShutdownTimeout, ua.shutdownTimeout)
	assert.Equal(t, session.DefaultBackoff, ua.refreshRetry)
	assert.Nil(t, ua.metrics)
	assert.Nil(t, ua.GetEventChan())
}

func TestNew_BadOptions(t *testing.T) {
	_, err := New(SetCallRetention(-time.Second))
	require.Error(t, err)
	_, err = New(SetRefreshRetry(session.Backoff{Base: time.Second, Cap: time.Millisecond}))
	require.Error(t, err)
	_, err = New(SetTransportFactory(nil))
	require.Error(t, err)
	_, err = New(SetKeepEndedCalls(0))
	require.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	tp := transporttest.New()
	ua, err := New(fakeTransport(tp), SetTimings(testTimings))
	require.NoError(t, err)

	// nothing works before Init
	assert.ErrorIs(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}), ErrNotInitialized)
	_, err = ua.Invite("sip:bob@example.com")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, ua.Hangup(1), ErrNotInitialized)
	_, err = ua.GetStats(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, ua.Shutdown(context.Background()), ErrNotInitialized)

	require.NoError(t, ua.Init(nil))
	assert.ErrorIs(t, ua.Init(nil), ErrAlreadyInitialized)
	ch := ua.GetEventChan()
	require.NotNil(t, ch)

	id, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	require.NoError(t, ua.Shutdown(context.Background()))
	assert.True(t, tp.Closed())

	// the channel carries what happened, then is closed
	var kinds []string
	for e := range ch {
		kinds = append(kinds, string(e.Kind))
	}
	assert.Equal(t, []string{"call_progress", "call_closed"}, kinds)

	_, err = ua.Invite("sip:bob@example.com")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, ua.Unregister("sip:alice@example.com"), ErrNotInitialized)

	// a stopped user agent can be started again, and does not reuse call ids
	require.NoError(t, ua.Init(nil))
	id, err = ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
	require.NoError(t, ua.Shutdown(context.Background()))
}

func TestInit_TransportError(t *testing.T) {
	ua, err := New(SetTransportFactory(func(log.Logger, *resolve.Resolver) (transport.Transport, error) {
		return nil, &transport.Error{Kind: transport.Unreachable, Op: "listen", Dest: ":5060"}
	}))
	require.NoError(t, err)
	err = ua.Init(nil)
	assert.ErrorIs(t, err, transport.ErrTransport)
	assert.ErrorIs(t, ua.Hangup(1), ErrNotInitialized)
}

func TestRegister_ConfigErrors(t *testing.T) {
	ua, rec := newAgent(t, transporttest.New())

	tests := []struct {
		name  string
		cfg   RegisterConfig
		field string
	}{
		{name: "missing aor", cfg: RegisterConfig{}, field: "aor"},
		{name: "unparseable aor", cfg: RegisterConfig{AOR: "sip:alice@"}, field: "aor"},
		{name: "foreign scheme", cfg: RegisterConfig{AOR: "tel:+15551234"}, field: "aor"},
		{name: "no user", cfg: RegisterConfig{AOR: "sip:example.com"}, field: "aor"},
		{name: "bad transport", cfg: RegisterConfig{AOR: "sip:alice@example.com", Transport: "sctp"}, field: "transport"},
		{name: "bad uri transport", cfg: RegisterConfig{AOR: "sip:alice@example.com;transport=ws"}, field: "transport"},
		{name: "negative expiry", cfg: RegisterConfig{AOR: "sip:alice@example.com", Expires: -1}, field: "expires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ua.Register(tt.cfg)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	assert.Empty(t, rec.all, "configuration errors produce no event")
	rec.mu.Unlock()
}

func TestRegisterConfig_Account(t *testing.T) {
	acct, err := RegisterConfig{AOR: "sips:alice@example.com"}.account()
	require.NoError(t, err)
	assert.Equal(t, transport.TLS, acct.Transport)
	assert.Equal(t, session.DefaultExpires, acct.Expires)

	acct, err = RegisterConfig{AOR: "alice@example.com;transport=tcp", Expires: 60}.account()
	require.NoError(t, err)
	assert.Equal(t, transport.TCP, acct.Transport)
	assert.Equal(t, time.Minute, acct.Expires)
	assert.Equal(t, "sip:alice@example.com", acct.Key())

	acct, err = RegisterConfig{AOR: "sip:alice@example.com;transport=tcp", Transport: "TLS"}.account()
	require.NoError(t, err)
	assert.Equal(t, transport.TLS, acct.Transport, "explicit transport wins")
}

// Exactly one outcome per register call, whatever the registrar does.
func TestRegister_ExactlyOneOutcome(t *testing.T) {
	tests := []struct {
		name    string
		handler transporttest.PeerHandler
		want    events.Kind
	}{
		{
			name:    "accepted",
			handler: func(req *sip.Request) []*sip.Response { return []*sip.Response{transporttest.Reply(req, 200, "OK")} },
			want:    events.RegisterOk,
		},
		{
			name:    "rejected",
			handler: func(req *sip.Request) []*sip.Response { return []*sip.Response{transporttest.Reply(req, 403, "Forbidden")} },
			want:    events.RegisterFailed,
		},
		{
			name: "provisional then accepted",
			handler: func(req *sip.Request) []*sip.Response {
				return []*sip.Response{transporttest.Reply(req, 100, "Trying"), transporttest.Reply(req, 200, "OK")}
			},
			want: events.RegisterOk,
		},
		{name: "silent", want: events.RegisterFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := transporttest.New()
			peer := transporttest.NewPeer(tp)
			if tt.handler != nil {
				peer.Handle(sip.REGISTER, tt.handler)
			}
			ua, rec := newAgent(t, tp)

			require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com", Password: "secret"}))
			rec.waitFor(t, tt.want, "sip:alice@example.com")
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 1, rec.count("sip:alice@example.com", events.RegisterOk, events.RegisterFailed))
		})
	}
}

// register with TLS against a responsive server succeeds within one retransmission interval.
func TestScenario_RegisterOverTLS(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp)

	start := time.Now()
	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com", Transport: "tls"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")
	assert.Less(t, time.Since(start), testTimings.T1()*20, "well before the first retransmission schedule completes")

	sent := tp.SentMessages()
	require.NotEmpty(t, sent)
	assert.Equal(t, transport.TLS, sent[0].Kind)
	req := sent[0].Request()
	require.NotNil(t, req)
	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "TLS", req.Via().Transport)
	assert.Len(t, tp.SentRequests(sip.REGISTER), 1, "no retransmission over a reliable transport")
}

// invite towards an unreachable host: Calling then Failed with a timeout caused by transport errors.
func TestScenario_InviteUnreachable(t *testing.T) {
	tp := transporttest.New()
	tp.OnSend(func(s transporttest.Sent) error {
		return &transport.Error{Kind: transport.Unreachable, Op: "write", Dest: s.Dst, Err: errors.New("no route to host")}
	})
	ua, rec := newAgent(t, tp)

	id, err := ua.Invite("sip:bob@example.com;transport=udp")
	require.NoError(t, err)

	e := rec.waitFor(t, events.Failed, subject(id))
	assert.ErrorIs(t, e.Err, transaction.ErrTimeout)
	assert.ErrorIs(t, e.Err, transport.ErrTransport)
	kind, ok := transport.KindOf(e.Err)
	require.True(t, ok)
	assert.Equal(t, transport.Unreachable, kind)
	assert.Equal(t, []events.Kind{events.Calling, events.Failed}, rec.kinds(subject(id)))
}

// two challenges in a row: RegisterFailed with an auth failure, and no third attempt.
func TestScenario_DoubleChallenge(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 401, "Unauthorized",
			sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", algorithm=MD5`))}
	})
	ua, rec := newAgent(t, tp)

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com", AuthUser: "alice", Password: "wrong"}))
	e := rec.waitFor(t, events.RegisterFailed, "sip:alice@example.com")
	assert.ErrorIs(t, e.Err, session.ErrAuthFailure)

	time.Sleep(50 * time.Millisecond)
	branches := map[string]bool{}
	withCredentials := 0
	for _, req := range tp.SentRequests(sip.REGISTER) {
		branches[req.Via().Params["branch"]] = true
		if req.GetHeader("Authorization") != nil {
			withCredentials++
		}
	}
	assert.Len(t, branches, 2)
	assert.Equal(t, 1, len(tp.SentRequests(sip.REGISTER))-withCredentials, "one attempt without credentials")
}

func TestHangup_Idempotent(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response { return []*sip.Response{answer(req)} })
	peer.Handle(sip.BYE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp)

	id, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	rec.waitFor(t, events.Connected, subject(id))

	for range 3 {
		require.NoError(t, ua.Hangup(id))
	}
	rec.waitFor(t, events.Terminated, subject(id))
	time.Sleep(30 * time.Millisecond)

	assert.Len(t, tp.SentRequests(sip.BYE), 1)
	assert.Equal(t, 1, rec.count(subject(id), events.Terminated))

	// unknown ids are fine too
	require.NoError(t, ua.Hangup(4242))
}

func TestInvite_UniqueIDs(t *testing.T) {
	ua, _ := newAgent(t, transporttest.New())

	const callers, perCaller = 8, 10
	var (
		mu  sync.Mutex
		ids = map[uint32]bool{}
		wg  sync.WaitGroup
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perCaller {
				id, err := ua.Invite("sip:bob@example.com")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, ids[id], "id %d returned twice", id)
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, callers*perCaller)
	assert.NotContains(t, ids, uint32(0))
}

func TestInvite_InvalidURI(t *testing.T) {
	ua, rec := newAgent(t, transporttest.New())
	for _, target := range []string{"", "mailto:bob@example.com", "sip:", "bob at example.com"} {
		_, err := ua.Invite(target)
		assert.ErrorIs(t, err, ErrInvalidURI, "target %q", target)
	}
	rec.mu.Lock()
	assert.Empty(t, rec.all)
	rec.mu.Unlock()
}

func TestGetStats(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	ua, rec := newAgent(t, tp)

	_, err := ua.GetStats(99)
	assert.ErrorIs(t, err, ErrUnknownCall)

	// the callee has not answered yet
	id, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	snap, err := ua.GetStats(id)
	require.NoError(t, err)
	assert.True(t, snap.IsZero())

	require.NoError(t, ua.Hangup(id))
	rec.waitFor(t, events.Terminated, subject(id))

	peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response { return []*sip.Response{answer(req)} })
	id, err = ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	rec.waitFor(t, events.Connected, subject(id))
	require.Eventually(t, func() bool {
		snap, err := ua.GetStats(id)
		return err == nil && snap.DurationMs >= 5
	}, time.Second, 5*time.Millisecond)
}

// Observed event sequences never go back to an earlier state.
func TestStateMonotonicity(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK", sip.NewHeader("Expires", "1"))}
	})
	peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{
			transporttest.Reply(req, 180, "Ringing"),
			transporttest.Reply(req, 183, "Session Progress"),
			answer(req),
		}
	})
	peer.Handle(sip.BYE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp)

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))
	id, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	rec.waitFor(t, events.Connected, subject(id))
	// let a refresh happen
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, ua.Hangup(id))
	rec.waitFor(t, events.Terminated, subject(id))
	require.NoError(t, ua.Unregister("sip:alice@example.com"))
	rec.waitFor(t, events.Unregistered, "sip:alice@example.com")

	callOrder := map[events.Kind]int{events.Calling: 0, events.Ringing: 1, events.Connected: 2, events.Terminated: 3, events.Failed: 3}
	regOrder := map[events.Kind]int{events.Registering: 0, events.RegisterOk: 1, events.RegisterFailed: 1, events.Unregistering: 2, events.Unregistered: 3}
	assertMonotonic := func(subject string, order map[events.Kind]int) {
		last := -1
		for _, k := range rec.kinds(subject) {
			rank, ok := order[k]
			require.True(t, ok, "unexpected %s", k)
			assert.GreaterOrEqual(t, rank, last, "%s after a later state in %v", k, rec.kinds(subject))
			last = rank
		}
	}
	assertMonotonic(subject(id), callOrder)
	assertMonotonic("sip:alice@example.com", regOrder)
}

func TestEventsAreAsynchronous(t *testing.T) {
	ua, err := New(fakeTransport(transporttest.New()), SetTimings(testTimings))
	require.NoError(t, err)

	release := make(chan struct{})
	got := make(chan events.Event, 16)
	require.NoError(t, ua.Init(func(e events.Event) {
		got <- e
		<-release
	}))
	defer func() { require.NoError(t, ua.Shutdown(context.Background())) }()

	first, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	select {
	case e := <-got:
		assert.Equal(t, events.Calling, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	// the handler is stuck, the API is not
	second, err := ua.Invite("sip:carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
	_, err = ua.GetStats(first)
	require.NoError(t, err)
	require.NoError(t, ua.Hangup(first))
	close(release)
}

func TestShutdown_UnregistersAndHangsUp(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	peer.Handle(sip.INVITE, func(req *sip.Request) []*sip.Response { return []*sip.Response{answer(req)} })
	peer.Handle(sip.BYE, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp)

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")
	id, err := ua.Invite("sip:bob@example.com")
	require.NoError(t, err)
	rec.waitFor(t, events.Connected, subject(id))

	require.NoError(t, ua.Shutdown(context.Background()))
	assert.Eventually(t, func() bool {
		return slices.Contains(rec.kinds(subject(id)), events.Terminated) &&
			slices.Contains(rec.kinds("sip:alice@example.com"), events.Unregistered)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, tp.SentRequests(sip.BYE), 1)
	last := tp.SentRequests(sip.REGISTER)
	require.NotEmpty(t, last)
	assert.Equal(t, "0", last[len(last)-1].GetHeader("Expires").Value())
	assert.True(t, tp.Closed())
}

func TestShutdown_Bounded(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		if req.GetHeader("Expires").Value() == "0" {
			// the registrar vanished
			return nil
		}
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp, SetTimings(transaction.NewTimings(time.Second, 0, 0, 0)))

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ua.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, tp.Closed())
	assert.ErrorIs(t, ua.Hangup(1), ErrNotInitialized)
}

func TestShutdown_EventChanWithoutReader(t *testing.T) {
	ua, err := New(fakeTransport(transporttest.New()), SetTimings(testTimings), SetShutdownTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, ua.Init(nil))

	// fill the channel and more, nobody reads
	for range eventChanSize + 10 {
		id, err := ua.Invite("sip:bob@example.com")
		require.NoError(t, err)
		require.NoError(t, ua.Hangup(id))
	}
	err = ua.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMetrics(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	reg := prometheus.NewPedanticRegistry()
	ua, rec := newAgent(t, tp, SetMetricsRegisterer(reg))

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")

	expected := `
# HELP sipua_registrations_total Registration attempts by outcome.
# TYPE sipua_registrations_total counter
sipua_registrations_total{result="ok"} 1
# HELP sipua_transport_messages_sent_total SIP messages written to the network.
# TYPE sipua_transport_messages_sent_total counter
sipua_transport_messages_sent_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sipua_registrations_total", "sipua_transport_messages_sent_total"))
}

func TestTransportMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	tp := transportmock.NewMockTransport(ctrl)

	var handler transport.Handler
	tp.EXPECT().OnReceive(gomock.Any()).Do(func(h transport.Handler) { handler = h })
	tp.EXPECT().LocalAddr(gomock.Any()).Return("198.51.100.7:5060").AnyTimes()
	tp.EXPECT().Counters().Return(transport.Counters{}).AnyTimes()
	tp.EXPECT().Close().Return(nil)

	sent := make(chan *sip.Request, 4)
	// register, then unregister on shutdown
	tp.EXPECT().Send(gomock.Any(), gomock.Any(), "example.com", transport.TCP).Times(2).
		DoAndReturn(func(_ context.Context, msg sip.Message, _ string, _ transport.Kind) error {
			req := msg.(*sip.Request) //nolint:forcetypeassert
			sent <- req
			handler(transport.Message{Msg: transporttest.Reply(req, 200, "OK"), Source: "192.0.2.1:5060", Kind: transport.TCP})
			return nil
		})

	ua, rec := newAgent(t, tp)
	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com;transport=tcp"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")

	req := <-sent
	assert.Equal(t, "198.51.100.7", req.Contact().Address.Host)
	require.NoError(t, ua.Shutdown(context.Background()))
	req = <-sent
	assert.Equal(t, "0", req.GetHeader("Expires").Value())
}

func TestShutdown_FromHandler(t *testing.T) {
	// no registrar: the registration times out
	ua, err := New(
		SetLogger(zaptest.NewLogger(t).Sugar()),
		fakeTransport(transporttest.New()),
		SetTimings(testTimings),
		SetShutdownTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)

	returned := make(chan error, 1)
	require.NoError(t, ua.Init(func(e events.Event) {
		if e.Kind == events.RegisterFailed {
			returned <- ua.Shutdown(context.Background())
		}
	}))
	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))

	select {
	case err := <-returned:
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown called by the event handler did not return")
	}
	assert.ErrorIs(t, ua.Hangup(1), ErrNotInitialized)
	assert.ErrorIs(t, ua.Shutdown(context.Background()), ErrNotInitialized)
}

func TestShutdown_RefusesNewWork(t *testing.T) {
	tp := transporttest.New()
	peer := transporttest.NewPeer(tp)
	peer.Handle(sip.REGISTER, func(req *sip.Request) []*sip.Response {
		if req.GetHeader("Expires").Value() == "0" {
			// a slow registrar keeps the shutdown going for a while
			time.Sleep(100 * time.Millisecond)
		}
		return []*sip.Response{transporttest.Reply(req, 200, "OK")}
	})
	ua, rec := newAgent(t, tp)

	require.NoError(t, ua.Register(RegisterConfig{AOR: "sip:alice@example.com"}))
	rec.waitFor(t, events.RegisterOk, "sip:alice@example.com")

	done := make(chan error, 1)
	go func() { done <- ua.Shutdown(context.Background()) }()
	rec.waitFor(t, events.Unregistering, "sip:alice@example.com")

	id, err := ua.Invite("sip:bob@example.com")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, id)
	assert.ErrorIs(t, ua.Register(RegisterConfig{AOR: "sip:carol@example.com"}), ErrNotInitialized)
	_, err = ua.GetStats(1)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, <-done)
	assert.Empty(t, tp.SentRequests(sip.INVITE))
	assert.Empty(t, rec.kinds("sip:carol@example.com"))
}
