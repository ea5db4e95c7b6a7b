package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/resolve"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
)

// Options configure a [Manager].
type Options struct {
	// UDPAddr is the local address of the UDP socket. Default ":0".
	UDPAddr string
	// AdvertiseHost is the host written into Via/Contact. If empty the first non-loopback
	// IPv4 address of the machine is used (or the UDP socket's IP when it is bound explicitly).
	AdvertiseHost string
	// TCPAddr is the local address of a TCP listener accepting connections opened by the far
	// end, e.g. to send in-dialog requests. Empty disables it.
	TCPAddr string
	// TLSAddr is the local address of a TLS listener. It requires a certificate in TLSConfig.
	// Empty disables it.
	TLSAddr string
	// TLSConfig is used for TLS connections. If nil, a config verifying the server against
	// the system roots is used.
	TLSConfig *tls.Config
	// DialTimeout bounds TCP connect plus TLS handshake. Default 5s.
	DialTimeout time.Duration
	// WriteTimeout bounds a single write. Default 2s.
	WriteTimeout time.Duration
	// Resolver resolves destinations given as host names. Default: zero [resolve.Resolver].
	Resolver *resolve.Resolver
	Logger   log.Logger
}

// Manager is the socket-backed [Transport]: a single UDP socket plus on-demand TCP and TLS
// connections pooled per destination.
type Manager struct {
	opts Options
	log  log.Logger

	udp       net.PacketConn
	listeners map[Kind]net.Listener
	advHost   string
	advPort   int

	handler atomic.Pointer[Handler]

	mu     sync.Mutex
	conns  map[string]*streamConn // key: kind + "|" + addr
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	msgsSent, msgsRecv, bytesSent, bytesRecv, parseFailures atomic.Uint64
}

type streamConn struct {
	net.Conn
	kind Kind
	key  string
	wmu  sync.Mutex
}

// NewManager opens the UDP socket and starts its reader.
func NewManager(opts Options) (*Manager, error) {
	if opts.UDPAddr == "" {
		opts.UDPAddr = ":0"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = &resolve.Resolver{}
	}

	pc, err := net.ListenPacket("udp", opts.UDPAddr)
	if err != nil {
		return nil, errtrace.Wrap(classify("listen", opts.UDPAddr, err))
	}

	m := &Manager{
		opts:      opts,
		log:       log.OrNop(opts.Logger),
		udp:       pc,
		listeners: make(map[Kind]net.Listener),
		conns:     make(map[string]*streamConn),
	}
	for kind, addr := range map[Kind]string{TCP: opts.TCPAddr, TLS: opts.TLSAddr} {
		if addr == "" {
			continue
		}
		ln, err := m.listen(kind, addr)
		if err != nil {
			_ = pc.Close()
			for _, l := range m.listeners {
				_ = l.Close()
			}
			return nil, errtrace.Wrap(err)
		}
		m.listeners[kind] = ln
	}
	udpAddr := pc.LocalAddr().(*net.UDPAddr) //nolint:forcetypeassert
	m.advPort = udpAddr.Port
	m.advHost = opts.AdvertiseHost
	if m.advHost == "" {
		if !udpAddr.IP.IsUnspecified() {
			m.advHost = udpAddr.IP.String()
		} else {
			m.advHost = firstLocalIPv4()
		}
	}

	m.wg.Add(1 + len(m.listeners))
	go m.readUDP()
	for kind, ln := range m.listeners {
		go m.accept(ln, kind)
		m.log.Infof("transport listening on %s %s, advertising %s", kind, ln.Addr(), m.LocalAddr(kind))
	}

	m.log.Infof("transport listening on udp %s, advertising %s", pc.LocalAddr(), m.LocalAddr(UDP))
	return m, nil
}

func (m *Manager) listen(kind Kind, addr string) (net.Listener, error) {
	if kind == TLS && (m.opts.TLSConfig == nil ||
		len(m.opts.TLSConfig.Certificates) == 0 && m.opts.TLSConfig.GetCertificate == nil) {
		return nil, errtrace.Wrap(errors.New("tls listener needs a certificate"))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(classify("listen", addr, err))
	}
	if kind == TLS {
		ln = tls.NewListener(ln, m.opts.TLSConfig)
	}
	return ln, nil
}

func (m *Manager) accept(ln net.Listener, kind Kind) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warnf("%s accept failed: %s", kind, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		m.adopt(conn, kind)
	}
}

// adopt pools a connection opened by the far end, so that messages to its address reuse it.
func (m *Manager) adopt(conn net.Conn, kind Kind) {
	addr := conn.RemoteAddr().String()
	c := &streamConn{Conn: conn, kind: kind, key: string(kind) + "|" + addr}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conns[c.key] = c
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Debugf("transport accepted %s connection from %s", kind, addr)
	go m.readStream(c)
}

// OnReceive implements [Transport].
func (m *Manager) OnReceive(h Handler) {
	m.handler.Store(&h)
}

// LocalAddr implements [Transport]. Stream transports without a listener advertise the UDP port;
// their peers can then only reach the user agent over the connections it opened.
func (m *Manager) LocalAddr(kind Kind) string {
	port := m.advPort
	if ln, ok := m.listeners[kind]; ok {
		port = ln.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert
	}
	return net.JoinHostPort(m.advHost, strconv.Itoa(port))
}

// Counters implements [Transport].
func (m *Manager) Counters() Counters {
	return Counters{
		MessagesSent:     m.msgsSent.Load(),
		MessagesReceived: m.msgsRecv.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesRecv.Load(),
		ParseFailures:    m.parseFailures.Load(),
	}
}

// Send implements [Transport]. It may block while resolving the destination or connecting,
// so callers running an event loop invoke it from a separate goroutine.
func (m *Manager) Send(ctx context.Context, msg sip.Message, dst string, kind Kind) error {
	if m.isClosed() {
		return errtrace.Wrap(&Error{Kind: Closed, Op: "send", Dest: dst})
	}

	addr, err := m.resolveDst(ctx, dst, kind)
	if err != nil {
		return errtrace.Wrap(&Error{Kind: Unreachable, Op: "resolve", Dest: dst, Err: err})
	}

	data := []byte(msg.String())
	switch kind {
	case UDP:
		err = m.sendUDP(data, addr)
	case TCP, TLS:
		err = m.sendStream(ctx, data, addr, kind)
	default:
		err = &Error{Kind: Unreachable, Op: "send", Dest: dst, Err: errors.New("unknown transport kind " + string(kind))}
	}
	if err != nil {
		return errtrace.Wrap(err)
	}

	m.msgsSent.Add(1)
	m.bytesSent.Add(uint64(len(data)))
	return nil
}

func (m *Manager) resolveDst(ctx context.Context, dst string, kind Kind) (string, error) {
	host, portStr, err := net.SplitHostPort(dst)
	port := 0
	if err != nil {
		host = dst
	} else if port, err = strconv.Atoi(portStr); err != nil {
		return "", errtrace.Wrap(err)
	}

	service := resolve.ServiceUDP
	switch kind {
	case TCP:
		service = resolve.ServiceTCP
	case TLS:
		service = resolve.ServiceTLS
	}
	return errtrace.Wrap2(m.opts.Resolver.Resolve(ctx, host, port, service, kind.DefaultPort()))
}

func (m *Manager) sendUDP(data []byte, addr string) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errtrace.Wrap(classify("send", addr, err))
	}
	if err := m.udp.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return errtrace.Wrap(classify("send", addr, err))
	}
	if _, err := m.udp.WriteTo(data, ua); err != nil {
		return errtrace.Wrap(classify("send", addr, err))
	}
	return nil
}

func (m *Manager) sendStream(ctx context.Context, data []byte, addr string, kind Kind) error {
	c, err := m.getConn(ctx, addr, kind)
	if err != nil {
		return errtrace.Wrap(err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		m.dropConn(c)
		return errtrace.Wrap(classify("send", addr, err))
	}
	if _, err := c.Write(data); err != nil {
		m.dropConn(c)
		return errtrace.Wrap(classify("send", addr, err))
	}
	return nil
}

func (m *Manager) getConn(ctx context.Context, addr string, kind Kind) (*streamConn, error) {
	key := string(kind) + "|" + addr

	m.mu.Lock()
	if c, ok := m.conns[key]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(classify("dial", addr, err))
	}

	conn := raw
	if kind == TLS {
		tlsConn := tls.Client(raw, m.tlsConfig(addr))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			te := classify("handshake", addr, err)
			if te.Kind == Unreachable {
				te.Kind = HandshakeFailure
			}
			return nil, errtrace.Wrap(te)
		}
		conn = tlsConn
	}

	c := &streamConn{Conn: conn, kind: kind, key: key}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, errtrace.Wrap(&Error{Kind: Closed, Op: "dial", Dest: addr})
	}
	if existing, ok := m.conns[key]; ok {
		// lost a dial race; keep the first connection
		m.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	m.conns[key] = c
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Debugf("transport connected %s %s", kind, addr)
	go m.readStream(c)
	return c, nil
}

func (m *Manager) tlsConfig(addr string) *tls.Config {
	var cfg *tls.Config
	if m.opts.TLSConfig != nil {
		cfg = m.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}
	return cfg
}

func (m *Manager) dropConn(c *streamConn) {
	m.mu.Lock()
	if m.conns[c.key] == c {
		delete(m.conns, c.key)
	}
	m.mu.Unlock()
	_ = c.Close()
}

func (m *Manager) readUDP() {
	defer m.wg.Done()
	buf := make([]byte, MaxMessageSize)
	for {
		n, src, err := m.udp.ReadFrom(buf)
		if err != nil {
			if !m.isClosed() {
				m.log.Errorf("udp read failed: %s", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.deliver(data, src.String(), UDP)
	}
}

func (m *Manager) readStream(c *streamConn) {
	defer m.wg.Done()
	defer m.dropConn(c)

	r := bufio.NewReader(c)
	src := c.RemoteAddr().String()
	for {
		data, err := readStreamMessage(r)
		if err != nil {
			if !m.isClosed() {
				m.log.Debugf("%s connection to %s closed: %s", c.kind, src, err)
			}
			return
		}
		m.deliver(data, src, c.kind)
	}
}

func (m *Manager) deliver(data []byte, src string, kind Kind) {
	m.bytesRecv.Add(uint64(len(data)))

	msg, err := sip.ParseMessage(data)
	if err != nil {
		m.parseFailures.Add(1)
		m.log.Warnf("dropping malformed message from %s/%s: %s", kind, src, err)
		return
	}
	m.msgsRecv.Add(1)

	if h := m.handler.Load(); h != nil && *h != nil {
		(*h)(Message{Msg: msg, Source: src, Kind: kind, Size: len(data)})
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close implements [Transport]: it closes every socket and waits for the reader goroutines.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conns := make([]*streamConn, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		err = m.udp.Close()
		for _, ln := range m.listeners {
			_ = ln.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
		m.wg.Wait()
		m.log.Infof("transport closed")
	})
	return errtrace.Wrap(err)
}

func firstLocalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
