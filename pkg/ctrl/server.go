package ctrl

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/f18m/go-sipua/pkg/events"
	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/sipua"
	"github.com/f18m/go-sipua/pkg/stats"
)

// DefaultAddr is where baresip's ctrl_tcp module listens by default.
const DefaultAddr = "127.0.0.1:4444"

const (
	defaultWriteTimeout = 100 * time.Millisecond
	clientQueueSize     = 100
)

// Controller is the user agent driven by a [Server]. [*sipua.UserAgent] implements it.
type Controller interface {
	Register(cfg sipua.RegisterConfig) error
	Unregister(aor string) error
	Invite(target string) (uint32, error)
	Hangup(id uint32) error
	GetStats(id uint32) (stats.Snapshot, error)
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	Logger log.Logger
	// WriteTimeout bounds the write of one message to a client. Default 100ms.
	WriteTimeout time.Duration
	// OnQuit is called when a client sends the quit command.
	OnQuit func()
}

// ServerStats holds counters about a [Server].
type ServerStats struct {
	// Clients is the number of connected clients.
	Clients        uint64 `json:"clients"`
	Accepted       uint64 `json:"accepted"`
	Commands       uint64 `json:"commands"`
	FailedCommands uint64 `json:"failed_commands"`
	DecodeFailures uint64 `json:"decode_failures"`
	EventMsgs      uint64 `json:"event_msg_count"`
	DroppedMsgs    uint64 `json:"dropped_msg_count"`
}

// Server exposes a [Controller] to control clients speaking the ctrl_tcp protocol: netstring
// frames carrying JSON commands, responses and events. Every connected client receives every
// event passed to [Server.Publish].
type Server struct {
	ctrl   Controller
	opts   ServerOptions
	logger log.Logger
	uuid   string

	mu      sync.Mutex
	clients map[*serverClient]struct{}
	closed  bool

	accepted, commands, failed, decodeFailures, eventMsgs, dropped atomic.Uint64
}

type serverClient struct {
	*conn
	out  chan any
	done chan struct{}
}

// NewServer creates a server for c.
func NewServer(c Controller, opts ServerOptions) *Server {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		ctrl:    c,
		opts:    opts,
		logger:  log.OrNop(opts.Logger),
		uuid:    uuid.NewString(),
		clients: make(map[*serverClient]struct{}),
	}
}

// ListenAndServe listens on the TCP address addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled, then disconnects them all and returns
// ctx.Err(). The server cannot be reused afterwards.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Infof("control server listening on %s", ln.Addr())
	var wg sync.WaitGroup
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.shutdown()
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failure accepting control connections: %w", err)
		}

		cl := s.add(nc)
		if cl == nil {
			_ = nc.Close()
			continue
		}
		s.logger.Infof("control client %s connected", nc.RemoteAddr())
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.writeLoop(cl)
		}()
		go func() {
			defer wg.Done()
			s.readLoop(cl)
			s.remove(cl)
		}()
	}
}

func (s *Server) add(nc net.Conn) *serverClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	cl := &serverClient{
		conn: newConn(nc, s.opts.WriteTimeout),
		out:  make(chan any, clientQueueSize),
		done: make(chan struct{}),
	}
	s.clients[cl] = struct{}{}
	s.accepted.Add(1)
	return cl
}

func (s *Server) remove(cl *serverClient) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
	close(cl.done)
	_ = cl.close()
	s.logger.Infof("control client %s disconnected", cl.nc.RemoteAddr())
}

// shutdown disconnects every client; their read loops then remove them.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for cl := range s.clients {
		_ = cl.close()
	}
}

func (s *Server) readLoop(cl *serverClient) {
	for {
		frame, err := cl.read()
		if err != nil {
			return
		}
		var cmd CommandMsg
		if err := json.Unmarshal(frame, &cmd); err != nil || cmd.Command == "" {
			s.decodeFailures.Add(1)
			s.logger.Warnf("control client %s: undecodable command %q", cl.nc.RemoteAddr(), frame)
			continue
		}
		s.send(cl, s.execute(cmd))
	}
}

func (s *Server) writeLoop(cl *serverClient) {
	for {
		select {
		case msg := <-cl.out:
			if err := cl.write(msg); err != nil {
				s.logger.Warnf("control client %s: write failed: %s", cl.nc.RemoteAddr(), err)
				// unblocks the read loop
				_ = cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

// send queues msg for cl, dropping it when the client is too slow.
func (s *Server) send(cl *serverClient, msg any) {
	select {
	case cl.out <- msg:
	default:
		s.dropped.Add(1)
	}
}

// Publish sends e to every connected client. It never blocks, so it can be given to
// [sipua.UserAgent.Init] as the event handler.
func (s *Server) Publish(e events.Event) {
	msg := NewEventMsg(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		s.send(cl, msg)
	}
	s.eventMsgs.Add(1)
}

// Stats returns the server counters.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return ServerStats{
		Clients:        uint64(n),
		Accepted:       s.accepted.Load(),
		Commands:       s.commands.Load(),
		FailedCommands: s.failed.Load(),
		DecodeFailures: s.decodeFailures.Load(),
		EventMsgs:      s.eventMsgs.Load(),
		DroppedMsgs:    s.dropped.Load(),
	}
}

func (s *Server) execute(cmd CommandMsg) ResponseMsg {
	s.commands.Add(1)
	res := ResponseMsg{Response: true, Token: cmd.Token}
	data, err := s.run(cmd)
	if err != nil {
		s.failed.Add(1)
		s.logger.Infof("command %s %q failed: %s", cmd.Command, cmd.Params, err)
		res.Data = err.Error()
		return res
	}
	res.Ok = true
	res.Data = data
	return res
}

func (s *Server) run(cmd CommandMsg) (string, error) {
	params := strings.TrimSpace(cmd.Params)
	switch strings.ToLower(cmd.Command) {
	case CmdRegister:
		cfg, err := registerParams(params)
		if err != nil {
			return "", err
		}
		return "", s.ctrl.Register(cfg)

	case CmdUnregister:
		if params == "" {
			return "", fmt.Errorf("%w: missing address-of-record", ErrBadParams)
		}
		return "", s.ctrl.Unregister(params)

	case CmdDial, CmdInvite:
		if params == "" {
			return "", fmt.Errorf("%w: missing target", ErrBadParams)
		}
		id, err := s.ctrl.Invite(params)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(id), 10), nil

	case CmdHangup:
		id, err := callID(params)
		if err != nil {
			return "", err
		}
		return "", s.ctrl.Hangup(id)

	case CmdCallstat, CmdStats:
		id, err := callID(params)
		if err != nil {
			return "", err
		}
		snap, err := s.ctrl.GetStats(id)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(snap)
		return string(b), err

	case CmdUUID:
		return s.uuid, nil

	case CmdQuit:
		if s.opts.OnQuit != nil {
			s.opts.OnQuit()
		}
		return "", nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

// registerParams accepts either a JSON account or a bare address-of-record.
func registerParams(params string) (sipua.RegisterConfig, error) {
	var cfg sipua.RegisterConfig
	if !strings.HasPrefix(params, "{") {
		cfg.AOR = params
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(params), &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrBadParams, err)
	}
	return cfg, nil
}

func callID(params string) (uint32, error) {
	n, err := strconv.ParseUint(params, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: call id %q", ErrBadParams, params)
	}
	return uint32(n), nil
}

