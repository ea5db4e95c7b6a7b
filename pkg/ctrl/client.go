package ctrl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/f18m/go-sipua/pkg/log"
	"github.com/f18m/go-sipua/pkg/sipua"
)

// internalPingToken is a special token used for internal pings. Never use it in your code.
const internalPingToken = "gosipua_internal_ping"

// ClientStats holds statistics about a [Client].
type ClientStats struct {
	TxStats struct {
		SuccessfulCmds  uint32 `json:"successful_cmds"`
		FailedCmds      uint32 `json:"failed_cmds"`
		SuccessfulPings uint32 `json:"successful_pings"`
		FailedPings     uint32 `json:"failed_pings"`
	}
	RxStats struct {
		DecodeFailures uint32 `json:"decode_failures"`
		EventMsgs      uint32 `json:"event_msg_count"`
		ResponseMsgs   uint32 `json:"response_msg_count"`
	}
}

// Client is the consumer side of the control protocol: it connects to a [Server] (or to a
// baresip instance with the ctrl_tcp module), sends commands and delivers what comes back on
// two channels, one for responses and one for events.
type Client struct {
	// CONFIG

	// pingInterval is the interval for sending ping commands to the server.
	pingInterval time.Duration

	// Timeout for writing commands to the control interface.
	ctrlCmdWriteTimeout time.Duration

	// TCP socket address for the control interface.
	ctrlAddr string

	// connectAttempts bounds the connection attempts made while the server refuses them.
	connectAttempts int

	// STATUS

	logger log.Logger

	connMu sync.Mutex
	conn   *conn

	successfulCmds, failedCmds, successfulPings, failedPings atomic.Uint32
	decodeFailures, eventMsgs, responseMsgs                  atomic.Uint32

	// Channel of responses (to commands) coming from the server
	responseChan chan ResponseMsg

	// Channel of events (spontaneously sent by the server)
	eventChan chan EventMsg
}

// NewClient creates a new [Client] instance with the provided options.
// Options can be set using functional options like [SetCtrlTCPAddr], [SetLogger],
// [SetPingInterval], etc. If no options are provided, it will use default values.
func NewClient(options ...func(*Client) error) (*Client, error) {
	c := &Client{
		responseChan: make(chan ResponseMsg, 100),
		eventChan:    make(chan EventMsg, 100),
	}

	if err := c.SetOption(options...); err != nil {
		return nil, err
	}

	if c.ctrlAddr == "" {
		c.ctrlAddr = DefaultAddr
	}
	c.logger = log.OrNop(c.logger)
	if c.pingInterval == 0 {
		c.pingInterval = 30 * time.Second
	}
	if c.ctrlCmdWriteTimeout == 0 {
		c.ctrlCmdWriteTimeout = defaultWriteTimeout
	}
	if c.connectAttempts == 0 {
		c.connectAttempts = 10
	}
	return c, nil
}

// Cmd will send a raw command to the server.
func (c *Client) Cmd(command, params, token string) error {
	c.connMu.Lock()
	cn := c.conn
	c.connMu.Unlock()
	if cn == nil {
		c.failedCmds.Add(1)
		return ErrNoCtrlConn
	}

	err := cn.write(&CommandMsg{
		Command: command,
		Params:  params,
		Token:   token,
	})
	if err != nil {
		c.failedCmds.Add(1)
		return err
	}
	c.successfulCmds.Add(1)
	return nil
}

// CmdRegister asks the server to register an account.
func (c *Client) CmdRegister(cfg sipua.RegisterConfig) error {
	params, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.Cmd(CmdRegister, string(params), "cmd_"+CmdRegister)
}

// CmdUnregister asks the server to remove the binding of aor.
func (c *Client) CmdUnregister(aor string) error {
	return c.Cmd(CmdUnregister, aor, "cmd_"+CmdUnregister)
}

// CmdDial places a call to target; the response data carries the call id.
func (c *Client) CmdDial(target string) error {
	return c.Cmd(CmdDial, target, "cmd_"+CmdDial)
}

// CmdHangup ends call id.
func (c *Client) CmdHangup(id uint32) error {
	return c.Cmd(CmdHangup, strconv.FormatUint(uint64(id), 10), "cmd_"+CmdHangup)
}

// CmdCallstat asks for the statistics of call id; the response data is a JSON [stats.Snapshot].
func (c *Client) CmdCallstat(id uint32) error {
	return c.Cmd(CmdCallstat, strconv.FormatUint(uint64(id), 10), "cmd_"+CmdCallstat)
}

// CmdQuit asks the server to quit.
func (c *Client) CmdQuit() error {
	return c.Cmd(CmdQuit, "", "cmd_"+CmdQuit)
}

// GetEventChan returns the receive-only [EventMsg] channel for reading data.
func (c *Client) GetEventChan() <-chan EventMsg {
	return c.eventChan
}

// GetResponseChan returns the receive-only [ResponseMsg] channel for reading data.
func (c *Client) GetResponseChan() <-chan ResponseMsg {
	return c.responseChan
}

// GetStats returns the client counters.
func (c *Client) GetStats() ClientStats {
	var s ClientStats
	s.TxStats.SuccessfulCmds = c.successfulCmds.Load()
	s.TxStats.FailedCmds = c.failedCmds.Load()
	s.TxStats.SuccessfulPings = c.successfulPings.Load()
	s.TxStats.FailedPings = c.failedPings.Load()
	s.RxStats.DecodeFailures = c.decodeFailures.Load()
	s.RxStats.EventMsgs = c.eventMsgs.Load()
	s.RxStats.ResponseMsgs = c.responseMsgs.Load()
	return s
}

func (c *Client) readFromCtrlConn(ctx context.Context, cn *conn) error {
	for {
		frame, err := cn.read()
		if err != nil {
			// network error, encoding error or end of stream
			return fmt.Errorf("failure on the TCP control socket: %w", err)
		}

		event, response, ok := decode(frame)
		switch {
		case !ok:
			c.decodeFailures.Add(1)
		case event != nil:
			c.eventMsgs.Add(1)
			c.logger.Infof("event from server: %s", string(event.RawJSON))
			select {
			case c.eventChan <- *event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case response.Token == internalPingToken:
			// hide internal pings from the user
			c.successfulPings.Add(1)
			c.logger.Debugf("ping successful, successful pings: %d", c.successfulPings.Load())
		default:
			c.responseMsgs.Add(1)
			c.logger.Infof("response from server: %s", string(response.RawJSON))
			select {
			case c.responseChan <- *response:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) keepActive(done <-chan struct{}) {
	if c.pingInterval <= 0 {
		c.logger.Infof("pings / keep alives are disabled")
		return
	}

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			c.logger.Debugf("control client stopped sending keep-alives/pings")
			return

		case <-ticker.C:
			if c.Cmd(CmdUUID, "", internalPingToken) != nil {
				c.failedPings.Add(1)
				c.logger.Warnf("ping failed; count of failed pings: %d", c.failedPings.Load())
			}
		}
	}
}

// Serve connects to the server, see [SetCtrlTCPAddr], and delivers what it sends on the
// response and event channels. Both channels are closed when Serve returns.
//
// This function will return if the provided context is cancelled.
// If an error occurs on the connection, it returns an error instead.
func (c *Client) Serve(ctx context.Context) error {
	defer func() {
		close(c.responseChan)
		close(c.eventChan)
	}()

	cn, err := c.connectCtrl(ctx)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = cn
	c.connMu.Unlock()

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	ctrlSocketErrCh := make(chan error, 1)
	go func() {
		ctrlSocketErrCh <- c.readFromCtrlConn(readCtx, cn)
	}()

	stopKeepActiveCh := make(chan struct{})
	keepActiveDone := make(chan struct{})
	go func() {
		defer close(keepActiveDone)
		c.keepActive(stopKeepActiveCh)
	}()

	var result error
	readerDone := false
	select {
	case <-ctx.Done():
		c.logger.Infof("context cancelled, closing the control connection")
		result = ctx.Err()
	case result = <-ctrlSocketErrCh:
		readerDone = true
		c.logger.Infof("error on control socket, closing the control connection")
	}

	close(stopKeepActiveCh)
	<-keepActiveDone
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	if err := cn.close(); err != nil {
		c.logger.Infof("error closing control connection: %s", err)
	}
	cancelRead()
	if !readerDone {
		<-ctrlSocketErrCh
	}
	return result
}

func (c *Client) connectCtrl(ctx context.Context) (*conn, error) {
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		c.logger.Infof("attempting to connect to control socket at %s (attempt %d)", c.ctrlAddr, attempt)
		nc, err := d.DialContext(ctx, "tcp", c.ctrlAddr)
		switch {
		case err == nil:
			c.logger.Infof("successfully connected to control socket at %s", c.ctrlAddr)
			return newConn(nc, c.ctrlCmdWriteTimeout), nil

		case errors.Is(err, syscall.ECONNREFUSED) && attempt < c.connectAttempts:
			// give the server some time to start
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, fmt.Errorf("%w: %s refused %d attempts", ErrNoCtrlConn, c.ctrlAddr, attempt)

		default:
			return nil, fmt.Errorf("failed to connect to ctrl socket: %w", err)
		}
	}
}
