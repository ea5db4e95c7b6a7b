package ctrl

import (
	"errors"
	"time"

	"github.com/f18m/go-sipua/pkg/log"
)

// SetOption takes one or more option function and applies them in order to Client.
func (c *Client) SetOption(options ...func(*Client) error) error {
	for _, opt := range options {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// SetCtrlTCPAddr sets the address of the control server. Default [DefaultAddr].
func SetCtrlTCPAddr(opt string) func(*Client) error {
	return func(c *Client) error {
		c.ctrlAddr = opt
		return nil
	}
}

// SetLogger sets the logger for Client.
func SetLogger(lgr log.Logger) func(*Client) error {
	return func(c *Client) error {
		c.logger = lgr
		return nil
	}
}

// SetPingInterval sets the ping interval used as "keep alive" between the server and the
// Client. If set to -1, no ping will be sent.
func SetPingInterval(i time.Duration) func(*Client) error {
	return func(c *Client) error {
		c.pingInterval = i
		return nil
	}
}

// SetCmdWriteTimeout sets the timeout for writing commands on the TCP socket to the server.
// Since commands are typically very short (few bytes), the default timeout is small (100ms).
func SetCmdWriteTimeout(i time.Duration) func(*Client) error {
	return func(c *Client) error {
		c.ctrlCmdWriteTimeout = i
		return nil
	}
}

// SetConnectAttempts sets how many times [Client.Serve] tries to connect while the server
// refuses connections, 100ms apart. Default 10.
func SetConnectAttempts(n int) func(*Client) error {
	return func(c *Client) error {
		if n <= 0 {
			return errors.New("connect attempts must be positive")
		}
		c.connectAttempts = n
		return nil
	}
}
