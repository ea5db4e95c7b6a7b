package ctrl

import (
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/markdingo/netstring"
)

// conn carries JSON messages in netstring frames over a stream connection.
type conn struct {
	nc  net.Conn
	dec *netstring.Decoder
	enc *netstring.Encoder

	writeTimeout time.Duration
	txMutex      sync.Mutex
}

func newConn(nc net.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		nc:           nc,
		dec:          netstring.NewDecoder(nc),
		enc:          netstring.NewEncoder(nc),
		writeTimeout: writeTimeout,
	}
}

// write encodes v and sends it as one frame. It is safe for concurrent use.
func (c *conn) write(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.txMutex.Lock()
	defer c.txMutex.Unlock()
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.enc.EncodeString(netstring.NoKey, string(msg))
}

// read returns the next frame.
func (c *conn) read() ([]byte, error) {
	return c.dec.Decode()
}

func (c *conn) close() error {
	return c.nc.Close()
}
