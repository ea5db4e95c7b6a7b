package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxMessageSize bounds a single message read from a stream transport.
const MaxMessageSize = 64 * 1024

var errMessageTooLarge = errors.New("message too large")

// readStreamMessage reads one SIP message from a connection oriented transport, using the
// Content-Length header to find the end of the body. CRLF keep-alives between messages
// are skipped.
func readStreamMessage(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	contentLength := 0
	for {
		start := buf.Len()
		if err := readLine(r, &buf); err != nil {
			return nil, err
		}
		line := buf.Bytes()[start:]
		if start == 0 && len(bytes.TrimSpace(line)) == 0 {
			buf.Reset()
			continue
		}

		hdr := strings.TrimRight(string(line), "\r\n")
		if hdr == "" {
			break
		}
		name, value, ok := strings.Cut(hdr, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length", "l":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			contentLength = n
		}
	}

	if buf.Len()+contentLength > MaxMessageSize {
		return nil, errMessageTooLarge
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		buf.Write(body)
	}
	return buf.Bytes(), nil
}

// readLine appends one line, terminator included, to buf without letting buf grow past
// MaxMessageSize.
func readLine(r *bufio.Reader, buf *bytes.Buffer) error {
	for {
		frag, err := r.ReadSlice('\n')
		if buf.Len()+len(frag) > MaxMessageSize {
			return errMessageTooLarge
		}
		buf.Write(frag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
