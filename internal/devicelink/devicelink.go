// Package devicelink implements a reliable request/response TCP transport
// with a per-call timeout, shared by every networked device in this module
// (motor controller, shaft encoder, watchdog).
package devicelink

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrTimeout is returned when a connect, write, or read deadline elapses.
var ErrTimeout = errors.New("devicelink: timeout")

// ErrDisconnected is returned when an operation is attempted on a link that
// is not connected.
var ErrDisconnected = errors.New("devicelink: not connected")

// Link is a reliable request/response transport to a single TCP endpoint.
// All exported methods are safe for concurrent use; callers that need a
// send-then-receive to be atomic with respect to other callers must still
// serialize at a higher level (the motor controller's link mutex, the
// watchdog's command mutex) because a single Link does not interleave reads
// and writes from different goroutines meaningfully.
type Link struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Link to addr (host:port) with the given per-call timeout.
func New(addr string, timeout time.Duration) *Link {
	return &Link{addr: addr, timeout: timeout}
}

// Connect dials the endpoint. Reconnecting an already-connected Link is a
// no-op that returns nil.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", l.addr, l.timeout)
	if err != nil {
		return fmt.Errorf("devicelink: connect %s: %w", l.addr, err)
	}
	l.conn = conn
	return nil
}

// Disconnect closes the underlying connection. Safe to call on a link that
// is already disconnected.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// IsConnected reports whether the link currently holds an open connection.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send writes b to the connection under the configured deadline.
func (l *Link) Send(b []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
		return fmt.Errorf("devicelink: set write deadline: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		if isTimeout(err) {
			return ErrTimeout
		}
		return fmt.Errorf("devicelink: write: %w", err)
	}
	return nil
}

// Receive reads up to len(buf) bytes, or until the deadline elapses,
// whichever comes first, returning the bytes actually read.
func (l *Link) Receive(buf []byte) ([]byte, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, ErrDisconnected
	}
	if err := conn.SetReadDeadline(time.Now().Add(l.timeout)); err != nil {
		return nil, fmt.Errorf("devicelink: set read deadline: %w", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("devicelink: read: %w", err)
	}
	return buf[:n], nil
}

// SendAndReceive is the composite operation used by every device client:
// write req, then read up to len(respBuf) bytes of the reply.
func (l *Link) SendAndReceive(req []byte, respBuf []byte) ([]byte, error) {
	if err := l.Send(req); err != nil {
		return nil, err
	}
	return l.Receive(respBuf)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
