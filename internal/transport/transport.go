// Package transport provides the length-prefixed byte framing used between
// the session engine and one ensemble server. A Conn is single-use: once
// closed it cannot reconnect.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/net/proxy"
)

// maxFrameSize bounds inbound frames so a corrupt length prefix cannot make
// the reader allocate without limit.
const maxFrameSize = 1 << 26

var ErrClosed = errors.New("transport closed")

// Dialer produces the underlying stream. It matches proxy.Dialer so a SOCKS
// dialer built with proxy.FromURL drops in directly.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// NewDialer builds a Dialer, routing through proxyURL when it is non-nil.
func NewDialer(proxyURL *url.URL, connectTimeout time.Duration) (Dialer, error) {
	netDialer := &net.Dialer{Timeout: connectTimeout}
	if proxyURL == nil {
		return netDialer, nil
	}
	proxied, err := proxy.FromURL(proxyURL, netDialer)
	if err != nil {
		return nil, fmt.Errorf("construct proxy dialer from %q: %w", proxyURL, err)
	}
	return proxied, nil
}

// Conn is a framed connection: every message is prefixed with a 4-byte
// big-endian length on the wire.
type Conn struct {
	conn   net.Conn
	closed int32 // atomic
	log.Logger
}

// Dial connects to host:port within connectTimeout and wraps the stream.
func Dial(dialer Dialer, host string, port int, connectTimeout time.Duration, logger log.Logger) (*Conn, error) {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: connectTimeout}
	}
	if d, ok := dialer.(*net.Dialer); ok {
		d.Timeout = connectTimeout
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Debug("transport connected", "addr", addr)
	return &Conn{conn: conn, Logger: logger}, nil
}

// Write frames the message and enqueues it onto the socket.
func (c *Conn) Write(message []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(message)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(message)
	return err
}

// Read blocks for the next frame, failing if it does not arrive whole within
// readTimeout. Timeouts and short reads surface as ordinary connection
// errors for the engine to treat as connection loss.
func (c *Conn) Read(readTimeout time.Duration) ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrClosed
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("oversized frame: %d bytes", size)
	}
	message := make([]byte, size)
	if _, err := io.ReadFull(c.conn, message); err != nil {
		return nil, err
	}
	return message, nil
}

// Close tears the connection down. The Conn cannot be reused afterwards.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.Debug("transport closed")
	return c.conn.Close()
}

func (c *Conn) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}
