// Package channeltest provides an in-memory transport for exercising channel.Manager
// and the trackers built on it without a network.
package channeltest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
)

// ErrRefused is returned by Dialer when no connection has been queued.
var ErrRefused = errors.New("channeltest: connection refused")

// Conn is a scripted transport connection. Frames written by the manager are
// recorded and inbound frames are injected with Push.
type Conn struct {
	mu         sync.Mutex
	written    []protocol.Frame
	failWrites error
	changed    chan struct{}

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{
		changed: make(chan struct{}),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage drains injected frames before reporting a closed connection.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.inbound:
		return 1, payload, nil
	default:
	}
	select {
	case payload := <-c.inbound:
		return 1, payload, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites != nil {
		return c.failWrites
	}
	c.written = append(c.written, frame)
	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates the remote end closing the connection.
func (c *Conn) Drop() {
	_ = c.Close()
}

// IsClosed reports whether either side closed the connection.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FailWrites makes every subsequent write fail with err. Nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = err
}

// Push injects a broadcast from user in thread.
func (c *Conn) Push(thread, user string, ev protocol.Event) error {
	frame, err := protocol.NewFrame(thread, user, ev, time.Now())
	if err != nil {
		return err
	}
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	return c.PushRaw(payload)
}

// PushRaw injects an arbitrary payload.
func (c *Conn) PushRaw(payload []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.inbound <- payload:
		return nil
	}
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// WaitWritten blocks until at least n frames were written or timeout elapses.
func (c *Conn) WaitWritten(n int, timeout time.Duration) ([]protocol.Frame, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		written := append([]protocol.Frame(nil), c.written...)
		changed := c.changed
		c.mu.Unlock()
		if len(written) >= n {
			return written, true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return written, false
		}
	}
}

type dialResult struct {
	conn *Conn
	err  error
}

// Dialer hands out queued results in order and refuses once the queue is empty.
type Dialer struct {
	mu      sync.Mutex
	queue   []dialResult
	headers []http.Header
	urls    []string
}

// NewDialer returns a dialer with an empty queue.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Accept queues a successful dial and returns the connection it will produce.
func (d *Dialer) Accept() *Conn {
	conn := NewConn()
	d.mu.Lock()
	d.queue = append(d.queue, dialResult{conn: conn})
	d.mu.Unlock()
	return conn
}

// Refuse queues a failed dial.
func (d *Dialer) Refuse(err error) {
	if err == nil {
		err = ErrRefused
	}
	d.mu.Lock()
	d.queue = append(d.queue, dialResult{err: err})
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (channel.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header.Clone())
	d.urls = append(d.urls, url)
	if len(d.queue) == 0 {
		return nil, ErrRefused
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

// LastHeader returns the handshake header of the latest dial.
func (d *Dialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// FastOptions returns manager options with millisecond backoff suitable for tests.
func FastOptions(attempts int) channel.Options {
	return channel.Options{
		URL:                  "ws://authority.test/ws",
		Token:                "token",
		ReconnectionAttempts: attempts,
		ReconnectionDelay:    time.Millisecond,
		ReconnectionDelayMax: 4 * time.Millisecond,
		Timeout:              time.Second,
	}
}
