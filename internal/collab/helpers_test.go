package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/channel/channeltest"
	"github.com/charlesng35/threadsync/internal/protocol"
)

const (
	waitFor    = 2 * time.Second
	testThread = "thread-1"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) has(target error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range s.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type harness struct {
	mgr    *channel.Manager
	dialer *channeltest.Dialer
	conn   *channeltest.Conn
	errs   *errorSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{dialer: channeltest.NewDialer(), errs: &errorSink{}}
	h.conn = h.dialer.Accept()

	opts := channeltest.FastOptions(3)
	opts.OnError = h.errs.record
	h.mgr = channel.NewManager(opts, channel.WithDialer(h.dialer))
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.Open())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.mgr.WaitConnected(ctx))
}

// reconnect drops the current connection and waits for the next one.
func (h *harness) reconnect(t *testing.T) *channeltest.Conn {
	t.Helper()
	gen := h.mgr.Generation()
	next := h.dialer.Accept()
	h.conn.Drop()
	require.Eventually(t, func() bool {
		return h.mgr.Generation() > gen && h.mgr.IsConnected()
	}, waitFor, time.Millisecond)
	h.conn = next
	return next
}

func (h *harness) push(t *testing.T, user string, ev protocol.Event) {
	t.Helper()
	require.NoError(t, h.conn.Push(testThread, user, ev))
}

func waitUntil(t *testing.T, w Watchable, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, WaitFor(ctx, w, cond))
}

func eventNames(frames []protocol.Frame) []protocol.EventName {
	names := make([]protocol.EventName, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

// flush pushes a marker through the dispatcher and waits for it, so every
// earlier inbound event has been folded.
func flush(t *testing.T, h *harness) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := h.mgr.Subscribe(func(in channel.Inbound) error {
		if f, ok := in.Event.(protocol.Failure); ok && f.Code == "flush" {
			once.Do(func() { close(done) })
		}
		return nil
	})
	defer unsubscribe()

	require.NoError(t, h.conn.Push("flush-thread", "", protocol.Failure{Code: "flush"}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("dispatcher did not drain")
	}
}
