package channel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/channel/channeltest"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

const waitFor = 2 * time.Second

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

func (s *errorSink) kinds() []syncErrors.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]syncErrors.Kind, 0, len(s.errs))
	for _, err := range s.errs {
		kinds = append(kinds, syncErrors.KindOf(err))
	}
	return kinds
}

func newManager(t *testing.T, attempts int) (*channel.Manager, *channeltest.Dialer, *errorSink) {
	t.Helper()

	sink := &errorSink{}
	dialer := channeltest.NewDialer()
	opts := channeltest.FastOptions(attempts)
	opts.OnError = sink.record

	mgr := channel.NewManager(opts, channel.WithDialer(dialer))
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, dialer, sink
}

func waitConnected(t *testing.T, mgr *channel.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, mgr.WaitConnected(ctx))
}

func collectSignals(mgr *channel.Manager) <-chan channel.Signal {
	ch := make(chan channel.Signal, 64)
	mgr.OnSignal(func(sig channel.Signal) { ch <- sig })
	return ch
}

func nextSignal(t *testing.T, ch <-chan channel.Signal) channel.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for signal")
		return channel.Signal{}
	}
}

func TestOpenRequiresURLAndToken(t *testing.T) {
	tests := []struct {
		name string
		opts channel.Options
		want error
	}{
		{name: "missing url", opts: channel.Options{Token: "token"}, want: syncErrors.ErrMissingURL},
		{name: "blank url", opts: channel.Options{URL: "  ", Token: "token"}, want: syncErrors.ErrMissingURL},
		{name: "missing token", opts: channel.Options{URL: "ws://authority.test/ws"}, want: syncErrors.ErrMissingToken},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &errorSink{}
			dialer := channeltest.NewDialer()
			tc.opts.OnError = sink.record

			mgr := channel.NewManager(tc.opts, channel.WithDialer(dialer))
			defer mgr.Close()

			err := mgr.Open()
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, syncErrors.KindConfiguration, syncErrors.KindOf(err))
			require.True(t, sink.has(tc.want))
			require.Zero(t, dialer.Dials())
			require.ErrorIs(t, mgr.WaitConnected(context.Background()), tc.want)
			require.Equal(t, channel.StateIdle, mgr.Status().State)
		})
	}
}

func TestOpenConnectsWithBearerToken(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	dialer.Accept()
	signals := collectSignals(mgr)

	require.NoError(t, mgr.Open())
	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	require.Equal(t, "Bearer token", dialer.LastHeader().Get("Authorization"))
	require.Equal(t, 1, dialer.Dials())

	status := mgr.Status()
	require.True(t, status.Connected)
	require.Equal(t, channel.StateConnected, status.State)
	require.Equal(t, uint64(1), status.Generation)
	require.NoError(t, status.LastError)

	require.Equal(t, channel.SignalConnect, nextSignal(t, signals).Kind)
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	mgr, _, sink := newManager(t, 1)

	err := mgr.Emit("thread-1", protocol.Typing{IsTyping: true})
	require.ErrorIs(t, err, syncErrors.ErrNotConnected)
	require.Equal(t, syncErrors.KindEmit, syncErrors.KindOf(err))
	require.True(t, sink.has(syncErrors.ErrNotConnected))
	require.ErrorIs(t, mgr.LastError(), syncErrors.ErrNotConnected)
}

func TestEmitWritesFrame(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	require.NoError(t, mgr.Emit("thread-1", protocol.Read{MessageID: "m-1"}))

	frames, ok := conn.WaitWritten(1, waitFor)
	require.True(t, ok)
	require.Equal(t, protocol.EventRead, frames[0].Event)
	require.Equal(t, "thread-1", frames[0].Thread)
	require.NotEmpty(t, frames[0].ID)
}

func TestInitialFailureRetriesThenConnects(t *testing.T) {
	mgr, dialer, sink := newManager(t, 3)
	dialer.Refuse(nil)
	dialer.Accept()
	signals := collectSignals(mgr)

	require.NoError(t, mgr.Open())

	var kinds []channel.SignalKind
	for len(kinds) < 4 {
		kinds = append(kinds, nextSignal(t, signals).Kind)
	}
	require.Equal(t, []channel.SignalKind{
		channel.SignalConnectError,
		channel.SignalReconnectAttempt,
		channel.SignalReconnect,
		channel.SignalConnect,
	}, kinds)

	waitConnected(t, mgr)
	require.True(t, sink.has(syncErrors.ErrConnectFailed))
	require.NoError(t, mgr.LastError())
	require.Equal(t, 2, dialer.Dials())
}

func TestReconnectWritesPreambleBeforeRetainedIntents(t *testing.T) {
	mgr, dialer, _ := newManager(t, 3)
	first := dialer.Accept()
	second := dialer.Accept()

	mgr.AddPreamble(func() []channel.Intent {
		return []channel.Intent{{Thread: "thread-1", Event: protocol.Join{}}}
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	frames, ok := first.WaitWritten(1, waitFor)
	require.True(t, ok)
	require.Equal(t, protocol.EventJoin, frames[0].Event)

	first.FailWrites(errors.New("broken pipe"))
	cursor := protocol.Cursor{Position: protocol.Position{Line: 4, Column: 2}}
	require.NoError(t, mgr.Emit("thread-1", cursor))

	frames, ok = second.WaitWritten(2, waitFor)
	require.True(t, ok)
	require.Equal(t, protocol.EventJoin, frames[0].Event)
	require.Equal(t, protocol.EventCursor, frames[1].Event)

	ev, err := protocol.Decode(frames[1])
	require.NoError(t, err)
	require.Equal(t, cursor.Position, ev.(protocol.Cursor).Position)

	require.Eventually(t, func() bool { return mgr.Generation() == 2 }, waitFor, time.Millisecond)
	require.True(t, first.IsClosed())
}

func TestReconnectionExhaustionThenManualReopen(t *testing.T) {
	mgr, dialer, sink := newManager(t, 2)
	conn := dialer.Accept()
	signals := collectSignals(mgr)

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.Equal(t, channel.SignalConnect, nextSignal(t, signals).Kind)

	conn.Drop()

	var kinds []channel.SignalKind
	for {
		sig := nextSignal(t, signals)
		kinds = append(kinds, sig.Kind)
		if sig.Kind == channel.SignalReconnectFailed {
			require.ErrorIs(t, sig.Err, syncErrors.ErrReconnectFailed)
			break
		}
	}
	require.Equal(t, []channel.SignalKind{
		channel.SignalDisconnect,
		channel.SignalReconnectAttempt,
		channel.SignalReconnectError,
		channel.SignalReconnectAttempt,
		channel.SignalReconnectError,
		channel.SignalReconnectFailed,
	}, kinds)

	require.Eventually(t, func() bool { return mgr.Status().State == channel.StateFailed }, waitFor, time.Millisecond)
	require.ErrorIs(t, mgr.WaitConnected(context.Background()), syncErrors.ErrReconnectFailed)
	require.True(t, sink.has(syncErrors.ErrReconnectFailed))
	require.Equal(t, 3, dialer.Dials())

	dialer.Accept()
	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.Equal(t, uint64(2), mgr.Generation())
}

func TestDisabledReconnectionFailsImmediately(t *testing.T) {
	mgr, _, _ := newManager(t, -1)
	signals := collectSignals(mgr)

	require.NoError(t, mgr.Open())
	require.Equal(t, channel.SignalConnectError, nextSignal(t, signals).Kind)
	require.Equal(t, channel.SignalReconnectFailed, nextSignal(t, signals).Kind)
}

func TestEventsFromStaleSessionAreDiscarded(t *testing.T) {
	mgr, dialer, _ := newManager(t, 3)
	first := dialer.Accept()
	second := dialer.Accept()

	release := make(chan struct{})
	received := make(chan protocol.Typing, 8)
	mgr.Subscribe(func(in channel.Inbound) error {
		typing := in.Event.(protocol.Typing)
		received <- typing
		if typing.UserID == "a" {
			<-release
		}
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	require.NoError(t, first.Push("thread-1", "a", protocol.Typing{UserID: "a", IsTyping: true}))
	select {
	case got := <-received:
		require.Equal(t, "a", got.UserID)
	case <-time.After(waitFor):
		t.Fatal("first event not delivered")
	}

	require.NoError(t, first.Push("thread-1", "b", protocol.Typing{UserID: "b", IsTyping: true}))
	first.Drop()
	require.Eventually(t, func() bool { return mgr.Generation() == 2 && mgr.IsConnected() }, waitFor, time.Millisecond)
	close(release)

	require.NoError(t, second.Push("thread-1", "c", protocol.Typing{UserID: "c", IsTyping: true}))
	select {
	case got := <-received:
		require.Equal(t, "c", got.UserID)
	case <-time.After(waitFor):
		t.Fatal("fresh event not delivered")
	}
}

func TestHandlerPanicIsReportedAndDispatchContinues(t *testing.T) {
	mgr, dialer, sink := newManager(t, 1)
	conn := dialer.Accept()

	delivered := make(chan protocol.EventName, 1)
	mgr.Subscribe(func(channel.Inbound) error { panic("boom") })
	mgr.Subscribe(func(in channel.Inbound) error {
		delivered <- in.Frame.Event
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.NoError(t, conn.Push("thread-1", "other", protocol.LockState{Holder: "other"}))

	select {
	case name := <-delivered:
		require.Equal(t, protocol.EventLock, name)
	case <-time.After(waitFor):
		t.Fatal("second handler not invoked")
	}
	require.Eventually(t, func() bool { return sink.has(syncErrors.ErrHandlerFailed) }, waitFor, time.Millisecond)
	require.Contains(t, sink.kinds(), syncErrors.KindHandler)
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	delivered := make(chan protocol.EventName, 4)
	mgr.Subscribe(func(in channel.Inbound) error {
		delivered <- in.Frame.Event
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	require.NoError(t, conn.PushRaw([]byte("not json")))
	require.NoError(t, conn.PushRaw([]byte(`{"event":"thread:unknown"}`)))
	require.NoError(t, conn.Push("thread-1", "other", protocol.Activity{Type: "joined", UserID: "other"}))

	select {
	case name := <-delivered:
		require.Equal(t, protocol.EventActivity, name)
	case <-time.After(waitFor):
		t.Fatal("valid frame not delivered")
	}
	require.True(t, mgr.IsConnected())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	var mu sync.Mutex
	var removedCalls int
	unsubscribe := mgr.Subscribe(func(channel.Inbound) error {
		mu.Lock()
		removedCalls++
		mu.Unlock()
		return nil
	})
	unsubscribe()
	unsubscribe()

	delivered := make(chan struct{}, 1)
	mgr.Subscribe(func(channel.Inbound) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.NoError(t, conn.Push("thread-1", "other", protocol.Typing{UserID: "other"}))

	select {
	case <-delivered:
	case <-time.After(waitFor):
		t.Fatal("active handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, removedCalls)
}

func TestCloseStopsEverything(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())

	require.True(t, conn.IsClosed())
	require.Equal(t, channel.StateClosed, mgr.Status().State)
	require.False(t, mgr.IsConnected())
	require.ErrorIs(t, mgr.Emit("thread-1", protocol.Join{}), syncErrors.ErrNotConnected)
	require.ErrorIs(t, mgr.Open(), channel.ErrClosed)
	require.ErrorIs(t, mgr.WaitConnected(context.Background()), channel.ErrClosed)
}

func TestCloseWaitsForInFlightHandler(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var calls atomic.Int32
	mgr.Subscribe(func(channel.Inbound) error {
		calls.Add(1)
		close(entered)
		<-release
		finished.Store(true)
		return nil
	})
	mgr.Subscribe(func(channel.Inbound) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.NoError(t, conn.Push("thread-1", "bob", protocol.Typing{UserID: "bob", IsTyping: true}))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
	}

	closed := make(chan bool, 1)
	go func() {
		_ = mgr.Close()
		closed <- finished.Load()
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case done := <-closed:
		require.True(t, done)
	case <-time.After(waitFor):
		t.Fatal("Close did not return after the handler finished")
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestCloseFromHandlerDoesNotDeadlock(t *testing.T) {
	mgr, dialer, _ := newManager(t, 1)
	conn := dialer.Accept()

	closed := make(chan error, 1)
	mgr.Subscribe(func(channel.Inbound) error {
		closed <- mgr.Close()
		return nil
	})

	require.NoError(t, mgr.Open())
	waitConnected(t, mgr)
	require.NoError(t, conn.Push("thread-1", "bob", protocol.Typing{UserID: "bob"}))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close from a handler did not return")
	}
	require.Equal(t, channel.StateClosed, mgr.Status().State)
}

func TestWaitConnectedHonoursContext(t *testing.T) {
	opts := channeltest.FastOptions(5)
	opts.ReconnectionDelay = time.Hour
	opts.ReconnectionDelayMax = time.Hour
	mgr := channel.NewManager(opts, channel.WithDialer(channeltest.NewDialer()))
	defer mgr.Close()

	require.NoError(t, mgr.Open())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, mgr.WaitConnected(ctx), context.DeadlineExceeded)
	require.Equal(t, channel.StateReconnecting, mgr.Status().State)
}
