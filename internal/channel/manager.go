// Package channel owns the client side transport connection to the thread authority.
//
// A Manager dials the websocket, retries with bounded exponential backoff,
// stamps every connection with a session generation and delivers inbound
// events and lifecycle signals from a single dispatch goroutine, in arrival
// order. Intents registered as preambles (room joins) are always the first
// frames of a new connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/logger"
	"github.com/charlesng35/threadsync/pkg/metrics"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("channel: manager closed")
	// ErrNotOpened is returned by WaitConnected before Open.
	ErrNotOpened = errors.New("channel: manager not opened")
)

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces the websocket dialer, primarily for testing.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithClock overrides the clock used to stamp outbound frames.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom overrides the jitter source.
func WithRandom(random func() float64) ManagerOption {
	return func(m *Manager) {
		if random != nil {
			m.random = random
		}
	}
}

// WithLogger overrides the module logger.
func WithLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

type delivery struct {
	inbound *Inbound
	signal  *Signal
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type signalEntry struct {
	id uint64
	fn SignalHandler
}

type preambleEntry struct {
	id uint64
	fn Preamble
}

// Manager owns one transport connection for the lifetime of its consumer.
type Manager struct {
	opts   Options
	dialer Dialer
	log    *zap.Logger
	now    func() time.Time
	random func() float64

	mu         sync.Mutex
	state      State
	lastErr    error
	generation uint64
	running    bool
	closed     bool
	conn       Conn
	cancel     context.CancelFunc
	runDone    chan struct{}
	changed    chan struct{}
	pending    []protocol.Frame

	outbound chan protocol.Frame

	subsMu    sync.RWMutex
	nextID    uint64
	handlers  []handlerEntry
	signals   []signalEntry
	preambles []preambleEntry

	reportMu sync.Mutex

	deliveries   chan delivery
	quit         chan struct{}
	dispatchDone chan struct{}
	dispatcher   atomic.Uint64
}

// NewManager constructs a Manager and starts its dispatch goroutine. Close must be called.
func NewManager(opts Options, options ...ManagerOption) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:         opts,
		log:          logger.WithModule("channel"),
		now:          time.Now,
		state:        StateIdle,
		changed:      make(chan struct{}),
		outbound:     make(chan protocol.Frame, opts.SendBuffer),
		deliveries:   make(chan delivery, defaultDispatchBuffer),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{HandshakeTimeout: opts.Timeout}
	}

	go m.dispatchLoop()
	return m
}

// Open starts connecting in the background. Missing URL or token fail
// immediately with a configuration error and no dial is attempted. Calling
// Open while a connection loop is running is a no-op; after a terminal
// reconnection failure it starts a fresh loop.
func (m *Manager) Open() error {
	if err := m.opts.validate(); err != nil {
		m.report(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.runDone = make(chan struct{})
	done := m.runDone
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
	}()
	return nil
}

// WaitConnected blocks until the manager is connected, has failed terminally,
// has been closed, or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, lastErr := m.state, m.changed, m.lastErr
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return lastErr
		case StateClosed:
			return ErrClosed
		case StateIdle:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotOpened
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Emit sends an intent to thread. While not connected the intent is dropped
// and an emit error is reported and returned.
func (m *Manager) Emit(thread string, ev protocol.Event) error {
	frame, err := protocol.NewFrame(thread, "", ev, m.now())
	if err != nil {
		emitErr := syncErrors.ErrEncodeFailed.WithInternal(err)
		m.report(emitErr)
		return emitErr
	}

	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		emitErr := syncErrors.ErrNotConnected.WithMessage(fmt.Sprintf("Cannot send %s while disconnected", ev.Name()))
		m.report(emitErr)
		return emitErr
	}

	select {
	case m.outbound <- frame:
		return nil
	default:
		m.report(syncErrors.ErrSendBufferFull)
		return syncErrors.ErrSendBufferFull
	}
}

// Subscribe registers an inbound event handler and returns its unsubscribe function.
func (m *Manager) Subscribe(fn Handler) (unsubscribe func()) {
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, entry := range m.handlers {
				if entry.id == id {
					m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// OnSignal registers a lifecycle signal handler and returns its unsubscribe function.
func (m *Manager) OnSignal(fn SignalHandler) (unsubscribe func()) {
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	m.signals = append(m.signals, signalEntry{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, entry := range m.signals {
				if entry.id == id {
					m.signals = append(m.signals[:i:i], m.signals[i+1:]...)
					return
				}
			}
		})
	}
}

// AddPreamble registers intents written first on every new connection.
func (m *Manager) AddPreamble(fn Preamble) (remove func()) {
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	m.preambles = append(m.preambles, preambleEntry{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, entry := range m.preambles {
				if entry.id == id {
					m.preambles = append(m.preambles[:i:i], m.preambles[i+1:]...)
					return
				}
			}
		})
	}
}

// Status returns the current state, last error and session generation.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:      m.state,
		Connected:  m.state == StateConnected,
		LastError:  m.lastErr,
		Generation: m.generation,
	}
}

// IsConnected reports whether intents can currently be sent.
func (m *Manager) IsConnected() bool {
	return m.Status().Connected
}

// LastError returns the most recent error of the shared error channel, cleared on connect.
func (m *Manager) LastError() error {
	return m.Status().LastError
}

// Generation returns the current session generation. It increments on every successful connection.
func (m *Manager) Generation() uint64 {
	return m.Status().Generation
}

// Report funnels an error raised by a tracker into the shared error channel.
func (m *Manager) Report(err error) {
	m.report(err)
}

// Close removes every listener, then closes the transport and stops all
// goroutines. It returns once any handler already in flight has finished,
// except when called from a handler, where it returns without waiting.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	done := m.runDone
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	m.removeAllListeners()
	close(m.quit)
	if cancel != nil {
		cancel()
	}

	var errs error
	if conn != nil {
		errs = multierr.Append(errs, conn.Close())
	}
	if done != nil {
		<-done
	}
	if id := goroutineID(); id == 0 || id != m.dispatcher.Load() {
		<-m.dispatchDone
	}
	m.log.Info("channel closed")
	return errs
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if attempt > 0 {
			if attempt > m.opts.ReconnectionAttempts {
				m.fail()
				return
			}
			delay := backoff(attempt, m.opts.ReconnectionDelay, m.opts.ReconnectionDelayMax, m.opts.RandomizationFactor, m.random)
			if !sleep(ctx, delay) {
				return
			}
			metrics.ClientReconnectAttempts.Inc()
			m.raise(Signal{Kind: SignalReconnectAttempt, Attempt: attempt})
		}

		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		var gen uint64
		if err == nil {
			gen, err = m.establish(conn)
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				_ = conn.Close()
			}
		}

		if err != nil {
			connErr := syncErrors.ErrConnectFailed.WithInternal(err)
			m.report(connErr)
			if attempt == 0 {
				m.raise(Signal{Kind: SignalConnectError, Err: connErr})
			} else {
				m.raise(Signal{Kind: SignalReconnectError, Attempt: attempt, Err: connErr})
			}
			m.setState(StateReconnecting)
			attempt++
			continue
		}

		if attempt > 0 {
			m.raise(Signal{Kind: SignalReconnect, Attempt: attempt})
		}
		m.raise(Signal{Kind: SignalConnect})
		m.log.Info("channel connected", zap.Uint64("generation", gen), zap.Int("attempt", attempt))

		readErr := m.serve(conn, gen)
		if ctx.Err() != nil {
			return
		}
		m.disconnected(conn, readErr)
		attempt = 1
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, m.opts.URL, header)
}

// establish starts a new session generation on conn: preambles first, then
// intents retained from the previous connection, then the connection opens
// for new emits.
func (m *Manager) establish(conn Conn) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return 0, ErrClosed
	}
	m.generation++
	gen := m.generation
	m.conn = conn
	retained := m.pending
	m.pending = nil
	m.mu.Unlock()

	// Preambles observe the new generation through Generation().
	preamble := m.preambleFrames()

	for i, frame := range append(preamble, retained...) {
		if err := writeFrame(conn, frame); err != nil {
			start := i - len(preamble)
			if start < 0 {
				start = 0
			}
			m.requeue(retained[start:])
			return gen, err
		}
	}

	m.mu.Lock()
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	return gen, nil
}

func (m *Manager) serve(conn Conn, gen uint64) error {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writeLoop(conn, stop)
	}()

	err := m.readLoop(conn, gen)
	close(stop)
	_ = conn.Close()
	<-writerDone
	return err
}

func (m *Manager) readLoop(conn Conn, gen uint64) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}

		frame, err := protocol.ParseFrame(payload)
		if err != nil {
			m.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		ev, err := protocol.Decode(frame)
		if err != nil {
			m.log.Warn("dropping undecodable frame", zap.String("event", string(frame.Event)), zap.Error(err))
			continue
		}

		if !m.deliver(delivery{inbound: &Inbound{Generation: gen, Frame: frame, Event: ev}}) {
			return ErrClosed
		}
	}
}

func (m *Manager) writeLoop(conn Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-m.outbound:
			if err := writeFrame(conn, frame); err != nil {
				m.requeue([]protocol.Frame{frame})
				m.log.Debug("write failed; intent retained for next session", zap.String("event", string(frame.Event)), zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) disconnected(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.log.Info("channel disconnected", zap.Error(cause))
	lost := syncErrors.ErrConnectFailed.WithMessage("Connection lost").WithInternal(cause)
	m.report(lost)
	m.raise(Signal{Kind: SignalDisconnect, Err: lost})
}

func (m *Manager) fail() {
	m.mu.Lock()
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.setStateLocked(StateFailed)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.report(syncErrors.ErrReconnectFailed)
	m.raise(Signal{Kind: SignalReconnectFailed, Err: syncErrors.ErrReconnectFailed})
}

func (m *Manager) requeue(frames []protocol.Frame) {
	if len(frames) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(append([]protocol.Frame{}, frames...), m.pending...)
}

func (m *Manager) preambleFrames() []protocol.Frame {
	m.subsMu.RLock()
	entries := append([]preambleEntry(nil), m.preambles...)
	m.subsMu.RUnlock()

	var frames []protocol.Frame
	for _, entry := range entries {
		for _, intent := range entry.fn() {
			frame, err := protocol.NewFrame(intent.Thread, "", intent.Event, m.now())
			if err != nil {
				m.log.Warn("skipping preamble intent", zap.Error(err))
				continue
			}
			frames = append(frames, frame)
		}
	}
	return frames
}

func (m *Manager) raise(sig Signal) {
	sig.Generation = m.Generation()
	if sig.Kind != SignalReconnectAttempt {
		metrics.ClientConnections.WithLabelValues(string(sig.Kind)).Inc()
	}
	m.deliver(delivery{signal: &sig})
}

func (m *Manager) deliver(d delivery) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.deliveries <- d:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) dispatchLoop() {
	defer close(m.dispatchDone)
	m.dispatcher.Store(goroutineID())
	for {
		select {
		case <-m.quit:
			return
		case d := <-m.deliveries:
			switch {
			case d.inbound != nil:
				m.dispatchInbound(*d.inbound)
			case d.signal != nil:
				m.dispatchSignal(*d.signal)
			}
		}
	}
}

func (m *Manager) dispatchInbound(in Inbound) {
	if current := m.Generation(); in.Generation != current {
		metrics.ClientStaleEvents.Inc()
		m.log.Debug("discarding event from stale session",
			zap.String("event", string(in.Frame.Event)),
			zap.Uint64("event_generation", in.Generation),
			zap.Uint64("generation", current),
		)
		return
	}

	m.subsMu.RLock()
	handlers := append([]handlerEntry(nil), m.handlers...)
	m.subsMu.RUnlock()

	for _, entry := range handlers {
		if m.stopping() {
			return
		}
		fn := entry.fn
		m.invoke(string(in.Frame.Event), func() error { return fn(in) })
	}
}

func (m *Manager) dispatchSignal(sig Signal) {
	m.subsMu.RLock()
	handlers := append([]signalEntry(nil), m.signals...)
	m.subsMu.RUnlock()

	for _, entry := range handlers {
		if m.stopping() {
			return
		}
		fn := entry.fn
		m.invoke(string(sig.Kind), func() error {
			fn(sig)
			return nil
		})
	}
}

func (m *Manager) stopping() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// invoke runs a consumer callback, converting panics and errors into handler errors.
func (m *Manager) invoke(label string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		m.report(syncErrors.ErrHandlerFailed.
			WithMessage(fmt.Sprintf("Handler for %s failed", label)).
			WithInternal(err))
	}
}

func (m *Manager) report(err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	m.lastErr = err
	m.notifyLocked()
	m.mu.Unlock()

	kind := syncErrors.KindOf(err)
	metrics.ClientErrors.WithLabelValues(string(kind)).Inc()
	m.log.Warn("channel error", zap.String("kind", string(kind)), zap.Error(err))

	if m.opts.OnError == nil {
		return
	}

	m.reportMu.Lock()
	defer m.reportMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("error callback panicked", zap.Any("panic", r))
		}
	}()
	m.opts.OnError(err)
}

func (m *Manager) removeAllListeners() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.handlers = nil
	m.signals = nil
	m.preambles = nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(state)
}

func (m *Manager) setStateLocked(state State) {
	if m.closed && state != StateClosed {
		return
	}
	m.state = state
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func writeFrame(conn Conn, frame protocol.Frame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
