package channel

import "github.com/charlesng35/threadsync/internal/protocol"

// SignalKind names a connection lifecycle signal.
type SignalKind string

const (
	SignalConnect          SignalKind = "connect"
	SignalConnectError     SignalKind = "connect_error"
	SignalDisconnect       SignalKind = "disconnect"
	SignalReconnect        SignalKind = "reconnect"
	SignalReconnectAttempt SignalKind = "reconnect_attempt"
	SignalReconnectError   SignalKind = "reconnect_error"
	SignalReconnectFailed  SignalKind = "reconnect_failed"
)

// Signal is delivered to lifecycle subscribers in the same order as inbound events.
type Signal struct {
	Kind SignalKind
	// Generation is the session generation current when the signal was raised.
	Generation uint64
	// Attempt is the reconnection attempt number for reconnect* signals.
	Attempt int
	Err     error
}

// Inbound is one decoded frame together with the session generation of the
// connection that carried it.
type Inbound struct {
	Generation uint64
	Frame      protocol.Frame
	Event      protocol.Event
}

// Handler folds an inbound event. A returned error is reported as a handler error.
type Handler func(Inbound) error

// SignalHandler observes lifecycle signals.
type SignalHandler func(Signal)

// Intent is an outbound event addressed to a thread room.
type Intent struct {
	Thread string
	Event  protocol.Event
}

// Preamble returns intents that must be the first frames of every new
// connection, before any retained or newly emitted intent.
type Preamble func() []Intent

// State is the coarse connection state exposed to UI layers.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Status is a point in time view of the manager.
type Status struct {
	State      State
	Connected  bool
	LastError  error
	Generation uint64
}
