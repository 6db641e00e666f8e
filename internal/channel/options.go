package channel

import (
	"strings"
	"time"

	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

const (
	// DefaultReconnectionAttempts bounds automatic retries before the manager gives up.
	DefaultReconnectionAttempts = 5
	// DefaultReconnectionDelay is the first backoff delay.
	DefaultReconnectionDelay = time.Second
	// DefaultReconnectionDelayMax caps the exponential backoff.
	DefaultReconnectionDelayMax = 5 * time.Second
	// DefaultTimeout bounds the websocket handshake.
	DefaultTimeout = 20 * time.Second

	defaultSendBuffer     = 64
	defaultDispatchBuffer = 256
)

// Options configures a Manager.
type Options struct {
	URL   string
	Token string

	// ReconnectionAttempts is the number of automatic retries after a failure.
	// Zero selects DefaultReconnectionAttempts; a negative value disables reconnection.
	ReconnectionAttempts int
	// ReconnectionDelay is the base delay, doubled on every attempt.
	ReconnectionDelay time.Duration
	// ReconnectionDelayMax caps the delay.
	ReconnectionDelayMax time.Duration
	// RandomizationFactor in [0,1] spreads retries of many clients. Zero disables jitter.
	RandomizationFactor float64
	// Timeout bounds the handshake of every dial.
	Timeout time.Duration

	// SendBuffer is the number of accepted intents that may wait for the writer.
	SendBuffer int

	// OnError receives every error of the shared error channel. Calls are serialised.
	OnError func(error)
}

func (o Options) validate() error {
	if strings.TrimSpace(o.URL) == "" {
		return syncErrors.ErrMissingURL
	}
	if strings.TrimSpace(o.Token) == "" {
		return syncErrors.ErrMissingToken
	}
	return nil
}

func (o Options) withDefaults() Options {
	o.URL = strings.TrimSpace(o.URL)
	o.Token = strings.TrimSpace(o.Token)
	if o.ReconnectionAttempts == 0 {
		o.ReconnectionAttempts = DefaultReconnectionAttempts
	}
	if o.ReconnectionAttempts < 0 {
		o.ReconnectionAttempts = 0
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = DefaultReconnectionDelay
	}
	if o.ReconnectionDelayMax <= 0 {
		o.ReconnectionDelayMax = DefaultReconnectionDelayMax
	}
	if o.ReconnectionDelayMax < o.ReconnectionDelay {
		o.ReconnectionDelayMax = o.ReconnectionDelay
	}
	if o.RandomizationFactor < 0 {
		o.RandomizationFactor = 0
	}
	if o.RandomizationFactor > 1 {
		o.RandomizationFactor = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}
