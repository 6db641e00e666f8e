// Package collab folds the typed event stream of one thread room into
// per-concern state: membership, edit lock, cursors, typing, read receipts,
// collaboration snapshots and the activity relay.
//
// Every tracker owns a separate subscription on the channel and is the only
// writer of its state. Folds run on the channel's dispatch goroutine; readers
// on any goroutine receive copies.
package collab

import (
	"context"
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
)

// Channel is the part of channel.Manager the trackers depend on.
type Channel interface {
	Emit(thread string, ev protocol.Event) error
	Subscribe(fn channel.Handler) (unsubscribe func())
	OnSignal(fn channel.SignalHandler) (unsubscribe func())
	AddPreamble(fn channel.Preamble) (remove func())
	IsConnected() bool
	Generation() uint64
	Report(err error)
}

var _ Channel = (*channel.Manager)(nil)

// Watchable is implemented by every tracker.
type Watchable interface {
	// Changed returns a channel closed on the next state change.
	Changed() <-chan struct{}
}

// WaitFor blocks until cond holds for w or ctx is done.
func WaitFor(ctx context.Context, w Watchable, cond func() bool) error {
	for {
		changed := w.Changed()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) Changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// current reports whether in belongs to thread and to the live session.
func current(ch Channel, thread string, in channel.Inbound) bool {
	return in.Frame.Thread == thread && in.Generation == ch.Generation()
}

// stamp prefers the authority timestamp and falls back to the frame time.
func stamp(at time.Time, in channel.Inbound, now func() time.Time) time.Time {
	if !at.IsZero() {
		return at
	}
	if !in.Frame.SentAt.IsZero() {
		return in.Frame.SentAt
	}
	return now()
}

type subscriptions []func()

func (s *subscriptions) add(fn func()) {
	*s = append(*s, fn)
}

func (s *subscriptions) close() {
	for i := len(*s) - 1; i >= 0; i-- {
		(*s)[i]()
	}
	*s = nil
}
