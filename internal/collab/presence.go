package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

// CursorIdentity decorates outbound cursor updates.
type CursorIdentity struct {
	Name  string
	Color string
}

// CursorTracker keeps the latest cursor of every collaborator in a thread.
// Entries are never evicted; Present filters by age.
type CursorTracker struct {
	notifier

	ch       Channel
	thread   string
	identity CursorIdentity
	permit   func() bool
	now      func() time.Time

	mu      sync.RWMutex
	cursors map[string]protocol.Cursor

	subs subscriptions
}

// NewCursorTracker tracks cursors in thread. permit gates UpdateCursor; nil allows every call.
func NewCursorTracker(ch Channel, thread string, identity CursorIdentity, permit func() bool) *CursorTracker {
	c := &CursorTracker{
		ch:       ch,
		thread:   thread,
		identity: identity,
		permit:   permit,
		now:      time.Now,
		cursors:  make(map[string]protocol.Cursor),
	}
	c.subs.add(ch.Subscribe(c.handle))
	return c
}

// UpdateCursor broadcasts the local cursor position. Updates are not throttled.
func (c *CursorTracker) UpdateCursor(pos protocol.Position) error {
	if c.permit != nil && !c.permit() {
		err := syncErrors.ErrNotLockHolder.WithMessage("Edit lock is required to share a cursor")
		c.ch.Report(err)
		return err
	}
	return c.ch.Emit(c.thread, protocol.Cursor{
		Position:    pos,
		Color:       c.identity.Color,
		DisplayName: c.identity.Name,
		LastUpdated: c.now(),
	})
}

// Cursors returns a copy of every known cursor keyed by user.
func (c *CursorTracker) Cursors() map[string]protocol.Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]protocol.Cursor, len(c.cursors))
	for id, cursor := range c.cursors {
		out[id] = cursor
	}
	return out
}

// Present returns cursors updated within maxAge of now, ordered by user.
func (c *CursorTracker) Present(now time.Time, maxAge time.Duration) []protocol.Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.Cursor, 0, len(c.cursors))
	for _, cursor := range c.cursors {
		if now.Sub(cursor.LastUpdated) < maxAge {
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close drops the tracker's subscription.
func (c *CursorTracker) Close() {
	c.subs.close()
}

func (c *CursorTracker) handle(in channel.Inbound) error {
	if !current(c.ch, c.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.Cursor:
		if ev.UserID == "" {
			ev.UserID = in.Frame.User
		}
		if ev.UserID == "" {
			return nil
		}
		ev.LastUpdated = stamp(ev.LastUpdated, in, c.now)

		c.mu.Lock()
		c.cursors[ev.UserID] = ev
		c.mu.Unlock()
		c.notify()
	}
	return nil
}
