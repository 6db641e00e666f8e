package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
)

// DefaultTypingIdle is how long a typing flag stays valid without a refresh.
const DefaultTypingIdle = 3 * time.Second

// TypingEntry is the last typing state seen for one user.
type TypingEntry struct {
	IsTyping    bool
	LastUpdated time.Time
}

// TypingTracker derives typing indicators from broadcasts only; SetTyping
// never touches local state.
type TypingTracker struct {
	notifier

	ch     Channel
	thread string
	idle   time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]TypingEntry

	subs subscriptions
}

// NewTypingTracker tracks typing in thread. A non-positive idle selects DefaultTypingIdle.
func NewTypingTracker(ch Channel, thread string, idle time.Duration) *TypingTracker {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	t := &TypingTracker{
		ch:      ch,
		thread:  thread,
		idle:    idle,
		now:     time.Now,
		entries: make(map[string]TypingEntry),
	}
	t.subs.add(ch.Subscribe(t.handle))
	return t
}

// SetTyping announces the local typing state.
func (t *TypingTracker) SetTyping(isTyping bool) error {
	return t.ch.Emit(t.thread, protocol.Typing{IsTyping: isTyping})
}

// Active returns users typing within the idle threshold of now, sorted.
func (t *TypingTracker) Active(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var users []string
	for user, entry := range t.entries {
		if entry.IsTyping && now.Sub(entry.LastUpdated) < t.idle {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// Entries returns a copy of every entry, stale ones included.
func (t *TypingTracker) Entries() map[string]TypingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]TypingEntry, len(t.entries))
	for user, entry := range t.entries {
		out[user] = entry
	}
	return out
}

// Close drops the tracker's subscription.
func (t *TypingTracker) Close() {
	t.subs.close()
}

func (t *TypingTracker) handle(in channel.Inbound) error {
	if !current(t.ch, t.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.Typing:
		user := ev.UserID
		if user == "" {
			user = in.Frame.User
		}
		if user == "" {
			return nil
		}

		// LastUpdated is the local receipt time.
		t.mu.Lock()
		t.entries[user] = TypingEntry{IsTyping: ev.IsTyping, LastUpdated: t.now()}
		t.mu.Unlock()
		t.notify()
	}
	return nil
}
