package collab

import (
	"strings"
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

// Receipt records that a user read a message.
type Receipt struct {
	UserID string
	ReadAt time.Time
}

// ReceiptSet holds the receipts of one message. Each user appears at most once.
type ReceiptSet struct {
	Receipts    []Receipt
	LastUpdated time.Time
}

// ReceiptTracker aggregates read receipts with set semantics per
// (message, user): the first ReadAt wins and duplicates are ignored.
type ReceiptTracker struct {
	notifier

	ch     Channel
	thread string
	now    func() time.Time

	mu   sync.RWMutex
	sets map[string]*ReceiptSet

	subs subscriptions
}

// NewReceiptTracker tracks read receipts in thread.
func NewReceiptTracker(ch Channel, thread string) *ReceiptTracker {
	r := &ReceiptTracker{
		ch:     ch,
		thread: thread,
		now:    time.Now,
		sets:   make(map[string]*ReceiptSet),
	}
	r.subs.add(ch.Subscribe(r.handle))
	return r
}

// MarkRead announces that the local user read messageID.
func (r *ReceiptTracker) MarkRead(messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		err := syncErrors.ErrInvalidIntent.WithMessage("Message id is required")
		r.ch.Report(err)
		return err
	}
	return r.ch.Emit(r.thread, protocol.Read{MessageID: messageID})
}

// Receipts returns a copy of the receipt set of messageID.
func (r *ReceiptTracker) Receipts(messageID string) ReceiptSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[messageID]
	if !ok {
		return ReceiptSet{}
	}
	return ReceiptSet{
		Receipts:    append([]Receipt(nil), set.Receipts...),
		LastUpdated: set.LastUpdated,
	}
}

// ReadBy reports whether user has read messageID.
func (r *ReceiptTracker) ReadBy(messageID, user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[messageID]
	if !ok {
		return false
	}
	for _, receipt := range set.Receipts {
		if receipt.UserID == user {
			return true
		}
	}
	return false
}

// Close drops the tracker's subscription.
func (r *ReceiptTracker) Close() {
	r.subs.close()
}

func (r *ReceiptTracker) handle(in channel.Inbound) error {
	if !current(r.ch, r.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.Read:
		user := ev.UserID
		if user == "" {
			user = in.Frame.User
		}
		if ev.MessageID == "" || user == "" {
			return nil
		}
		if r.add(ev.MessageID, Receipt{UserID: user, ReadAt: stamp(ev.ReadAt, in, r.now)}) {
			r.notify()
		}
	}
	return nil
}

func (r *ReceiptTracker) add(messageID string, receipt Receipt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[messageID]
	if !ok {
		set = &ReceiptSet{}
		r.sets[messageID] = set
	}
	for _, existing := range set.Receipts {
		if existing.UserID == receipt.UserID {
			return false
		}
	}
	set.Receipts = append(set.Receipts, receipt)
	set.LastUpdated = r.now()
	return true
}
