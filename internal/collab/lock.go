package collab

import (
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/logger"
)

// LockStatus is the locally known state of the thread edit lock.
type LockStatus string

const (
	// LockUnknown holds until the first authoritative broadcast of a session.
	LockUnknown     LockStatus = "unknown"
	LockUnlocked    LockStatus = "unlocked"
	LockHeldBySelf  LockStatus = "held_by_self"
	LockHeldByOther LockStatus = "held_by_other"
)

// LockSnapshot is a copy of the coordinator state.
type LockSnapshot struct {
	Status LockStatus
	Holder string
}

// LockCoordinator mirrors the authority's single-writer lock. It never
// transitions on its own requests; only thread:lock broadcasts move it.
type LockCoordinator struct {
	notifier

	ch     Channel
	thread string
	self   string
	log    *zap.Logger

	mu    sync.RWMutex
	state LockSnapshot

	subs subscriptions
}

// NewLockCoordinator tracks the lock of thread on behalf of user self.
func NewLockCoordinator(ch Channel, thread, self string) *LockCoordinator {
	l := &LockCoordinator{
		ch:     ch,
		thread: thread,
		self:   self,
		log:    logger.WithThread("collab.lock", thread),
		state:  LockSnapshot{Status: LockUnknown},
	}
	l.subs.add(ch.Subscribe(l.handle))
	l.subs.add(ch.OnSignal(l.onSignal))
	return l
}

// State returns the current lock state.
func (l *LockCoordinator) State() LockSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsEditing reports whether this client is the confirmed lock holder.
func (l *LockCoordinator) IsEditing() bool {
	return l.State().Status == LockHeldBySelf
}

// RequestLock asks the authority for the lock. It is a no-op when already held.
func (l *LockCoordinator) RequestLock() error {
	if l.IsEditing() {
		return nil
	}
	return l.ch.Emit(l.thread, protocol.LockRequest{})
}

// ReleaseLock gives the lock back. Only the confirmed holder may release.
func (l *LockCoordinator) ReleaseLock() error {
	if !l.IsEditing() {
		return l.reject("release")
	}
	return l.ch.Emit(l.thread, protocol.LockRelease{})
}

// UpdateContent pushes new thread content. Only the confirmed holder may write.
func (l *LockCoordinator) UpdateContent(content string) error {
	if !l.IsEditing() {
		return l.reject("content update")
	}
	return l.ch.Emit(l.thread, protocol.Content{Content: content})
}

// Close drops the coordinator's subscriptions.
func (l *LockCoordinator) Close() {
	l.subs.close()
}

func (l *LockCoordinator) reject(action string) error {
	err := syncErrors.ErrNotLockHolder.WithMessage("Edit lock is required for " + action)
	l.ch.Report(err)
	return err
}

func (l *LockCoordinator) handle(in channel.Inbound) error {
	if !current(l.ch, l.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.LockState:
		l.adopt(ev.Holder)
	}
	return nil
}

func (l *LockCoordinator) adopt(holder string) {
	next := LockSnapshot{Holder: holder}
	switch holder {
	case "":
		next.Status = LockUnlocked
	case l.self:
		next.Status = LockHeldBySelf
	default:
		next.Status = LockHeldByOther
	}

	l.mu.Lock()
	previous := l.state
	l.state = next
	l.mu.Unlock()

	if previous != next {
		l.log.Debug("lock state changed",
			zap.String("from", string(previous.Status)),
			zap.String("to", string(next.Status)),
			zap.String("holder", holder),
		)
	}
	l.notify()
}

// onSignal resets the lock to unknown on disconnect, until the next broadcast.
func (l *LockCoordinator) onSignal(sig channel.Signal) {
	if sig.Kind != channel.SignalDisconnect {
		return
	}
	l.mu.Lock()
	l.state = LockSnapshot{Status: LockUnknown}
	l.mu.Unlock()
	l.notify()
}
