package collab

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/logger"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// Membership tracks the thread room this client belongs to and rejoins it
// as the first frame of every new connection.
type Membership struct {
	notifier

	ch  Channel
	log *zap.Logger

	mu     sync.Mutex
	thread string
	// sentGen is the session generation the current join was sent on.
	sentGen uint64

	subs subscriptions
}

// NewMembership registers the rejoin preamble on ch.
func NewMembership(ch Channel) *Membership {
	m := &Membership{
		ch:  ch,
		log: logger.WithModule("collab"),
	}
	m.subs.add(ch.AddPreamble(m.preamble))
	m.subs.add(ch.OnSignal(m.onSignal))
	return m
}

// Join enters thread, leaving the previous room if any. The join is sent
// immediately when connected and otherwise on the next connection.
func (m *Membership) Join(thread string) error {
	if err := validator.ValidateRoomID(thread); err != nil {
		joinErr := syncErrors.ErrInvalidIntent.WithInternal(err)
		m.ch.Report(joinErr)
		return joinErr
	}

	m.mu.Lock()
	previous := m.thread
	if previous == thread {
		m.mu.Unlock()
		return nil
	}
	m.thread = thread
	m.sentGen = 0
	m.mu.Unlock()
	m.notify()

	m.log.Debug("joining thread", zap.String("thread", thread), zap.String("previous", previous))
	if !m.ch.IsConnected() {
		return nil
	}
	if previous != "" {
		_ = m.ch.Emit(previous, protocol.Leave{})
	}
	return m.send(thread)
}

// Leave exits the current room. It is a no-op when not joined.
func (m *Membership) Leave() error {
	m.mu.Lock()
	thread := m.thread
	m.thread = ""
	m.sentGen = 0
	m.mu.Unlock()

	if thread == "" {
		return nil
	}
	m.notify()
	m.log.Debug("leaving thread", zap.String("thread", thread))

	if !m.ch.IsConnected() {
		return nil
	}
	return m.ch.Emit(thread, protocol.Leave{})
}

// Thread returns the joined thread, or "".
func (m *Membership) Thread() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thread
}

// Close unregisters the preamble. It does not send a leave.
func (m *Membership) Close() {
	m.subs.close()
}

func (m *Membership) send(thread string) error {
	gen := m.ch.Generation()
	if err := m.ch.Emit(thread, protocol.Join{}); err != nil {
		if errors.Is(err, syncErrors.ErrNotConnected) {
			// the next connection's preamble carries the join
			return nil
		}
		return err
	}

	m.mu.Lock()
	if m.thread == thread && m.sentGen < gen {
		m.sentGen = gen
	}
	m.mu.Unlock()
	return nil
}

func (m *Membership) preamble() []channel.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.thread == "" {
		return nil
	}
	m.sentGen = m.ch.Generation()
	return []channel.Intent{{Thread: m.thread, Event: protocol.Join{}}}
}

// onSignal covers a Join that raced with connection setup and missed the preamble.
func (m *Membership) onSignal(sig channel.Signal) {
	if sig.Kind != channel.SignalConnect {
		return
	}

	m.mu.Lock()
	thread, sent := m.thread, m.sentGen
	m.mu.Unlock()

	if thread != "" && sent != sig.Generation {
		if err := m.send(thread); err != nil {
			m.log.Warn("rejoin failed", zap.String("thread", thread), zap.Error(err))
		}
	}
}
