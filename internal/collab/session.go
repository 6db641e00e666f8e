package collab

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// SessionConfig describes the local participant of a thread session.
type SessionConfig struct {
	ThreadID string `validate:"required,roomid"`
	UserID   string `validate:"required,max=128"`
	Name     string `validate:"max=128"`
	Color    string `validate:"max=32"`

	TypingIdle time.Duration

	OnUpdate   UpdateHandler
	OnActivity ActivityHandler
}

// ThreadSession wires every tracker of one thread onto a channel. Each
// tracker keeps its own subscription; Close tears them down in reverse order.
type ThreadSession struct {
	Membership *Membership
	Lock       *LockCoordinator
	Cursors    *CursorTracker
	Typing     *TypingTracker
	Receipts   *ReceiptTracker
	Snapshots  *SnapshotAggregator
	Relay      *ActivityRelay

	ch        Channel
	thread    string
	subs      subscriptions
	closeOnce sync.Once
	closeErr  error
}

// OpenSession builds the trackers for cfg.ThreadID and joins the room.
func OpenSession(ch Channel, cfg SessionConfig) (*ThreadSession, error) {
	if err := validator.ValidateStruct(cfg); err != nil {
		configErr := syncErrors.New(syncErrors.KindConfiguration, "config.invalid_session", "Invalid thread session", http.StatusBadRequest).WithInternal(err)
		ch.Report(configErr)
		return nil, configErr
	}

	thread := cfg.ThreadID
	s := &ThreadSession{ch: ch, thread: thread}
	s.Membership = NewMembership(ch)
	s.Lock = NewLockCoordinator(ch, thread, cfg.UserID)
	s.Cursors = NewCursorTracker(ch, thread, CursorIdentity{Name: cfg.Name, Color: cfg.Color}, s.Lock.IsEditing)
	s.Typing = NewTypingTracker(ch, thread, cfg.TypingIdle)
	s.Receipts = NewReceiptTracker(ch, thread)
	s.Snapshots = NewSnapshotAggregator(ch, thread)
	s.Relay = NewActivityRelay(ch, thread, cfg.OnUpdate, cfg.OnActivity)
	s.subs.add(ch.Subscribe(s.handleFailure))

	if err := s.Membership.Join(thread); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ThreadID returns the thread this session is bound to.
func (s *ThreadSession) ThreadID() string {
	return s.thread
}

// Close leaves the room and drops every tracker subscription. It is idempotent.
func (s *ThreadSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.Membership.Leave(); err != nil && !errors.Is(err, syncErrors.ErrNotConnected) {
			s.closeErr = multierr.Append(s.closeErr, err)
		}
		s.subs.close()
		s.Relay.Close()
		s.Snapshots.Close()
		s.Receipts.Close()
		s.Typing.Close()
		s.Cursors.Close()
		s.Lock.Close()
		s.Membership.Close()
	})
	return s.closeErr
}

// handleFailure surfaces intents rejected by the authority on the shared error channel.
func (s *ThreadSession) handleFailure(in channel.Inbound) error {
	if !current(s.ch, s.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.Failure:
		s.ch.Report(syncErrors.New(syncErrors.KindProtocol, ev.Code, ev.Message, http.StatusConflict))
	}
	return nil
}
