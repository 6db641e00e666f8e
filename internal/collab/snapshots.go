package collab

import (
	"sync"
	"time"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// Snapshot is a server-authoritative list, replaced wholesale on every broadcast.
type Snapshot[T any] struct {
	Items       []T
	LastUpdated time.Time
}

func (s Snapshot[T]) clone() Snapshot[T] {
	return Snapshot[T]{Items: append([]T(nil), s.Items...), LastUpdated: s.LastUpdated}
}

// SnapshotAggregator holds the collaborator, version, comment and insight
// lists of a thread. Its intents never modify local state.
type SnapshotAggregator struct {
	notifier

	ch     Channel
	thread string
	now    func() time.Time

	mu            sync.RWMutex
	collaborators Snapshot[protocol.Collaborator]
	versions      Snapshot[protocol.Version]
	comments      Snapshot[protocol.Comment]
	insights      Snapshot[protocol.Insight]

	subs subscriptions
}

// NewSnapshotAggregator tracks the snapshots of thread.
func NewSnapshotAggregator(ch Channel, thread string) *SnapshotAggregator {
	s := &SnapshotAggregator{
		ch:     ch,
		thread: thread,
		now:    time.Now,
	}
	s.subs.add(ch.Subscribe(s.handle))
	return s
}

func (s *SnapshotAggregator) Collaborators() Snapshot[protocol.Collaborator] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collaborators.clone()
}

func (s *SnapshotAggregator) Versions() Snapshot[protocol.Version] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions.clone()
}

func (s *SnapshotAggregator) Comments() Snapshot[protocol.Comment] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.comments.clone()
}

func (s *SnapshotAggregator) Insights() Snapshot[protocol.Insight] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insights.clone()
}

// AddComment asks the authority to append a comment.
func (s *SnapshotAggregator) AddComment(content string) error {
	return s.emit(protocol.AddComment{Content: content})
}

// AddInsight asks the authority to append an insight of the given type.
func (s *SnapshotAggregator) AddInsight(kind, content string) error {
	return s.emit(protocol.AddInsight{Type: kind, Content: content})
}

// CreateVersion asks the authority to record a named version of content.
func (s *SnapshotAggregator) CreateVersion(title, content string) error {
	return s.emit(protocol.CreateVersion{Title: title, Content: content})
}

// RemoveCollaborator asks the authority to remove userID from the thread.
func (s *SnapshotAggregator) RemoveCollaborator(userID string) error {
	return s.emit(protocol.RemoveCollaborator{UserID: userID})
}

// Close drops the aggregator's subscription.
func (s *SnapshotAggregator) Close() {
	s.subs.close()
}

func (s *SnapshotAggregator) emit(ev protocol.Event) error {
	if err := validator.ValidateStruct(ev); err != nil {
		invalid := syncErrors.ErrInvalidIntent.WithInternal(err)
		s.ch.Report(invalid)
		return invalid
	}
	return s.ch.Emit(s.thread, ev)
}

func (s *SnapshotAggregator) handle(in channel.Inbound) error {
	if !current(s.ch, s.thread, in) {
		return nil
	}

	now := s.now()
	s.mu.Lock()
	switch ev := in.Event.(type) {
	case protocol.Collaborators:
		s.collaborators = Snapshot[protocol.Collaborator]{Items: ev.Items, LastUpdated: now}
	case protocol.Versions:
		s.versions = Snapshot[protocol.Version]{Items: ev.Items, LastUpdated: now}
	case protocol.Comments:
		s.comments = Snapshot[protocol.Comment]{Items: ev.Items, LastUpdated: now}
	case protocol.Insights:
		s.insights = Snapshot[protocol.Insight]{Items: ev.Items, LastUpdated: now}
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.notify()
	return nil
}
