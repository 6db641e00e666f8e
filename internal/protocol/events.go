// Package protocol defines the frames exchanged between thread clients and the authority.
package protocol

import "time"

// EventName identifies a frame on the wire.
type EventName string

// Room membership.
const (
	EventJoin  EventName = "thread:join"
	EventLeave EventName = "thread:leave"
)

// Ephemeral presence. The same name is used for the intent and its broadcast.
const (
	EventTyping EventName = "thread:typing"
	EventRead   EventName = "thread:read"
	EventCursor EventName = "thread:cursor"
)

// Edit lock.
const (
	EventLockRequest EventName = "thread:lock:request"
	EventLockRelease EventName = "thread:lock:release"
	EventLock        EventName = "thread:lock"
)

// Content and notifications.
const (
	EventContent  EventName = "thread:content"
	EventUpdate   EventName = "thread:update"
	EventActivity EventName = "thread:activity"
)

// Snapshot intents and snapshot-replace broadcasts.
const (
	EventAddComment         EventName = "thread:comment:add"
	EventAddInsight         EventName = "thread:insight:add"
	EventCreateVersion      EventName = "thread:version:create"
	EventRemoveCollaborator EventName = "thread:collaborator:remove"

	EventCollaborators EventName = "thread:collaborators"
	EventVersions      EventName = "thread:versions"
	EventComments      EventName = "thread:comments"
	EventInsights      EventName = "thread:insights"
)

// EventError carries an intent rejection from the authority.
const EventError EventName = "thread:error"

// Event is the closed union of frame payloads. Adding a variant means adding
// a case to Decode and to every tracker switch that cares about it.
type Event interface {
	Name() EventName
}

// Position is a zero-based location inside the thread content.
type Position struct {
	Line   int `json:"line" validate:"gte=0"`
	Column int `json:"column" validate:"gte=0"`
}

// Collaborator is one entry of the collaborator snapshot.
type Collaborator struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Version is one entry of the version snapshot.
type Version struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is one entry of the comment snapshot.
type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is one entry of the insight snapshot.
type Insight struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	AuthorID  string         `json:"author_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type (
	Join  struct{}
	Leave struct{}

	// Typing is sent by a client with IsTyping only; the authority stamps UserID and At.
	Typing struct {
		UserID   string    `json:"user_id,omitempty"`
		IsTyping bool      `json:"is_typing"`
		At       time.Time `json:"at"`
	}

	// Read marks MessageID as read. The authority stamps UserID and ReadAt.
	Read struct {
		MessageID string    `json:"message_id" validate:"required,max=128"`
		UserID    string    `json:"user_id,omitempty"`
		ReadAt    time.Time `json:"read_at"`
	}

	// Cursor is a full per-user cursor entry; broadcasts replace the previous entry.
	Cursor struct {
		UserID      string    `json:"user_id,omitempty"`
		Position    Position  `json:"position"`
		Color       string    `json:"color,omitempty" validate:"max=32"`
		DisplayName string    `json:"name,omitempty" validate:"max=128"`
		LastUpdated time.Time `json:"last_updated"`
	}

	LockRequest struct{}
	LockRelease struct{}

	// LockState is the authoritative lock broadcast. An empty Holder means unlocked.
	LockState struct {
		Holder string `json:"holder"`
	}

	// Content replaces the thread content. Only the lock holder may send it.
	Content struct {
		Content string `json:"content" validate:"max=1048576"`
	}

	// Update notifies members that the thread content changed.
	Update struct {
		UserID   string    `json:"user_id"`
		Content  string    `json:"content"`
		Revision int64     `json:"revision"`
		At       time.Time `json:"at"`
	}

	// Activity is a human readable notification about something that happened in the thread.
	Activity struct {
		Type    string    `json:"type"`
		UserID  string    `json:"user_id"`
		Summary string    `json:"summary,omitempty"`
		At      time.Time `json:"at"`
	}

	AddComment struct {
		Content string `json:"content" validate:"required,max=4000"`
	}

	AddInsight struct {
		Type     string         `json:"type" validate:"required,max=64"`
		Content  string         `json:"content" validate:"required,max=8000"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	CreateVersion struct {
		Title   string `json:"title" validate:"required,max=200"`
		Content string `json:"content" validate:"max=1048576"`
	}

	RemoveCollaborator struct {
		UserID string `json:"user_id" validate:"required"`
	}

	Collaborators struct {
		Items []Collaborator `json:"items"`
	}

	Versions struct {
		Items []Version `json:"items"`
	}

	Comments struct {
		Items []Comment `json:"items"`
	}

	Insights struct {
		Items []Insight `json:"items"`
	}

	// Failure reports a rejected intent back to its sender.
	Failure struct {
		Code    string    `json:"code"`
		Message string    `json:"message"`
		Event   EventName `json:"event,omitempty"`
	}
)

func (Join) Name() EventName               { return EventJoin }
func (Leave) Name() EventName              { return EventLeave }
func (Typing) Name() EventName             { return EventTyping }
func (Read) Name() EventName               { return EventRead }
func (Cursor) Name() EventName             { return EventCursor }
func (LockRequest) Name() EventName        { return EventLockRequest }
func (LockRelease) Name() EventName        { return EventLockRelease }
func (LockState) Name() EventName          { return EventLock }
func (Content) Name() EventName            { return EventContent }
func (Update) Name() EventName             { return EventUpdate }
func (Activity) Name() EventName           { return EventActivity }
func (AddComment) Name() EventName         { return EventAddComment }
func (AddInsight) Name() EventName         { return EventAddInsight }
func (CreateVersion) Name() EventName      { return EventCreateVersion }
func (RemoveCollaborator) Name() EventName { return EventRemoveCollaborator }
func (Collaborators) Name() EventName      { return EventCollaborators }
func (Versions) Name() EventName           { return EventVersions }
func (Comments) Name() EventName           { return EventComments }
func (Insights) Name() EventName           { return EventInsights }
func (Failure) Name() EventName            { return EventError }
