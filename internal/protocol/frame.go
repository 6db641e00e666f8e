package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownEvent is returned by Decode for event names outside the union.
var ErrUnknownEvent = errors.New("protocol: unknown event")

// Frame is the JSON envelope carried by every websocket text message.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Event  EventName       `json:"event"`
	Thread string          `json:"thread,omitempty"`
	User   string          `json:"user,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"ts"`
}

// NewFrame encodes ev into a frame addressed to thread. Frame ids are ULIDs so
// they sort by creation time across nodes.
func NewFrame(thread, user string, ev Event, now time.Time) (Frame, error) {
	if ev == nil {
		return Frame{}, errors.New("protocol: event is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode %s: %w", ev.Name(), err)
	}
	return Frame{
		ID:     ulid.Make().String(),
		Event:  ev.Name(),
		Thread: thread,
		User:   user,
		Data:   data,
		SentAt: now.UTC(),
	}, nil
}

// Marshal renders the frame for the wire.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame decodes a wire message into a frame without decoding its payload.
func ParseFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("protocol: frame without event")
	}
	return f, nil
}

// Decode turns the frame payload into its typed event.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case EventJoin:
		return decodeAs[Join](f)
	case EventLeave:
		return decodeAs[Leave](f)
	case EventTyping:
		return decodeAs[Typing](f)
	case EventRead:
		return decodeAs[Read](f)
	case EventCursor:
		return decodeAs[Cursor](f)
	case EventLockRequest:
		return decodeAs[LockRequest](f)
	case EventLockRelease:
		return decodeAs[LockRelease](f)
	case EventLock:
		return decodeAs[LockState](f)
	case EventContent:
		return decodeAs[Content](f)
	case EventUpdate:
		return decodeAs[Update](f)
	case EventActivity:
		return decodeAs[Activity](f)
	case EventAddComment:
		return decodeAs[AddComment](f)
	case EventAddInsight:
		return decodeAs[AddInsight](f)
	case EventCreateVersion:
		return decodeAs[CreateVersion](f)
	case EventRemoveCollaborator:
		return decodeAs[RemoveCollaborator](f)
	case EventCollaborators:
		return decodeAs[Collaborators](f)
	case EventVersions:
		return decodeAs[Versions](f)
	case EventComments:
		return decodeAs[Comments](f)
	case EventInsights:
		return decodeAs[Insights](f)
	case EventError:
		return decodeAs[Failure](f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeAs[T Event](f Frame) (Event, error) {
	var ev T
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", f.Event, err)
	}
	return ev, nil
}
