package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/metrics"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// handle applies one client intent. Rejections are answered with a thread:error frame.
func (h *Hub) handle(c *connection, frame protocol.Frame) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		h.fail(c, frame.Thread, frame.Event, syncErrors.ErrBadIntent.WithInternal(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()

	thread := frame.Thread
	if _, joining := ev.(protocol.Join); !joining && !h.isMember(c, thread) {
		h.fail(c, thread, frame.Event, syncErrors.ErrNotMember)
		return
	}

	if err := h.apply(ctx, c, thread, ev); err != nil {
		h.fail(c, thread, frame.Event, err)
	}
}

func (h *Hub) apply(ctx context.Context, c *connection, thread string, ev protocol.Event) error {
	user := c.identity.UserID
	now := h.now().UTC()

	switch ev := ev.(type) {
	case protocol.Join:
		return h.join(ctx, c, thread)
	case protocol.Leave:
		if _, last := h.removeMember(c, thread); last {
			h.depart(ctx, thread, user)
		}
		return nil

	case protocol.Typing:
		return h.broadcast(ctx, thread, user, protocol.Typing{UserID: user, IsTyping: ev.IsTyping, At: now})
	case protocol.Cursor:
		if err := validateIntent(ev); err != nil {
			return err
		}
		ev.UserID = user
		ev.LastUpdated = now
		return h.broadcast(ctx, thread, user, ev)
	case protocol.Read:
		if err := validateIntent(ev); err != nil {
			return err
		}
		read, created, err := h.threads.RecordReceipt(ctx, thread, ev.MessageID, user, now)
		if err != nil || !created {
			return err
		}
		return h.broadcast(ctx, thread, user, read)

	case protocol.LockRequest:
		return h.requestLock(ctx, thread, user)
	case protocol.LockRelease:
		return h.releaseLock(ctx, thread, user)
	case protocol.Content:
		if err := validateIntent(ev); err != nil {
			return err
		}
		return h.updateContent(ctx, thread, user, ev.Content)

	case protocol.AddComment:
		if err := validateIntent(ev); err != nil {
			return err
		}
		if _, err := h.threads.AddComment(ctx, thread, user, ev.Content); err != nil {
			return err
		}
		items, err := h.threads.Comments(ctx, thread)
		if err != nil {
			return err
		}
		return h.announce(ctx, thread, user, protocol.Comments{Items: items}, ActivityCommentAdded, "")
	case protocol.AddInsight:
		if err := validateIntent(ev); err != nil {
			return err
		}
		if _, err := h.threads.AddInsight(ctx, thread, user, ev); err != nil {
			return err
		}
		items, err := h.threads.Insights(ctx, thread)
		if err != nil {
			return err
		}
		return h.announce(ctx, thread, user, protocol.Insights{Items: items}, ActivityInsightAdded, ev.Type)
	case protocol.CreateVersion:
		if err := validateIntent(ev); err != nil {
			return err
		}
		if _, err := h.threads.CreateVersion(ctx, thread, user, ev.Title, ev.Content); err != nil {
			return err
		}
		items, err := h.threads.Versions(ctx, thread)
		if err != nil {
			return err
		}
		return h.announce(ctx, thread, user, protocol.Versions{Items: items}, ActivityVersionCreated, ev.Title)
	case protocol.RemoveCollaborator:
		if err := validateIntent(ev); err != nil {
			return err
		}
		removed, err := h.threads.RemoveCollaborator(ctx, thread, ev.UserID)
		if err != nil {
			return err
		}
		if !removed {
			return syncErrors.ErrNotFound.WithMessage("Collaborator not found")
		}
		items, err := h.threads.Collaborators(ctx, thread)
		if err != nil {
			return err
		}
		return h.announce(ctx, thread, user, protocol.Collaborators{Items: items}, ActivityCollaboratorRemoved, ev.UserID)

	default:
		return syncErrors.ErrBadIntent.WithMessage(fmt.Sprintf("%s is not a client intent", ev.Name()))
	}
}

// join admits c to thread and replies with the lock state and the snapshots.
func (h *Hub) join(ctx context.Context, c *connection, thread string) error {
	if err := validator.ValidateRoomID(thread); err != nil {
		return syncErrors.ErrBadIntent.WithMessage("Invalid thread id").WithInternal(err)
	}

	if !c.identity.allows(thread) {
		return syncErrors.ErrUnauthorized.WithMessage("Not permitted to join this thread")
	}

	user := c.identity.UserID
	if _, err := h.threads.EnsureThread(ctx, thread); err != nil {
		return err
	}
	if err := h.threads.AddCollaborator(ctx, thread, user, c.identity.Name, ""); err != nil {
		return err
	}

	h.arbiter.Lock()
	first := h.addMember(c, thread)
	lease, err := h.locks.Holder(ctx, thread)
	if err == nil {
		h.setRoomHolder(thread, lease.Holder)
		h.reply(c, thread, protocol.LockState{Holder: lease.Holder})
	}
	h.arbiter.Unlock()
	if err != nil {
		return err
	}

	versions, err := h.threads.Versions(ctx, thread)
	if err != nil {
		return err
	}
	h.reply(c, thread, protocol.Versions{Items: versions})

	comments, err := h.threads.Comments(ctx, thread)
	if err != nil {
		return err
	}
	h.reply(c, thread, protocol.Comments{Items: comments})

	insights, err := h.threads.Insights(ctx, thread)
	if err != nil {
		return err
	}
	h.reply(c, thread, protocol.Insights{Items: insights})

	collaborators, err := h.threads.Collaborators(ctx, thread)
	if err != nil {
		return err
	}
	if err := h.broadcast(ctx, thread, user, protocol.Collaborators{Items: collaborators}); err != nil {
		return err
	}

	if first {
		c.log.Debug("joined thread", zap.String("thread_id", thread))
		return h.broadcast(ctx, thread, user, protocol.Activity{Type: ActivityJoined, UserID: user, At: h.now().UTC()})
	}
	return nil
}

func (h *Hub) requestLock(ctx context.Context, thread, user string) error {
	h.arbiter.Lock()
	defer h.arbiter.Unlock()

	lease, err := h.locks.Acquire(ctx, thread, user, h.cfg.LockTTL)
	if err != nil {
		return err
	}

	result := "granted"
	if lease.Holder != user {
		result = "denied"
	}
	metrics.LockDecisions.WithLabelValues(result).Inc()
	h.log.Debug("lock requested",
		zap.String("thread_id", thread), zap.String("user_id", user), zap.String("result", result))

	return h.broadcast(ctx, thread, user, protocol.LockState{Holder: lease.Holder})
}

func (h *Hub) releaseLock(ctx context.Context, thread, user string) error {
	h.arbiter.Lock()
	defer h.arbiter.Unlock()

	released, err := h.locks.Release(ctx, thread, user)
	if err != nil {
		return err
	}
	if !released {
		return syncErrors.ErrNotLockHolder
	}

	metrics.LockDecisions.WithLabelValues("released").Inc()
	if err := h.broadcast(ctx, thread, user, protocol.LockState{}); err != nil {
		return err
	}
	return h.broadcast(ctx, thread, user, protocol.Activity{Type: ActivityLockReleased, UserID: user, At: h.now().UTC()})
}

func (h *Hub) updateContent(ctx context.Context, thread, user, content string) error {
	h.arbiter.Lock()
	defer h.arbiter.Unlock()

	lease, err := h.locks.Holder(ctx, thread)
	if err != nil {
		return err
	}
	if lease.Holder != user {
		return syncErrors.ErrNotLockHolder
	}

	update, err := h.threads.UpdateContent(ctx, thread, user, content)
	if err != nil {
		return err
	}
	if ok, err := h.locks.Refresh(ctx, thread, user, h.cfg.LockTTL); err != nil || !ok {
		h.log.Warn("failed to refresh lock lease",
			zap.String("thread_id", thread), zap.String("user_id", user), zap.Bool("refreshed", ok), zap.Error(err))
	}

	return h.announce(ctx, thread, user, update, ActivityContentUpdated, fmt.Sprintf("revision %d", update.Revision))
}

// announce broadcasts a state change followed by its activity notification.
func (h *Hub) announce(ctx context.Context, thread, user string, ev protocol.Event, activity, summary string) error {
	if err := h.broadcast(ctx, thread, user, ev); err != nil {
		return err
	}
	return h.broadcast(ctx, thread, user, protocol.Activity{
		Type:    activity,
		UserID:  user,
		Summary: summary,
		At:      h.now().UTC(),
	})
}

// fail answers c with a thread:error frame. Internal failures are logged and masked.
func (h *Hub) fail(c *connection, thread string, event protocol.EventName, err error) {
	syncErr := syncErrors.FromError(err)
	if syncErr.Kind != syncErrors.KindProtocol {
		c.log.Error("intent failed", zap.String("thread_id", thread), zap.String("event", string(event)), zap.Error(err))
		syncErr = syncErrors.ErrInternal
	} else {
		c.log.Debug("intent rejected", zap.String("thread_id", thread), zap.String("event", string(event)), zap.String("code", syncErr.Code))
	}

	h.reply(c, thread, protocol.Failure{Code: syncErr.Code, Message: syncErr.Message, Event: event})
}

func validateIntent(ev protocol.Event) error {
	if err := validator.ValidateStruct(ev); err != nil {
		return syncErrors.ErrBadIntent.WithMessage(err.Error()).WithInternal(err)
	}
	return nil
}
