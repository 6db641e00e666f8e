package collab

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/protocol"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/logger"
)

// UpdateHandler receives thread content updates.
type UpdateHandler func(protocol.Update) error

// ActivityHandler receives thread activity notifications.
type ActivityHandler func(protocol.Activity) error

// ActivityRelay forwards update and activity events to caller handlers,
// once per received event. Nothing is retained.
type ActivityRelay struct {
	ch         Channel
	thread     string
	onUpdate   UpdateHandler
	onActivity ActivityHandler
	log        *zap.Logger

	subs subscriptions
}

// NewActivityRelay relays events of thread. Either handler may be nil.
func NewActivityRelay(ch Channel, thread string, onUpdate UpdateHandler, onActivity ActivityHandler) *ActivityRelay {
	r := &ActivityRelay{
		ch:         ch,
		thread:     thread,
		onUpdate:   onUpdate,
		onActivity: onActivity,
		log:        logger.WithThread("collab.relay", thread),
	}
	r.subs.add(ch.Subscribe(r.handle))
	return r
}

// Close drops the relay's subscription.
func (r *ActivityRelay) Close() {
	r.subs.close()
}

func (r *ActivityRelay) handle(in channel.Inbound) error {
	if !current(r.ch, r.thread, in) {
		return nil
	}
	switch ev := in.Event.(type) {
	case protocol.Update:
		if r.onUpdate != nil {
			r.call(in.Frame.Event, func() error { return r.onUpdate(ev) })
		}
	case protocol.Activity:
		if r.onActivity != nil {
			r.call(in.Frame.Event, func() error { return r.onActivity(ev) })
		}
	}
	return nil
}

func (r *ActivityRelay) call(name protocol.EventName, fn func() error) {
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		err = fn()
	}()
	if err == nil {
		return
	}

	r.log.Warn("relay handler failed", zap.String("event", string(name)), zap.Error(err))
	r.ch.Report(syncErrors.ErrHandlerFailed.
		WithMessage(fmt.Sprintf("Handler for %s failed", name)).
		WithInternal(err))
}
