package outbox

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Publisher delivers an event to the message bus. msgID is used for
// broker-side de-duplication.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox to a Publisher.
type Dispatcher struct {
	Store     store.Outbox
	Publisher Publisher

	BatchSize    int
	RetryBackoff time.Duration
	IdleWait     time.Duration
	ErrorWait    time.Duration
}

func NewDispatcher(st store.Outbox, pub Publisher) *Dispatcher {
	return &Dispatcher{
		Store:        st,
		Publisher:    pub,
		BatchSize:    100,
		RetryBackoff: 10 * time.Second,
		IdleWait:     500 * time.Millisecond,
		ErrorWait:    time.Second,
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.WithError(err).Error("Error dequeuing outbox")
			wait = d.ErrorWait
		case n == 0:
			wait = d.IdleWait
		}
		if wait == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due events and returns how many were
// dequeued. Events that fail to publish are rescheduled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.Store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		entry := log.WithFields(log.Fields{"outbox_id": msg.ID, "subject": msg.Subject})

		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			entry.WithError(err).Warn("Error publishing message, scheduling retry")
			if err := d.Store.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); err != nil {
				entry.WithError(err).Error("Error scheduling outbox retry")
			}
			continue
		}

		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			entry.WithError(err).Error("Error marking message published")
		}
	}
	return len(messages), nil
}
