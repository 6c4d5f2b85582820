package mail

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/pubsub"
	"github.com/zjrosen/maestro/internal/store"
)

// Default blocking-inbox parameters.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultDeadline     = 5 * time.Minute
	DefaultRetention    = 7 * 24 * time.Hour
)

// Bus is the mail view over the store. All durable state lives in the mail
// table; the broker only wakes blocked inboxes early.
type Bus struct {
	store *store.Store
	poll  time.Duration
}

// New creates a Bus. The store's broker (if any) provides wakeups.
func New(s *store.Store) *Bus {
	return &Bus{store: s, poll: DefaultPollInterval}
}

// NewWithPoll creates a Bus with a custom poll interval, for tests.
func NewWithPoll(s *store.Store, poll time.Duration) *Bus {
	return &Bus{store: s, poll: poll}
}

// Send posts a typed message to recipient. The payload struct is one of the
// variants in types.go; passing nil stores an empty object.
func (b *Bus) Send(recipient, msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		raw = marshal(payload)
	}
	_, err := b.store.SendMail(recipient, msgType, raw)
	return err
}

// Check consumes and returns all pending messages for recipient.
func (b *Bus) Check(recipient string) ([]*store.MailMessage, error) {
	return b.store.CheckMail(recipient)
}

// Peek returns pending messages without consuming them.
func (b *Bus) Peek(recipient string) ([]*store.MailMessage, error) {
	return b.store.PeekMail(recipient)
}

// Inbox blocks until at least one message is available for recipient or the
// deadline passes, then consumes and returns whatever is pending. Returns an
// empty slice on deadline. Cancelling ctx stops waiting without consuming
// anything.
//
// Wakeups ride the store broker when one is attached; the poll ticker is the
// fallback, so correctness never depends on the broker. Read-once semantics
// mean the first waiter to check after an insert wins; a raced waiter simply
// resumes blocking.
func (b *Bus) Inbox(ctx context.Context, recipient string, deadline time.Duration) ([]*store.MailMessage, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	// Fast path: something is already waiting.
	msgs, err := b.store.CheckMail(recipient)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wake <-chan pubsub.Event[events.Event]
	if broker := b.store.Broker(); broker != nil {
		wake = broker.Subscribe(waitCtx)
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				// Client cancelled: consume nothing.
				return nil, ctx.Err()
			}
			log.Debug(log.CatMail, "inbox deadline reached", "recipient", recipient)
			return nil, nil
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Payload.Kind != events.KindMailSent || ev.Payload.Recipient != recipient {
				continue
			}
		case <-ticker.C:
		}

		msgs, err := b.store.CheckMail(recipient)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

// Purge deletes mail older than the retention period.
func (b *Bus) Purge(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return b.store.PurgeMailOlderThan(retention)
}
