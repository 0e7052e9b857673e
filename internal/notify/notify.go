// Package notify carries storage events from the migration, promotion,
// and watcher code to whoever renders them.
//
// Storage code publishes onto a Bus; consumers (the event server, the
// CLI, tests) subscribe and receive events on a channel. This keeps the
// storage layer decoupled from any particular presentation surface:
// publishing never blocks, and a slow subscriber only loses its own
// events.
package notify

import (
	"sync"
	"time"
)

// EventType identifies the kind of storage event.
type EventType string

const (
	// EventMigrationComplete is published after the migration runner
	// finishes with at least one migration actually applied.
	EventMigrationComplete EventType = "migration_complete"

	// EventPromotionComplete is published after anonymous data was
	// promoted into a user's scope.
	EventPromotionComplete EventType = "promotion_complete"

	// EventBackupWritten is published after a pre-migration backup was
	// persisted.
	EventBackupWritten EventType = "backup_written"

	// EventBackupDeleted is published after a backup was removed.
	EventBackupDeleted EventType = "backup_deleted"

	// EventExternalChange is published by the watcher daemon when a
	// store file changes outside this process.
	EventExternalChange EventType = "external_change"
)

// Event is a single storage notification. Summary and Detail are the
// user-visible pair the original toast surface consumed.
type Event struct {
	Type      EventType `json:"type"`
	Summary   string    `json:"summary,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond
// it are dropped for that subscriber rather than blocking the publisher.
const subscriberBuffer = 16

// Bus is an in-process publish/subscribe event channel.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel
// along with an unsubscribe function. The channel is closed when the
// unsubscribe function is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber. A subscriber whose
// buffer is full misses the event; Publish never blocks.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Translator localizes user-visible notification text. The storage
// layer passes message keys through it before publishing; the identity
// translator is used when the application has no localization layer.
type Translator func(key string) string

// Passthrough returns the key unchanged.
func Passthrough(key string) string { return key }
