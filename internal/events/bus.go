// Package events carries the asynchronous error/status stream of the sync
// engine.
//
// Queue and reconciler failures are never thrown at callers: they are
// published here and surfaced through subscribers (the WebSocket dashboard,
// the CLI, tests) plus the per-record unsynced flag in the local store.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigtown/localsync/internal/record"
)

// Type classifies a sync engine event.
type Type string

const (
	// TypeOpSynced indicates a pending operation reached the remote store.
	TypeOpSynced Type = "op_synced"

	// TypeOpFailed indicates a transient failure; the operation was
	// rescheduled with backoff.
	TypeOpFailed Type = "op_failed"

	// TypeOpDead indicates a pending operation exhausted its retries or
	// hit a permanent rejection. The entity stays cached but unsynced.
	TypeOpDead Type = "op_dead"

	// TypeReconcileApplied indicates an inbound remote record replaced
	// the cached one.
	TypeReconcileApplied Type = "reconcile_applied"

	// TypeReconcileSkipped indicates an inbound remote record lost
	// last-write-wins or was held off by an unconfirmed local edit.
	TypeReconcileSkipped Type = "reconcile_skipped"

	// TypeSubscriptionDegraded indicates a change feed failed and is
	// being retried with backoff; the local cache is untouched.
	TypeSubscriptionDegraded Type = "subscription_degraded"

	// TypeConversionError indicates a remote document was skipped because
	// it could not be parsed.
	TypeConversionError Type = "conversion_error"
)

// Event is one sync engine occurrence.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	EntityType record.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Partition  string            `json:"partition,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: each
// subscriber has a bounded buffer and the oldest event is dropped when a
// consumer falls behind.
type Bus struct {
	mu   sync.Mutex
	subs map[*busSub]struct{}
}

type busSub struct {
	ch chan Event
}

// subscriberBuffer bounds each subscriber's backlog.
const subscriberBuffer = 64

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*busSub]struct{})}
}

// Publish delivers an event to every subscriber. An empty ID and zero
// timestamp are filled in.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns an event channel and a cancel function. Cancel is
// idempotent; the channel closes after cancellation.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &busSub{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, live := b.subs[sub]; live {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}

	return sub.ch, cancel
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
