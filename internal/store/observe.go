package store

import (
	"context"
	"fmt"
	"os"

	"github.com/gigtown/localsync/internal/record"
)

// subscriber receives full snapshots of one entity type. The channel has
// capacity one and publishes coalesce to the latest snapshot: only the
// newest state matters, so a slow consumer skips intermediate states
// instead of blocking the publisher.
type subscriber struct {
	ch     chan []record.Record
	closed chan struct{}
}

// Observe returns a channel of full snapshots of the given entity type and
// a cancel function. The current snapshot is delivered immediately, then a
// new snapshot follows every mutation of that entity type.
//
// The channel is closed when cancel is called or the store is closed. The
// cancel function is idempotent.
func (s *Store) Observe(ctx context.Context, entityType record.EntityType) (<-chan []record.Record, func(), error) {
	snap, err := s.List(ctx, entityType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read initial snapshot: %w", err)
	}

	sub := &subscriber{
		ch:     make(chan []record.Record, 1),
		closed: make(chan struct{}),
	}
	sub.ch <- snap

	s.subsMu.Lock()
	if s.subs[entityType] == nil {
		s.subs[entityType] = make(map[*subscriber]struct{})
	}
	s.subs[entityType][sub] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if set, ok := s.subs[entityType]; ok {
			if _, live := set[sub]; live {
				delete(set, sub)
				close(sub.closed)
				close(sub.ch)
			}
		}
		s.subsMu.Unlock()
	}

	return sub.ch, cancel, nil
}

// publish delivers the current snapshot of an entity type to all its
// observers. Called after every committed mutation.
func (s *Store) publish(ctx context.Context, entityType record.EntityType) {
	s.subsMu.Lock()
	count := len(s.subs[entityType])
	s.subsMu.Unlock()
	if count == 0 {
		return
	}

	snap, err := s.List(ctx, entityType)
	if err != nil {
		// Observers keep their previous snapshot on a read failure.
		fmt.Fprintf(os.Stderr, "Warning: failed to snapshot %s for observers: %v\n", entityType, err)
		return
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs[entityType] {
		select {
		case <-sub.closed:
			continue
		default:
		}

		// Replace any undelivered snapshot with the newer one.
		select {
		case sub.ch <- snap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}

// closeSubscribers closes every observer channel. Called from Close.
func (s *Store) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, set := range s.subs {
		for sub := range set {
			delete(set, sub)
			close(sub.closed)
			close(sub.ch)
		}
	}
}
