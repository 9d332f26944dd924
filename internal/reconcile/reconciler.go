// Package reconcile merges the remote change feed back into the local cache.
//
// One subscription runs per (partition, reconciled entity type) pair. Every
// inbound document goes through last-write-wins against the cached record,
// with one carve-out: a local record that still has an unconfirmed pending
// operation is never overwritten, so an offline edit survives the echo of
// older remote state. A document that cannot be converted is skipped and the
// rest of the batch proceeds.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gigtown/localsync/internal/adapters"
	"github.com/gigtown/localsync/internal/events"
	"github.com/gigtown/localsync/internal/queue"
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/remote"
	"github.com/gigtown/localsync/internal/store"
)

// Config holds configuration for the reconciler.
type Config struct {
	// Partitions lists the partition slugs to subscribe to.
	Partitions []string

	// RetryBase and RetryCap shape the resubscribe delay after a feed
	// failure. The cache is never cleared while a feed is down.
	RetryBase time.Duration
	RetryCap  time.Duration

	// Logger for reconcile activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for a single unknown partition.
func DefaultConfig() *Config {
	return &Config{
		Partitions: []string{"unknown"},
		RetryBase:  5 * time.Second,
		RetryCap:   5 * time.Minute,
		Logger:     log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Reconciler subscribes to per-partition change feeds and folds inbound
// documents into the local store.
type Reconciler struct {
	store    *store.Store
	queue    *queue.Queue
	remote   remote.Store
	registry *adapters.Registry
	bus      *events.Bus
	config   *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler. The bus may be nil.
func New(localStore *store.Store, q *queue.Queue, remoteStore remote.Store, registry *adapters.Registry, bus *events.Bus, config *Config) (*Reconciler, error) {
	if localStore == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if remoteStore == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("adapter registry cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		store:    localStore,
		queue:    q,
		remote:   remoteStore,
		registry: registry,
		bus:      bus,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start opens one feed per (partition, reconciled entity type) pair.
func (r *Reconciler) Start() {
	for _, partition := range r.config.Partitions {
		for _, adapter := range r.registry.Reconciled() {
			r.wg.Add(1)
			go r.feedLoop(partition, adapter)
		}
	}
}

// Stop tears down every feed and waits for the loops to exit.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// feedLoop keeps one subscription alive, resubscribing with backoff when
// the feed fails. Local data is left untouched while the feed is down.
func (r *Reconciler) feedLoop(partition string, adapter adapters.Adapter) {
	defer r.wg.Done()

	collection := remote.PartitionCollection(partition, adapter.Collection)
	failures := 0

	for {
		if r.ctx.Err() != nil {
			return
		}

		sub, err := r.remote.Subscribe(r.ctx, collection, adapter.SubscriptionQuery)
		if err != nil {
			failures++
			r.degraded(partition, adapter, failures, err)
			if !r.sleep(retryDelay(r.config.RetryBase, r.config.RetryCap, failures)) {
				return
			}
			continue
		}
		failures = 0

		err = r.consume(sub, partition, adapter)
		sub.Unsubscribe()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		failures++
		r.degraded(partition, adapter, failures, err)
		if !r.sleep(retryDelay(r.config.RetryBase, r.config.RetryCap, failures)) {
			return
		}
	}
}

// consume folds batches from one subscription until it closes. Returns nil
// on shutdown and the feed error otherwise.
func (r *Reconciler) consume(sub remote.Subscription, partition string, adapter adapters.Adapter) error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case batch, ok := <-sub.Batches():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return nil
			}
			for _, doc := range batch {
				r.mergeDoc(partition, adapter, doc)
			}
		}
	}
}

// mergeDoc applies last-write-wins for one inbound document.
func (r *Reconciler) mergeDoc(partition string, adapter adapters.Adapter, doc remote.Doc) {
	incoming, err := adapter.FromDoc(doc)
	if err != nil {
		r.config.Logger.Printf("skipping malformed document %s: %v", doc.Path, err)
		r.publish(events.Event{
			Type:       events.TypeConversionError,
			EntityType: adapter.EntityType,
			EntityID:   doc.ID(),
			Partition:  partition,
			Error:      err.Error(),
		})
		return
	}

	apply, reason, err := r.shouldApply(incoming)
	if err != nil {
		r.config.Logger.Printf("failed to merge %s/%s: %v", incoming.EntityType, incoming.EntityID, err)
		return
	}
	if !apply {
		r.publish(events.Event{
			Type:       events.TypeReconcileSkipped,
			EntityType: incoming.EntityType,
			EntityID:   incoming.EntityID,
			Partition:  partition,
			Error:      reason,
		})
		return
	}

	if err := r.store.Upsert(r.ctx, incoming); err != nil {
		r.config.Logger.Printf("failed to store %s/%s: %v", incoming.EntityType, incoming.EntityID, err)
		return
	}
	r.publish(events.Event{
		Type:       events.TypeReconcileApplied,
		EntityType: incoming.EntityType,
		EntityID:   incoming.EntityID,
		Partition:  partition,
	})
}

// shouldApply decides whether an inbound record overwrites the cached one.
//
// The incoming record wins when there is no cached record, or when the
// cached record is not newer AND is not a local edit still waiting to be
// confirmed. A dead operation no longer counts as waiting; once its retry
// budget is spent, remote state may reclaim the entity.
func (r *Reconciler) shouldApply(incoming record.Record) (bool, string, error) {
	local, err := r.store.Get(r.ctx, incoming.EntityType, incoming.EntityID)
	if errors.Is(err, record.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}

	if local.UpdatedAt.After(incoming.UpdatedAt) {
		return false, "local record is newer", nil
	}

	if local.Origin == record.OriginLocal {
		pending, err := r.queue.HasPending(r.ctx, incoming.EntityType, incoming.EntityID)
		if err != nil {
			return false, "", err
		}
		if pending {
			return false, "local edit awaiting confirmation", nil
		}
	}
	return true, "", nil
}

func (r *Reconciler) degraded(partition string, adapter adapters.Adapter, failures int, cause error) {
	delay := retryDelay(r.config.RetryBase, r.config.RetryCap, failures)
	r.config.Logger.Printf("feed for %s/%s degraded (failure %d, retry in %s): %v",
		partition, adapter.Collection, failures, delay, cause)
	r.publish(events.Event{
		Type:       events.TypeSubscriptionDegraded,
		EntityType: adapter.EntityType,
		Partition:  partition,
		Attempts:   failures,
		Error:      cause.Error(),
	})
}

// sleep waits for d or until shutdown. Returns false on shutdown.
func (r *Reconciler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Reconciler) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// retryDelay computes the resubscribe delay for the given failure count.
func retryDelay(base, cap time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
