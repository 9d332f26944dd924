package queue

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
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/remote"
	"github.com/gigtown/localsync/internal/store"
)

// WorkerConfig holds configuration for the background sync worker.
type WorkerConfig struct {
	// PollInterval is how often the worker looks for due operations.
	PollInterval time.Duration

	// RemoteTimeout bounds each remote store call. A timeout counts as a
	// transient failure.
	RemoteTimeout time.Duration

	// BackoffBase and BackoffCap shape the exponential retry delay:
	// base * 2^(attempts-1), capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the retry budget before an operation goes dead.
	MaxAttempts int

	// MaxInFlight bounds concurrent remote writes across entity keys.
	// The same key is never in flight twice regardless of this value.
	MaxInFlight int

	// Logger for worker activity.
	Logger *log.Logger
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		PollInterval:  time.Second,
		RemoteTimeout: 30 * time.Second,
		BackoffBase:   30 * time.Second,
		BackoffCap:    10 * time.Minute,
		MaxAttempts:   6,
		MaxInFlight:   8,
		Logger:        log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Worker drains the pending-operation queue into the remote store.
//
// Operations for different entity keys run concurrently up to MaxInFlight;
// operations for the same key never overlap.
type Worker struct {
	queue    *Queue
	store    *store.Store
	remote   remote.Store
	registry *adapters.Registry
	bus      *events.Bus
	config   *WorkerConfig

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// NewWorker creates a sync worker. All collaborators are required except
// the bus, which may be nil when no one observes sync events, and the
// config, which defaults via DefaultWorkerConfig.
func NewWorker(q *Queue, localStore *store.Store, remoteStore remote.Store, registry *adapters.Registry, bus *events.Bus, config *WorkerConfig) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if localStore == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if remoteStore == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("adapter registry cannot be nil")
	}
	if config == nil {
		config = DefaultWorkerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		queue:    q,
		store:    localStore,
		remote:   remoteStore,
		registry: registry,
		bus:      bus,
		config:   config,
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, config.MaxInFlight),
	}, nil
}

// Start begins polling for due operations. Returns immediately; use Stop
// for a graceful shutdown.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop cancels the poll loop and waits for in-flight operations to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Drain processes due operations until the queue has no more due work or
// the context expires. Used by tests and the CLI's one-shot sync.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.poll(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			w.waitInflight()
			// Completing an in-flight operation can coalesce-release
			// another; one more look before declaring the queue idle.
			n, err := w.poll(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
		}
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.waitInflight()
			return
		case <-ticker.C:
			if _, err := w.poll(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.config.Logger.Printf("poll error: %v", err)
			}
		}
	}
}

// poll claims due operations and dispatches them. Returns the number of
// operations dispatched.
func (w *Worker) poll(ctx context.Context) (int, error) {
	free := cap(w.sem) - len(w.sem)
	if free <= 0 {
		return 0, nil
	}

	ops, err := w.queue.ClaimDue(ctx, time.Now(), free)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := range ops {
		op := ops[i]

		w.inflightMu.Lock()
		if _, busy := w.inflight[op.Key()]; busy {
			// A coalesced rewrite re-armed the row while its previous
			// claim is still applying. Put it back; the next poll will
			// pick it up once the key is free.
			w.inflightMu.Unlock()
			if err := w.queue.Fail(ctx, op.ID, op.Attempts, time.Now(), op.LastError); err != nil {
				w.config.Logger.Printf("failed to release operation %s: %v", op.ID, err)
			}
			continue
		}
		w.inflight[op.Key()] = struct{}{}
		w.inflightMu.Unlock()

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			w.releaseKey(op.Key())
			return dispatched, ctx.Err()
		}

		dispatched++
		w.wg.Add(1)
		go w.apply(op)
	}
	return dispatched, nil
}

func (w *Worker) releaseKey(key string) {
	w.inflightMu.Lock()
	delete(w.inflight, key)
	w.inflightMu.Unlock()
}

// waitInflight blocks until every dispatched operation has finished.
func (w *Worker) waitInflight() {
	for i := 0; i < cap(w.sem); i++ {
		w.sem <- struct{}{}
	}
	for i := 0; i < cap(w.sem); i++ {
		<-w.sem
	}
}

// apply pushes one claimed operation to the remote store and settles its
// queue row.
func (w *Worker) apply(op Operation) {
	defer w.wg.Done()
	defer func() { <-w.sem }()
	defer w.releaseKey(op.Key())

	err := w.applyRemote(op)
	if err == nil {
		w.settleSuccess(op)
		return
	}
	w.settleFailure(op, err)
}

// applyRemote performs the remote write for every target path of the
// operation's entity type.
func (w *Worker) applyRemote(op Operation) error {
	adapter, err := w.registry.ForType(op.EntityType)
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrUnauthorized, err)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.config.RemoteTimeout)
	defer cancel()

	for _, path := range adapter.WritePaths(op.PartitionID, op.EntityID) {
		switch op.Kind {
		case KindCreate:
			// Upsert with a pre-generated id: replaying after a crash
			// between remote success and local cleanup is a no-op.
			err = w.remote.Set(ctx, path, op.Fields, false)
		case KindUpdate:
			err = w.remote.Set(ctx, path, op.Fields, true)
		case KindDelete:
			err = w.remote.Delete(ctx, path)
		default:
			return fmt.Errorf("%w: unknown operation kind %q", record.ErrUnauthorized, op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) settleSuccess(op Operation) {
	removed, err := w.queue.Complete(w.ctx, op.ID)
	if err != nil {
		w.config.Logger.Printf("failed to complete %s/%s: %v", op.EntityType, op.EntityID, err)
		return
	}
	if !removed {
		// A newer write coalesced in mid-flight; its payload goes out on
		// the next poll.
		w.config.Logger.Printf("confirmed %s/%s, newer payload still queued", op.EntityType, op.EntityID)
	}

	if op.Kind != KindDelete {
		if err := w.store.SetUnsynced(w.ctx, op.EntityType, op.EntityID, false); err != nil {
			w.config.Logger.Printf("failed to clear unsynced flag for %s/%s: %v", op.EntityType, op.EntityID, err)
		}
	}

	w.publish(events.Event{
		Type:       events.TypeOpSynced,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Partition:  op.PartitionID,
		Attempts:   op.Attempts,
	})
}

func (w *Worker) settleFailure(op Operation, cause error) {
	attempts := op.Attempts + 1

	permanent := errors.Is(cause, record.ErrUnauthorized)
	exhausted := attempts >= w.config.MaxAttempts

	if permanent || exhausted {
		if !permanent {
			cause = fmt.Errorf("%w after %d attempts: %v", record.ErrQueueExhausted, attempts, cause)
		}
		if err := w.queue.MarkDead(w.ctx, op.ID, attempts, cause.Error()); err != nil {
			w.config.Logger.Printf("failed to mark %s/%s dead: %v", op.EntityType, op.EntityID, err)
			return
		}
		// The cached value stays readable; the flag is the only
		// user-visible degradation.
		if err := w.store.SetUnsynced(w.ctx, op.EntityType, op.EntityID, true); err != nil {
			w.config.Logger.Printf("failed to flag %s/%s unsynced: %v", op.EntityType, op.EntityID, err)
		}
		w.config.Logger.Printf("operation for %s/%s is dead after %d attempts: %v",
			op.EntityType, op.EntityID, attempts, cause)
		w.publish(events.Event{
			Type:       events.TypeOpDead,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Partition:  op.PartitionID,
			Attempts:   attempts,
			Error:      cause.Error(),
		})
		return
	}

	delay := backoff(w.config.BackoffBase, w.config.BackoffCap, attempts)
	if err := w.queue.Fail(w.ctx, op.ID, attempts, time.Now().Add(delay), cause.Error()); err != nil {
		w.config.Logger.Printf("failed to reschedule %s/%s: %v", op.EntityType, op.EntityID, err)
		return
	}

	w.config.Logger.Printf("transient failure for %s/%s (attempt %d, retry in %s): %v",
		op.EntityType, op.EntityID, attempts, delay, cause)
	w.publish(events.Event{
		Type:       events.TypeOpFailed,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Partition:  op.PartitionID,
		Attempts:   attempts,
		Error:      cause.Error(),
	})
}

func (w *Worker) publish(ev events.Event) {
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

// backoff computes the exponential retry delay for the given attempt count.
func backoff(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
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
