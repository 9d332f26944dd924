// Package engine wires the data layer together: local-first writes, the
// background sync worker, the change-feed reconciler, feed ranking, and
// the optional dashboard.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gigtown/localsync/internal/adapters"
	"github.com/gigtown/localsync/internal/config"
	"github.com/gigtown/localsync/internal/dashboard"
	"github.com/gigtown/localsync/internal/events"
	"github.com/gigtown/localsync/internal/partition"
	"github.com/gigtown/localsync/internal/queue"
	"github.com/gigtown/localsync/internal/ranker"
	"github.com/gigtown/localsync/internal/reconcile"
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/remote"
	"github.com/gigtown/localsync/internal/store"
)

// Engine is the composition root of the data layer. One engine owns one
// local cache database and one remote store connection.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	worker   *queue.Worker
	recon    *reconcile.Reconciler
	registry *adapters.Registry
	router   *partition.Router
	bus      *events.Bus
	dash     *dashboard.Server
	logger   *log.Logger

	// feedMu guards the live-reloadable feed tunables.
	feedMu     sync.RWMutex
	ranker     *ranker.Ranker
	feedRadius float64
}

// New builds an engine from configuration. The remote store is injected so
// the daemon, tests, and the bench command can choose their backend.
func New(cfg *config.Config, remoteStore remote.Store) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if remoteStore == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}

	logger := newLogger(cfg.Log)

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	q := queue.New(s.RawDB())
	if err := q.InitSchema(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	if n, err := q.RecoverOrphans(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to recover orphaned operations: %w", err)
	} else if n > 0 {
		logger.Printf("recovered %d in-flight operation(s) from a previous run", n)
	}

	registry := adapters.NewRegistry()
	bus := events.NewBus()

	worker, err := queue.NewWorker(q, s, remoteStore, registry, bus, &queue.WorkerConfig{
		PollInterval:  cfg.Sync.PollInterval,
		RemoteTimeout: cfg.Sync.RemoteTimeout,
		BackoffBase:   cfg.Sync.BackoffBase,
		BackoffCap:    cfg.Sync.BackoffCap,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		MaxInFlight:   cfg.Sync.MaxInFlight,
		Logger:        logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	recon, err := reconcile.New(s, q, remoteStore, registry, bus, &reconcile.Config{
		Partitions: cfg.Reconcile.Partitions,
		RetryBase:  cfg.Reconcile.RetryBase,
		RetryCap:   cfg.Reconcile.RetryCap,
		Logger:     logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		store:      s,
		queue:      q,
		worker:     worker,
		recon:      recon,
		registry:   registry,
		router:     partition.NewRouter(),
		ranker:     ranker.New(weightsFromConfig(cfg.Feed.Weights)),
		feedRadius: cfg.Feed.RadiusKm,
		bus:        bus,
		logger:     logger,
	}

	if cfg.Dashboard.Enabled {
		dash, err := dashboard.NewServer(bus, q, &dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: logger,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		e.dash = dash
	}

	return e, nil
}

func newLogger(cfg config.LogConfig) *log.Logger {
	if cfg.File == "" {
		return log.New(os.Stderr, "[localsync] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}, "[localsync] ", log.LstdFlags)
}

func weightsFromConfig(w config.WeightsConfig) ranker.Weights {
	return ranker.Weights{
		Interested:    w.Interested,
		Disinterested: w.Disinterested,
		Likes:         w.Likes,
		LikeCap:       w.LikeCap,
		Comments:      w.Comments,
		CommentCap:    w.CommentCap,
		Rating:        w.Rating,
		Recency:       w.Recency,
	}
}

// Start launches the sync worker, the reconciler, and the dashboard.
func (e *Engine) Start() error {
	e.worker.Start()
	e.recon.Start()
	if e.dash != nil {
		if err := e.dash.Start(); err != nil {
			e.worker.Stop()
			e.recon.Stop()
			return err
		}
	}
	e.logger.Printf("engine started (store=%s partitions=%v)", e.cfg.Store.Path, e.cfg.Reconcile.Partitions)
	return nil
}

// Stop shuts everything down and closes the cache database.
func (e *Engine) Stop() error {
	if e.dash != nil {
		if err := e.dash.Stop(); err != nil {
			e.logger.Printf("dashboard stop error: %v", err)
		}
	}
	e.recon.Stop()
	e.worker.Stop()
	e.bus.Close()
	return e.store.Close()
}

// Store exposes the local cache for reads and observation.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Queue exposes the pending-operation queue for inspection.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Bus exposes the sync event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Write stores an entity locally and queues its remote write. The local
// record is readable immediately; the remote write happens later in the
// background.
//
// An empty entityID creates a new entity with a generated id; the id is
// part of the payload, so a crash-replayed create is idempotent on the
// remote side. Returns the stored record.
func (e *Engine) Write(ctx context.Context, entityType record.EntityType, entityID string, fields record.FieldMap) (*record.Record, error) {
	adapter, err := e.registry.ForType(entityType)
	if err != nil {
		return nil, err
	}

	fields = fields.Clone()
	if fields == nil {
		fields = record.FieldMap{}
	}

	kind := queue.KindUpdate
	if entityID == "" {
		entityID = uuid.NewString()
		kind = queue.KindCreate
	} else if _, err := e.store.Get(ctx, entityType, entityID); err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			return nil, err
		}
		kind = queue.KindCreate
	}
	fields["id"] = entityID

	// Writes route strictly: no location, no queue entry, and the local
	// cache is left untouched so the caller sees the failure atomically.
	city, state := adapter.Location(fields)
	locationID, err := e.router.Route(partition.Write, city, state)
	if err != nil {
		return nil, err
	}

	rec := record.Record{
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		UpdatedAt:  time.Now().UTC(),
		Origin:     record.OriginLocal,
		Unsynced:   true,
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	op := queue.Operation{
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        kind,
		Fields:      fields,
		PartitionID: locationID,
	}
	if err := e.queue.Schedule(ctx, op, e.cfg.Sync.Debounce); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remove deletes an entity locally and queues the remote delete. Deleting
// an entity with queued writes coalesces them away; the delete wins.
func (e *Engine) Remove(ctx context.Context, entityType record.EntityType, entityID string) error {
	adapter, err := e.registry.ForType(entityType)
	if err != nil {
		return err
	}

	existing, err := e.store.Get(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	city, state := adapter.Location(existing.Fields)
	locationID, err := e.router.Route(partition.Write, city, state)
	if err != nil {
		return err
	}

	if err := e.store.Delete(ctx, entityType, entityID); err != nil {
		return err
	}

	op := queue.Operation{
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        queue.KindDelete,
		PartitionID: locationID,
	}
	return e.queue.Schedule(ctx, op, e.cfg.Sync.Debounce)
}

// Get reads an entity from the local cache.
func (e *Engine) Get(ctx context.Context, entityType record.EntityType, entityID string) (*record.Record, error) {
	return e.store.Get(ctx, entityType, entityID)
}

// List reads every cached entity of a type, newest first.
func (e *Engine) List(ctx context.Context, entityType record.EntityType) ([]record.Record, error) {
	return e.store.List(ctx, entityType)
}

// FeedRequest describes one ranked feed read.
type FeedRequest struct {
	// City and State locate the viewer's partition. Missing location
	// falls back to the unknown partition, per read routing.
	City  string
	State string

	// Viewer is the point distances are measured from.
	Viewer ranker.LatLng

	// RadiusKm overrides the configured feed radius when positive.
	RadiusKm float64

	// Interests maps entity ids to the viewer's explicit signal.
	Interests map[string]bool
}

// Feed returns the viewer's partition feed, geo-filtered and ranked.
// Candidates come from the local cache, which the reconciler keeps warm.
func (e *Engine) Feed(ctx context.Context, req FeedRequest) ([]ranker.Ranked, error) {
	locationID, err := e.router.Route(partition.Read, req.City, req.State)
	if err != nil {
		return nil, err
	}

	adapter, err := e.registry.ForType(record.EntityPost)
	if err != nil {
		return nil, err
	}

	records, err := e.store.List(ctx, record.EntityPost)
	if err != nil {
		return nil, err
	}

	e.feedMu.RLock()
	rk := e.ranker
	radius := e.feedRadius
	e.feedMu.RUnlock()
	if req.RadiusKm > 0 {
		radius = req.RadiusKm
	}

	candidates := make([]ranker.FeedCandidate, 0, len(records))
	for _, rec := range records {
		city, state := adapter.Location(rec.Fields)
		recPartition, err := e.router.Route(partition.Read, city, state)
		if err != nil || recPartition != locationID {
			continue
		}
		candidates = append(candidates, ranker.CandidateFromRecord(rec, req.Interests))
	}

	return rk.Rank(candidates, req.Viewer, radius, time.Now()), nil
}

// ApplyFeedConfig swaps in new feed tunables without a restart. Queue and
// partition settings are fixed for the engine's lifetime.
func (e *Engine) ApplyFeedConfig(feed config.FeedConfig) {
	e.feedMu.Lock()
	e.ranker = ranker.New(weightsFromConfig(feed.Weights))
	e.feedRadius = feed.RadiusKm
	e.feedMu.Unlock()
	e.logger.Printf("feed config reloaded (radius=%gkm)", feed.RadiusKm)
}

// RetryDead re-arms dead operations. Empty entityType re-arms everything;
// empty entityID re-arms every dead operation of the type.
func (e *Engine) RetryDead(ctx context.Context, entityType record.EntityType, entityID string) (int, error) {
	return e.queue.RetryDead(ctx, entityType, entityID)
}

// Drain pushes every due operation synchronously. Used by the CLI's
// one-shot sync.
func (e *Engine) Drain(ctx context.Context) error {
	return e.worker.Drain(ctx)
}
