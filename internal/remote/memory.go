package remote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gigtown/localsync/internal/record"
)

// MemoryStore is an in-memory Store implementation with working change
// feeds. It backs the daemon's development mode and every test that needs a
// remote store without network access.
//
// All operations are safe for concurrent use. Server timestamps are strictly
// monotonic so last-write-wins comparisons behave deterministically even
// when the wall clock does not advance between writes.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]Doc
	subs   map[*memorySub]struct{}
	lastTS time.Time

	// Fail, when set, is consulted before every operation and lets tests
	// inject failures. op is one of "get", "set", "delete", "query",
	// "subscribe".
	Fail func(op, path string) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Doc),
		subs: make(map[*memorySub]struct{}),
	}
}

// serverNow returns a strictly increasing server timestamp.
// Caller must hold mu.
func (m *MemoryStore) serverNow() time.Time {
	now := time.Now().UTC()
	if !now.After(m.lastTS) {
		now = m.lastTS.Add(time.Microsecond)
	}
	m.lastTS = now
	return now
}

func (m *MemoryStore) fail(op, path string) error {
	if m.Fail != nil {
		return m.Fail(op, path)
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail("get", path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[path]
	if !ok {
		return nil, nil
	}
	doc.Fields = doc.Fields.Clone()
	return &doc, nil
}

// Set implements Store. The write is an upsert; merge folds fields into any
// existing document.
func (m *MemoryStore) Set(ctx context.Context, path string, fields record.FieldMap, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("set", path); err != nil {
		return err
	}

	m.mu.Lock()

	next := fields.Clone()
	if merge {
		if cur, ok := m.docs[path]; ok {
			merged := cur.Fields.Clone()
			for k, v := range next {
				merged[k] = v
			}
			next = merged
		}
	}

	doc := Doc{Path: path, Fields: next, UpdatedAt: m.serverNow()}
	m.docs[path] = doc
	subs := m.matchingSubs(collectionOf(path))
	m.mu.Unlock()

	for _, sub := range subs {
		sub.notify()
	}
	return nil
}

// Delete implements Store. Deleting an absent document is a no-op.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("delete", path); err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.docs[path]
	delete(m.docs, path)
	var subs []*memorySub
	if existed {
		subs = m.matchingSubs(collectionOf(path))
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.notify()
	}
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(ctx context.Context, collectionPath string, q Query) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail("query", collectionPath); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collectionPath, q), nil
}

// snapshotLocked evaluates a query against the current documents.
// Caller must hold mu.
func (m *MemoryStore) snapshotLocked(collectionPath string, q Query) []Doc {
	var out []Doc
	prefix := collectionPath + "/"
	for path, doc := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		// Documents in nested collections have further slashes.
		if strings.ContainsRune(path[len(prefix):], '/') {
			continue
		}
		if !matchFilters(doc, q.Filters) {
			continue
		}
		doc.Fields = doc.Fields.Clone()
		out = append(out, doc)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.Desc {
			return docLess(out[j], out[i], q.OrderBy)
		}
		return docLess(out[i], out[j], q.OrderBy)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func collectionOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func matchFilters(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchFilter(doc Doc, f Filter) bool {
	got, ok := doc.Fields[f.Field]
	if !ok {
		return false
	}
	cmp, comparable := compareValues(got, f.Value)
	if !comparable {
		return false
	}
	switch f.Op {
	case "==":
		return cmp == 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return false
	}
}

// compareValues compares two scalar values of matching shape. Numbers are
// compared as float64 regardless of the concrete Go type.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	ba, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ba == bb {
			return 0, true
		}
		if !ba {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func docLess(a, b Doc, orderBy string) bool {
	if orderBy == "" {
		return a.Path < b.Path
	}
	cmp, ok := compareValues(a.Fields[orderBy], b.Fields[orderBy])
	if !ok {
		return a.Path < b.Path
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.Path < b.Path
}

// memorySub delivers full query snapshots to one subscriber. Notifications
// coalesce: a slow consumer sees the latest snapshot, not every intermediate
// one.
type memorySub struct {
	store      *MemoryStore
	collection string
	query      Query

	batches chan []Doc
	dirty   chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

// Subscribe implements Store. The first batch is the current snapshot.
func (m *MemoryStore) Subscribe(ctx context.Context, collectionPath string, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail("subscribe", collectionPath); err != nil {
		return nil, err
	}

	sub := &memorySub{
		store:      m,
		collection: collectionPath,
		query:      q,
		batches:    make(chan []Doc, 1),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	// Initial snapshot.
	sub.notify()
	go sub.run(ctx)

	return sub, nil
}

// matchingSubs returns subscriptions watching a collection.
// Caller must hold mu.
func (m *MemoryStore) matchingSubs(collection string) []*memorySub {
	var out []*memorySub
	for sub := range m.subs {
		if sub.collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (s *memorySub) notify() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *memorySub) run(ctx context.Context) {
	defer close(s.batches)
	defer func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		case <-s.dirty:
			s.store.mu.Lock()
			snap := s.store.snapshotLocked(s.collection, s.query)
			s.store.mu.Unlock()

			select {
			case s.batches <- snap:
			case <-s.done:
				return
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}
}

// Batches implements Subscription.
func (s *memorySub) Batches() <-chan []Doc {
	return s.batches
}

// Err implements Subscription.
func (s *memorySub) Err() error {
	return s.err
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}
