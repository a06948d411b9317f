package predictor

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/model"
)

// DefaultCapacity bounds the predictor memo when the host does not override
// it via config (§6 predictor.cache.capacity).
const DefaultCapacity = 32

type memoKey struct {
	modelType model.Type
	modelID   string
}

type memoEntry struct {
	key       memoKey
	predictor Predictor
	inFlight  int // in-flight inferences on this instance; eviction waits for it to reach 0
}

// Registry maps (type, modelID) to a loaded, deserialized Predictor,
// lazy-loading from the Artifact Store on first use and memoizing the
// result (§4.3 step 5). It owns the memo outright; predictors hold no
// reference back to the registry (§9 cyclic-reference note).
//
// The memo is a bounded LRU: on capacity overflow the least-recently-used
// entry is evicted once its in-flight inference count reaches zero.
// Concurrent misses on the same key coalesce into a single load via
// singleflight (§5 "single-flight pattern").
type Registry struct {
	mu       sync.Mutex
	store    artifactstore.Store
	capacity int
	order    *list.List // front = most recently used
	elements map[memoKey]*list.Element
	group    singleflight.Group
	logger   *slog.Logger
}

// NewRegistry constructs a Registry backed by store, bounding the memo to
// capacity entries (DefaultCapacity if capacity <= 0).
func NewRegistry(store artifactstore.Store, capacity int, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Registry{
		store:    store,
		capacity: capacity,
		order:    list.New(),
		elements: make(map[memoKey]*list.Element),
		logger:   logger,
	}
}

// Get returns the loaded Predictor for (t, modelID), loading it from the
// artifact store on a memo miss. Concurrent calls for the same key share one
// load.
func (r *Registry) Get(ctx context.Context, t model.Type, modelID string) (Predictor, error) {
	key := memoKey{modelType: t, modelID: modelID}

	if p, ok := r.lookup(key); ok {
		return p, nil
	}

	sfKey := fmt.Sprintf("%s:%s", t, modelID)

	result, err, _ := r.group.Do(sfKey, func() (any, error) {
		// Re-check after winning the singleflight race: another caller may
		// have populated the memo between our miss and acquiring the group.
		if p, ok := r.lookup(key); ok {
			return p, nil
		}

		return r.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	return result.(Predictor), nil
}

func (r *Registry) lookup(key memoKey) (Predictor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.elements[key]
	if !ok {
		return nil, false
	}

	r.order.MoveToFront(elem)

	entry := elem.Value.(*memoEntry)
	entry.inFlight++

	return entry.predictor, true
}

func (r *Registry) load(ctx context.Context, key memoKey) (Predictor, error) {
	loader, err := LoaderFor(key.modelType)
	if err != nil {
		return nil, err
	}

	path, err := r.store.Download(ctx, key.modelID, key.modelType)
	if err != nil {
		return nil, fmt.Errorf("predictor: load %s/%s: %w", key.modelType, key.modelID, err)
	}

	defer func() { _ = os.Remove(path) }()

	p, err := loader(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("predictor: load %s/%s: %w", key.modelType, key.modelID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &memoEntry{key: key, predictor: p, inFlight: 1}
	r.elements[key] = r.order.PushFront(entry)

	r.evictIfOverCapacity()

	return p, nil
}

// Release decrements the in-flight count for a predictor instance, allowing
// it to be evicted once it reaches zero and is no longer the LRU front.
func (r *Registry) Release(t model.Type, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.elements[memoKey{modelType: t, modelID: modelID}]
	if !ok {
		return
	}

	entry := elem.Value.(*memoEntry)
	if entry.inFlight > 0 {
		entry.inFlight--
	}

	r.evictIfOverCapacity()
}

// evictIfOverCapacity removes least-recently-used entries with no in-flight
// inferences until the memo is back at or under capacity. Entries that are
// still in flight are skipped and retried on the next eviction pass (§5
// "eviction must wait for in-flight inferences on the evicted instance to
// complete").
func (r *Registry) evictIfOverCapacity() {
	for r.order.Len() > r.capacity {
		victim := r.order.Back()
		if victim == nil {
			return
		}

		entry := victim.Value.(*memoEntry)
		if entry.inFlight > 0 {
			// Walk forward looking for an evictable entry; if none exists
			// every entry is in flight and we simply exceed capacity
			// transiently until one finishes.
			evicted := false

			for e := victim.Prev(); e != nil; e = e.Prev() {
				if e.Value.(*memoEntry).inFlight == 0 {
					r.removeElement(e)
					evicted = true

					break
				}
			}

			if !evicted {
				return
			}

			continue
		}

		r.removeElement(victim)
	}
}

func (r *Registry) removeElement(e *list.Element) {
	entry := e.Value.(*memoEntry)
	r.order.Remove(e)
	delete(r.elements, entry.key)

	r.logger.Info("evicted predictor instance",
		slog.String("type", string(entry.key.modelType)),
		slog.String("model_id", entry.key.modelID))
}
