// Package registry tracks the canonical pixel grid size of every plot
// identity across runs.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/model"
)

// SizeStore persists canonical grid sizes across runs. ReserveSize must be
// atomic: insert the proposed size unless the identity already has one, and
// report back whichever size is authoritative plus whether this call
// inserted it.
type SizeStore interface {
	LoadSizes(ctx context.Context) (map[string]model.GridSize, error)
	ReserveSize(ctx context.Context, identity string, size model.GridSize) (model.GridSize, bool, error)
}

// Registry hands out one canonical grid size per plot identity. The first
// caller to reserve an identity fixes its size; every later clip of the
// same plot reconciles to that size, which keeps per-date clips stackable
// into a time series.
type Registry struct {
	mu        sync.Mutex
	sizes     map[string]model.GridSize
	persisted map[string]bool
	store     SizeStore
	log       *zap.Logger
}

// New returns a registry backed by store. A nil store keeps sizes in
// memory only; Unpersisted reports what such a registry would lose.
func New(store SizeStore) *Registry {
	return &Registry{
		sizes:     make(map[string]model.GridSize),
		persisted: make(map[string]bool),
		store:     store,
		log:       zap.L().With(zap.String("component", "registry")),
	}
}

// Load warms the cache from the store so a run over N plots costs one
// query instead of N.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	sizes, err := r.store.LoadSizes(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: load sizes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for identity, size := range sizes {
		r.sizes[identity] = size
		r.persisted[identity] = true
	}
	r.log.Debug("loaded grid sizes", zap.Int("count", len(sizes)))
	return nil
}

// ReserveOrGet returns the canonical grid size for identity. A new
// identity is written through to the store before it becomes visible to
// other callers; the second return reports whether this call established
// the size.
func (r *Registry) ReserveOrGet(ctx context.Context, identity string, proposed model.GridSize) (model.GridSize, bool, error) {
	if proposed.IsZero() {
		return model.GridSize{}, false, eris.Errorf("registry: zero grid size proposed for %q", identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if size, ok := r.sizes[identity]; ok {
		return size, false, nil
	}

	if r.store == nil {
		r.sizes[identity] = proposed
		return proposed, true, nil
	}

	size, inserted, err := r.store.ReserveSize(ctx, identity, proposed)
	if err != nil {
		return model.GridSize{}, false, eris.Wrapf(err, "registry: reserve size for %q", identity)
	}
	r.sizes[identity] = size
	r.persisted[identity] = true

	if !inserted && size != proposed {
		r.log.Debug("size already reserved elsewhere",
			zap.String("plot", identity),
			zap.String("canonical", size.String()),
			zap.String("proposed", proposed.String()),
		)
	}
	return size, inserted, nil
}

// Get returns the cached size for identity without reserving anything.
func (r *Registry) Get(identity string) (model.GridSize, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size, ok := r.sizes[identity]
	return size, ok
}

// Len reports how many identities have a canonical size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sizes)
}

// Unpersisted lists identities whose size lives only in memory, sorted
// for stable output.
func (r *Registry) Unpersisted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for identity := range r.sizes {
		if !r.persisted[identity] {
			ids = append(ids, identity)
		}
	}
	sort.Strings(ids)
	return ids
}
