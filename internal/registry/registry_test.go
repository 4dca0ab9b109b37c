package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision/plotclip/internal/model"
)

type fakeSizeStore struct {
	mu       sync.Mutex
	sizes    map[string]model.GridSize
	reserves int
	failWith error
}

func newFakeSizeStore() *fakeSizeStore {
	return &fakeSizeStore{sizes: make(map[string]model.GridSize)}
}

func (f *fakeSizeStore) LoadSizes(_ context.Context) (map[string]model.GridSize, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make(map[string]model.GridSize, len(f.sizes))
	for k, v := range f.sizes {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSizeStore) ReserveSize(_ context.Context, identity string, size model.GridSize) (model.GridSize, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.failWith != nil {
		return model.GridSize{}, false, f.failWith
	}
	if existing, ok := f.sizes[identity]; ok {
		return existing, false, nil
	}
	f.sizes[identity] = size
	return size, true, nil
}

func TestReserveOrGetMemoryOnly(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()

	size, reserved, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)

	// A second proposal for the same plot gets the first size back.
	size, reserved, err = reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 41, Height: 30})
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)

	assert.Equal(t, []string{"A-01"}, reg.Unpersisted())
}

func TestReserveOrGetWritesThrough(t *testing.T) {
	store := newFakeSizeStore()
	reg := New(store)
	ctx := context.Background()

	size, reserved, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)

	store.mu.Lock()
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, store.sizes["A-01"])
	store.mu.Unlock()
	assert.Empty(t, reg.Unpersisted())
}

func TestReserveOrGetDefersToStore(t *testing.T) {
	store := newFakeSizeStore()
	store.sizes["A-01"] = model.GridSize{Width: 38, Height: 29}
	reg := New(store)
	ctx := context.Background()

	size, reserved, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, model.GridSize{Width: 38, Height: 29}, size)
}

func TestReserveOrGetStoreErrorNotCached(t *testing.T) {
	store := newFakeSizeStore()
	store.failWith = eris.New("store down")
	reg := New(store)
	ctx := context.Background()

	_, _, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	// The failed identity must not be cached, so recovery retries the store.
	store.failWith = nil
	size, reserved, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)
	assert.Equal(t, 2, store.reserves)
}

func TestReserveOrGetRejectsZeroSize(t *testing.T) {
	reg := New(nil)
	_, _, err := reg.ReserveOrGet(context.Background(), "A-01", model.GridSize{})
	require.Error(t, err)
}

func TestLoadWarmsCache(t *testing.T) {
	store := newFakeSizeStore()
	store.sizes["A-01"] = model.GridSize{Width: 40, Height: 30}
	store.sizes["A-02"] = model.GridSize{Width: 41, Height: 30}

	reg := New(store)
	require.NoError(t, reg.Load(context.Background()))
	assert.Equal(t, 2, reg.Len())

	size, ok := reg.Get("A-02")
	assert.True(t, ok)
	assert.Equal(t, model.GridSize{Width: 41, Height: 30}, size)

	// Cached identities never touch the store again.
	_, _, err := reg.ReserveOrGet(context.Background(), "A-01", model.GridSize{Width: 99, Height: 99})
	require.NoError(t, err)
	assert.Equal(t, 0, store.reserves)
	assert.Empty(t, reg.Unpersisted())
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	store := newFakeSizeStore()
	reg := New(store)
	ctx := context.Background()

	const workers = 16
	results := make([]model.GridSize, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			size, _, err := reg.ReserveOrGet(ctx, "A-01", model.GridSize{Width: 40, Height: 30})
			assert.NoError(t, err)
			results[i] = size
		}(i)
	}
	wg.Wait()

	for _, size := range results {
		assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)
	}
	assert.Equal(t, 1, store.reserves)
}
