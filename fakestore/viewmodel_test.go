package fakestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MustafaHasria/fetchkit"
)

type stateLog[T any] struct {
	mu     sync.Mutex
	states []State[T]
}

func (l *stateLog[T]) record(s State[T]) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog[T]) all() []State[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State[T](nil), l.states...)
}

func (l *stateLog[T]) last() State[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State[T]{}
	}
	return l.states[len(l.states)-1]
}

func TestProductsViewModelLoads(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)
	lifecycle := fetchkit.NewLifecycle(context.Background())
	defer lifecycle.End()

	vm, err := NewProductsViewModel(c, lifecycle)
	require.NoError(t, err)
	log := &stateLog[[]Product]{}
	vm.Observe(log.record)

	vm.Load()
	assert.Eventually(t, func() bool { return log.last().HasValue }, time.Second, time.Millisecond)

	states := log.all()
	assert.False(t, states[0].Loading, "initial state is idle")
	assert.True(t, states[1].Loading, "Load reports loading first")
	final := vm.State()
	assert.False(t, final.Loading)
	assert.NoError(t, final.Err)
	assert.Equal(t, catalogue, final.Value)
}

func TestProductViewModelReportsErrors(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)
	lifecycle := fetchkit.NewLifecycle(context.Background())
	defer lifecycle.End()

	vm, err := NewProductViewModel(c, lifecycle, 99)
	require.NoError(t, err)
	vm.Load()

	assert.Eventually(t, func() bool { return vm.State().Err != nil }, time.Second, time.Millisecond)
	assert.True(t, fetchkit.IsFetchKind(vm.State().Err, fetchkit.FetchStatusFailure))
	assert.False(t, vm.State().HasValue)
}

func TestViewModelReceivesRefreshesFromOtherCallers(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)
	lifecycle := fetchkit.NewLifecycle(context.Background())
	defer lifecycle.End()

	vm, err := NewProductViewModel(c, lifecycle, 1)
	require.NoError(t, err)

	_, err = c.Product(context.Background(), 1)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return vm.State().HasValue }, time.Second, time.Millisecond)
	assert.Equal(t, catalogue[0], vm.State().Value)
}

func TestViewModelStopsAfterLifecycleEnds(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api)
	lifecycle := fetchkit.NewLifecycle(context.Background())

	vm, err := NewProductsViewModel(c, lifecycle)
	require.NoError(t, err)
	log := &stateLog[[]Product]{}
	vm.Observe(log.record)

	lifecycle.End()
	vm.Load()
	_, err = c.Products(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, log.all(), 1, "only the initial state is observed")
	assert.Equal(t, 0, c.Repository().Store().Subscribers(ProductsKey()))
}
