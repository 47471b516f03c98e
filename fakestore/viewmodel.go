package fakestore

import (
	"slices"
	"sync"

	"github.com/MustafaHasria/fetchkit"
)

// State is what a screen renders: whether a load is running, the last value
// and the last error.
type State[T any] struct {
	Loading  bool
	Value    T
	HasValue bool
	Err      error
}

// ViewModel keeps the State for one key current for as long as its
// lifecycle is alive. Values published to the repository's store by any
// caller, including forced refreshes elsewhere, reach it too.
type ViewModel[T any] struct {
	repo      *fetchkit.Repository
	key       fetchkit.RequestKey
	lifecycle *fetchkit.Lifecycle

	mu        sync.Mutex
	state     State[T]
	observers []func(State[T])
	sub       *fetchkit.Subscription
}

// ProductsViewModel backs the product list screen.
type ProductsViewModel = ViewModel[[]Product]

// ProductViewModel backs the product detail screen.
type ProductViewModel = ViewModel[Product]

// NewProductsViewModel binds the product list to lifecycle.
func NewProductsViewModel(c *Client, lifecycle *fetchkit.Lifecycle) (*ProductsViewModel, error) {
	return NewViewModel[[]Product](c.repo, ProductsKey(), lifecycle)
}

// NewProductViewModel binds product id to lifecycle.
func NewProductViewModel(c *Client, lifecycle *fetchkit.Lifecycle, id int) (*ProductViewModel, error) {
	return NewViewModel[Product](c.repo, ProductKey(id), lifecycle)
}

// NewViewModel subscribes to key for the duration of lifecycle.
func NewViewModel[T any](repo *fetchkit.Repository, key fetchkit.RequestKey, lifecycle *fetchkit.Lifecycle) (*ViewModel[T], error) {
	vm := &ViewModel[T]{repo: repo, key: key, lifecycle: lifecycle}
	sub, err := fetchkit.SubscribeAs[T](repo.Store(), key, lifecycle.Context(), vm.setValue, vm.setError)
	if err != nil {
		return nil, err
	}
	vm.sub = sub
	return vm, nil
}

// Observe registers fn for every state change and calls it once with the
// current state.
func (vm *ViewModel[T]) Observe(fn func(State[T])) {
	vm.mu.Lock()
	vm.observers = append(vm.observers, fn)
	state := vm.state
	vm.mu.Unlock()
	fn(state)
}

// State returns the current state.
func (vm *ViewModel[T]) State() State[T] {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Load fetches the key in the background. A fresh cached value is served
// without a network call.
func (vm *ViewModel[T]) Load() {
	vm.load()
}

// Refresh bypasses the cache.
func (vm *ViewModel[T]) Refresh() {
	vm.load(fetchkit.WithForceRefresh())
}

func (vm *ViewModel[T]) load(opts ...fetchkit.FetchOption) {
	if !vm.lifecycle.Alive() {
		return
	}
	vm.update(func(s *State[T]) { s.Loading = true })

	results := fetchkit.FetchAsync[T](vm.lifecycle.Context(), vm.repo, vm.key, opts...)
	go func() {
		res := <-results
		if res.Err != nil {
			// Only a finished lifecycle cancels a load.
			if fetchkit.IsFetchKind(res.Err, fetchkit.FetchCancelled) {
				return
			}
			vm.setError(res.Err)
			return
		}
		vm.setValue(res.Value)
	}()
}

func (vm *ViewModel[T]) setValue(v T) {
	vm.update(func(s *State[T]) {
		s.Loading = false
		s.Value = v
		s.HasValue = true
		s.Err = nil
	})
}

func (vm *ViewModel[T]) setError(err error) {
	vm.update(func(s *State[T]) {
		s.Loading = false
		s.Err = err
	})
}

func (vm *ViewModel[T]) update(change func(*State[T])) {
	if !vm.lifecycle.Alive() {
		return
	}
	vm.mu.Lock()
	change(&vm.state)
	state := vm.state
	observers := slices.Clone(vm.observers)
	vm.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// Close detaches the view model without ending its lifecycle.
func (vm *ViewModel[T]) Close() {
	vm.sub.Unsubscribe()
}
