package fakestore

import (
	"slices"
	"strings"
	"sync"

	"github.com/MustafaHasria/fetchkit"
)

// LoginState is what the login screen renders.
type LoginState struct {
	Loading  bool
	LoggedIn bool
	Err      error
}

// LoginViewModel runs logins for a screen bound to a lifecycle.
type LoginViewModel struct {
	client    *Client
	lifecycle *fetchkit.Lifecycle

	mu        sync.Mutex
	state     LoginState
	observers []func(LoginState)
}

// NewLoginViewModel binds a login screen to lifecycle.
func NewLoginViewModel(c *Client, lifecycle *fetchkit.Lifecycle) *LoginViewModel {
	return &LoginViewModel{
		client:    c,
		lifecycle: lifecycle,
		state:     LoginState{LoggedIn: c.LoggedIn()},
	}
}

// Observe registers fn for every state change and calls it once with the
// current state.
func (vm *LoginViewModel) Observe(fn func(LoginState)) {
	vm.mu.Lock()
	vm.observers = append(vm.observers, fn)
	state := vm.state
	vm.mu.Unlock()
	fn(state)
}

// State returns the current state.
func (vm *LoginViewModel) State() LoginState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Login validates the input and, if it is complete, logs in on a background
// goroutine. Blank input is reported without a request.
func (vm *LoginViewModel) Login(username, password string) {
	if !vm.lifecycle.Alive() {
		return
	}
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		vm.update(func(s *LoginState) { s.Err = ErrMissingCredentials })
		return
	}
	vm.update(func(s *LoginState) {
		s.Loading = true
		s.Err = nil
	})

	go func() {
		err := vm.client.Login(vm.lifecycle.Context(), username, password)
		if err != nil && !vm.lifecycle.Alive() {
			return
		}
		vm.update(func(s *LoginState) {
			s.Loading = false
			s.LoggedIn = err == nil
			s.Err = err
		})
	}()
}

// Logout ends the session and clears every cached response.
func (vm *LoginViewModel) Logout() {
	vm.client.Logout()
	vm.update(func(s *LoginState) {
		s.LoggedIn = false
		s.Err = nil
	})
}

func (vm *LoginViewModel) update(change func(*LoginState)) {
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
