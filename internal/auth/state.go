package auth

import (
	"context"
	"sync"
)

// State is the authentication state reported by the auth provider.
// IsLoading is true while stored credentials are still being rehydrated.
type State struct {
	IsAuthenticated bool
	IsLoading       bool
}

// Ready reports whether the session is authenticated.
func (s State) Ready() bool {
	return s.IsAuthenticated
}

// Rehydrating reports whether the provider has not decided yet. Consumers must not
// tear anything down in this state.
func (s State) Rehydrating() bool {
	return !s.IsAuthenticated && s.IsLoading
}

// LoggedOut reports whether the provider resolved to no session.
func (s State) LoggedOut() bool {
	return !s.IsAuthenticated && !s.IsLoading
}

// TokenSource supplies the current access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrMissingToken
	}
	return string(t), nil
}

type listener struct {
	id int
	fn func(State)
}

// Store is an observable auth provider. It starts in the rehydrating state.
type Store struct {
	mu        sync.RWMutex
	state     State
	token     string
	listeners []listener
	nextID    int
}

// NewStore creates a store that is still loading credentials.
func NewStore() *Store {
	return &Store{state: State{IsLoading: true}}
}

// State returns the current authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token implements TokenSource.
func (s *Store) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrMissingToken
	}
	return s.token, nil
}

// SetToken replaces the access token without changing the state.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Login stores the token and marks the session authenticated.
func (s *Store) Login(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.Set(State{IsAuthenticated: true})
}

// Logout clears the token and marks the session resolved to logged out.
func (s *Store) Logout() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.Set(State{})
}

// Set replaces the state and notifies listeners in subscription order.
// Listeners are notified even when the state did not change.
func (s *Store) Set(state State) {
	s.mu.Lock()
	s.state = state
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(state)
	}
}

// Subscribe registers fn for state changes and returns its unsubscribe function.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					break
				}
			}
		})
	}
}
