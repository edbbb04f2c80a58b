// Package preferences holds the signed-in user's preferences for the
// lifetime of a client session.
package preferences

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/swipehire/matchchat/internal/model"
)

// ErrNotReady is returned by Set unless a profile has been loaded.
var ErrNotReady = errors.New("preferences: profile not loaded")

type Kind int

const (
	KindUninitialized Kind = iota
	KindLoading
	KindReady
	KindError
	KindAnonymous
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindLoading:
		return "loading"
	case KindReady:
		return "ready"
	case KindError:
		return "error"
	case KindAnonymous:
		return "anonymous"
	}
	return "unknown"
}

// State is exactly one of the kinds above. The profile is only meaningful
// when ready and the reason only when in error.
type State struct {
	kind    Kind
	profile model.Preferences
	reason  string
}

func Uninitialized() State { return State{kind: KindUninitialized} }
func Loading() State { return State{kind: KindLoading} }
func Anonymous() State { return State{kind: KindAnonymous} }
func Failed(reason string) State {
	return State{kind: KindError, reason: reason}
}

func Ready(p model.Preferences) State {
	p.Values = maps.Clone(p.Values)
	if p.Values == nil {
		p.Values = map[string]string{}
	}
	return State{kind: KindReady, profile: p}
}

func (s State) Kind() Kind { return s.kind }

// Profile returns a copy of the loaded profile.
func (s State) Profile() (model.Preferences, bool) {
	if s.kind != KindReady {
		return model.Preferences{}, false
	}
	p := s.profile
	p.Values = maps.Clone(p.Values)
	return p, true
}

// Reason returns why loading failed.
func (s State) Reason() (string, bool) {
	return s.reason, s.kind == KindError
}

// Remote is the profile API.
type Remote interface {
	GetPreferences(ctx context.Context) (model.Preferences, error)
	UpdatePreferences(ctx context.Context, values map[string]string) (model.Preferences, error)
}

type Store struct {
	remote Remote

	mu    sync.Mutex
	state State
	// gen invalidates results of superseded loads.
	gen    int
	subs   map[int]func(State)
	nextID int
}

func NewStore(remote Remote) *Store {
	return &Store{
		remote: remote,
		state:  Uninitialized(),
		subs:   make(map[int]func(State)),
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe calls fn on every transition until the returned func is called.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Load fetches the profile of userID. Without a user the session is
// anonymous and nothing is fetched.
func (s *Store) Load(ctx context.Context, userID string) error {
	if userID == "" {
		s.transition(-1, Anonymous())
		return nil
	}

	gen := s.transition(-1, Loading())

	p, err := s.remote.GetPreferences(ctx)
	if err != nil {
		s.transition(gen, Failed(err.Error()))
		return err
	}
	s.transition(gen, Ready(p))
	return nil
}

// Set writes one value through the remote API. An empty value removes the key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	ready := s.state.kind == KindReady
	gen := s.gen
	s.mu.Unlock()
	if !ready {
		return ErrNotReady
	}

	p, err := s.remote.UpdatePreferences(ctx, map[string]string{key: value})
	if err != nil {
		return err
	}
	s.transition(gen, Ready(p))
	return nil
}

// Reset forgets the profile, e.g. on sign out.
func (s *Store) Reset() {
	s.transition(-1, Uninitialized())
}

// transition moves to next and notifies subscribers. A gen other than -1
// only applies if no newer transition started since it was issued. It
// returns the generation now current.
func (s *Store) transition(gen int, next State) int {
	s.mu.Lock()
	if gen >= 0 && gen != s.gen {
		cur := s.gen
		s.mu.Unlock()
		return cur
	}
	if gen < 0 {
		s.gen++
	}
	s.state = next
	cur := s.gen
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return cur
}
