package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/carecall/internal/call"
	"github.com/MrWong99/carecall/pkg/audio"
)

var (
	// ErrSessionExists is returned by [Registry.Open] when the connection
	// already has a session. The existing session's id is returned with it.
	ErrSessionExists = errors.New("app: session already open for connection")

	// ErrCapacity is returned by [Registry.Open] when the session limit is
	// reached.
	ErrCapacity = errors.New("app: session capacity reached")
)

// SessionFactory builds the session for a newly opened connection.
type SessionFactory func(id string, conn audio.Connection) (*call.Session, error)

// RegistryOption is a functional option for [NewRegistry].
type RegistryOption func(*Registry)

// WithMaxSessions caps the number of open sessions. Zero means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.max = n }
}

// WithIDGenerator replaces the random UUID session ids.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// Registry maps each connection to exactly one session. All methods are safe
// for concurrent use.
type Registry struct {
	factory SessionFactory
	max     int
	newID   func() string

	mu       sync.Mutex
	byConn   map[string]string // connection id → session id
	sessions map[string]*call.Session
}

// NewRegistry returns an empty registry that builds sessions with factory.
func NewRegistry(factory SessionFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:  factory,
		newID:    uuid.NewString,
		byConn:   make(map[string]string),
		sessions: make(map[string]*call.Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open creates the session for conn and returns its id. A second Open for the
// same connection creates nothing and returns the existing id together with
// [ErrSessionExists].
func (r *Registry) Open(conn audio.Connection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byConn[conn.ID()]; ok {
		return id, ErrSessionExists
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		return "", ErrCapacity
	}
	id := r.newID()
	sess, err := r.factory(id, conn)
	if err != nil {
		return "", fmt.Errorf("app: open session: %w", err)
	}
	r.byConn[conn.ID()] = id
	r.sessions[id] = sess
	return id, nil
}

// Lookup returns the session bound to conn.
func (r *Registry) Lookup(conn audio.Connection) (*call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn.ID()]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// IDs returns the ids of all open sessions in no particular order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Collect(maps.Keys(r.sessions))
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close removes the session and ends it with reason, waiting until it is
// closed or ctx is done. An unknown or already closed id is not an error.
// If ctx ends first the connection is closed underneath the session, which
// ends it as a hangup.
func (r *Registry) Close(ctx context.Context, id string, reason call.CloseReason) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.byConn, sess.Connection().ID())
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := sess.Close(ctx, reason); err != nil {
		_ = sess.Connection().Close()
		return fmt.Errorf("app: close session %s: %w", id, err)
	}
	return nil
}

// CloseAll closes every open session concurrently with [call.CloseShutdown].
func (r *Registry) CloseAll(ctx context.Context) error {
	ids := r.IDs()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Go(func() {
			if err := r.Close(ctx, id, call.CloseShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Check is a readiness check that fails while the registry is full.
func (r *Registry) Check(context.Context) error {
	if r.max <= 0 {
		return nil
	}
	if n := r.Len(); n >= r.max {
		return fmt.Errorf("%w: %d of %d sessions open", ErrCapacity, n, r.max)
	}
	return nil
}
