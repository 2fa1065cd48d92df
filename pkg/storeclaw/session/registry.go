package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds the session of a tenant on first use.
type Factory func(tenantID string) (*Session, error)

// Registry holds one Session per tenant.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:  factory,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session of a tenant, or nil.
func (r *Registry) Get(tenantID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[tenantID]
}

// GetOrCreate returns the tenant's session, building it if needed.
func (r *Registry) GetOrCreate(tenantID string) (*Session, error) {
	if s := r.Get(tenantID); s != nil {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if s, ok := r.sessions[tenantID]; ok {
		return s, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no session factory for tenant %s", tenantID)
	}

	s, err := r.factory(tenantID)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", tenantID, err)
	}
	r.sessions[tenantID] = s
	return s, nil
}

// Initialize creates the tenant's session if needed and connects it.
func (r *Registry) Initialize(ctx context.Context, tenantID string) (*Session, error) {
	s, err := r.GetOrCreate(tenantID)
	if err != nil {
		return nil, err
	}
	return s, s.Initialize(ctx)
}

// Remove disconnects and forgets a tenant's session.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	r.mu.Unlock()

	if ok {
		s.Disconnect()
		r.logger.Info("session removed", "tenant", tenantID)
	}
}

// List returns the tenant IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns the snapshot of every session, sorted by tenant.
func (r *Registry) Snapshots() []Snapshot {
	ids := r.List()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if s := r.Get(id); s != nil {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

// Shutdown disconnects every session concurrently.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect()
		}(s)
	}
	wg.Wait()
}
