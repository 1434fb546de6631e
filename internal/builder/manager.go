package builder

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/pkg/schema"
)

// Manager holds open sessions keyed by pipeline id.
type Manager struct {
	deps *Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions share deps.
func NewManager(deps *Deps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// Create opens a new empty pipeline.
func (m *Manager) Create(name string) *Session {
	s := NewSession(m.deps, "", name)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s
}

// Import opens a session over a pipeline snapshot. An empty snapshot id is
// assigned a UUID. Importing an id that is already open returns CONFLICT.
func (m *Manager) Import(p *schema.Pipeline) (*Session, error) {
	s := NewSession(m.deps, p.ID, p.Name)
	if p.ID == "" {
		p.ID = s.ID()
	}
	if err := s.Replace(p); err != nil {
		return nil, err
	}
	return s, m.add(s)
}

// Open returns the open session for id, loading it from the store if needed.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	s := NewSession(m.deps, id, "")
	if err := s.Load(ctx, id); err != nil {
		return nil, err
	}
	if err := m.add(s); err != nil {
		// lost a race with another Open
		return m.Get(id)
	}
	return s, nil
}

// Get returns an open session or NOT_FOUND.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no open session for pipeline %s", id)
	}
	return s, nil
}

// Close drops a session. Unsaved changes are lost.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no open session for pipeline %s", id)
	}
	delete(m.sessions, id)
	return nil
}

// OpenIDs lists open session ids in sorted order.
func (m *Manager) OpenIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Saved lists stored pipelines.
func (m *Manager) Saved(ctx context.Context, filter store.PipelineFilter) ([]*store.PipelineRecord, error) {
	if m.deps.Store == nil {
		return nil, unsupported("persistence")
	}
	return m.deps.Store.ListPipelines(ctx, filter)
}

func (m *Manager) add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %s is already open", s.ID())
	}
	m.sessions[s.ID()] = s
	return nil
}
