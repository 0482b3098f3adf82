package entity

import (
	"context"
	"sync"
)

// Remote is a backend that durably stores entities.
//
// Once an entity has been persisted, GetEntities must never return a
// different object for its hash. GetEntities omits hashes it does not hold
// instead of failing.
type Remote interface {
	HashObjects(ctx context.Context, objects []interface{}) ([]string, error)
	PersistEntities(ctx context.Context, entities []Entity) error
	GetEntities(ctx context.Context, hashes []string) ([]Entity, error)
	RemoveEntities(ctx context.Context, hashes []string) error
}

// MemoryRemote keeps entities in a map. Useful for tests and previews.
type MemoryRemote struct {
	cfg      CidConfig
	mu       sync.Mutex
	entities map[string]Entity
}

// NewMemoryRemote creates an empty in-memory entity remote.
func NewMemoryRemote(cfg CidConfig) *MemoryRemote {
	return &MemoryRemote{cfg: cfg, entities: make(map[string]Entity)}
}

func (m *MemoryRemote) HashObjects(ctx context.Context, objects []interface{}) ([]string, error) {
	hashes := make([]string, len(objects))
	for i, o := range objects {
		h, err := Hash(o, m.cfg)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

func (m *MemoryRemote) PersistEntities(ctx context.Context, entities []Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		if _, ok := m.entities[e.Hash]; ok {
			continue
		}
		m.entities[e.Hash] = e
	}
	return nil
}

func (m *MemoryRemote) GetEntities(ctx context.Context, hashes []string) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entity
	for _, h := range hashes {
		if e, ok := m.entities[h]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRemote) RemoveEntities(ctx context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.entities, h)
	}
	return nil
}
