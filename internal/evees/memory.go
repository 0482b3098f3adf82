package evees

import (
	"context"
	"sort"
	"sync"

	"github.com/systemshift/evees/internal/entity"
)

type storedUpdate struct {
	update    Update
	timestamp int64
	seq       uint64
}

type storedDeletion struct {
	id          string
	onEcosystem []string
}

// MemoryMutationStore keeps a buffered delta in memory.
type MemoryMutationStore struct {
	mu              sync.Mutex
	seq             uint64
	newPerspectives []NewPerspective
	updates         []storedUpdate
	deleted         []storedDeletion
	entities        map[string]entity.Entity
}

func NewMemoryMutationStore() *MemoryMutationStore {
	return &MemoryMutationStore{entities: make(map[string]entity.Entity)}
}

func (s *MemoryMutationStore) NewPerspective(ctx context.Context, np NewPerspective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.newPerspectives {
		if existing.Perspective.Hash == np.Perspective.Hash {
			s.newPerspectives[i] = np
			return nil
		}
	}
	s.newPerspectives = append(s.newPerspectives, np)
	return nil
}

func (s *MemoryMutationStore) AddUpdate(ctx context.Context, update Update, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.updates = append(s.updates, storedUpdate{update: update, timestamp: timestamp, seq: s.seq})
	return nil
}

func (s *MemoryMutationStore) DeletedPerspective(ctx context.Context, perspectiveID string, onEcosystem []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deleted {
		if d.id == perspectiveID {
			return nil
		}
	}
	s.deleted = append(s.deleted, storedDeletion{id: perspectiveID, onEcosystem: onEcosystem})
	return nil
}

func (s *MemoryMutationStore) AddEntities(ctx context.Context, entities []entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.Hash] = e
	}
	return nil
}

func (s *MemoryMutationStore) GetNewPerspectives(ctx context.Context, filter *MutationFilter) ([]NewPerspective, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NewPerspective
	for _, np := range s.newPerspectives {
		if filter.Matches(np.Perspective.Hash, onEcosystem(np.Update)) {
			out = append(out, np)
		}
	}
	return out, nil
}

func (s *MemoryMutationStore) GetUpdates(ctx context.Context, filter *MutationFilter) ([]Update, error) {
	s.mu.Lock()
	stored := make([]storedUpdate, 0, len(s.updates))
	for _, su := range s.updates {
		if filter.Matches(su.update.PerspectiveID, onEcosystem(su.update)) {
			stored = append(stored, su)
		}
	}
	s.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool {
		if stored[i].timestamp != stored[j].timestamp {
			return stored[i].timestamp < stored[j].timestamp
		}
		return stored[i].seq < stored[j].seq
	})
	out := make([]Update, len(stored))
	for i, su := range stored {
		out[i] = su.update
	}
	return out, nil
}

func (s *MemoryMutationStore) GetDeletedPerspectives(ctx context.Context, filter *MutationFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deleted {
		if filter.Matches(d.id, d.onEcosystem) {
			out = append(out, d.id)
		}
	}
	return out, nil
}

func (s *MemoryMutationStore) GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hashes == nil {
		out := make([]entity.Entity, 0, len(s.entities))
		for _, e := range s.entities {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
		return out, nil
	}
	var out []entity.Entity
	for _, h := range hashes {
		if e, ok := s.entities[h]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryMutationStore) Diff(ctx context.Context, filter *MutationFilter) (*Mutation, error) {
	return DiffStore(ctx, s, filter)
}

func (s *MemoryMutationStore) Clear(ctx context.Context, elements *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elements == nil {
		s.newPerspectives = nil
		s.updates = nil
		s.deleted = nil
		s.entities = make(map[string]entity.Entity)
		return nil
	}

	drop := make(map[string]bool)
	for _, np := range elements.NewPerspectives {
		drop[np.Perspective.Hash] = true
	}
	kept := s.newPerspectives[:0]
	for _, np := range s.newPerspectives {
		if !drop[np.Perspective.Hash] {
			kept = append(kept, np)
		}
	}
	s.newPerspectives = kept

	for _, u := range elements.Updates {
		for i, su := range s.updates {
			if entity.Equal(su.update, u) {
				s.updates = append(s.updates[:i], s.updates[i+1:]...)
				break
			}
		}
	}

	dropDeleted := make(map[string]bool)
	for _, id := range elements.DeletedPerspectives {
		dropDeleted[id] = true
	}
	keptDeleted := s.deleted[:0]
	for _, d := range s.deleted {
		if !dropDeleted[d.id] {
			keptDeleted = append(keptDeleted, d)
		}
	}
	s.deleted = keptDeleted

	for _, h := range elements.EntitiesHashes {
		delete(s.entities, h)
	}
	for _, e := range elements.Entities {
		delete(s.entities, e.Hash)
	}
	return nil
}

// DiffStore assembles a Mutation from the getters of any MutationStore.
// Entities are only included in an unfiltered diff.
func DiffStore(ctx context.Context, s MutationStore, filter *MutationFilter) (*Mutation, error) {
	nps, err := s.GetNewPerspectives(ctx, filter)
	if err != nil {
		return nil, err
	}
	updates, err := s.GetUpdates(ctx, filter)
	if err != nil {
		return nil, err
	}
	deleted, err := s.GetDeletedPerspectives(ctx, filter)
	if err != nil {
		return nil, err
	}
	m := &Mutation{NewPerspectives: nps, Updates: updates, DeletedPerspectives: deleted}
	if filter == nil || (filter.PerspectiveID == "" && filter.Under == "") {
		entities, err := s.GetEntities(ctx, nil)
		if err != nil {
			return nil, err
		}
		m.Entities = entities
		for _, e := range entities {
			m.EntitiesHashes = append(m.EntitiesHashes, e.Hash)
		}
	}
	return m, nil
}
