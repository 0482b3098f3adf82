package local

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/identity"
)

// verifyProof checks a signed perspective against its creator. Unsigned
// perspectives pass.
func verifyProof(p entity.Secured[evees.Perspective]) error {
	proof := p.Object.Proof
	if proof.Signature == "" {
		return nil
	}
	payload, err := entity.Canonical(p.Object.Payload)
	if err != nil {
		return err
	}
	ok, err := identity.Verify(p.Object.Payload.CreatorID, payload, proof)
	if err != nil || !ok {
		return fmt.Errorf("%w: bad proof on perspective %s", evees.ErrPermissionDenied, p.Hash)
	}
	return nil
}

// check validates a mutation before anything is written.
func (r *Remote) check(ctx context.Context, m *evees.Mutation) (map[string]bool, error) {
	created := make(map[string]bool, len(m.NewPerspectives))
	for _, np := range m.NewPerspectives {
		if remote := np.Perspective.Object.Payload.Remote; remote != r.id {
			return nil, fmt.Errorf("%w: perspective %s belongs to remote %q", evees.ErrConfiguration, np.Perspective.Hash, remote)
		}
		if err := verifyProof(np.Perspective); err != nil {
			return nil, err
		}
		created[np.Perspective.Hash] = true
	}

	user := r.UserID()
	allowed := func(id string) error {
		if created[id] {
			return nil
		}
		if !r.refs.Has(id) {
			return fmt.Errorf("%w: %s", evees.ErrPerspectiveNotFound, id)
		}
		ok, err := r.CanUpdate(ctx, id, user)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s cannot update %s", evees.ErrPermissionDenied, user, id)
		}
		return nil
	}
	for _, u := range m.Updates {
		if err := allowed(u.PerspectiveID); err != nil {
			return nil, err
		}
	}
	for _, id := range m.DeletedPerspectives {
		if !created[id] && !r.refs.Has(id) {
			continue
		}
		if err := allowed(id); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// apply merges change into the stored details of id. It reports whether
// anything changed.
func (r *Remote) apply(ctx context.Context, id string, change evees.Details) (bool, error) {
	d, err := r.refs.Get(id)
	if err != nil {
		return false, err
	}
	next := d
	if change.HeadID != "" {
		next.HeadID = change.HeadID
	}
	if change.GuardianID != "" {
		next.GuardianID = change.GuardianID
	}
	next.CanUpdate = nil
	if next.HeadID == d.HeadID && next.GuardianID == d.GuardianID {
		return false, nil
	}
	if err := r.refs.Set(id, next); err != nil {
		return false, err
	}
	if next.HeadID != d.HeadID {
		r.indexHead(ctx, id, next.HeadID)
	}
	return true, nil
}

// Update applies a mutation: entities are stored first, then new
// perspectives, updates and deletions. The whole mutation is checked for
// access before any of it is written.
func (r *Remote) Update(ctx context.Context, m *evees.Mutation) error {
	if m.Empty() {
		return nil
	}
	r.writeMu.Lock()
	changed, ecosystem, err := r.update(ctx, m)
	r.writeMu.Unlock()
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		r.events.Emit(evees.EventUpdated, changed)
	}
	if len(ecosystem) > 0 {
		r.events.Emit(evees.EventEcosystemUpdated, ecosystem)
	}
	return nil
}

func (r *Remote) update(ctx context.Context, m *evees.Mutation) ([]string, []string, error) {
	created, err := r.check(ctx, m)
	if err != nil {
		return nil, nil, err
	}

	entities := append([]entity.Entity{}, m.Entities...)
	for _, np := range m.NewPerspectives {
		pe, err := np.Perspective.Entity()
		if err != nil {
			return nil, nil, err
		}
		entities = append(entities, pe)
	}
	if err := r.entities.PersistEntities(ctx, entities); err != nil {
		return nil, nil, fmt.Errorf("persist entities: %w", err)
	}

	var changed []string
	touched := make(map[string]bool)
	ecosystem := make(map[string]bool)
	mark := func(id string, index *evees.IndexData) {
		if !touched[id] {
			touched[id] = true
			changed = append(changed, id)
		}
		if index != nil {
			for _, e := range index.OnEcosystem {
				ecosystem[e] = true
			}
		}
	}

	for _, np := range m.NewPerspectives {
		id := np.Perspective.Hash
		if !r.refs.Has(id) {
			if err := r.refs.Set(id, evees.Details{}); err != nil {
				return nil, nil, err
			}
			r.index.AddPerspective(id, np.Perspective.Object.Payload.Context)
			mark(id, np.Update.IndexData)
		}
		ok, err := r.apply(ctx, id, np.Update.Details)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			mark(id, np.Update.IndexData)
		}
	}
	for _, u := range m.Updates {
		ok, err := r.apply(ctx, u.PerspectiveID, u.Details)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			mark(u.PerspectiveID, u.IndexData)
		}
	}
	for _, id := range m.DeletedPerspectives {
		if !created[id] && !r.refs.Has(id) {
			continue
		}
		if err := r.refs.Delete(id); err != nil {
			return nil, nil, err
		}
		r.index.Remove(id)
		mark(id, nil)
	}

	var eco []string
	for id := range ecosystem {
		if !touched[id] {
			eco = append(eco, id)
		}
	}
	sort.Strings(eco)
	r.logger.WithFields(logrus.Fields{
		"new":      len(m.NewPerspectives),
		"updates":  len(m.Updates),
		"deleted":  len(m.DeletedPerspectives),
		"entities": len(entities),
		"changed":  len(changed),
	}).Debug("applied mutation")
	return changed, eco, nil
}
