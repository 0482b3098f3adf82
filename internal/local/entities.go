package local

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/store"
)

// mirrored writes through to the object store and a secondary remote. The
// object store is authoritative; mirror failures are logged.
type mirrored struct {
	objects *store.ObjectStore
	mirror  entity.Remote
	logger  *logrus.Entry
}

func (m *mirrored) HashObjects(ctx context.Context, objects []interface{}) ([]string, error) {
	return m.objects.HashObjects(ctx, objects)
}

func (m *mirrored) PersistEntities(ctx context.Context, entities []entity.Entity) error {
	if err := m.objects.PersistEntities(ctx, entities); err != nil {
		return err
	}
	if err := m.mirror.PersistEntities(ctx, entities); err != nil {
		m.logger.WithError(err).WithField("entities", len(entities)).Warn("mirror persist failed")
	}
	return nil
}

// GetEntities reads locally, then asks the mirror for what is missing and
// keeps a local copy of it.
func (m *mirrored) GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	found, err := m.objects.GetEntities(ctx, hashes)
	if err != nil {
		return nil, err
	}
	if len(found) == len(hashes) {
		return found, nil
	}
	have := make(map[string]bool, len(found))
	for _, e := range found {
		have[e.Hash] = true
	}
	var missing []string
	for _, h := range hashes {
		if !have[h] {
			missing = append(missing, h)
		}
	}
	fetched, err := m.mirror.GetEntities(ctx, missing)
	if err != nil {
		m.logger.WithError(err).WithField("missing", len(missing)).Warn("mirror get failed")
		return found, nil
	}
	if len(fetched) > 0 {
		if err := m.objects.PersistEntities(ctx, fetched); err != nil {
			return nil, err
		}
	}
	return append(found, fetched...), nil
}

func (m *mirrored) RemoveEntities(ctx context.Context, hashes []string) error {
	return errors.Join(
		m.objects.RemoveEntities(ctx, hashes),
		m.mirror.RemoveEntities(ctx, hashes),
	)
}
