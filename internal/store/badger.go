package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/ugorji/go/codec"
)

var (
	prefixNew     = []byte("np/")
	prefixUpdate  = []byte("up/")
	prefixDeleted = []byte("del/")
	prefixEntity  = []byte("ent/")
)

type deletion struct {
	ID          string   `codec:"id"`
	OnEcosystem []string `codec:"onEcosystem"`
}

// BadgerMutationStore persists the delta of a BufferedClient in badger so
// that unflushed work survives a restart. Records are msgpack encoded.
type BadgerMutationStore struct {
	db     *badger.DB
	handle *codec.MsgpackHandle
	logger *logrus.Entry
}

// OpenBadgerMutationStore opens the store in dir; an empty dir keeps it in
// memory.
func OpenBadgerMutationStore(dir string, logger *logrus.Entry) (*BadgerMutationStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(logger.WithField("component", "badger"))
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open mutation store: %w", err)
	}
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return &BadgerMutationStore{db: db, handle: h, logger: logger}, nil
}

func (s *BadgerMutationStore) Close() error {
	return s.db.Close()
}

func (s *BadgerMutationStore) encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, s.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf, nil
}

func (s *BadgerMutationStore) decode(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, s.handle).Decode(v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func key(prefix []byte, id string) []byte {
	return append(append([]byte{}, prefix...), id...)
}

// updateKey orders updates by timestamp, then by a ULID minted at insertion.
func updateKey(timestamp int64) []byte {
	k := make([]byte, len(prefixUpdate)+8, len(prefixUpdate)+8+16)
	copy(k, prefixUpdate)
	binary.BigEndian.PutUint64(k[len(prefixUpdate):], uint64(timestamp)^(1<<63))
	id := ulid.Make()
	return append(k, id[:]...)
}

func (s *BadgerMutationStore) put(k []byte, v interface{}) error {
	data, err := s.encode(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, data)
	})
}

// scan decodes every value under prefix in key order.
func (s *BadgerMutationStore) scan(prefix []byte, each func(k []byte, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return each(item.KeyCopy(nil), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerMutationStore) NewPerspective(ctx context.Context, np evees.NewPerspective) error {
	return s.put(key(prefixNew, np.Perspective.Hash), np)
}

func (s *BadgerMutationStore) AddUpdate(ctx context.Context, update evees.Update, timestamp int64) error {
	return s.put(updateKey(timestamp), update)
}

func (s *BadgerMutationStore) DeletedPerspective(ctx context.Context, perspectiveID string, onEcosystem []string) error {
	return s.put(key(prefixDeleted, perspectiveID), deletion{ID: perspectiveID, OnEcosystem: onEcosystem})
}

func (s *BadgerMutationStore) AddEntities(ctx context.Context, entities []entity.Entity) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entities {
		data, err := s.encode(e)
		if err != nil {
			return err
		}
		if err := wb.Set(key(prefixEntity, e.Hash), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func updateEcosystem(u evees.Update) []string {
	if u.IndexData == nil {
		return nil
	}
	return u.IndexData.OnEcosystem
}

func (s *BadgerMutationStore) GetNewPerspectives(ctx context.Context, filter *evees.MutationFilter) ([]evees.NewPerspective, error) {
	var out []evees.NewPerspective
	err := s.scan(prefixNew, func(_ []byte, val []byte) error {
		var np evees.NewPerspective
		if err := s.decode(val, &np); err != nil {
			return err
		}
		if filter.Matches(np.Perspective.Hash, updateEcosystem(np.Update)) {
			out = append(out, np)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMutationStore) GetUpdates(ctx context.Context, filter *evees.MutationFilter) ([]evees.Update, error) {
	var out []evees.Update
	err := s.scan(prefixUpdate, func(_ []byte, val []byte) error {
		var u evees.Update
		if err := s.decode(val, &u); err != nil {
			return err
		}
		if filter.Matches(u.PerspectiveID, updateEcosystem(u)) {
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMutationStore) GetDeletedPerspectives(ctx context.Context, filter *evees.MutationFilter) ([]string, error) {
	var out []string
	err := s.scan(prefixDeleted, func(_ []byte, val []byte) error {
		var d deletion
		if err := s.decode(val, &d); err != nil {
			return err
		}
		if filter.Matches(d.ID, d.OnEcosystem) {
			out = append(out, d.ID)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMutationStore) GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	if hashes == nil {
		var out []entity.Entity
		err := s.scan(prefixEntity, func(_ []byte, val []byte) error {
			var e entity.Entity
			if err := s.decode(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
		return out, err
	}
	var out []entity.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		for _, h := range hashes {
			item, err := txn.Get(key(prefixEntity, h))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var e entity.Entity
			if err := item.Value(func(val []byte) error {
				return s.decode(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMutationStore) Diff(ctx context.Context, filter *evees.MutationFilter) (*evees.Mutation, error) {
	return evees.DiffStore(ctx, s, filter)
}

// Clear removes elements; nil drops every prefix. Each update in elements
// removes one stored update equal to it.
func (s *BadgerMutationStore) Clear(ctx context.Context, elements *evees.Mutation) error {
	if elements == nil {
		return s.db.DropPrefix(prefixNew, prefixUpdate, prefixDeleted, prefixEntity)
	}

	var drop [][]byte
	pending := append([]evees.Update{}, elements.Updates...)
	if len(pending) > 0 {
		err := s.scan(prefixUpdate, func(k []byte, val []byte) error {
			var u evees.Update
			if err := s.decode(val, &u); err != nil {
				return err
			}
			for i, p := range pending {
				if entity.Equal(u, p) {
					drop = append(drop, k)
					pending = append(pending[:i], pending[i+1:]...)
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for _, np := range elements.NewPerspectives {
		drop = append(drop, key(prefixNew, np.Perspective.Hash))
	}
	for _, id := range elements.DeletedPerspectives {
		drop = append(drop, key(prefixDeleted, id))
	}
	for _, h := range elements.EntitiesHashes {
		drop = append(drop, key(prefixEntity, h))
	}
	for _, e := range elements.Entities {
		drop = append(drop, key(prefixEntity, e.Hash))
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range drop {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	if len(pending) > 0 {
		s.logger.WithField("missing", len(pending)).Debug("cleared updates not found in store")
	}
	return nil
}

var _ evees.MutationStore = (*BadgerMutationStore)(nil)
