// Package store keeps entities, perspective heads, the search index and the
// write buffer on local disk.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multibase"
	"github.com/systemshift/evees/internal/entity"
)

var ErrHashMismatch = errors.New("store: object does not match its hash")

// ObjectStore keeps canonical entity objects on disk, one zstd frame per
// file named by the base32 form of its CID. It is an entity.Remote.
type ObjectStore struct {
	dir string
	cfg entity.CidConfig
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewObjectStore(dir string, cfg entity.CidConfig) (*ObjectStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ObjectStore{dir: dir, cfg: cfg, enc: enc, dec: dec}, nil
}

func (s *ObjectStore) Close() {
	s.enc.Close()
	s.dec.Close()
}

// CidFilename returns the filename of a hash: its CID in base32, so that
// the same CID written in any base maps to one file.
func CidFilename(hash string) (string, error) {
	c, err := entity.ParseHash(hash)
	if err != nil {
		return "", err
	}
	return multibase.Encode(multibase.Base32, c.Bytes())
}

func (s *ObjectStore) path(hash string) (string, error) {
	name, err := CidFilename(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Put stores canonical bytes and returns their hash. Storing an existing
// object is a no-op.
func (s *ObjectStore) Put(data []byte) (string, error) {
	hash, err := entity.HashBytes(data, s.cfg)
	if err != nil {
		return "", err
	}
	return hash, s.write(hash, data)
}

func (s *ObjectStore) write(hash string, data []byte) error {
	path, err := s.path(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	err = writeAtomic(path, 0644, func(w io.Writer) error {
		_, err := w.Write(s.enc.EncodeAll(data, nil))
		return err
	})
	if err != nil {
		return fmt.Errorf("write object %s: %w", hash, err)
	}
	return nil
}

// Get reads the canonical bytes of hash.
func (s *ObjectStore) Get(hash string) ([]byte, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", hash, entity.ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s: %w", hash, err)
	}
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", hash, err)
	}
	return data, nil
}

func (s *ObjectStore) Has(hash string) bool {
	path, err := s.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Count returns the number of stored objects.
func (s *ObjectStore) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && e.Name()[0] != '.' {
			n++
		}
	}
	return n, nil
}

func (s *ObjectStore) HashObjects(ctx context.Context, objects []interface{}) ([]string, error) {
	hashes := make([]string, len(objects))
	for i, o := range objects {
		h, err := entity.Hash(o, s.cfg)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// PersistEntities stores entities after checking each object against the
// CID it claims.
func (s *ObjectStore) PersistEntities(ctx context.Context, entities []entity.Entity) error {
	for _, e := range entities {
		c, err := entity.ParseHash(e.Hash)
		if err != nil {
			return err
		}
		sum, err := c.Prefix().Sum(e.Object)
		if err != nil {
			return fmt.Errorf("hash %s: %w", e.Hash, err)
		}
		if !sum.Equals(c) {
			return fmt.Errorf("%w: %s", ErrHashMismatch, e.Hash)
		}
		if err := s.write(e.Hash, e.Object); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.Get(h)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, entity.Entity{Hash: h, Object: data})
	}
	return out, nil
}

func (s *ObjectStore) RemoveEntities(ctx context.Context, hashes []string) error {
	var errs []error
	for _, h := range hashes {
		path, err := s.path(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove object %s: %w", h, err))
		}
	}
	return errors.Join(errs...)
}

// sortedKeys returns the keys of a set in order.
func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
