package ipfs

import (
	"context"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/logging"
)

var codecNames = map[uint64]string{
	gocid.Raw:         "raw",
	gocid.DagProtobuf: "dag-pb",
	gocid.DagCBOR:     "dag-cbor",
	gocid.DagJSON:     "dag-json",
}

// Remote is an entity.Remote over a Kubo daemon. Entities are stored as
// blocks whose CID is the entity hash.
type Remote struct {
	kubo   *KuboClient
	cfg    entity.CidConfig
	pin    bool
	logger *logrus.Entry
}

type Option func(*Remote)

func WithCidConfig(cfg entity.CidConfig) Option {
	return func(r *Remote) { r.cfg = cfg }
}

// WithPin pins every stored block.
func WithPin(pin bool) Option {
	return func(r *Remote) { r.pin = pin }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(r *Remote) { r.logger = logger }
}

func NewRemote(kubo *KuboClient, opts ...Option) *Remote {
	r := &Remote{kubo: kubo, cfg: entity.DefaultCidConfig, logger: logging.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "ipfs")
	return r
}

func (r *Remote) HashObjects(ctx context.Context, objects []interface{}) ([]string, error) {
	hashes := make([]string, len(objects))
	for i, o := range objects {
		h, err := entity.Hash(o, r.cfg)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// PersistEntities puts each entity as a block with the codec and hash
// function of its own CID and checks the daemon agrees on the CID.
func (r *Remote) PersistEntities(ctx context.Context, entities []entity.Entity) error {
	for _, e := range entities {
		c, err := entity.ParseHash(e.Hash)
		if err != nil {
			return err
		}
		prefix := c.Prefix()
		codec, ok := codecNames[prefix.Codec]
		if !ok {
			return fmt.Errorf("ipfs: unsupported codec 0x%x for %s", prefix.Codec, e.Hash)
		}
		mhType, ok := multihash.Codes[prefix.MhType]
		if !ok {
			return fmt.Errorf("ipfs: unsupported hash 0x%x for %s", prefix.MhType, e.Hash)
		}
		key, err := r.kubo.BlockPut(ctx, e.Object, codec, mhType, r.pin)
		if err != nil {
			return err
		}
		got, err := gocid.Decode(key)
		if err != nil {
			return fmt.Errorf("ipfs: daemon returned bad cid %q: %w", key, err)
		}
		if !got.Equals(c) {
			return fmt.Errorf("ipfs: stored %s as %s", e.Hash, key)
		}
		r.logger.WithField("cid", key).Debug("block stored")
	}
	return nil
}

// GetEntities returns the blocks the daemon holds locally, skipping missing
// ones.
func (r *Remote) GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, h := range hashes {
		data, err := r.kubo.BlockGet(ctx, h)
		if err != nil {
			if errors.Is(err, ErrBlockNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, entity.Entity{Hash: h, Object: data})
	}
	return out, nil
}

func (r *Remote) RemoveEntities(ctx context.Context, hashes []string) error {
	var errs []error
	for _, h := range hashes {
		if err := r.kubo.BlockRm(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
