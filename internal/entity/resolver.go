package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/systemshift/evees/internal/logging"
)

// Resolver is a read/write-through cache over one or more entity remotes.
//
// Entities hashed with put=true (or added with PutEntity) stay in the cache
// as new until MarkPersisted is called; persisting is the job of whoever
// sends them upstream inside a mutation.
type Resolver struct {
	mu      sync.RWMutex
	cache   map[string]Entity
	fresh   map[string]struct{}
	refs    map[string]int
	remotes map[string]Remote
	cfg     CidConfig
	logger  *logrus.Entry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultCidConfig sets the config used to hash objects for remotes that
// are not registered.
func WithDefaultCidConfig(cfg CidConfig) ResolverOption {
	return func(r *Resolver) { r.cfg = cfg }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *logrus.Entry) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates an empty Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:   make(map[string]Entity),
		fresh:   make(map[string]struct{}),
		refs:    make(map[string]int),
		remotes: make(map[string]Remote),
		cfg:     DefaultCidConfig,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	return r
}

// AddRemote registers an entity remote under a remote id.
func (r *Resolver) AddRemote(id string, remote Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[id] = remote
}

// Remote returns the entity remote registered under id.
func (r *Resolver) Remote(id string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.remotes[id]
	return rm, ok
}

// GetEntity resolves a single hash.
func (r *Resolver) GetEntity(ctx context.Context, hash string) (Entity, error) {
	entities, err := r.GetEntities(ctx, []string{hash})
	if err != nil {
		return Entity{}, err
	}
	return entities[0], nil
}

// TryGetEntity is GetEntity returning nil instead of ErrNotFound.
func (r *Resolver) TryGetEntity(ctx context.Context, hash string) (*Entity, error) {
	e, err := r.GetEntity(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// GetEntities resolves hashes in order. Cached entities are served directly;
// the rest are requested from all remotes at once.
func (r *Resolver) GetEntities(ctx context.Context, hashes []string) ([]Entity, error) {
	var missing []string
	seen := make(map[string]bool)

	r.mu.RLock()
	for _, h := range hashes {
		if _, ok := r.cache[h]; !ok && !seen[h] {
			missing = append(missing, h)
			seen[h] = true
		}
	}
	r.mu.RUnlock()

	if len(missing) > 0 {
		found, err := r.fetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		var absent []string
		for _, h := range missing {
			if _, ok := found[h]; !ok {
				absent = append(absent, h)
			}
		}
		if len(absent) > 0 {
			return nil, notFound(absent...)
		}
		r.mu.Lock()
		for h, e := range found {
			r.cache[h] = e
		}
		r.mu.Unlock()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, len(hashes))
	for i, h := range hashes {
		e, ok := r.cache[h]
		if !ok {
			// evicted concurrently by Remove
			return nil, notFound(h)
		}
		out[i] = e
	}
	return out, nil
}

type remoteAnswer struct {
	id       string
	entities []Entity
	err      error
}

// fetch races every remote. The first remote that holds all requested hashes
// wins and the others are cancelled. A failing remote counts as not holding
// anything.
func (r *Resolver) fetch(parent context.Context, hashes []string) (map[string]Entity, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.remotes))
	for id := range r.remotes {
		ids = append(ids, id)
	}
	remotes := make(map[string]Remote, len(r.remotes))
	for id, rm := range r.remotes {
		remotes[id] = rm
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	found := make(map[string]Entity)
	if len(ids) == 0 {
		return found, nil
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	answers := make(chan remoteAnswer, len(ids))
	var wg conc.WaitGroup
	for _, id := range ids {
		rm := remotes[id]
		wg.Go(func() {
			entities, err := rm.GetEntities(ctx, hashes)
			answers <- remoteAnswer{id: id, entities: entities, err: err}
		})
	}

	wanted := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		wanted[h] = true
	}

	for range ids {
		a := <-answers
		if a.err != nil {
			r.logger.WithFields(logrus.Fields{
				"remote": a.id,
				"hashes": len(hashes),
			}).WithError(a.err).Warn("remote lookup failed")
			continue
		}
		own := 0
		for _, e := range a.entities {
			if !wanted[e.Hash] {
				continue
			}
			if e.Remote == "" {
				e.Remote = a.id
			}
			found[e.Hash] = e
			own++
		}
		if own == len(hashes) || len(found) == len(hashes) {
			break
		}
	}
	cancel()
	wg.Wait()

	if err := parent.Err(); err != nil && len(found) < len(hashes) {
		return nil, err
	}
	return found, nil
}

// HashObject canonicalizes object and hashes it with the remote's hashing
// configuration. When put is set the entity is cached as new (unpersisted).
func (r *Resolver) HashObject(ctx context.Context, object interface{}, remote string, put bool) (Entity, error) {
	data, err := Canonical(object)
	if err != nil {
		return Entity{}, fmt.Errorf("canonicalize: %w", err)
	}

	var hash string
	if rm, ok := r.Remote(remote); ok {
		hashes, err := rm.HashObjects(ctx, []interface{}{json.RawMessage(data)})
		if err != nil {
			return Entity{}, fmt.Errorf("hash on %s: %w", remote, err)
		}
		if len(hashes) != 1 {
			return Entity{}, fmt.Errorf("hash on %s: got %d hashes", remote, len(hashes))
		}
		hash = hashes[0]
	} else {
		hash, err = HashBytes(data, r.cfg)
		if err != nil {
			return Entity{}, err
		}
	}

	e := Entity{Hash: hash, Object: data, Remote: remote}
	if put {
		r.PutEntity(e)
	}
	return e, nil
}

// PutEntity caches e and marks it as new. It is not persisted anywhere.
func (r *Resolver) PutEntity(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[e.Hash]; ok {
		if _, isNew := r.fresh[e.Hash]; !isNew {
			return
		}
	}
	r.cache[e.Hash] = e
	r.fresh[e.Hash] = struct{}{}
}

// CacheEntities caches entities known to be persisted already.
func (r *Resolver) CacheEntities(entities ...Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		if _, ok := r.cache[e.Hash]; ok {
			continue
		}
		r.cache[e.Hash] = e
	}
}

// IsNew reports whether hash was put but not yet persisted.
func (r *Resolver) IsNew(hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fresh[hash]
	return ok
}

// MarkPersisted clears the new flag of hashes.
func (r *Resolver) MarkPersisted(hashes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		delete(r.fresh, h)
	}
}

// Retain records a local reference to hash. Referenced entities cannot be
// removed.
func (r *Resolver) Retain(hashes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		r.refs[h]++
	}
}

// Release drops a reference taken with Retain.
func (r *Resolver) Release(hashes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if r.refs[h] <= 1 {
			delete(r.refs, h)
			continue
		}
		r.refs[h]--
	}
}

// Remove garbage-collects hash from the cache and from the remote that owns
// it. It is advisory: a hash still retained locally is rejected.
func (r *Resolver) Remove(ctx context.Context, hash string) error {
	r.mu.Lock()
	if r.refs[hash] > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s (%d refs)", ErrEntityReferenced, hash, r.refs[hash])
	}
	e, cached := r.cache[hash]
	delete(r.cache, hash)
	delete(r.fresh, hash)
	rm, hasRemote := r.remotes[e.Remote]
	r.mu.Unlock()

	if !cached || !hasRemote {
		return nil
	}
	if err := rm.RemoveEntities(ctx, []string{hash}); err != nil {
		return fmt.Errorf("remove %s from %s: %w", hash, e.Remote, err)
	}
	return nil
}
