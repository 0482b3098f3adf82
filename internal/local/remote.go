// Package local implements a ClientRemote that keeps perspectives, entities
// and a search index on local disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/identity"
	"github.com/systemshift/evees/internal/pattern"
	"github.com/systemshift/evees/internal/store"
)

// Remote is a disk-backed evees.ClientRemote. A perspective can be updated by
// its creator, or by anyone who can update its guardian.
//
// Layout under dir:
//
//	objects/      zstd-compressed entities, one file per CID
//	refs/         perspective details as JSON
//	heads.jsonl   journal of head changes
type Remote struct {
	id       string
	dir      string
	opts     options
	logger   *logrus.Entry
	resolver *entity.Resolver
	patterns *pattern.Registry
	objects  *store.ObjectStore
	entities entity.Remote
	refs     *store.Refs
	index    *store.SearchIndex
	events   *evees.Events

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	identity  *identity.Identity
}

// Open opens or creates the remote id stored in dir and registers its
// entity remote in resolver.
func Open(dir, id string, resolver *entity.Resolver, opts ...Option) (*Remote, error) {
	o := buildOptions(opts)
	objects, err := store.NewObjectStore(filepath.Join(dir, "objects"), o.cfg)
	if err != nil {
		return nil, err
	}
	refs, err := store.NewRefs(filepath.Join(dir, "refs"), filepath.Join(dir, "heads.jsonl"))
	if err != nil {
		objects.Close()
		return nil, err
	}
	r := &Remote{
		id:        id,
		dir:       dir,
		opts:      o,
		logger:    o.logger.WithField("remote", id),
		resolver:  resolver,
		patterns:  o.patterns,
		objects:   objects,
		entities:  objects,
		refs:      refs,
		index:     store.NewSearchIndex(),
		events:    evees.NewEvents(),
		connected: true,
		identity:  o.identity,
	}
	if o.mirror != nil {
		r.entities = &mirrored{objects: objects, mirror: o.mirror, logger: r.logger}
	}
	resolver.AddRemote(id, r.entities)

	if err := r.reindex(context.Background()); err != nil {
		objects.Close()
		return nil, err
	}
	return r, nil
}

// reindex rebuilds the search index from the stored refs.
func (r *Remote) reindex(ctx context.Context) error {
	ids, err := r.refs.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := evees.ResolvePerspective(ctx, r.resolver, id)
		if err != nil {
			r.logger.WithError(err).WithField("perspective", id).Warn("skipping perspective without entity")
			continue
		}
		r.index.AddPerspective(id, p.Object.Payload.Context)
		d, err := r.refs.Get(id)
		if err != nil {
			return err
		}
		r.indexHead(ctx, id, d.HeadID)
	}
	r.logger.WithField("perspectives", len(ids)).Debug("search index rebuilt")
	return nil
}

// indexHead indexes the text and children of the data behind head.
func (r *Remote) indexHead(ctx context.Context, id, head string) {
	if head == "" {
		r.index.IndexHead(id, "", nil)
		return
	}
	_, data, err := evees.ResolveHead(ctx, r.resolver, head)
	if err != nil {
		r.logger.WithError(err).WithField("perspective", id).Warn("cannot index head")
		return
	}
	b, err := r.patterns.For(data.Object)
	if err != nil {
		r.index.IndexHead(id, "", nil)
		return
	}
	children, err := b.Children(data.Object)
	if err != nil {
		r.logger.WithError(err).WithField("perspective", id).Warn("cannot read children")
	}
	r.index.IndexHead(id, b.Text(data.Object), children)
}

func (r *Remote) Close() {
	r.objects.Close()
}

func (r *Remote) ID() string          { return r.id }
func (r *Remote) DefaultPath() string { return r.dir }

func (r *Remote) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	return nil
}

func (r *Remote) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Remote) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	return nil
}

func (r *Remote) IsLogged() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity != nil
}

// Login loads the identity perspectives and commits are signed with.
func (r *Remote) Login(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity != nil {
		return nil
	}
	id := r.opts.identity
	if id == nil {
		var err error
		if id, err = identity.Load(r.opts.identityPath); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	r.identity = id
	r.logger.WithField("user", id.DID).Info("logged in")
	return nil
}

func (r *Remote) Logout(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = nil
	return nil
}

// UserID is the did:key of the logged identity, empty when anonymous.
func (r *Remote) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return ""
	}
	return r.identity.DID
}

// Sign implements entity.Signer; it leaves the proof empty when anonymous.
func (r *Remote) Sign(payload []byte) (entity.Proof, error) {
	r.mu.RLock()
	id := r.identity
	r.mu.RUnlock()
	if id == nil {
		return entity.Proof{}, nil
	}
	return id.Sign(payload)
}

func (r *Remote) SnapPerspective(ctx context.Context, p evees.Perspective) (entity.Secured[evees.Perspective], error) {
	if p.CreatorID == "" {
		p.CreatorID = r.UserID()
	}
	p.Remote = r.id
	if p.Path == "" {
		p.Path = r.DefaultPath()
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	if p.Context == "" {
		p.Context = uuid.NewString()
	}
	var signer entity.Signer
	if r.IsLogged() {
		signer = r
	}
	return entity.DeriveSecured(p, r.id, r.opts.cfg, signer)
}

func (r *Remote) AccessControl() evees.AccessControl           { return r }
func (r *Remote) EntityRemote() entity.Remote                  { return r.entities }
func (r *Remote) Events() *evees.Events                        { return r.events }
func (r *Remote) SearchEngine() evees.SearchEngine             { return r.index }
func (r *Remote) Ready(context.Context) error                  { return nil }
func (r *Remote) Clear(context.Context, *evees.Mutation) error { return nil }

// History returns the journaled heads of a perspective, oldest first.
func (r *Remote) History(perspectiveID string) ([]store.HeadChange, error) {
	return r.refs.History(perspectiveID)
}

// Diff is always empty: writes are durable once Update returns.
func (r *Remote) Diff(context.Context, *evees.DiffOptions) (*evees.Mutation, error) {
	return &evees.Mutation{}, nil
}

func (r *Remote) Flush(context.Context, *evees.FlushOptions) error { return nil }

// CanUpdate walks from perspectiveID up its guardians until a perspective
// created by userID is found. Perspectives without creator are open.
func (r *Remote) CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error) {
	seen := make(map[string]bool)
	id := perspectiveID
	for id != "" && !seen[id] {
		seen[id] = true
		p, err := evees.ResolvePerspective(ctx, r.resolver, id)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if creator := p.Object.Payload.CreatorID; creator == "" || creator == userID {
			return true, nil
		}
		d, err := r.refs.Get(id)
		if err != nil {
			if errors.Is(err, evees.ErrPerspectiveNotFound) {
				return false, nil
			}
			return false, err
		}
		id = d.GuardianID
	}
	return false, nil
}

func (r *Remote) details(ctx context.Context, perspectiveID string) (evees.Details, error) {
	d, err := r.refs.Get(perspectiveID)
	if err != nil {
		return d, err
	}
	can, err := r.CanUpdate(ctx, perspectiveID, r.UserID())
	if err != nil {
		return d, err
	}
	d.CanUpdate = &can
	return d, nil
}

func (r *Remote) GetPerspective(ctx context.Context, perspectiveID string, opts *evees.GetPerspectiveOptions) (*evees.PerspectiveResult, error) {
	d, err := r.details(ctx, perspectiveID)
	if err != nil {
		return nil, err
	}
	slice, err := evees.BuildSlice(ctx, r.resolver, r.patterns, perspectiveID, d, opts, r.details)
	if err != nil {
		return nil, err
	}
	return &evees.PerspectiveResult{Details: d, Slice: slice}, nil
}

func (r *Remote) Explore(ctx context.Context, opts *evees.SearchOptions) (*evees.SearchResult, error) {
	return r.index.Explore(ctx, opts)
}

func (r *Remote) NewPerspective(ctx context.Context, np evees.NewPerspective) error {
	pe, err := np.Perspective.Entity()
	if err != nil {
		return err
	}
	return r.Update(ctx, &evees.Mutation{NewPerspectives: []evees.NewPerspective{np}, Entities: []entity.Entity{pe}})
}

func (r *Remote) UpdatePerspective(ctx context.Context, update evees.Update) error {
	return r.Update(ctx, &evees.Mutation{Updates: []evees.Update{update}})
}

func (r *Remote) DeletePerspective(ctx context.Context, perspectiveID string) error {
	return r.Update(ctx, &evees.Mutation{DeletedPerspectives: []string{perspectiveID}})
}
