package evees

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/systemshift/evees/internal/entity"
)

// Router sits over a set of remotes. Writes are split per owning remote and
// dispatched in parallel; reads go to the remote owning the perspective;
// searches fan out to every remote.
type Router struct {
	resolver *entity.Resolver
	logger   *logrus.Entry
	events   *Events

	mu      sync.RWMutex
	remotes map[string]ClientRemote
	order   []string
	unsubs  []func()
}

func NewRouter(resolver *entity.Resolver, remotes []ClientRemote, opts ...Option) *Router {
	o := buildOptions(opts)
	r := &Router{
		resolver: resolver,
		logger:   o.logger.WithField("layer", "router"),
		events:   NewEvents(),
		remotes:  make(map[string]ClientRemote),
	}
	for _, rm := range remotes {
		r.AddRemote(rm)
	}
	return r
}

// AddRemote registers a remote and its entity remote in the resolver.
func (r *Router) AddRemote(remote ClientRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := remote.ID()
	if _, exists := r.remotes[id]; !exists {
		r.order = append(r.order, id)
	}
	r.remotes[id] = remote
	if er := remote.EntityRemote(); er != nil {
		r.resolver.AddRemote(id, er)
	}
	r.unsubs = append(r.unsubs, remote.Events().Subscribe(func(ev Event) {
		r.events.Emit(ev.Kind, ev.PerspectiveIDs)
	}))
}

// Remote returns the remote registered under id.
func (r *Router) Remote(id string) (ClientRemote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.remotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, id)
	}
	return rm, nil
}

// Remotes returns the remotes in registration order.
func (r *Router) Remotes() []ClientRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientRemote, len(r.order))
	for i, id := range r.order {
		out[i] = r.remotes[id]
	}
	return out
}

// Close detaches from remote events.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// PerspectiveRemote returns the remote owning perspectiveID.
func (r *Router) PerspectiveRemote(ctx context.Context, perspectiveID string) (ClientRemote, error) {
	p, err := ResolvePerspective(ctx, r.resolver, perspectiveID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, perspectiveNotFound(perspectiveID)
		}
		return nil, err
	}
	return r.Remote(p.Object.Payload.Remote)
}

func (r *Router) Events() *Events { return r.events }

func (r *Router) SearchEngine() SearchEngine { return r }

func (r *Router) GetPerspective(ctx context.Context, perspectiveID string, opts *GetPerspectiveOptions) (*PerspectiveResult, error) {
	rm, err := r.PerspectiveRemote(ctx, perspectiveID)
	if err != nil {
		return nil, err
	}
	res, err := rm.GetPerspective(ctx, perspectiveID, opts)
	if err != nil {
		return nil, err
	}
	// Slice entities come from a remote, so they are persisted.
	if res.Slice != nil && len(res.Slice.Entities) > 0 {
		r.resolver.CacheEntities(res.Slice.Entities...)
	}
	return res, nil
}

func (r *Router) CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error) {
	rm, err := r.PerspectiveRemote(ctx, perspectiveID)
	if err != nil {
		return false, err
	}
	if userID == "" {
		userID = rm.UserID()
	}
	return rm.CanUpdate(ctx, perspectiveID, userID)
}

// split partitions a mutation by owning remote.
func (r *Router) split(ctx context.Context, m *Mutation) (map[string]*Mutation, error) {
	parts := make(map[string]*Mutation)
	part := func(remote string) (*Mutation, error) {
		if _, err := r.Remote(remote); err != nil {
			return nil, err
		}
		p, ok := parts[remote]
		if !ok {
			p = &Mutation{}
			parts[remote] = p
		}
		return p, nil
	}
	created := make(map[string]string, len(m.NewPerspectives))
	for _, np := range m.NewPerspectives {
		created[np.Perspective.Hash] = np.Perspective.Object.Payload.Remote
	}
	owner := func(perspectiveID string) (string, error) {
		if remote, ok := created[perspectiveID]; ok {
			return remote, nil
		}
		p, err := ResolvePerspective(ctx, r.resolver, perspectiveID)
		if err != nil {
			return "", fmt.Errorf("route %s: %w", perspectiveID, err)
		}
		return p.Object.Payload.Remote, nil
	}

	for _, np := range m.NewPerspectives {
		p, err := part(np.Perspective.Object.Payload.Remote)
		if err != nil {
			return nil, err
		}
		p.NewPerspectives = append(p.NewPerspectives, np)
	}
	for _, u := range m.Updates {
		remote, err := owner(u.PerspectiveID)
		if err != nil {
			return nil, err
		}
		p, err := part(remote)
		if err != nil {
			return nil, err
		}
		p.Updates = append(p.Updates, u)
	}
	for _, id := range m.DeletedPerspectives {
		remote, err := owner(id)
		if err != nil {
			return nil, err
		}
		p, err := part(remote)
		if err != nil {
			return nil, err
		}
		p.DeletedPerspectives = append(p.DeletedPerspectives, id)
	}

	entities := append([]entity.Entity{}, m.Entities...)
	if len(m.EntitiesHashes) > 0 {
		have := make(map[string]bool, len(entities))
		for _, e := range entities {
			have[e.Hash] = true
		}
		var missing []string
		for _, h := range m.EntitiesHashes {
			if !have[h] {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			resolved, err := r.resolver.GetEntities(ctx, missing)
			if err != nil {
				return nil, err
			}
			entities = append(entities, resolved...)
		}
	}
	for _, e := range entities {
		if _, err := r.Remote(e.Remote); err != nil {
			// Entities hashed without a known remote travel with every part.
			r.logger.WithField("entity", e.Hash).Debug("entity without a known remote")
			for _, p := range parts {
				p.Entities = append(p.Entities, e)
			}
			continue
		}
		p, _ := part(e.Remote)
		p.Entities = append(p.Entities, e)
	}
	return parts, nil
}

func (r *Router) Update(ctx context.Context, mutation *Mutation) error {
	if mutation.Empty() {
		return nil
	}
	parts, err := r.split(ctx, mutation)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p := pool.New().WithContext(ctx)
	for _, id := range ids {
		part := parts[id]
		rm, err := r.Remote(id)
		if err != nil {
			return err
		}
		p.Go(func(ctx context.Context) error {
			r.logger.WithFields(logrus.Fields{
				"remote":   id,
				"updates":  len(part.Updates),
				"new":      len(part.NewPerspectives),
				"entities": len(part.Entities),
			}).Debug("dispatching mutation")
			if err := rm.Update(ctx, part); err != nil {
				return fmt.Errorf("update remote %s: %w", id, err)
			}
			hashes := make([]string, len(part.Entities))
			for i, e := range part.Entities {
				hashes[i] = e.Hash
			}
			r.resolver.MarkPersisted(hashes...)
			return nil
		})
	}
	return p.Wait()
}

func (r *Router) NewPerspective(ctx context.Context, np NewPerspective) error {
	m, err := newPerspectiveMutation(np)
	if err != nil {
		return err
	}
	return r.Update(ctx, m)
}

func (r *Router) UpdatePerspective(ctx context.Context, update Update) error {
	return r.Update(ctx, updateMutation(update))
}

func (r *Router) DeletePerspective(ctx context.Context, perspectiveID string) error {
	return r.Update(ctx, deleteMutation(perspectiveID))
}

// Explore unions the results of every remote.
func (r *Router) Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	remotes := r.Remotes()
	results := make([]*SearchResult, len(remotes))

	p := pool.New().WithContext(ctx)
	for i, rm := range remotes {
		p.Go(func(ctx context.Context) error {
			all := *opts
			all.First, all.Offset = 0, 0
			res, err := rm.Explore(ctx, &all)
			if err != nil {
				return fmt.Errorf("explore %s: %w", rm.ID(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	merged := &SearchResult{Ended: true}
	for _, res := range results {
		merged.PerspectiveIDs = unionStrings(merged.PerspectiveIDs, res.PerspectiveIDs)
	}
	return Paginate(merged, opts), nil
}

// Locate unions the answers of every remote search engine.
func (r *Router) Locate(ctx context.Context, perspectiveID string, forks bool) ([]ParentAndChild, error) {
	remotes := r.Remotes()
	results := make([][]ParentAndChild, len(remotes))

	p := pool.New().WithContext(ctx)
	for i, rm := range remotes {
		engine := rm.SearchEngine()
		if engine == nil {
			continue
		}
		p.Go(func(ctx context.Context) error {
			located, err := engine.Locate(ctx, perspectiveID, forks)
			if err != nil {
				return fmt.Errorf("locate on %s: %w", rm.ID(), err)
			}
			results[i] = located
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var out []ParentAndChild
	seen := make(map[ParentAndChild]bool)
	for _, located := range results {
		for _, pc := range located {
			if !seen[pc] {
				seen[pc] = true
				out = append(out, pc)
			}
		}
	}
	return out, nil
}

// Diff unions the deltas buffered by the remotes, if any.
func (r *Router) Diff(ctx context.Context, opts *DiffOptions) (*Mutation, error) {
	out := &Mutation{}
	for _, rm := range r.Remotes() {
		m, err := rm.Diff(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", rm.ID(), err)
		}
		if m == nil {
			continue
		}
		out.NewPerspectives = append(out.NewPerspectives, m.NewPerspectives...)
		out.Updates = append(out.Updates, m.Updates...)
		out.DeletedPerspectives = append(out.DeletedPerspectives, m.DeletedPerspectives...)
		out.EntitiesHashes = append(out.EntitiesHashes, m.EntitiesHashes...)
		out.Entities = append(out.Entities, m.Entities...)
	}
	return out, nil
}

func (r *Router) Flush(ctx context.Context, opts *FlushOptions) error {
	if opts == nil || !opts.Recurse {
		return nil
	}
	p := pool.New().WithContext(ctx)
	for _, rm := range r.Remotes() {
		p.Go(func(ctx context.Context) error {
			return rm.Flush(ctx, opts)
		})
	}
	return p.Wait()
}

func (r *Router) Ready(ctx context.Context) error {
	var errs []error
	for _, rm := range r.Remotes() {
		if err := rm.Ready(ctx); err != nil {
			errs = append(errs, fmt.Errorf("remote %s: %w", rm.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Clear(ctx context.Context, elements *Mutation) error {
	var errs []error
	for _, rm := range r.Remotes() {
		if err := rm.Clear(ctx, elements); err != nil {
			errs = append(errs, fmt.Errorf("remote %s: %w", rm.ID(), err))
		}
	}
	return errors.Join(errs...)
}
