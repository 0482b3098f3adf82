package evees

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/logging"
	"github.com/systemshift/evees/internal/pattern"
)

// testRemote is an in-memory ClientRemote.
type testRemote struct {
	id       string
	user     string
	entities *entity.MemoryRemote
	resolver *entity.Resolver
	patterns *pattern.Registry
	events   *Events

	mu      sync.Mutex
	details map[string]Details
	parents map[string][]string
	denied  map[string]bool
	updates int
	seq     int64
}

func newTestRemote(id string, resolver *entity.Resolver) *testRemote {
	return &testRemote{
		id:       id,
		user:     "did:key:test-" + id,
		entities: entity.NewMemoryRemote(entity.DefaultCidConfig),
		resolver: resolver,
		patterns: pattern.Default(),
		events:   NewEvents(),
		details:  make(map[string]Details),
		parents:  make(map[string][]string),
		denied:   make(map[string]bool),
	}
}

func (r *testRemote) ID() string                             { return r.id }
func (r *testRemote) DefaultPath() string                    { return "/" }
func (r *testRemote) Connect(context.Context) error          { return nil }
func (r *testRemote) IsConnected() bool                      { return true }
func (r *testRemote) Disconnect(context.Context) error       { return nil }
func (r *testRemote) IsLogged() bool                         { return true }
func (r *testRemote) Login(context.Context) error            { return nil }
func (r *testRemote) Logout(context.Context) error           { return nil }
func (r *testRemote) UserID() string                         { return r.user }
func (r *testRemote) AccessControl() AccessControl           { return r }
func (r *testRemote) EntityRemote() entity.Remote            { return r.entities }
func (r *testRemote) Events() *Events                        { return r.events }
func (r *testRemote) SearchEngine() SearchEngine             { return r }
func (r *testRemote) Ready(context.Context) error            { return nil }
func (r *testRemote) Clear(context.Context, *Mutation) error { return nil }

func (r *testRemote) Flush(context.Context, *FlushOptions) error { return nil }

func (r *testRemote) Diff(context.Context, *DiffOptions) (*Mutation, error) {
	return &Mutation{}, nil
}

func (r *testRemote) SnapPerspective(ctx context.Context, p Perspective) (entity.Secured[Perspective], error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()
	if p.CreatorID == "" {
		p.CreatorID = r.user
	}
	p.Remote = r.id
	if p.Path == "" {
		p.Path = r.DefaultPath()
	}
	if p.Timestamp == 0 {
		p.Timestamp = seq
	}
	if p.Context == "" {
		p.Context = fmt.Sprintf("%s-ctx-%d", r.id, seq)
	}
	return entity.DeriveSecured(p, r.id, entity.DefaultCidConfig, nil)
}

func (r *testRemote) head(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details[id].HeadID
}

func (r *testRemote) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func (r *testRemote) get(ctx context.Context, id string) (Details, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[id]
	if !ok {
		return Details{}, perspectiveNotFound(id)
	}
	d.CanUpdate = boolPtr(!r.denied[id])
	return d, nil
}

func (r *testRemote) GetPerspective(ctx context.Context, id string, opts *GetPerspectiveOptions) (*PerspectiveResult, error) {
	d, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	slice, err := BuildSlice(ctx, r.resolver, r.patterns, id, d, opts, r.get)
	if err != nil {
		return nil, err
	}
	return &PerspectiveResult{Details: d, Slice: slice}, nil
}

func (r *testRemote) Update(ctx context.Context, m *Mutation) error {
	if err := r.entities.PersistEntities(ctx, m.Entities); err != nil {
		return err
	}
	r.mu.Lock()
	var changed []string
	apply := func(id string, change Details, index *IndexData) {
		d := r.details[id]
		r.details[id] = applyDetails(d, change)
		r.updates++
		changed = append(changed, id)
		if change.GuardianID != "" {
			r.parents[id] = unionStrings(r.parents[id], []string{change.GuardianID})
		}
		if index != nil && index.LinkChanges != nil {
			for _, c := range index.LinkChanges.Children.Added {
				r.parents[c] = unionStrings(r.parents[c], []string{id})
			}
			for _, c := range index.LinkChanges.Children.Removed {
				r.parents[c] = removeString(r.parents[c], id)
			}
		}
	}
	for _, np := range m.NewPerspectives {
		apply(np.Perspective.Hash, np.Update.Details, np.Update.IndexData)
	}
	for _, u := range m.Updates {
		if _, ok := r.details[u.PerspectiveID]; !ok {
			r.mu.Unlock()
			return perspectiveNotFound(u.PerspectiveID)
		}
		apply(u.PerspectiveID, u.Details, u.IndexData)
	}
	for _, id := range m.DeletedPerspectives {
		delete(r.details, id)
		changed = append(changed, id)
	}
	r.mu.Unlock()
	r.events.Emit(EventUpdated, changed)
	return nil
}

func (r *testRemote) NewPerspective(ctx context.Context, np NewPerspective) error {
	m, err := newPerspectiveMutation(np)
	if err != nil {
		return err
	}
	return r.Update(ctx, m)
}

func (r *testRemote) UpdatePerspective(ctx context.Context, u Update) error {
	return r.Update(ctx, updateMutation(u))
}

func (r *testRemote) DeletePerspective(ctx context.Context, id string) error {
	return r.Update(ctx, deleteMutation(id))
}

func (r *testRemote) CanUpdate(ctx context.Context, id, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.denied[id], nil
}

func (r *testRemote) Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.details))
	for id := range r.details {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &SearchResult{PerspectiveIDs: ids, Ended: true}, nil
}

func (r *testRemote) Locate(ctx context.Context, id string, forks bool) ([]ParentAndChild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ParentAndChild
	for _, p := range r.parents[id] {
		out = append(out, ParentAndChild{ParentID: p, ChildID: id})
	}
	return out, nil
}

// testStack wires a façade over a buffer over a router over one remote.
type testStack struct {
	resolver *entity.Resolver
	remote   *testRemote
	router   *Router
	buffer   *BufferedClient
	evees    *Evees
}

func openTestStack(t *testing.T, opts ...Option) *testStack {
	t.Helper()
	logger := logging.NewTestLogger(t)
	resolver := entity.NewResolver(entity.WithResolverLogger(logger))
	remote := newTestRemote("mem", resolver)
	router := NewRouter(resolver, []ClientRemote{remote}, WithLogger(logger))
	patterns := pattern.Default()
	opts = append([]Option{WithLogger(logger)}, opts...)
	buffer := NewBufferedClient(NewMemoryMutationStore(), router, resolver, patterns, opts...)
	t.Cleanup(buffer.Close)
	return &testStack{
		resolver: resolver,
		remote:   remote,
		router:   router,
		buffer:   buffer,
		evees:    New(buffer, resolver, router, patterns, opts...),
	}
}

// recordEvents collects the events of one client.
type recordEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordEvents) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordEvents) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
