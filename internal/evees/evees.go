package evees

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/pattern"
)

// Evees is the application-facing API. It builds commits and perspectives,
// schedules writes on its client (optionally debounced per perspective) and
// offers fork, clone and diff operations on top.
type Evees struct {
	client   Client
	resolver *entity.Resolver
	router   *Router
	patterns *pattern.Registry
	opts     options
	logger   *logrus.Entry

	mu      sync.Mutex
	pending map[string]*pendingUpdate
}

// pendingUpdate is a debounced write not yet handed to the client.
// Stopping its timer is what grants the right to replace or run it.
type pendingUpdate struct {
	timer    *time.Timer
	mutation *Mutation
	done     chan struct{}
	err      error
}

func (p *pendingUpdate) head() string {
	for _, u := range p.mutation.Updates {
		if u.Details.HeadID != "" {
			return u.Details.HeadID
		}
	}
	return ""
}

// New creates a façade over client. The router resolves which remote owns a
// perspective and where new ones are created.
func New(client Client, resolver *entity.Resolver, router *Router, patterns *pattern.Registry, opts ...Option) *Evees {
	o := buildOptions(opts)
	return &Evees{
		client:   client,
		resolver: resolver,
		router:   router,
		patterns: patterns,
		opts:     o,
		logger:   o.logger.WithField("component", "evees"),
		pending:  make(map[string]*pendingUpdate),
	}
}

func (e *Evees) Resolver() *entity.Resolver      { return e.resolver }
func (e *Evees) Patterns() *pattern.Registry     { return e.patterns }
func (e *Evees) Events() *Events                 { return e.client.Events() }
func (e *Evees) Logger() *logrus.Entry           { return e.logger }
func (e *Evees) SearchEngine() SearchEngine      { return e.client.SearchEngine() }
func (e *Evees) Ready(ctx context.Context) error { return e.client.Ready(ctx) }

func (e *Evees) defaultRemote() string {
	if e.opts.defaultRemote != "" {
		return e.opts.defaultRemote
	}
	if e.router != nil {
		if remotes := e.router.Remotes(); len(remotes) > 0 {
			return remotes[0].ID()
		}
	}
	return ""
}

// GetPerspective reads a perspective through the client. A debounced update
// that has not been written yet is reflected in the head.
func (e *Evees) GetPerspective(ctx context.Context, perspectiveID string, opts *GetPerspectiveOptions) (*PerspectiveResult, error) {
	res, err := e.client.GetPerspective(ctx, perspectiveID, opts)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	head := ""
	if p := e.pending[perspectiveID]; p != nil {
		head = p.head()
	}
	e.mu.Unlock()
	if head != "" {
		out := *res
		out.Details.HeadID = head
		return &out, nil
	}
	return res, nil
}

// PerspectiveData is a perspective with its head commit and data resolved.
type PerspectiveData struct {
	PerspectiveID string
	HeadID        string
	Commit        entity.Secured[Commit]
	Data          entity.Entity
}

// GetPerspectiveData resolves the head and data of a perspective.
func (e *Evees) GetPerspectiveData(ctx context.Context, perspectiveID string) (*PerspectiveData, error) {
	res, err := e.GetPerspective(ctx, perspectiveID, nil)
	if err != nil {
		return nil, err
	}
	if res.Details.HeadID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoHead, perspectiveID)
	}
	commit, data, err := ResolveHead(ctx, e.resolver, res.Details.HeadID)
	if err != nil {
		return nil, err
	}
	return &PerspectiveData{
		PerspectiveID: perspectiveID,
		HeadID:        res.Details.HeadID,
		Commit:        commit,
		Data:          data,
	}, nil
}

// TryGetPerspectiveData is GetPerspectiveData returning nil for a missing
// perspective or an empty head.
func (e *Evees) TryGetPerspectiveData(ctx context.Context, perspectiveID string) (*PerspectiveData, error) {
	d, err := e.GetPerspectiveData(ctx, perspectiveID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) || errors.Is(err, ErrNoHead) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (e *Evees) GetCommit(ctx context.Context, commitID string) (entity.Secured[Commit], error) {
	return ResolveCommit(ctx, e.resolver, commitID)
}

func (e *Evees) GetData(ctx context.Context, hash string) (entity.Entity, error) {
	return e.resolver.GetEntity(ctx, hash)
}

// PerspectiveRemote returns the remote owning perspectiveID.
func (e *Evees) PerspectiveRemote(ctx context.Context, perspectiveID string) (ClientRemote, error) {
	if e.router == nil {
		return nil, fmt.Errorf("%w: no router", ErrConfiguration)
	}
	return e.router.PerspectiveRemote(ctx, perspectiveID)
}

func (e *Evees) remote(id string) (ClientRemote, error) {
	if e.router == nil {
		return nil, fmt.Errorf("%w: no router", ErrConfiguration)
	}
	if id == "" {
		id = e.defaultRemote()
	}
	return e.router.Remote(id)
}

// CreateData hashes object for remote and keeps it in the resolver until a
// flush persists it.
func (e *Evees) CreateData(ctx context.Context, object interface{}, remote string) (entity.Entity, error) {
	if remote == "" {
		remote = e.defaultRemote()
	}
	return e.resolver.HashObject(ctx, object, remote, true)
}

type CommitOptions struct {
	DataID      string
	ParentsIDs  []string
	Message     string
	Forking     string
	Remote      string
	CreatorsIDs []string
}

// CreateCommit builds, signs when the remote can sign, and hashes a commit.
func (e *Evees) CreateCommit(ctx context.Context, opts CommitOptions) (entity.Secured[Commit], error) {
	rm, err := e.remote(opts.Remote)
	if err != nil {
		return entity.Secured[Commit]{}, err
	}
	creators := opts.CreatorsIDs
	if creators == nil {
		creators = []string{}
		if uid := rm.UserID(); uid != "" {
			creators = []string{uid}
		}
	}
	parents := opts.ParentsIDs
	if parents == nil {
		parents = []string{}
	}
	commit := Commit{
		CreatorsIDs: creators,
		DataID:      opts.DataID,
		Message:     opts.Message,
		Timestamp:   e.opts.now().UnixMilli(),
		ParentsIDs:  parents,
		Forking:     opts.Forking,
	}

	signer, _ := rm.(entity.Signer)
	signed, err := entity.Sign(commit, signer)
	if err != nil {
		return entity.Secured[Commit]{}, err
	}
	ent, err := e.resolver.HashObject(ctx, signed, rm.ID(), true)
	if err != nil {
		return entity.Secured[Commit]{}, fmt.Errorf("hash commit: %w", err)
	}
	return entity.Secured[Commit]{Hash: ent.Hash, Object: signed, Remote: rm.ID()}, nil
}

type CreateEveeOptions struct {
	Object     interface{}
	Remote     string
	Path       string
	Context    string
	GuardianID string
	// ParentID adds the new perspective as a child of ParentID at
	// IndexInParent (-1 appends).
	ParentID      string
	IndexInParent int
}

// CreateEvee creates a perspective, with a first commit when Object is set.
func (e *Evees) CreateEvee(ctx context.Context, opts CreateEveeOptions) (string, error) {
	rm, err := e.remote(opts.Remote)
	if err != nil {
		return "", err
	}
	guardian := opts.GuardianID
	if guardian == "" {
		guardian = opts.ParentID
	}

	perspective, err := rm.SnapPerspective(ctx, Perspective{Path: opts.Path, Context: opts.Context})
	if err != nil {
		return "", fmt.Errorf("snap perspective: %w", err)
	}
	pe, err := perspective.Entity()
	if err != nil {
		return "", err
	}
	e.resolver.PutEntity(pe)

	update := Update{PerspectiveID: perspective.Hash, Details: Details{GuardianID: guardian}}
	entities := []entity.Entity{pe}
	if opts.Object != nil {
		head, index, ents, err := e.createHead(ctx, rm.ID(), opts.Object, nil, "", "")
		if err != nil {
			return "", err
		}
		update.Details.HeadID = head
		update.IndexData = index
		entities = append(entities, ents...)
	}

	np := NewPerspective{Perspective: perspective, Update: update}
	if err := e.client.Update(ctx, &Mutation{NewPerspectives: []NewPerspective{np}, Entities: entities}); err != nil {
		return "", err
	}
	e.logger.WithFields(logrus.Fields{
		"perspective": perspective.Hash,
		"remote":      rm.ID(),
	}).Debug("created perspective")

	if opts.ParentID != "" {
		if err := e.AddExistingChild(ctx, perspective.Hash, opts.ParentID, opts.IndexInParent); err != nil {
			return "", err
		}
	}
	return perspective.Hash, nil
}

// createHead stores object as data and builds a commit over it. The index
// data records the child links that changed relative to the previous data.
func (e *Evees) createHead(ctx context.Context, remote string, object interface{}, parents []string, previousHead, message string) (string, *IndexData, []entity.Entity, error) {
	data, err := e.CreateData(ctx, object, remote)
	if err != nil {
		return "", nil, nil, fmt.Errorf("create data: %w", err)
	}
	commit, err := e.CreateCommit(ctx, CommitOptions{DataID: data.Hash, ParentsIDs: parents, Message: message, Remote: remote})
	if err != nil {
		return "", nil, nil, err
	}
	ce, err := commit.Entity()
	if err != nil {
		return "", nil, nil, err
	}
	index, err := e.IndexData(ctx, data, previousHead)
	if err != nil {
		return "", nil, nil, err
	}
	return commit.Hash, index, []entity.Entity{data, ce}, nil
}

// IndexData derives the index of data committed over previousHead: its text
// and the child links that changed.
func (e *Evees) IndexData(ctx context.Context, data entity.Entity, previousHead string) (*IndexData, error) {
	b, err := e.patterns.For(data.Object)
	if err != nil {
		return nil, err
	}
	children, err := b.Children(data.Object)
	if err != nil {
		return nil, err
	}
	old, err := HeadChildren(ctx, e.resolver, e.patterns, previousHead)
	if err != nil {
		return nil, err
	}
	added, removed := pattern.DiffLinks(old, children)
	index := &IndexData{Text: b.Text(data.Object)}
	if len(added) > 0 || len(removed) > 0 {
		index.LinkChanges = &LinkChanges{Children: ArrayChanges{Added: added, Removed: removed}}
	}
	return index, nil
}

type UpdateDataOptions struct {
	PerspectiveID string
	Object        interface{}
	GuardianID    string
	Message       string
}

// UpdatePerspectiveData commits a new version of a perspective's data. The
// commit is built immediately; with a debounce configured the write is
// deferred and a later call for the same perspective replaces it.
func (e *Evees) UpdatePerspectiveData(ctx context.Context, opts UpdateDataOptions) error {
	id := opts.PerspectiveID

	// 1. Take over a scheduled write or wait for a running one.
	e.mu.Lock()
	p := e.pending[id]
	superseded := p != nil && p.timer.Stop()
	e.mu.Unlock()
	if p != nil && !superseded {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 2. The parent is the head the client knows, never a superseded one.
	res, err := e.client.GetPerspective(ctx, id, nil)
	if err != nil {
		e.release(id, p, superseded, err)
		return err
	}
	rm, err := e.PerspectiveRemote(ctx, id)
	if err != nil {
		e.release(id, p, superseded, err)
		return err
	}

	head := res.Details.HeadID
	var parents []string
	if head != "" {
		parents = []string{head}
	}
	newHead, index, entities, err := e.createHead(ctx, rm.ID(), opts.Object, parents, head, opts.Message)
	if err != nil {
		e.release(id, p, superseded, err)
		return err
	}

	m := &Mutation{
		Updates: []Update{{
			PerspectiveID: id,
			Details:       Details{HeadID: newHead, GuardianID: opts.GuardianID},
			IndexData:     index,
		}},
		Entities: entities,
	}

	if e.opts.debounce <= 0 {
		err := e.client.Update(ctx, m)
		e.release(id, p, superseded, err)
		return err
	}

	// 3. Schedule, reusing the superseded entry so its waiters see this write.
	e.mu.Lock()
	if !superseded {
		p = &pendingUpdate{done: make(chan struct{})}
	}
	p.mutation = m
	e.pending[id] = p
	entry := p
	p.timer = time.AfterFunc(e.opts.debounce, func() { e.fire(id, entry) })
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"perspective": id,
		"head":        newHead,
		"replaced":    superseded,
	}).Debug("scheduled update")
	return nil
}

// release completes a superseded entry that will not be rescheduled.
func (e *Evees) release(id string, p *pendingUpdate, superseded bool, err error) {
	if !superseded {
		return
	}
	e.mu.Lock()
	if e.pending[id] == p {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	p.err = err
	close(p.done)
}

// fire writes a pending update. The caller owns p (its timer fired or was
// stopped by the caller).
func (e *Evees) fire(id string, p *pendingUpdate) {
	err := e.client.Update(context.Background(), p.mutation)
	if err != nil {
		e.logger.WithField("perspective", id).WithError(err).Error("debounced update failed")
	}
	e.mu.Lock()
	if e.pending[id] == p {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	p.err = err
	close(p.done)
}

// AwaitPerspective writes the pending update of perspectiveID now, if any,
// and waits for it.
func (e *Evees) AwaitPerspective(ctx context.Context, perspectiveID string) error {
	e.mu.Lock()
	p := e.pending[perspectiveID]
	stopped := p != nil && p.timer.Stop()
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	if stopped {
		e.fire(perspectiveID, p)
	}
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitPending writes every pending update now and waits for them.
func (e *Evees) AwaitPending(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := e.AwaitPerspective(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("pending update %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Evees) UpdatePerspective(ctx context.Context, update Update) error {
	if err := e.AwaitPerspective(ctx, update.PerspectiveID); err != nil {
		return err
	}
	return e.client.UpdatePerspective(ctx, update)
}

func (e *Evees) DeletePerspective(ctx context.Context, perspectiveID string) error {
	if err := e.AwaitPerspective(ctx, perspectiveID); err != nil {
		return err
	}
	return e.client.DeletePerspective(ctx, perspectiveID)
}

// CanUpdate checks the logged user of the owning remote.
func (e *Evees) CanUpdate(ctx context.Context, perspectiveID string) (bool, error) {
	userID := ""
	if rm, err := e.PerspectiveRemote(ctx, perspectiveID); err == nil {
		userID = rm.UserID()
	}
	return e.client.CanUpdate(ctx, perspectiveID, userID)
}

func (e *Evees) Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error) {
	return e.client.Explore(ctx, opts)
}

func (e *Evees) Diff(ctx context.Context, opts *DiffOptions) (*Mutation, error) {
	if err := e.AwaitPending(ctx); err != nil {
		return nil, err
	}
	return e.client.Diff(ctx, opts)
}

// DiffUnder returns the condensed changes below perspectiveID, keeping the
// buffered head commits.
func (e *Evees) DiffUnder(ctx context.Context, perspectiveID string) (*Mutation, error) {
	return e.Diff(ctx, &DiffOptions{Under: perspectiveID, Condensate: true})
}

func (e *Evees) Flush(ctx context.Context, opts *FlushOptions) error {
	if err := e.AwaitPending(ctx); err != nil {
		return err
	}
	return e.client.Flush(ctx, opts)
}

// Close writes pending updates and releases the client if it holds
// resources.
func (e *Evees) Close(ctx context.Context) error {
	err := e.AwaitPending(ctx)
	if c, ok := e.client.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}
