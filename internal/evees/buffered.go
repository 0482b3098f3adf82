package evees

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/pattern"
)

// BufferedClient holds a delta of changes on top of a base client until
// Flush sends it down. Every write runs on a serialized task queue; reads are
// answered from the delta first and the base second.
type BufferedClient struct {
	store       MutationStore
	base        Client
	resolver    *entity.Resolver
	patterns    *pattern.Registry
	queue       *TaskQueue
	events      *Events
	logger      *logrus.Entry
	now         func() time.Time
	unsubscribe func()

	// held lists the entity hashes this buffer retains in the resolver.
	heldMu sync.Mutex
	held   map[string]bool
}

func NewBufferedClient(store MutationStore, base Client, resolver *entity.Resolver, patterns *pattern.Registry, opts ...Option) *BufferedClient {
	o := buildOptions(opts)
	b := &BufferedClient{
		store:    store,
		base:     base,
		resolver: resolver,
		patterns: patterns,
		queue:    NewTaskQueue(),
		events:   NewEvents(),
		logger:   o.logger.WithField("layer", "buffer"),
		now:      o.now,
		held:     make(map[string]bool),
	}
	if base != nil {
		b.unsubscribe = base.Events().Subscribe(func(ev Event) {
			b.events.Emit(ev.Kind, ev.PerspectiveIDs)
		})
	}
	return b
}

// Restore loads the entities of a persistent store into the resolver so that
// buffered commits can be read after a restart.
func (b *BufferedClient) Restore(ctx context.Context) error {
	entities, err := b.store.GetEntities(ctx, nil)
	if err != nil {
		return fmt.Errorf("restore entities: %w", err)
	}
	hashes := make([]string, len(entities))
	for i, e := range entities {
		b.resolver.PutEntity(e)
		hashes[i] = e.Hash
	}
	b.hold(hashes)
	b.logger.WithField("entities", len(entities)).Debug("restored buffer")
	return nil
}

// Close stops the task queue, detaches from base events and releases the
// entities still held.
func (b *BufferedClient) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.queue.Close()
	b.releaseAll()
}

// hold retains hashes in the resolver while the store keeps them, once per
// hash whatever the number of times it was buffered.
func (b *BufferedClient) hold(hashes []string) {
	b.heldMu.Lock()
	defer b.heldMu.Unlock()
	var fresh []string
	for _, h := range hashes {
		if !b.held[h] {
			b.held[h] = true
			fresh = append(fresh, h)
		}
	}
	b.resolver.Retain(fresh...)
}

func (b *BufferedClient) release(hashes []string) {
	b.heldMu.Lock()
	defer b.heldMu.Unlock()
	var gone []string
	for _, h := range hashes {
		if b.held[h] {
			delete(b.held, h)
			gone = append(gone, h)
		}
	}
	b.resolver.Release(gone...)
}

func (b *BufferedClient) releaseAll() {
	b.heldMu.Lock()
	defer b.heldMu.Unlock()
	gone := make([]string, 0, len(b.held))
	for h := range b.held {
		gone = append(gone, h)
	}
	b.held = make(map[string]bool)
	b.resolver.Release(gone...)
}

func (b *BufferedClient) Events() *Events { return b.events }

func (b *BufferedClient) SearchEngine() SearchEngine { return b }

func (b *BufferedClient) Ready(ctx context.Context) error {
	return b.queue.Ready(ctx)
}

// bufferState is what the delta knows about one perspective.
type bufferState struct {
	details  Details
	isNew    bool
	buffered bool
	deleted  bool
	newP     *NewPerspective
	updates  []Update
}

func (b *BufferedClient) state(ctx context.Context, perspectiveID string) (*bufferState, error) {
	filter := &MutationFilter{PerspectiveID: perspectiveID}
	st := &bufferState{}

	deleted, err := b.store.GetDeletedPerspectives(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		st.deleted = true
		return st, nil
	}

	nps, err := b.store.GetNewPerspectives(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(nps) > 0 {
		st.isNew = true
		st.buffered = true
		st.newP = &nps[0]
		st.details = nps[0].Update.Details
	}

	if st.updates, err = b.store.GetUpdates(ctx, filter); err != nil {
		return nil, err
	}
	if len(st.updates) > 0 {
		st.buffered = true
	}
	return st, nil
}

// details returns the current details of a perspective as seen through the
// delta.
func (b *BufferedClient) details(ctx context.Context, perspectiveID string) (Details, error) {
	st, err := b.state(ctx, perspectiveID)
	if err != nil {
		return Details{}, err
	}
	return b.resolveDetails(ctx, perspectiveID, st)
}

func (b *BufferedClient) resolveDetails(ctx context.Context, perspectiveID string, st *bufferState) (Details, error) {
	if st.deleted {
		return Details{}, perspectiveNotFound(perspectiveID)
	}
	d := st.details
	if !st.isNew {
		if b.base == nil {
			if !st.buffered {
				return Details{}, noBase("buffer")
			}
		} else {
			res, err := b.base.GetPerspective(ctx, perspectiveID, nil)
			if err != nil {
				return Details{}, err
			}
			d = res.Details
		}
	}
	for _, u := range st.updates {
		d = applyDetails(d, u.Details)
	}
	return d, nil
}

func applyDetails(d, change Details) Details {
	if change.HeadID != "" {
		d.HeadID = change.HeadID
	}
	if change.CanUpdate != nil {
		d.CanUpdate = change.CanUpdate
	}
	if change.GuardianID != "" {
		d.GuardianID = change.GuardianID
	}
	return d
}

func (b *BufferedClient) GetPerspective(ctx context.Context, perspectiveID string, opts *GetPerspectiveOptions) (*PerspectiveResult, error) {
	d, err := b.details(ctx, perspectiveID)
	if err != nil {
		return nil, err
	}
	slice, err := BuildSlice(ctx, b.resolver, b.patterns, perspectiveID, d, opts, b.details)
	if err != nil {
		return nil, err
	}
	return &PerspectiveResult{Details: d, Slice: slice}, nil
}

func (b *BufferedClient) Update(ctx context.Context, mutation *Mutation) error {
	if mutation.Empty() {
		return nil
	}
	return b.queue.Run(ctx, func(ctx context.Context) error {
		return b.apply(ctx, mutation)
	})
}

func (b *BufferedClient) NewPerspective(ctx context.Context, np NewPerspective) error {
	m, err := newPerspectiveMutation(np)
	if err != nil {
		return err
	}
	return b.Update(ctx, m)
}

func (b *BufferedClient) UpdatePerspective(ctx context.Context, update Update) error {
	return b.Update(ctx, updateMutation(update))
}

func (b *BufferedClient) DeletePerspective(ctx context.Context, perspectiveID string) error {
	return b.Update(ctx, deleteMutation(perspectiveID))
}

// apply runs on the task queue.
func (b *BufferedClient) apply(ctx context.Context, m *Mutation) error {
	var updated, ecosystem []string

	// 1. Entities travel with the delta so that it can be flushed later.
	entities := append([]entity.Entity{}, m.Entities...)
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
		resolved, err := b.resolver.GetEntities(ctx, missing)
		if err != nil {
			return fmt.Errorf("resolve mutation entities: %w", err)
		}
		entities = append(entities, resolved...)
	}
	for _, np := range m.NewPerspectives {
		e, err := np.Perspective.Entity()
		if err != nil {
			return err
		}
		entities = append(entities, e)
	}
	if len(entities) > 0 {
		if err := b.store.AddEntities(ctx, entities); err != nil {
			return fmt.Errorf("buffer entities: %w", err)
		}
		hashes := make([]string, len(entities))
		for i, e := range entities {
			b.resolver.PutEntity(e)
			hashes[i] = e.Hash
		}
		b.hold(hashes)
	}

	// 2. New perspectives.
	for _, np := range m.NewPerspectives {
		np.Update.PerspectiveID = np.Perspective.Hash
		eco, err := b.ecosystem(ctx, np.Perspective.Hash, np.Update)
		if err != nil {
			return err
		}
		np.Update.IndexData = withEcosystem(np.Update.IndexData, eco)
		if err := b.store.NewPerspective(ctx, np); err != nil {
			return fmt.Errorf("buffer new perspective: %w", err)
		}
		updated = append(updated, np.Perspective.Hash)
		if np.Update.Details.GuardianID != "" || hasChildChanges(np.Update) {
			ecosystem = unionStrings(ecosystem, eco)
		}
	}

	// 3. Updates. An update that changes nothing is dropped.
	for _, u := range m.Updates {
		current, err := b.details(ctx, u.PerspectiveID)
		if err != nil {
			return fmt.Errorf("update %s: %w", u.PerspectiveID, err)
		}
		if sameDetails(current, u.Details) {
			b.logger.WithFields(logrus.Fields{
				"perspective": u.PerspectiveID,
				"head":        u.Details.HeadID,
			}).Debug("skipping idempotent update")
			continue
		}
		eco, err := b.ecosystem(ctx, u.PerspectiveID, u)
		if err != nil {
			return err
		}
		u.IndexData = withEcosystem(u.IndexData, eco)
		if err := b.store.AddUpdate(ctx, u, b.now().UnixMilli()); err != nil {
			return fmt.Errorf("buffer update: %w", err)
		}
		updated = append(updated, u.PerspectiveID)
		if u.Details.GuardianID != "" || hasChildChanges(u) {
			ecosystem = unionStrings(ecosystem, eco)
		}
	}

	// 4. Deletions. A perspective created in this buffer simply disappears.
	for _, id := range m.DeletedPerspectives {
		st, err := b.state(ctx, id)
		if err != nil {
			return err
		}
		if st.deleted {
			continue
		}
		eco, err := b.ecosystem(ctx, id, Update{PerspectiveID: id})
		if err != nil {
			return err
		}
		drop := &Mutation{Updates: st.updates}
		if st.isNew {
			drop.NewPerspectives = []NewPerspective{*st.newP}
		}
		if err := b.store.Clear(ctx, drop); err != nil {
			return fmt.Errorf("drop buffered %s: %w", id, err)
		}
		if !st.isNew {
			if err := b.store.DeletedPerspective(ctx, id, eco); err != nil {
				return fmt.Errorf("buffer deletion: %w", err)
			}
		}
		updated = append(updated, id)
		ecosystem = unionStrings(ecosystem, eco[1:])
	}

	b.logger.WithFields(logrus.Fields{
		"perspectives": len(updated),
		"entities":     len(entities),
	}).Debug("buffered mutation")
	b.events.Emit(EventUpdated, updated)
	b.events.Emit(EventEcosystemUpdated, ecosystem)
	return nil
}

func sameDetails(current, change Details) bool {
	if change.HeadID != "" && change.HeadID != current.HeadID {
		return false
	}
	if change.GuardianID != "" && change.GuardianID != current.GuardianID {
		return false
	}
	if change.CanUpdate != nil && (current.CanUpdate == nil || *current.CanUpdate != *change.CanUpdate) {
		return false
	}
	return true
}

func hasChildChanges(u Update) bool {
	if u.IndexData == nil || u.IndexData.LinkChanges == nil {
		return false
	}
	c := u.IndexData.LinkChanges.Children
	return len(c.Added) > 0 || len(c.Removed) > 0
}

func withEcosystem(d *IndexData, eco []string) *IndexData {
	out := IndexData{}
	if d != nil {
		out = *d
	}
	out.OnEcosystem = eco
	return &out
}

// localParents indexes the parent links recorded in the delta: guardians and
// added children. Removed children unlink their parent.
func (b *BufferedClient) localParents(ctx context.Context) (map[string][]string, error) {
	parents := make(map[string][]string)
	record := func(u Update) {
		if g := u.Details.GuardianID; g != "" {
			parents[u.PerspectiveID] = unionStrings(parents[u.PerspectiveID], []string{g})
		}
		if u.IndexData == nil || u.IndexData.LinkChanges == nil {
			return
		}
		for _, child := range u.IndexData.LinkChanges.Children.Added {
			parents[child] = unionStrings(parents[child], []string{u.PerspectiveID})
		}
		for _, child := range u.IndexData.LinkChanges.Children.Removed {
			parents[child] = removeString(parents[child], u.PerspectiveID)
		}
	}

	nps, err := b.store.GetNewPerspectives(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, np := range nps {
		u := np.Update
		u.PerspectiveID = np.Perspective.Hash
		record(u)
	}
	updates, err := b.store.GetUpdates(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		record(u)
	}
	return parents, nil
}

// ecosystem returns perspectiveID followed by every ancestor found through
// the delta, the pending update and the base search engine.
func (b *BufferedClient) ecosystem(ctx context.Context, perspectiveID string, pending Update) ([]string, error) {
	parents, err := b.localParents(ctx)
	if err != nil {
		return nil, err
	}
	pending.PerspectiveID = perspectiveID
	if g := pending.Details.GuardianID; g != "" {
		parents[perspectiveID] = unionStrings(parents[perspectiveID], []string{g})
	}

	var engine SearchEngine
	if b.base != nil {
		engine = b.base.SearchEngine()
	}

	out := []string{perspectiveID}
	visited := map[string]bool{perspectiveID: true}
	queue := []string{perspectiveID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ps := append([]string{}, parents[id]...)
		if engine != nil {
			located, err := engine.Locate(ctx, id, false)
			if err != nil {
				b.logger.WithField("perspective", id).WithError(err).Warn("locate failed")
			}
			for _, pc := range located {
				ps = unionStrings(ps, []string{pc.ParentID})
			}
		}
		for _, p := range ps {
			if visited[p] {
				continue
			}
			visited[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out, nil
}

// Locate answers from the delta and the base search engine.
func (b *BufferedClient) Locate(ctx context.Context, perspectiveID string, forks bool) ([]ParentAndChild, error) {
	parents, err := b.localParents(ctx)
	if err != nil {
		return nil, err
	}
	var out []ParentAndChild
	seen := make(map[ParentAndChild]bool)
	add := func(pc ParentAndChild) {
		if !seen[pc] {
			seen[pc] = true
			out = append(out, pc)
		}
	}
	for _, p := range parents[perspectiveID] {
		add(ParentAndChild{ParentID: p, ChildID: perspectiveID})
	}
	if b.base != nil {
		if engine := b.base.SearchEngine(); engine != nil {
			located, err := engine.Locate(ctx, perspectiveID, forks)
			if err != nil {
				return nil, err
			}
			for _, pc := range located {
				add(pc)
			}
		}
	}
	return out, nil
}

// Explore adds buffered new perspectives to the base results and hides
// buffered deletions.
func (b *BufferedClient) Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	result := &SearchResult{Ended: true}
	if b.base != nil {
		base := *opts
		base.First, base.Offset = 0, 0
		res, err := b.base.Explore(ctx, &base)
		if err != nil {
			return nil, err
		}
		result.PerspectiveIDs = append(result.PerspectiveIDs, res.PerspectiveIDs...)
	}

	nps, err := b.store.GetNewPerspectives(ctx, &MutationFilter{Under: opts.Under})
	if err != nil {
		return nil, err
	}
	for _, np := range nps {
		if opts.Text != "" {
			text := ""
			if np.Update.IndexData != nil {
				text = np.Update.IndexData.Text
			}
			if !strings.Contains(strings.ToLower(text), strings.ToLower(opts.Text)) {
				continue
			}
		}
		if opts.LinksTo != "" {
			continue
		}
		result.PerspectiveIDs = unionStrings(result.PerspectiveIDs, []string{np.Perspective.Hash})
	}

	deleted, err := b.store.GetDeletedPerspectives(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, id := range deleted {
		result.PerspectiveIDs = removeString(result.PerspectiveIDs, id)
	}
	return Paginate(result, opts), nil
}

// Paginate applies First and Offset to a full result.
func Paginate(res *SearchResult, opts *SearchOptions) *SearchResult {
	ids := res.PerspectiveIDs
	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[opts.Offset:]
		}
	}
	ended := res.Ended
	if opts.First > 0 && len(ids) > opts.First {
		ids = ids[:opts.First]
		ended = false
	}
	return &SearchResult{PerspectiveIDs: ids, Ended: ended}
}

// CanUpdate is optimistic for perspectives created in this buffer.
func (b *BufferedClient) CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error) {
	st, err := b.state(ctx, perspectiveID)
	if err != nil {
		return false, err
	}
	if st.deleted {
		return false, perspectiveNotFound(perspectiveID)
	}
	if st.isNew {
		d, err := b.resolveDetails(ctx, perspectiveID, st)
		if err != nil {
			return false, err
		}
		if d.CanUpdate != nil {
			return *d.CanUpdate, nil
		}
		return true, nil
	}
	if b.base == nil {
		return false, noBase("buffer")
	}
	return b.base.CanUpdate(ctx, perspectiveID, userID)
}

// Diff returns the buffered delta, optionally condensed.
func (b *BufferedClient) Diff(ctx context.Context, opts *DiffOptions) (*Mutation, error) {
	if opts == nil {
		opts = &DiffOptions{}
	}
	raw, err := b.store.Diff(ctx, &MutationFilter{Under: opts.Under})
	if err != nil {
		return nil, err
	}
	if !opts.Condensate {
		return raw, nil
	}
	condensed, _, err := b.condense(ctx, raw, opts.Squash)
	return condensed, err
}

// condense condenses a raw delta. The initial update of a new perspective and
// the later updates to it are condensed together.
func (b *BufferedClient) condense(ctx context.Context, raw *Mutation, squash bool) (*Mutation, *Condensation, error) {
	newIDs := make(map[string]int, len(raw.NewPerspectives))
	var updates []Update
	for i, np := range raw.NewPerspectives {
		u := np.Update
		u.PerspectiveID = np.Perspective.Hash
		newIDs[u.PerspectiveID] = i
		updates = append(updates, u)
	}
	updates = append(updates, raw.Updates...)

	c, err := Condensate(ctx, b.resolver, updates, squash)
	if err != nil {
		return nil, nil, err
	}

	out := &Mutation{
		NewPerspectives:     append([]NewPerspective{}, raw.NewPerspectives...),
		DeletedPerspectives: raw.DeletedPerspectives,
		EntitiesHashes:      raw.EntitiesHashes,
		Entities:            raw.Entities,
	}
	for _, u := range c.Updates {
		if i, ok := newIDs[u.PerspectiveID]; ok {
			out.NewPerspectives[i].Update = u
			continue
		}
		out.Updates = append(out.Updates, u)
	}
	return out, c, nil
}

// Flush sends the condensed delta (or the part of it under opts.Under) to
// the base and clears exactly what was sent.
func (b *BufferedClient) Flush(ctx context.Context, opts *FlushOptions) error {
	if opts == nil {
		opts = &FlushOptions{}
	}
	return b.queue.Run(ctx, func(ctx context.Context) error {
		if b.base == nil {
			return noBase("buffer")
		}
		raw, err := b.store.Diff(ctx, &MutationFilter{Under: opts.Under})
		if err != nil {
			return err
		}
		if opts.Under != "" {
			if raw, err = b.wholePerspectives(ctx, raw); err != nil {
				return err
			}
		}
		if raw.Empty() {
			if opts.Recurse {
				return b.base.Flush(ctx, opts)
			}
			return nil
		}

		condensed, c, err := b.condense(ctx, raw, true)
		if err != nil {
			return fmt.Errorf("condense buffer: %w", err)
		}

		hashes, err := b.flushHashes(ctx, raw, opts.Under == "", c)
		if err != nil {
			return err
		}
		entities, err := b.flushEntities(ctx, hashes)
		if err != nil {
			return err
		}

		send := &Mutation{
			NewPerspectives:     condensed.NewPerspectives,
			Updates:             condensed.Updates,
			DeletedPerspectives: condensed.DeletedPerspectives,
			Entities:            entities,
		}
		if err := b.base.Update(ctx, send); err != nil {
			return fmt.Errorf("flush to base: %w", err)
		}
		if opts.Recurse {
			if err := b.base.Flush(ctx, opts); err != nil {
				return fmt.Errorf("recursive flush: %w", err)
			}
		}

		sent := &Mutation{
			NewPerspectives:     raw.NewPerspectives,
			Updates:             raw.Updates,
			DeletedPerspectives: raw.DeletedPerspectives,
			EntitiesHashes:      append(hashes, c.Dropped...),
		}
		if err := b.store.Clear(ctx, sent); err != nil {
			return fmt.Errorf("clear flushed elements: %w", err)
		}
		b.release(sent.EntitiesHashes)

		b.logger.WithFields(logrus.Fields{
			"new":      len(send.NewPerspectives),
			"updates":  len(send.Updates),
			"deleted":  len(send.DeletedPerspectives),
			"entities": len(send.Entities),
			"squashed": len(c.Dropped),
		}).Info("flushed buffer")
		b.events.Emit(EventUpdated, raw.PerspectiveIDs())
		return nil
	})
}

// wholePerspectives extends a filtered delta with every buffered element of
// the perspectives it touches. An update buffered before its perspective was
// linked under the filter root is otherwise left behind, and flushing it later
// would move the head back.
func (b *BufferedClient) wholePerspectives(ctx context.Context, raw *Mutation) (*Mutation, error) {
	out := &Mutation{}
	for _, id := range raw.PerspectiveIDs() {
		m, err := b.store.Diff(ctx, &MutationFilter{PerspectiveID: id})
		if err != nil {
			return nil, err
		}
		out.NewPerspectives = append(out.NewPerspectives, m.NewPerspectives...)
		out.Updates = append(out.Updates, m.Updates...)
		out.DeletedPerspectives = append(out.DeletedPerspectives, m.DeletedPerspectives...)
	}
	return out, nil
}

// flushHashes lists the entities a flush must carry: the buffered entities
// (all of them for a full flush, otherwise those referenced by the flushed
// elements) without the squashed commits, plus the squash results.
func (b *BufferedClient) flushHashes(ctx context.Context, raw *Mutation, full bool, c *Condensation) ([]string, error) {
	set := make(map[string]bool)
	if full {
		for _, h := range raw.EntitiesHashes {
			set[h] = true
		}
	}

	var heads []string
	for _, np := range raw.NewPerspectives {
		set[np.Perspective.Hash] = true
		if np.Update.Details.HeadID != "" {
			heads = append(heads, np.Update.Details.HeadID)
		}
	}
	for _, u := range raw.Updates {
		if u.Details.HeadID != "" {
			heads = append(heads, u.Details.HeadID)
		}
	}
	heads = append(heads, c.NewCommits...)
	for _, h := range heads {
		commit, err := ResolveCommit(ctx, b.resolver, h)
		if err != nil {
			return nil, err
		}
		set[h] = true
		set[commit.Object.Payload.DataID] = true
	}
	for _, h := range c.Dropped {
		delete(set, h)
	}

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (b *BufferedClient) flushEntities(ctx context.Context, hashes []string) ([]entity.Entity, error) {
	buffered, err := b.store.GetEntities(ctx, hashes)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(buffered))
	for _, e := range buffered {
		have[e.Hash] = true
	}
	var rest []string
	for _, h := range hashes {
		if !have[h] {
			rest = append(rest, h)
		}
	}
	if len(rest) == 0 {
		return buffered, nil
	}
	resolved, err := b.resolver.GetEntities(ctx, rest)
	if err != nil {
		return nil, fmt.Errorf("resolve flushed entities: %w", err)
	}
	return append(buffered, resolved...), nil
}

// Clear drops buffered elements without sending them.
func (b *BufferedClient) Clear(ctx context.Context, elements *Mutation) error {
	return b.queue.Run(ctx, func(ctx context.Context) error {
		var ids []string
		if elements == nil {
			raw, err := b.store.Diff(ctx, nil)
			if err != nil {
				return err
			}
			ids = raw.PerspectiveIDs()
		} else {
			ids = elements.PerspectiveIDs()
		}
		if err := b.store.Clear(ctx, elements); err != nil {
			return err
		}
		if elements == nil {
			b.releaseAll()
		} else {
			hashes := append([]string{}, elements.EntitiesHashes...)
			for _, e := range elements.Entities {
				hashes = append(hashes, e.Hash)
			}
			b.release(hashes)
		}
		b.events.Emit(EventUpdated, ids)
		return nil
	})
}
