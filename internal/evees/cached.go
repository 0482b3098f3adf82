package evees

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
)

type cacheEntry struct {
	result   PerspectiveResult
	levels   int
	entities bool
}

// CachedClient is a read cache over a base client. An entry answers a read
// only if it was read at least as deep as requested; otherwise the base is
// read and the entry replaced. Writes pass through and invalidate.
type CachedClient struct {
	base        Client
	logger      *logrus.Entry
	events      *Events
	unsubscribe func()

	mu      sync.RWMutex
	entries map[string]cacheEntry
	// gen is bumped on every invalidation; a base read is stored only if
	// no invalidation happened while it was in flight.
	gen uint64
}

func NewCachedClient(base Client, opts ...Option) *CachedClient {
	o := buildOptions(opts)
	c := &CachedClient{
		base:    base,
		logger:  o.logger.WithField("layer", "cache"),
		events:  NewEvents(),
		entries: make(map[string]cacheEntry),
	}
	if base != nil {
		c.unsubscribe = base.Events().Subscribe(c.onBaseEvent)
	}
	return c
}

func (c *CachedClient) onBaseEvent(ev Event) {
	if ev.Kind == EventUpdated {
		c.invalidate(ev.PerspectiveIDs)
	}
	c.events.Emit(ev.Kind, ev.PerspectiveIDs)
}

// Close detaches the cache from base events.
func (c *CachedClient) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *CachedClient) GetPerspective(ctx context.Context, perspectiveID string, opts *GetPerspectiveOptions) (*PerspectiveResult, error) {
	if c.base == nil {
		return nil, noBase("cache")
	}
	levels, withEntities := 0, false
	if opts != nil {
		levels, withEntities = opts.Levels, opts.Entities
	}

	c.mu.RLock()
	entry, ok := c.entries[perspectiveID]
	gen := c.gen
	c.mu.RUnlock()
	if ok && levelsCover(entry.levels, levels) && (entry.entities || !withEntities) {
		c.logger.WithFields(logrus.Fields{
			"perspective": perspectiveID,
			"levels":      levels,
		}).Debug("cache hit")
		result := cloneResult(entry.result)
		return &result, nil
	}

	result, err := c.base.GetPerspective(ctx, perspectiveID, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.WithField("perspective", perspectiveID).Debug("invalidated during read, not cached")
		return result, nil
	}
	c.entries[perspectiveID] = cacheEntry{result: cloneResult(*result), levels: levels, entities: withEntities}
	if result.Slice != nil {
		for _, p := range result.Slice.Perspectives {
			if _, exists := c.entries[p.ID]; !exists {
				c.entries[p.ID] = cacheEntry{result: PerspectiveResult{Details: cloneDetails(p.Details)}}
			}
		}
	}
	return result, nil
}

// cloneResult copies the slice and details of r so cached entries never
// share memory with results handed to callers.
func cloneResult(r PerspectiveResult) PerspectiveResult {
	r.Details = cloneDetails(r.Details)
	if r.Slice == nil {
		return r
	}
	slice := &Slice{
		Perspectives: make([]PerspectiveAndDetails, len(r.Slice.Perspectives)),
		Entities:     make([]entity.Entity, len(r.Slice.Entities)),
	}
	for i, p := range r.Slice.Perspectives {
		p.Details = cloneDetails(p.Details)
		slice.Perspectives[i] = p
	}
	for i, e := range r.Slice.Entities {
		e.Object = append(json.RawMessage(nil), e.Object...)
		slice.Entities[i] = e
	}
	r.Slice = slice
	return r
}

func cloneDetails(d Details) Details {
	if d.CanUpdate != nil {
		can := *d.CanUpdate
		d.CanUpdate = &can
	}
	return d
}

// invalidate drops entries of ids and every entry whose slice contains one.
func (c *CachedClient) invalidate(ids []string) {
	if len(ids) == 0 {
		return
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for id, entry := range c.entries {
		if set[id] {
			delete(c.entries, id)
			continue
		}
		if entry.result.Slice == nil {
			continue
		}
		for _, p := range entry.result.Slice.Perspectives {
			if set[p.ID] {
				delete(c.entries, id)
				break
			}
		}
	}
}

func (c *CachedClient) reset() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.gen++
	c.mu.Unlock()
}

func (c *CachedClient) Update(ctx context.Context, mutation *Mutation) error {
	if c.base == nil {
		return noBase("cache")
	}
	if err := c.base.Update(ctx, mutation); err != nil {
		return err
	}
	c.invalidate(mutation.PerspectiveIDs())
	return nil
}

func (c *CachedClient) NewPerspective(ctx context.Context, np NewPerspective) error {
	m, err := newPerspectiveMutation(np)
	if err != nil {
		return err
	}
	return c.Update(ctx, m)
}

func (c *CachedClient) UpdatePerspective(ctx context.Context, update Update) error {
	return c.Update(ctx, updateMutation(update))
}

func (c *CachedClient) DeletePerspective(ctx context.Context, perspectiveID string) error {
	return c.Update(ctx, deleteMutation(perspectiveID))
}

func (c *CachedClient) CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error) {
	if c.base == nil {
		return false, noBase("cache")
	}
	return c.base.CanUpdate(ctx, perspectiveID, userID)
}

func (c *CachedClient) Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error) {
	if c.base == nil {
		return nil, noBase("cache")
	}
	return c.base.Explore(ctx, opts)
}

func (c *CachedClient) Diff(ctx context.Context, opts *DiffOptions) (*Mutation, error) {
	if c.base == nil {
		return nil, noBase("cache")
	}
	return c.base.Diff(ctx, opts)
}

func (c *CachedClient) Flush(ctx context.Context, opts *FlushOptions) error {
	if c.base == nil {
		return noBase("cache")
	}
	defer c.reset()
	return c.base.Flush(ctx, opts)
}

func (c *CachedClient) Ready(ctx context.Context) error {
	if c.base == nil {
		return noBase("cache")
	}
	return c.base.Ready(ctx)
}

func (c *CachedClient) Clear(ctx context.Context, elements *Mutation) error {
	if c.base == nil {
		return noBase("cache")
	}
	defer c.reset()
	return c.base.Clear(ctx, elements)
}

func (c *CachedClient) Events() *Events { return c.events }

func (c *CachedClient) SearchEngine() SearchEngine {
	if c.base == nil {
		return nil
	}
	return c.base.SearchEngine()
}
