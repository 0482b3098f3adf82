package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/merge"
	"github.com/systemshift/evees/internal/pattern"
)

const contextKeyPrefix = "context:"

// contextPair holds the perspectives of one context on each side.
type contextPair struct {
	to   string
	from string
}

// RecursiveContext merges trees of perspectives. Child links that are
// perspectives are matched by context rather than id, so a node edited on
// two forks is merged with itself instead of being duplicated.
type RecursiveContext struct {
	*Simple

	mu       sync.Mutex
	index    map[string]*contextPair
	contexts map[string]string
	merged   map[string]bool
}

func NewRecursiveContext(e *evees.Evees) *RecursiveContext {
	r := &RecursiveContext{Simple: NewSimple(e)}
	r.logger = e.Logger().WithField("merge", "recursive-context")
	r.links = func(toID string, cfg Config) pattern.LinkMerger {
		return &contextLinks{r: r, toID: toID, cfg: cfg}
	}
	r.rebind = func(e *evees.Evees) merger { return NewRecursiveContext(e) }
	return r
}

func (r *RecursiveContext) reset() {
	r.index = make(map[string]*contextPair)
	r.contexts = make(map[string]string)
	r.merged = make(map[string]bool)
}

// MergePerspectives indexes both trees by context and merges fromID into
// toID, recursing into children present on both sides.
func (r *RecursiveContext) MergePerspectives(ctx context.Context, toID, fromID string, cfg Config) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()

	if err := r.readTree(ctx, toID, true, make(map[string]bool)); err != nil {
		return false, err
	}
	if err := r.readTree(ctx, fromID, false, make(map[string]bool)); err != nil {
		return false, err
	}
	r.logger.WithFields(logrus.Fields{
		"to":       toID,
		"from":     fromID,
		"contexts": len(r.index),
	}).Debug("indexed trees")
	return r.mergePerspectives(ctx, toID, fromID, cfg)
}

func (r *RecursiveContext) MergeCommits(ctx context.Context, toCommit, fromCommit, remote string, cfg Config) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return r.Simple.MergeCommits(ctx, toCommit, fromCommit, remote, cfg)
}

func (r *RecursiveContext) readTree(ctx context.Context, id string, toSide bool, visited map[string]bool) error {
	if visited[id] {
		return nil
	}
	visited[id] = true
	c, ok, err := r.contextOf(ctx, id)
	if err != nil || !ok {
		return err
	}
	pair := r.index[c]
	if pair == nil {
		pair = &contextPair{}
		r.index[c] = pair
	}
	if toSide && pair.to == "" {
		pair.to = id
	}
	if !toSide && pair.from == "" {
		pair.from = id
	}

	children, err := r.evees.Children(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.readTree(ctx, child, toSide, visited); err != nil {
			return err
		}
	}
	return nil
}

// contextOf returns the context of a perspective; ok is false for links that
// are not perspectives.
func (r *RecursiveContext) contextOf(ctx context.Context, id string) (string, bool, error) {
	if c, ok := r.contexts[id]; ok {
		return c, true, nil
	}
	p, err := evees.ResolvePerspective(ctx, r.evees.Resolver(), id)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	c := p.Object.Payload.Context
	if c == "" {
		return "", false, nil
	}
	r.contexts[id] = c
	return c, true, nil
}

// contextLinks merges the child links of toID keyed by context.
type contextLinks struct {
	r    *RecursiveContext
	toID string
	cfg  Config
}

func (l *contextLinks) key(ctx context.Context, link string, byKey map[string]string) (string, error) {
	c, ok, err := l.r.contextOf(ctx, link)
	if err != nil {
		return "", err
	}
	k := link
	if ok {
		k = contextKeyPrefix + c
	}
	if _, seen := byKey[k]; !seen {
		byKey[k] = link
	}
	return k, nil
}

func (l *contextLinks) MergeLinks(ctx context.Context, original []string, modifications [][]string) ([]string, error) {
	byKey := make(map[string]string)
	mods := make([][]string, len(modifications))
	for i, links := range modifications {
		mods[i] = make([]string, len(links))
		for j, link := range links {
			k, err := l.key(ctx, link, byKey)
			if err != nil {
				return nil, err
			}
			mods[i][j] = k
		}
	}
	orig := make([]string, len(original))
	for i, link := range original {
		k, err := l.key(ctx, link, byKey)
		if err != nil {
			return nil, err
		}
		orig[i] = k
	}

	keys, err := merge.Arrays(orig, mods)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		id, err := l.resolve(ctx, k, byKey[k])
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// resolve turns a merged key back into a child id, merging or forking the
// perspectives behind it as needed.
func (l *contextLinks) resolve(ctx context.Context, key, link string) (string, error) {
	c, ok := strings.CutPrefix(key, contextKeyPrefix)
	if !ok {
		return link, nil
	}
	pair := l.r.index[c]
	if pair == nil {
		return link, nil
	}

	switch {
	case pair.to != "" && pair.from != "":
		if pair.to != pair.from && !l.r.merged[c] {
			l.r.merged[c] = true
			child := Config{Detach: l.cfg.Detach, ForceOwner: l.cfg.ForceOwner, GuardianID: l.toID}
			if _, err := l.r.mergePerspectives(ctx, pair.to, pair.from, child); err != nil {
				return "", err
			}
		}
		return pair.to, nil

	case pair.to != "":
		return pair.to, nil

	case l.cfg.ForceOwner:
		remote := l.cfg.Remote
		if l.toID != "" {
			rm, err := l.r.evees.PerspectiveRemote(ctx, l.toID)
			if err != nil {
				return "", err
			}
			remote = rm.ID()
		}
		fork, err := l.r.evees.ForkPerspective(ctx, pair.from, evees.ForkOptions{
			Remote:     remote,
			GuardianID: l.toID,
			Recursive:  true,
		})
		if err != nil {
			return "", err
		}
		l.r.logger.WithFields(logrus.Fields{
			"from":   pair.from,
			"fork":   fork,
			"remote": remote,
		}).Debug("forked into owner")
		pair.to = fork
		return fork, nil
	}
	return pair.from, nil
}
