package evees

import (
	"context"
	"fmt"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/pattern"
)

// ResolveCommit reads a commit entity.
func ResolveCommit(ctx context.Context, resolver *entity.Resolver, commitID string) (entity.Secured[Commit], error) {
	e, err := resolver.GetEntity(ctx, commitID)
	if err != nil {
		return entity.Secured[Commit]{}, fmt.Errorf("get commit: %w", err)
	}
	return entity.DecodeSecured[Commit](e)
}

// ResolvePerspective reads a perspective entity.
func ResolvePerspective(ctx context.Context, resolver *entity.Resolver, perspectiveID string) (entity.Secured[Perspective], error) {
	e, err := resolver.GetEntity(ctx, perspectiveID)
	if err != nil {
		return entity.Secured[Perspective]{}, fmt.Errorf("get perspective: %w", err)
	}
	return entity.DecodeSecured[Perspective](e)
}

// ResolveHead reads the commit and data entities a head points to.
func ResolveHead(ctx context.Context, resolver *entity.Resolver, headID string) (entity.Secured[Commit], entity.Entity, error) {
	commit, err := ResolveCommit(ctx, resolver, headID)
	if err != nil {
		return commit, entity.Entity{}, err
	}
	data, err := resolver.GetEntity(ctx, commit.Object.Payload.DataID)
	if err != nil {
		return commit, entity.Entity{}, fmt.Errorf("get data: %w", err)
	}
	return commit, data, nil
}

// HeadChildren returns the child links of the data behind headID. An empty
// head has no children.
func HeadChildren(ctx context.Context, resolver *entity.Resolver, patterns *pattern.Registry, headID string) ([]string, error) {
	if headID == "" {
		return nil, nil
	}
	_, data, err := ResolveHead(ctx, resolver, headID)
	if err != nil {
		return nil, err
	}
	return patterns.Children(data.Object)
}

// DetailsGetter reads the details of one perspective.
type DetailsGetter func(ctx context.Context, perspectiveID string) (Details, error)

// BuildSlice walks the subtree below a perspective with the given details,
// reading each descendant through get. Levels 0 returns an empty slice (plus
// the root entities if requested); -1 walks everything.
func BuildSlice(ctx context.Context, resolver *entity.Resolver, patterns *pattern.Registry, perspectiveID string, root Details, opts *GetPerspectiveOptions, get DetailsGetter) (*Slice, error) {
	if opts == nil || (opts.Levels == 0 && !opts.Entities) {
		return nil, nil
	}

	slice := &Slice{}
	addEntities := func(d Details) error {
		if !opts.Entities || d.HeadID == "" {
			return nil
		}
		commit, data, err := ResolveHead(ctx, resolver, d.HeadID)
		if err != nil {
			return err
		}
		ce, err := commit.Entity()
		if err != nil {
			return err
		}
		slice.Entities = append(slice.Entities, ce, data)
		return nil
	}
	if err := addEntities(root); err != nil {
		return nil, err
	}

	type item struct {
		details Details
		depth   int
	}
	visited := map[string]bool{perspectiveID: true}
	queue := []item{{details: root, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if opts.Levels >= 0 && cur.depth >= opts.Levels {
			continue
		}
		children, err := HeadChildren(ctx, resolver, patterns, cur.details.HeadID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child] {
				continue
			}
			visited[child] = true
			d, err := get(ctx, child)
			if err != nil {
				return nil, fmt.Errorf("slice child %s: %w", child, err)
			}
			slice.Perspectives = append(slice.Perspectives, PerspectiveAndDetails{ID: child, Details: d})
			if err := addEntities(d); err != nil {
				return nil, err
			}
			queue = append(queue, item{details: d, depth: cur.depth + 1})
		}
	}
	return slice, nil
}
