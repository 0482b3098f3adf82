package evees

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
)

// Children returns the child links of a perspective's current data.
func (e *Evees) Children(ctx context.Context, perspectiveID string) ([]string, error) {
	d, err := e.TryGetPerspectiveData(ctx, perspectiveID)
	if err != nil || d == nil {
		return nil, err
	}
	return e.patterns.Children(d.Data.Object)
}

// replaceChildren commits the data of perspectiveID with children replaced.
func (e *Evees) replaceChildren(ctx context.Context, perspectiveID string, edit func([]string) ([]string, error)) error {
	if err := e.AwaitPerspective(ctx, perspectiveID); err != nil {
		return err
	}
	d, err := e.GetPerspectiveData(ctx, perspectiveID)
	if err != nil {
		return err
	}
	b, err := e.patterns.For(d.Data.Object)
	if err != nil {
		return err
	}
	children, err := b.Children(d.Data.Object)
	if err != nil {
		return err
	}
	children, err = edit(append([]string{}, children...))
	if err != nil {
		return err
	}
	data, err := b.ReplaceChildren(d.Data.Object, children)
	if err != nil {
		return err
	}
	return e.UpdatePerspectiveData(ctx, UpdateDataOptions{PerspectiveID: perspectiveID, Object: data})
}

// AddExistingChild links childID into parentID at index; a negative or out
// of range index appends.
func (e *Evees) AddExistingChild(ctx context.Context, childID, parentID string, index int) error {
	return e.replaceChildren(ctx, parentID, func(children []string) ([]string, error) {
		if index < 0 || index >= len(children) {
			return append(children, childID), nil
		}
		children = append(children[:index], append([]string{childID}, children[index:]...)...)
		return children, nil
	})
}

// AddNewChild creates a perspective on the parent's remote and links it.
func (e *Evees) AddNewChild(ctx context.Context, parentID string, object interface{}, index int) (string, error) {
	rm, err := e.PerspectiveRemote(ctx, parentID)
	if err != nil {
		return "", err
	}
	return e.CreateEvee(ctx, CreateEveeOptions{
		Object:        object,
		Remote:        rm.ID(),
		ParentID:      parentID,
		IndexInParent: index,
	})
}

// RemoveChild unlinks the child at index and returns its id.
func (e *Evees) RemoveChild(ctx context.Context, parentID string, index int) (string, error) {
	var removed string
	err := e.replaceChildren(ctx, parentID, func(children []string) ([]string, error) {
		if index < 0 || index >= len(children) {
			return nil, fmt.Errorf("child index %d out of range (%d children)", index, len(children))
		}
		removed = children[index]
		return append(children[:index], children[index+1:]...), nil
	})
	return removed, err
}

type ForkOptions struct {
	// Remote defaults to the remote of the forked perspective.
	Remote     string
	GuardianID string
	Recursive  bool
}

// ForkPerspective creates a perspective sharing the context of
// perspectiveID whose head is a commit without parents, pointing at the
// original head through forking. Recursive forks the children too and links
// the forks instead.
func (e *Evees) ForkPerspective(ctx context.Context, perspectiveID string, opts ForkOptions) (string, error) {
	if err := e.AwaitPerspective(ctx, perspectiveID); err != nil {
		return "", err
	}
	src, err := ResolvePerspective(ctx, e.resolver, perspectiveID)
	if err != nil {
		return "", err
	}
	remote := opts.Remote
	if remote == "" {
		remote = src.Object.Payload.Remote
	}
	rm, err := e.remote(remote)
	if err != nil {
		return "", err
	}
	res, err := e.GetPerspective(ctx, perspectiveID, nil)
	if err != nil {
		return "", err
	}
	head := res.Details.HeadID

	fork, err := rm.SnapPerspective(ctx, Perspective{
		Context: src.Object.Payload.Context,
		Path:    src.Object.Payload.Path,
		Meta:    &PerspectiveMeta{Forking: &ForkOf{PerspectiveID: perspectiveID, HeadID: head}},
	})
	if err != nil {
		return "", fmt.Errorf("snap fork: %w", err)
	}
	fe, err := fork.Entity()
	if err != nil {
		return "", err
	}
	e.resolver.PutEntity(fe)

	update := Update{
		PerspectiveID:     fork.Hash,
		Details:           Details{GuardianID: opts.GuardianID},
		FromPerspectiveID: perspectiveID,
	}
	entities := []entity.Entity{fe}

	if head != "" {
		commit, data, err := ResolveHead(ctx, e.resolver, head)
		if err != nil {
			return "", err
		}
		object := json.RawMessage(data.Object)
		if opts.Recursive {
			b, err := e.patterns.For(data.Object)
			if err != nil {
				return "", err
			}
			children, err := b.Children(data.Object)
			if err != nil {
				return "", err
			}
			if len(children) > 0 {
				forked := make([]string, len(children))
				for i, child := range children {
					forked[i], err = e.ForkPerspective(ctx, child, ForkOptions{
						Remote:     remote,
						GuardianID: fork.Hash,
						Recursive:  true,
					})
					if err != nil {
						return "", fmt.Errorf("fork child %s: %w", child, err)
					}
				}
				if object, err = b.ReplaceChildren(data.Object, forked); err != nil {
					return "", err
				}
			}
		}

		forkData, err := e.CreateData(ctx, object, rm.ID())
		if err != nil {
			return "", err
		}
		forkCommit, err := e.CreateCommit(ctx, CommitOptions{
			DataID:  forkData.Hash,
			Message: commit.Object.Payload.Message,
			Forking: head,
			Remote:  rm.ID(),
		})
		if err != nil {
			return "", err
		}
		ce, err := forkCommit.Entity()
		if err != nil {
			return "", err
		}
		index, err := e.IndexData(ctx, forkData, "")
		if err != nil {
			return "", err
		}
		update.Details.HeadID = forkCommit.Hash
		update.IndexData = index
		entities = append(entities, forkData, ce)
	}

	np := NewPerspective{Perspective: fork, Update: update}
	if err := e.client.Update(ctx, &Mutation{NewPerspectives: []NewPerspective{np}, Entities: entities}); err != nil {
		return "", err
	}
	e.logger.WithFields(logrus.Fields{
		"from":      perspectiveID,
		"fork":      fork.Hash,
		"remote":    rm.ID(),
		"recursive": opts.Recursive,
	}).Debug("forked perspective")
	return fork.Hash, nil
}

// Clone returns a façade over a new BufferedClient layered on this façade's
// client. Changes made through the clone stay in store until it is flushed.
// A nil store keeps them in memory.
func (e *Evees) Clone(store MutationStore) *Evees {
	if store == nil {
		store = NewMemoryMutationStore()
	}
	opts := []Option{
		WithLogger(e.opts.logger),
		WithDebounce(e.opts.debounce),
		WithDefaultRemote(e.opts.defaultRemote),
		WithClock(e.opts.now),
	}
	buffer := NewBufferedClient(store, e.client, e.resolver, e.patterns, opts...)
	return New(buffer, e.resolver, e.router, e.patterns, opts...)
}
