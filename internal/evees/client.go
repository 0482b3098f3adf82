// Package evees implements the perspective/commit data model and the layered
// clients that read, buffer, route and flush mutations across remotes.
package evees

import (
	"context"

	"github.com/systemshift/evees/internal/entity"
)

// Client is implemented by every layer of the stack. Layers wrap a base
// Client and add one concern each.
type Client interface {
	GetPerspective(ctx context.Context, perspectiveID string, opts *GetPerspectiveOptions) (*PerspectiveResult, error)
	Update(ctx context.Context, mutation *Mutation) error
	NewPerspective(ctx context.Context, np NewPerspective) error
	UpdatePerspective(ctx context.Context, update Update) error
	DeletePerspective(ctx context.Context, perspectiveID string) error
	CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error)
	Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error)
	Diff(ctx context.Context, opts *DiffOptions) (*Mutation, error)
	Flush(ctx context.Context, opts *FlushOptions) error
	// Ready returns once every write queued before the call is visible.
	Ready(ctx context.Context) error
	// Clear drops buffered elements; nil drops everything.
	Clear(ctx context.Context, elements *Mutation) error
	Events() *Events
	// SearchEngine may return nil.
	SearchEngine() SearchEngine
}

// SearchEngine answers queries over the perspective tree.
type SearchEngine interface {
	Explore(ctx context.Context, opts *SearchOptions) (*SearchResult, error)
	// Locate returns the parents of perspectiveID. With forks set, parents
	// of perspectives sharing its context are included.
	Locate(ctx context.Context, perspectiveID string, forks bool) ([]ParentAndChild, error)
}

type AccessControl interface {
	CanUpdate(ctx context.Context, perspectiveID, userID string) (bool, error)
}

// ClientRemote is a durable backend owning a set of perspectives.
type ClientRemote interface {
	Client
	ID() string
	DefaultPath() string
	Connect(ctx context.Context) error
	IsConnected() bool
	Disconnect(ctx context.Context) error
	IsLogged() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	UserID() string
	// SnapPerspective fills in the missing fields of p and returns the
	// hashed, signed perspective. It is not persisted.
	SnapPerspective(ctx context.Context, p Perspective) (entity.Secured[Perspective], error)
	AccessControl() AccessControl
	EntityRemote() entity.Remote
}

// MutationFilter selects buffered elements. Under matches elements whose
// OnEcosystem contains it.
type MutationFilter struct {
	PerspectiveID string
	Under         string
}

// Matches reports whether an element of perspectiveID with the given
// ecosystem passes f. A nil filter matches everything.
func (f *MutationFilter) Matches(perspectiveID string, onEcosystem []string) bool {
	if f == nil {
		return true
	}
	if f.PerspectiveID != "" && f.PerspectiveID != perspectiveID {
		return false
	}
	if f.Under != "" {
		for _, id := range onEcosystem {
			if id == f.Under {
				return true
			}
		}
		return false
	}
	return true
}

// MutationStore persists the delta held by a BufferedClient.
type MutationStore interface {
	NewPerspective(ctx context.Context, np NewPerspective) error
	AddUpdate(ctx context.Context, update Update, timestamp int64) error
	DeletedPerspective(ctx context.Context, perspectiveID string, onEcosystem []string) error
	AddEntities(ctx context.Context, entities []entity.Entity) error
	GetNewPerspectives(ctx context.Context, filter *MutationFilter) ([]NewPerspective, error)
	// GetUpdates returns updates ordered by timestamp, then insertion.
	GetUpdates(ctx context.Context, filter *MutationFilter) ([]Update, error)
	GetDeletedPerspectives(ctx context.Context, filter *MutationFilter) ([]string, error)
	// GetEntities returns the buffered entities among hashes; nil means all.
	GetEntities(ctx context.Context, hashes []string) ([]entity.Entity, error)
	Diff(ctx context.Context, filter *MutationFilter) (*Mutation, error)
	// Clear removes the given elements; nil removes everything.
	Clear(ctx context.Context, elements *Mutation) error
}

func onEcosystem(u Update) []string {
	if u.IndexData == nil {
		return nil
	}
	return u.IndexData.OnEcosystem
}

func updateMutation(u Update) *Mutation {
	return &Mutation{Updates: []Update{u}}
}

func newPerspectiveMutation(np NewPerspective) (*Mutation, error) {
	e, err := np.Perspective.Entity()
	if err != nil {
		return nil, err
	}
	return &Mutation{NewPerspectives: []NewPerspective{np}, Entities: []entity.Entity{e}}, nil
}

func deleteMutation(id string) *Mutation {
	return &Mutation{DeletedPerspectives: []string{id}}
}
