package evees

import (
	"github.com/systemshift/evees/internal/entity"
)

// ForkOf records where a perspective was forked from.
type ForkOf struct {
	PerspectiveID string `json:"perspectiveId"`
	HeadID        string `json:"headId,omitempty"`
}

type PerspectiveMeta struct {
	Forking *ForkOf `json:"forking,omitempty"`
}

// Perspective describes a mutable reference. Its hash never changes; the head
// it points to is tracked separately through updates.
type Perspective struct {
	CreatorID string           `json:"creatorId"`
	Remote    string           `json:"remote"`
	Path      string           `json:"path"`
	Timestamp int64            `json:"timestamp"`
	Context   string           `json:"context"`
	Meta      *PerspectiveMeta `json:"meta,omitempty"`
}

// Commit is an immutable node of a perspective history. Forking is a
// provenance edge to a commit of another lineage, not an ancestry edge.
type Commit struct {
	CreatorsIDs []string `json:"creatorsIds"`
	DataID      string   `json:"dataId"`
	Message     string   `json:"message"`
	Timestamp   int64    `json:"timestamp"`
	ParentsIDs  []string `json:"parentsIds"`
	Forking     string   `json:"forking,omitempty"`
}

// Details is the mutable state of a perspective.
type Details struct {
	HeadID     string `json:"headId,omitempty"`
	CanUpdate  *bool  `json:"canUpdate,omitempty"`
	GuardianID string `json:"guardianId,omitempty"`
}

type ArrayChanges struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

type LinkChanges struct {
	Children ArrayChanges `json:"children"`
	LinksTo  ArrayChanges `json:"linksTo"`
}

// IndexData carries facts derived from an update, used only to speed up
// queries.
type IndexData struct {
	LinkChanges *LinkChanges `json:"linkChanges,omitempty"`
	Text        string       `json:"text,omitempty"`
	OnEcosystem []string     `json:"onEcosystem,omitempty"`
}

// Update asks for a perspective's details to change.
type Update struct {
	PerspectiveID     string     `json:"perspectiveId"`
	Details           Details    `json:"details"`
	IndexData         *IndexData `json:"indexData,omitempty"`
	FromPerspectiveID string     `json:"fromPerspectiveId,omitempty"`
}

type NewPerspective struct {
	Perspective entity.Secured[Perspective] `json:"perspective"`
	Update      Update                      `json:"update"`
}

// Mutation is a batch of changes, the unit moved between client layers.
type Mutation struct {
	NewPerspectives     []NewPerspective `json:"newPerspectives,omitempty"`
	Updates             []Update         `json:"updates,omitempty"`
	DeletedPerspectives []string         `json:"deletedPerspectives,omitempty"`
	EntitiesHashes      []string         `json:"entitiesHashes,omitempty"`
	Entities            []entity.Entity  `json:"entities,omitempty"`
}

// Empty reports whether m carries no changes.
func (m *Mutation) Empty() bool {
	return m == nil || (len(m.NewPerspectives) == 0 && len(m.Updates) == 0 &&
		len(m.DeletedPerspectives) == 0 && len(m.EntitiesHashes) == 0 && len(m.Entities) == 0)
}

// PerspectiveIDs lists every perspective touched by m, in order.
func (m *Mutation) PerspectiveIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, np := range m.NewPerspectives {
		add(np.Perspective.Hash)
	}
	for _, u := range m.Updates {
		add(u.PerspectiveID)
	}
	for _, id := range m.DeletedPerspectives {
		add(id)
	}
	return ids
}

// PerspectiveAndDetails is one member of a slice.
type PerspectiveAndDetails struct {
	ID      string  `json:"id"`
	Details Details `json:"details"`
}

// Slice holds descendants and entities returned along with a perspective.
type Slice struct {
	Perspectives []PerspectiveAndDetails `json:"perspectives,omitempty"`
	Entities     []entity.Entity         `json:"entities,omitempty"`
}

type PerspectiveResult struct {
	Details Details `json:"details"`
	Slice   *Slice  `json:"slice,omitempty"`
}

// GetPerspectiveOptions controls how much is returned with a perspective.
// Levels 0 returns details only, -1 walks the whole subtree.
type GetPerspectiveOptions struct {
	Levels   int
	Entities bool
}

type SearchOptions struct {
	Under   string
	LinksTo string
	Text    string
	Forks   bool
	First   int
	Offset  int
}

type SearchResult struct {
	PerspectiveIDs []string `json:"perspectiveIds"`
	Ended          bool     `json:"ended"`
}

// ParentAndChild is an inverse link returned by Locate.
type ParentAndChild struct {
	ParentID string `json:"parentId"`
	ChildID  string `json:"childId"`
}

type DiffOptions struct {
	Under      string
	Condensate bool
	Squash     bool
}

type FlushOptions struct {
	Under   string
	Recurse bool
}

func boolPtr(b bool) *bool { return &b }

func levelsCover(cached, requested int) bool {
	if cached < 0 {
		return true
	}
	if requested < 0 {
		return false
	}
	return cached >= requested
}
