package evees

import (
	"context"
	"fmt"

	"github.com/systemshift/evees/internal/entity"
)

// Condensation is the result of condensing a list of updates.
type Condensation struct {
	Updates []Update
	// NewCommits are commits created by squashing. They are put in the
	// resolver but not persisted.
	NewCommits []string
	// Dropped are buffered commits replaced by a squashed commit.
	Dropped []string
}

// Condensate reduces the updates of each perspective to one. The commits the
// updates point to form a DAG over parents and forking edges; it must have a
// single head. With squash, a perspective with more than one buffered commit
// gets a new commit with the head's content, parented on every parent outside
// the buffered set. Without squash, the last update to the head is kept.
// Updates without a head are folded into the details of the result.
func Condensate(ctx context.Context, resolver *entity.Resolver, updates []Update, squash bool) (*Condensation, error) {
	var order []string
	byPerspective := make(map[string][]Update)
	for _, u := range updates {
		if _, ok := byPerspective[u.PerspectiveID]; !ok {
			order = append(order, u.PerspectiveID)
		}
		byPerspective[u.PerspectiveID] = append(byPerspective[u.PerspectiveID], u)
	}

	result := &Condensation{}
	for _, id := range order {
		if err := condensePerspective(ctx, resolver, id, byPerspective[id], squash, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func condensePerspective(ctx context.Context, resolver *entity.Resolver, perspectiveID string, updates []Update, squash bool, result *Condensation) error {
	// 1. Collect the buffered commits in order of first appearance.
	var ids []string
	commits := make(map[string]Commit)
	for _, u := range updates {
		h := u.Details.HeadID
		if h == "" {
			continue
		}
		if _, ok := commits[h]; ok {
			continue
		}
		c, err := ResolveCommit(ctx, resolver, h)
		if err != nil {
			return fmt.Errorf("condensate %s: %w", perspectiveID, err)
		}
		commits[h] = c.Object.Payload
		ids = append(ids, h)
	}

	// 2. Heads are commits no other buffered commit points to.
	pointed := make(map[string]bool)
	for _, id := range ids {
		for _, p := range commitEdges(commits[id]) {
			if _, in := commits[p]; in {
				pointed[p] = true
			}
		}
	}
	var heads []string
	for _, id := range ids {
		if !pointed[id] {
			heads = append(heads, id)
		}
	}
	if len(heads) > 1 {
		return fmt.Errorf("%w: %s has heads %v", ErrMultipleHeads, perspectiveID, heads)
	}

	// 3. Fold details and index data over every update.
	var details Details
	var from string
	indexes := make([]*IndexData, 0, len(updates))
	var lastHeadUpdate *Update
	for i, u := range updates {
		if u.Details.CanUpdate != nil {
			details.CanUpdate = u.Details.CanUpdate
		}
		if u.Details.GuardianID != "" {
			details.GuardianID = u.Details.GuardianID
		}
		if u.FromPerspectiveID != "" {
			from = u.FromPerspectiveID
		}
		indexes = append(indexes, u.IndexData)
		if len(heads) == 1 && u.Details.HeadID == heads[0] {
			lastHeadUpdate = &updates[i]
		}
	}
	index := CombineIndexData(indexes...)

	if len(heads) == 0 {
		result.Updates = append(result.Updates, Update{
			PerspectiveID:     perspectiveID,
			Details:           details,
			IndexData:         index,
			FromPerspectiveID: from,
		})
		return nil
	}
	head := heads[0]

	if !squash || len(ids) == 1 {
		u := *lastHeadUpdate
		u.Details.HeadID = head
		if details.CanUpdate != nil {
			u.Details.CanUpdate = details.CanUpdate
		}
		if details.GuardianID != "" {
			u.Details.GuardianID = details.GuardianID
		}
		if from != "" {
			u.FromPerspectiveID = from
		}
		u.IndexData = index
		result.Updates = append(result.Updates, u)
		return nil
	}

	// 4. Squash: one new commit re-parented on the external parents.
	var parents []string
	seen := make(map[string]bool)
	forking := ""
	for _, id := range ids {
		c := commits[id]
		for _, p := range c.ParentsIDs {
			if _, in := commits[p]; in || seen[p] {
				continue
			}
			seen[p] = true
			parents = append(parents, p)
		}
		if c.Forking != "" && forking == "" {
			if _, in := commits[c.Forking]; !in {
				forking = c.Forking
			}
		}
	}

	squashed := commits[head]
	squashed.ParentsIDs = parents
	if squashed.ParentsIDs == nil {
		squashed.ParentsIDs = []string{}
	}
	squashed.Forking = forking

	perspective, err := ResolvePerspective(ctx, resolver, perspectiveID)
	if err != nil {
		return fmt.Errorf("condensate %s: %w", perspectiveID, err)
	}
	e, err := resolver.HashObject(ctx, entity.Signed[Commit]{Payload: squashed}, perspective.Object.Payload.Remote, true)
	if err != nil {
		return fmt.Errorf("hash squashed commit: %w", err)
	}

	details.HeadID = e.Hash
	result.Updates = append(result.Updates, Update{
		PerspectiveID:     perspectiveID,
		Details:           details,
		IndexData:         index,
		FromPerspectiveID: from,
	})
	result.NewCommits = append(result.NewCommits, e.Hash)
	for _, id := range ids {
		if id != e.Hash {
			result.Dropped = append(result.Dropped, id)
		}
	}
	return nil
}

func commitEdges(c Commit) []string {
	if c.Forking == "" {
		return c.ParentsIDs
	}
	return append(append([]string{}, c.ParentsIDs...), c.Forking)
}

// CombineIndexData merges index data in order. A link added then removed
// ends up removed and vice versa; text takes the last non-empty value and
// ecosystems are unioned.
func CombineIndexData(list ...*IndexData) *IndexData {
	var out *IndexData
	var children, linksTo linkSet
	for _, d := range list {
		if d == nil {
			continue
		}
		if out == nil {
			out = &IndexData{}
		}
		if d.Text != "" {
			out.Text = d.Text
		}
		out.OnEcosystem = unionStrings(out.OnEcosystem, d.OnEcosystem)
		if d.LinkChanges != nil {
			children.apply(d.LinkChanges.Children)
			linksTo.apply(d.LinkChanges.LinksTo)
		}
	}
	if out == nil {
		return nil
	}
	if !children.empty() || !linksTo.empty() {
		out.LinkChanges = &LinkChanges{Children: children.changes(), LinksTo: linksTo.changes()}
	}
	return out
}

type linkSet struct {
	added   []string
	removed []string
}

func (s *linkSet) apply(c ArrayChanges) {
	for _, id := range c.Added {
		s.removed = removeString(s.removed, id)
		s.added = unionStrings(s.added, []string{id})
	}
	for _, id := range c.Removed {
		s.added = removeString(s.added, id)
		s.removed = unionStrings(s.removed, []string{id})
	}
}

func (s *linkSet) empty() bool { return len(s.added) == 0 && len(s.removed) == 0 }

func (s *linkSet) changes() ArrayChanges {
	return ArrayChanges{Added: s.added, Removed: s.removed}
}

func unionStrings(a, b []string) []string {
	for _, s := range b {
		found := false
		for _, x := range a {
			if x == s {
				found = true
				break
			}
		}
		if !found {
			a = append(a, s)
		}
	}
	return a
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
