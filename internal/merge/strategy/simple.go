// Package strategy merges perspectives and commits of an evees façade.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/merge"
	"github.com/systemshift/evees/internal/pattern"
)

// Config tunes a merge.
type Config struct {
	// Detach parents merge commits on the to side only.
	Detach bool
	// ForceOwner forks perspectives found only on the from side into the
	// remote of the to side.
	ForceOwner bool
	GuardianID string
	// Remote holds new data and commits. Defaults to the remote of the
	// merged-into perspective.
	Remote string
}

type merger interface {
	MergePerspectives(ctx context.Context, toID, fromID string, cfg Config) (bool, error)
}

// Simple is a three-way merge of two perspective heads over their most recent
// common ancestor. The data merge is delegated to the behaviour of the from
// data.
type Simple struct {
	evees  *evees.Evees
	logger *logrus.Entry

	// links returns the link merger used while merging into toID.
	links func(toID string, cfg Config) pattern.LinkMerger
	// rebind builds the same strategy over another façade.
	rebind func(e *evees.Evees) merger
}

func NewSimple(e *evees.Evees) *Simple {
	s := &Simple{
		evees:  e,
		logger: e.Logger().WithField("merge", "simple"),
	}
	s.links = func(string, Config) pattern.LinkMerger { return arrayLinks{} }
	s.rebind = func(e *evees.Evees) merger { return NewSimple(e) }
	return s
}

type arrayLinks struct{}

func (arrayLinks) MergeLinks(_ context.Context, original []string, modifications [][]string) ([]string, error) {
	return merge.Arrays(original, modifications)
}

// MergePerspectivesExternal runs the merge on a clone of the façade and
// returns the resulting delta. Nothing is written to the façade's client.
func (s *Simple) MergePerspectivesExternal(ctx context.Context, toID, fromID string, cfg Config) (*evees.Mutation, error) {
	clone := s.evees.Clone(nil)
	defer clone.Close(ctx)

	if _, err := s.rebind(clone).MergePerspectives(ctx, toID, fromID, cfg); err != nil {
		return nil, err
	}
	return clone.Diff(ctx, nil)
}

// MergePerspectives merges the head of fromID into toID and reports whether
// toID was updated.
func (s *Simple) MergePerspectives(ctx context.Context, toID, fromID string, cfg Config) (bool, error) {
	return s.mergePerspectives(ctx, toID, fromID, cfg)
}

func (s *Simple) mergePerspectives(ctx context.Context, toID, fromID string, cfg Config) (bool, error) {
	if err := s.evees.AwaitPerspective(ctx, toID); err != nil {
		return false, err
	}
	toRes, err := s.evees.GetPerspective(ctx, toID, nil)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", toID, err)
	}
	fromRes, err := s.evees.GetPerspective(ctx, fromID, nil)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", fromID, err)
	}
	toHead, fromHead := toRes.Details.HeadID, fromRes.Details.HeadID
	if fromHead == "" || fromHead == toHead {
		return false, nil
	}

	remote := cfg.Remote
	if remote == "" {
		rm, err := s.evees.PerspectiveRemote(ctx, toID)
		if err != nil {
			return false, err
		}
		remote = rm.ID()
	}

	head, err := s.mergeCommits(ctx, toHead, fromHead, remote, cfg, s.links(toID, cfg))
	if err != nil {
		return false, err
	}
	if head == toHead {
		s.logger.WithFields(logrus.Fields{"to": toID, "from": fromID}).Debug("nothing to merge")
		return false, nil
	}

	_, data, err := evees.ResolveHead(ctx, s.evees.Resolver(), head)
	if err != nil {
		return false, err
	}
	index, err := s.evees.IndexData(ctx, data, toHead)
	if err != nil {
		return false, err
	}
	err = s.evees.UpdatePerspective(ctx, evees.Update{
		PerspectiveID: toID,
		Details:       evees.Details{HeadID: head, GuardianID: cfg.GuardianID},
		IndexData:     index,
	})
	if err != nil {
		return false, fmt.Errorf("update %s: %w", toID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"to":   toID,
		"from": fromID,
		"head": head,
	}).Info("merged perspectives")
	return true, nil
}

// MergeCommits merges fromCommit into toCommit and returns the resulting
// commit. It returns toCommit when the merge changes nothing. An empty
// toCommit merges into an empty object.
func (s *Simple) MergeCommits(ctx context.Context, toCommit, fromCommit, remote string, cfg Config) (string, error) {
	return s.mergeCommits(ctx, toCommit, fromCommit, remote, cfg, s.links("", cfg))
}

func (s *Simple) mergeCommits(ctx context.Context, toCommit, fromCommit, remote string, cfg Config, links pattern.LinkMerger) (string, error) {
	toBase, err := s.latestNonFork(ctx, toCommit)
	if err != nil {
		return "", err
	}
	fromBase, err := s.latestNonFork(ctx, fromCommit)
	if err != nil {
		return "", err
	}
	ancestor, err := s.commonAncestor(ctx, toBase, fromBase)
	if err != nil {
		return "", err
	}
	// An ancestor fromCommit still goes through the data merge, which then
	// yields toData: the link merger may have children to merge anyway.

	_, fromData, err := evees.ResolveHead(ctx, s.evees.Resolver(), fromCommit)
	if err != nil {
		return "", err
	}
	b, err := s.evees.Patterns().For(fromData.Object)
	if err != nil {
		return "", err
	}
	toData := b.Empty()
	if toCommit != "" {
		_, d, err := evees.ResolveHead(ctx, s.evees.Resolver(), toCommit)
		if err != nil {
			return "", err
		}
		toData = d.Object
	}
	original := b.Empty()
	if ancestor != "" {
		_, d, err := evees.ResolveHead(ctx, s.evees.Resolver(), ancestor)
		if err != nil {
			return "", err
		}
		original = d.Object
	}

	merged, err := b.Merge(ctx, original, []json.RawMessage{toData, fromData.Object}, links)
	if err != nil {
		return "", fmt.Errorf("merge %s into %s: %w", fromCommit, toCommit, err)
	}
	if toCommit != "" && entity.Equal(merged, toData) {
		return toCommit, nil
	}

	data, err := s.evees.CreateData(ctx, merged, remote)
	if err != nil {
		return "", err
	}
	parents := []string{}
	if toCommit != "" {
		parents = append(parents, toCommit)
	}
	if !cfg.Detach {
		parents = append(parents, fromCommit)
	}
	commit, err := s.evees.CreateCommit(ctx, evees.CommitOptions{
		DataID:     data.Hash,
		ParentsIDs: parents,
		Message:    "merge",
		Remote:     remote,
	})
	if err != nil {
		return "", err
	}
	return commit.Hash, nil
}

// latestNonFork follows forking edges of commits that only re-home the data
// they fork.
func (s *Simple) latestNonFork(ctx context.Context, commitID string) (string, error) {
	seen := make(map[string]bool)
	for commitID != "" && !seen[commitID] {
		seen[commitID] = true
		c, err := s.evees.GetCommit(ctx, commitID)
		if err != nil {
			return "", err
		}
		p := c.Object.Payload
		if p.Forking == "" || len(p.ParentsIDs) > 0 {
			return commitID, nil
		}
		target, err := s.evees.GetCommit(ctx, p.Forking)
		if err != nil {
			return "", err
		}
		if target.Object.Payload.DataID != p.DataID {
			return commitID, nil
		}
		commitID = p.Forking
	}
	return commitID, nil
}

// commonAncestor searches both histories one level at a time over parent and
// forking edges and returns the first commit reached from both sides.
func (s *Simple) commonAncestor(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", nil
	}
	seen := [2]map[string]bool{{a: true}, {b: true}}
	frontier := [2][]string{{a}, {b}}
	for len(frontier[0]) > 0 || len(frontier[1]) > 0 {
		for side := 0; side < 2; side++ {
			var next []string
			for _, id := range frontier[side] {
				if seen[1-side][id] {
					return id, nil
				}
				c, err := s.evees.GetCommit(ctx, id)
				if err != nil {
					return "", err
				}
				edges := c.Object.Payload.ParentsIDs
				if f := c.Object.Payload.Forking; f != "" {
					edges = append(append([]string{}, edges...), f)
				}
				for _, p := range edges {
					if !seen[side][p] {
						seen[side][p] = true
						next = append(next, p)
					}
				}
			}
			frontier[side] = next
		}
	}
	return "", nil
}
