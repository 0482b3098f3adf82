package evees

import (
	"context"
	"fmt"

	"github.com/systemshift/evees/internal/entity"
)

// LogEntry is one commit of a perspective history.
type LogEntry struct {
	Hash   string
	Commit Commit
	Proof  entity.Proof
}

// Log walks the first-parent chain from the head of perspectiveID, returning
// up to n commits (newest first). n <= 0 means no limit.
func (e *Evees) Log(ctx context.Context, perspectiveID string, n int) ([]LogEntry, error) {
	res, err := e.GetPerspective(ctx, perspectiveID, nil)
	if err != nil {
		return nil, err
	}
	var entries []LogEntry
	current := res.Details.HeadID
	seen := make(map[string]bool)
	for current != "" && (n <= 0 || len(entries) < n) && !seen[current] {
		seen[current] = true
		commit, err := ResolveCommit(ctx, e.resolver, current)
		if err != nil {
			return entries, fmt.Errorf("log %s: %w", perspectiveID, err)
		}
		entries = append(entries, LogEntry{Hash: current, Commit: commit.Object.Payload, Proof: commit.Object.Proof})

		// Follow the first parent
		if len(commit.Object.Payload.ParentsIDs) == 0 {
			break
		}
		current = commit.Object.Payload.ParentsIDs[0]
	}
	return entries, nil
}

// IsAncestorCommit reports whether ancestorID is reachable from commitID
// through parents or forking edges. A commit is its own ancestor.
func (e *Evees) IsAncestorCommit(ctx context.Context, ancestorID, commitID string) (bool, error) {
	visited := map[string]bool{commitID: true}
	queue := []string{commitID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == ancestorID {
			return true, nil
		}
		commit, err := ResolveCommit(ctx, e.resolver, id)
		if err != nil {
			return false, err
		}
		for _, next := range commitEdges(commit.Object.Payload) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false, nil
}
