package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/logging"
)

func openTestMutations(t *testing.T, dir string) *BadgerMutationStore {
	t.Helper()
	s, err := OpenBadgerMutationStore(dir, logging.NewTestLogger(t))
	if err != nil {
		t.Fatalf("OpenBadgerMutationStore: %v", err)
	}
	return s
}

func testNewPerspective(t *testing.T, context string, onEcosystem ...string) evees.NewPerspective {
	t.Helper()
	p, err := entity.DeriveSecured(evees.Perspective{Remote: "local", Context: context}, "local", entity.DefaultCidConfig, nil)
	if err != nil {
		t.Fatalf("DeriveSecured: %v", err)
	}
	return evees.NewPerspective{
		Perspective: p,
		Update: evees.Update{
			PerspectiveID: p.Hash,
			Details:       evees.Details{HeadID: "h0"},
			IndexData:     &evees.IndexData{OnEcosystem: append([]string{p.Hash}, onEcosystem...)},
		},
	}
}

func TestBadgerMutationStore_UpdatesOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTestMutations(t, "")
	defer s.Close()

	add := func(head string, ts int64) {
		t.Helper()
		if err := s.AddUpdate(ctx, evees.Update{PerspectiveID: "p", Details: evees.Details{HeadID: head}}, ts); err != nil {
			t.Fatalf("AddUpdate: %v", err)
		}
	}
	add("late", 20)
	add("early", 10)
	add("same-1", 15)
	add("same-2", 15)
	add("negative", -5)

	updates, err := s.GetUpdates(ctx, nil)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	want := []string{"negative", "early", "same-1", "same-2", "late"}
	if len(updates) != len(want) {
		t.Fatalf("got %d updates, want %d", len(updates), len(want))
	}
	for i, u := range updates {
		if u.Details.HeadID != want[i] {
			t.Errorf("update %d head = %s, want %s", i, u.Details.HeadID, want[i])
		}
	}
}

func TestBadgerMutationStore_Filters(t *testing.T) {
	ctx := context.Background()
	s := openTestMutations(t, "")
	defer s.Close()

	root := testNewPerspective(t, "root")
	child := testNewPerspective(t, "child", root.Perspective.Hash)
	s.NewPerspective(ctx, root)
	s.NewPerspective(ctx, child)
	s.AddUpdate(ctx, evees.Update{
		PerspectiveID: child.Perspective.Hash,
		Details:       evees.Details{HeadID: "h1"},
		IndexData:     &evees.IndexData{OnEcosystem: []string{child.Perspective.Hash, root.Perspective.Hash}},
	}, 1)
	s.DeletedPerspective(ctx, "gone", []string{"gone", root.Perspective.Hash})

	under := &evees.MutationFilter{Under: root.Perspective.Hash}
	nps, _ := s.GetNewPerspectives(ctx, under)
	if len(nps) != 2 {
		t.Errorf("new perspectives under root = %d, want 2", len(nps))
	}
	only := &evees.MutationFilter{PerspectiveID: child.Perspective.Hash}
	nps, _ = s.GetNewPerspectives(ctx, only)
	if len(nps) != 1 || nps[0].Perspective.Hash != child.Perspective.Hash {
		t.Fatalf("filter by id = %+v", nps)
	}
	if nps[0].Perspective.Object.Payload.Context != "child" {
		t.Errorf("perspective payload not decoded: %+v", nps[0].Perspective.Object.Payload)
	}
	deleted, _ := s.GetDeletedPerspectives(ctx, under)
	if len(deleted) != 1 || deleted[0] != "gone" {
		t.Errorf("deleted under root = %v", deleted)
	}
	deleted, _ = s.GetDeletedPerspectives(ctx, &evees.MutationFilter{Under: "elsewhere"})
	if len(deleted) != 0 {
		t.Errorf("deleted under elsewhere = %v", deleted)
	}
}

func TestBadgerMutationStore_EntitiesAndDiff(t *testing.T) {
	ctx := context.Background()
	s := openTestMutations(t, "")
	defer s.Close()

	e1, _ := entity.DeriveEntity(map[string]interface{}{"text": "one"}, "local", entity.DefaultCidConfig)
	e2, _ := entity.DeriveEntity(map[string]interface{}{"text": "two"}, "local", entity.DefaultCidConfig)
	if err := s.AddEntities(ctx, []entity.Entity{e1, e2}); err != nil {
		t.Fatalf("AddEntities: %v", err)
	}
	got, err := s.GetEntities(ctx, []string{e2.Hash, "missing"})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if len(got) != 1 || got[0].Hash != e2.Hash || string(got[0].Object) != string(e2.Object) || got[0].Remote != "local" {
		t.Fatalf("GetEntities = %+v", got)
	}

	np := testNewPerspective(t, "ctx")
	s.NewPerspective(ctx, np)
	diff, err := s.Diff(ctx, nil)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.NewPerspectives) != 1 || len(diff.Entities) != 2 || len(diff.EntitiesHashes) != 2 {
		t.Errorf("Diff = %d new, %d entities, %d hashes", len(diff.NewPerspectives), len(diff.Entities), len(diff.EntitiesHashes))
	}
	diff, _ = s.Diff(ctx, &evees.MutationFilter{PerspectiveID: np.Perspective.Hash})
	if len(diff.Entities) != 0 {
		t.Errorf("filtered Diff carries %d entities, want 0", len(diff.Entities))
	}
}

func TestBadgerMutationStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := openTestMutations(t, "")
	defer s.Close()

	np := testNewPerspective(t, "ctx")
	u := evees.Update{PerspectiveID: "p", Details: evees.Details{HeadID: "h"}}
	e, _ := entity.DeriveEntity("x", "local", entity.DefaultCidConfig)
	s.NewPerspective(ctx, np)
	s.AddUpdate(ctx, u, 1)
	s.AddUpdate(ctx, u, 2)
	s.DeletedPerspective(ctx, "d", nil)
	s.AddEntities(ctx, []entity.Entity{e})

	err := s.Clear(ctx, &evees.Mutation{
		NewPerspectives:     []evees.NewPerspective{np},
		Updates:             []evees.Update{u},
		DeletedPerspectives: []string{"d"},
		EntitiesHashes:      []string{e.Hash},
	})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	diff, _ := s.Diff(ctx, nil)
	if len(diff.NewPerspectives) != 0 || len(diff.DeletedPerspectives) != 0 || len(diff.Entities) != 0 {
		t.Errorf("elements left after Clear: %+v", diff)
	}
	if len(diff.Updates) != 1 {
		t.Errorf("updates after clearing one of two equal = %d, want 1", len(diff.Updates))
	}

	if err := s.Clear(ctx, nil); err != nil {
		t.Fatalf("Clear(nil): %v", err)
	}
	diff, _ = s.Diff(ctx, nil)
	if !diff.Empty() {
		t.Errorf("store not empty after Clear(nil): %+v", diff)
	}
}

func TestBadgerMutationStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "buffer")

	s := openTestMutations(t, dir)
	np := testNewPerspective(t, "ctx")
	s.NewPerspective(ctx, np)
	s.AddUpdate(ctx, evees.Update{PerspectiveID: np.Perspective.Hash, Details: evees.Details{HeadID: "h2"}}, 5)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestMutations(t, dir)
	defer s.Close()
	diff, err := s.Diff(ctx, nil)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.NewPerspectives) != 1 || diff.NewPerspectives[0].Perspective.Hash != np.Perspective.Hash {
		t.Fatalf("new perspective lost across reopen: %+v", diff.NewPerspectives)
	}
	if len(diff.Updates) != 1 || diff.Updates[0].Details.HeadID != "h2" {
		t.Errorf("update lost across reopen: %+v", diff.Updates)
	}
}

func TestBadgerMutationStore_ReplacesNewPerspective(t *testing.T) {
	ctx := context.Background()
	s := openTestMutations(t, "")
	defer s.Close()

	np := testNewPerspective(t, "ctx")
	if err := s.NewPerspective(ctx, np); err != nil {
		t.Fatalf("NewPerspective: %v", err)
	}
	np.Update.Details.HeadID = "h1"
	s.NewPerspective(ctx, np)
	nps, _ := s.GetNewPerspectives(ctx, nil)
	if len(nps) != 1 || nps[0].Update.Details.HeadID != "h1" {
		t.Errorf("GetNewPerspectives = %+v", nps)
	}
}
