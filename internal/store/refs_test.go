package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
)

func openTestRefs(t *testing.T) *Refs {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRefs(filepath.Join(dir, "refs"), filepath.Join(dir, "heads.jsonl"))
	if err != nil {
		t.Fatalf("NewRefs: %v", err)
	}
	return r
}

func testHash(t *testing.T, s string) string {
	t.Helper()
	h, err := entity.HashBytes([]byte(s), entity.DefaultCidConfig)
	if err != nil {
		t.Fatalf("HashBytes: %v", err)
	}
	return h
}

func TestRefs_SetGet(t *testing.T) {
	r := openTestRefs(t)
	id := testHash(t, "perspective")

	if _, err := r.Get(id); !errors.Is(err, evees.ErrPerspectiveNotFound) {
		t.Fatalf("Get before Set: err = %v, want ErrPerspectiveNotFound", err)
	}
	if err := r.Set(id, evees.Details{HeadID: "h1", GuardianID: "g"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HeadID != "h1" || got.GuardianID != "g" {
		t.Errorf("Get = %+v", got)
	}
	if !r.Has(id) {
		t.Error("Has = false after Set")
	}
}

func TestRefs_ListAndDelete(t *testing.T) {
	r := openTestRefs(t)
	a, b := testHash(t, "a"), "did:key:z6Mk"
	r.Set(a, evees.Details{HeadID: "h"})
	r.Set(b, evees.Details{HeadID: "h"})

	ids, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List = %v, want 2 ids", ids)
	}
	for _, id := range []string{a, b} {
		if ids[0] != id && ids[1] != id {
			t.Errorf("List missing %s", id)
		}
	}

	if err := r.Delete(a); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(a); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	ids, _ = r.List()
	if len(ids) != 1 || ids[0] != b {
		t.Errorf("List after Delete = %v, want [%s]", ids, b)
	}
}

func TestRefs_HeadJournal(t *testing.T) {
	r := openTestRefs(t)
	a, b := testHash(t, "a"), testHash(t, "b")

	r.Set(a, evees.Details{HeadID: "h1"})
	r.Set(a, evees.Details{HeadID: "h1", GuardianID: "g"})
	r.Set(b, evees.Details{HeadID: "x"})
	r.Set(a, evees.Details{HeadID: "h2"})

	hist, err := r.History(a)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].HeadID != "h1" || hist[1].HeadID != "h2" {
		t.Errorf("History(a) = %+v, want heads h1 then h2", hist)
	}
	all, _ := r.History("")
	if len(all) != 3 {
		t.Errorf("History(\"\") has %d entries, want 3", len(all))
	}
}
