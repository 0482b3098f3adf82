package evees

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/systemshift/evees/internal/entity"
)

func putTestPerspective(t *testing.T, r *entity.Resolver) string {
	t.Helper()
	p, err := entity.DeriveSecured(Perspective{Remote: "mem", Path: "/", Context: "ctx"}, "mem", entity.DefaultCidConfig, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := p.Entity()
	if err != nil {
		t.Fatal(err)
	}
	r.PutEntity(e)
	return p.Hash
}

func putTestCommit(t *testing.T, r *entity.Resolver, data string, parents []string, forking string) string {
	t.Helper()
	if parents == nil {
		parents = []string{}
	}
	c := Commit{CreatorsIDs: []string{}, DataID: data, ParentsIDs: parents, Forking: forking, Timestamp: 1}
	e, err := r.HashObject(context.Background(), entity.Signed[Commit]{Payload: c}, "mem", true)
	if err != nil {
		t.Fatal(err)
	}
	return e.Hash
}

func TestCondensate_SquashExternalParents(t *testing.T) {
	ctx := context.Background()
	r := entity.NewResolver()
	id := putTestPerspective(t, r)
	c0 := putTestCommit(t, r, "d0", nil, "")
	c1 := putTestCommit(t, r, "d1", []string{c0}, "")
	c2 := putTestCommit(t, r, "d2", []string{c1}, "")

	c, err := Condensate(ctx, r, []Update{
		{PerspectiveID: id, Details: Details{HeadID: c1, GuardianID: "g"}},
		{PerspectiveID: id, Details: Details{HeadID: c2}},
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(c.Updates))
	}
	u := c.Updates[0]
	if u.Details.HeadID == c2 {
		t.Fatal("expected a new squashed commit")
	}
	if u.Details.GuardianID != "g" {
		t.Errorf("guardian = %q, want g", u.Details.GuardianID)
	}
	if !reflect.DeepEqual(c.NewCommits, []string{u.Details.HeadID}) {
		t.Errorf("new commits = %v", c.NewCommits)
	}
	if !reflect.DeepEqual(c.Dropped, []string{c1, c2}) {
		t.Errorf("dropped = %v, want [%s %s]", c.Dropped, c1, c2)
	}

	squashed, err := ResolveCommit(ctx, r, u.Details.HeadID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(squashed.Object.Payload.ParentsIDs, []string{c0}) {
		t.Errorf("parents = %v, want [%s]", squashed.Object.Payload.ParentsIDs, c0)
	}
	if squashed.Object.Payload.DataID != "d2" {
		t.Errorf("data = %s, want the head data", squashed.Object.Payload.DataID)
	}
}

func TestCondensate_KeepHeadWithoutSquash(t *testing.T) {
	r := entity.NewResolver()
	id := putTestPerspective(t, r)
	c1 := putTestCommit(t, r, "d1", nil, "")
	c2 := putTestCommit(t, r, "d2", []string{c1}, "")

	c, err := Condensate(context.Background(), r, []Update{
		{PerspectiveID: id, Details: Details{HeadID: c1, GuardianID: "g"}},
		{PerspectiveID: id, Details: Details{HeadID: c2}},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Updates) != 1 || c.Updates[0].Details.HeadID != c2 {
		t.Fatalf("updates = %+v, want head %s", c.Updates, c2)
	}
	if c.Updates[0].Details.GuardianID != "g" {
		t.Error("guardian not folded into the kept update")
	}
	if len(c.NewCommits) != 0 || len(c.Dropped) != 0 {
		t.Errorf("new %v dropped %v, want none", c.NewCommits, c.Dropped)
	}
}

func TestCondensate_SingleCommitKept(t *testing.T) {
	r := entity.NewResolver()
	id := putTestPerspective(t, r)
	c1 := putTestCommit(t, r, "d1", nil, "")

	c, err := Condensate(context.Background(), r, []Update{{PerspectiveID: id, Details: Details{HeadID: c1}}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if c.Updates[0].Details.HeadID != c1 || len(c.NewCommits) != 0 {
		t.Errorf("single commit was squashed: %+v", c)
	}
}

func TestCondensate_MultipleHeads(t *testing.T) {
	r := entity.NewResolver()
	id := putTestPerspective(t, r)
	c0 := putTestCommit(t, r, "d0", nil, "")
	a := putTestCommit(t, r, "a", []string{c0}, "")
	b := putTestCommit(t, r, "b", []string{c0}, "")

	_, err := Condensate(context.Background(), r, []Update{
		{PerspectiveID: id, Details: Details{HeadID: a}},
		{PerspectiveID: id, Details: Details{HeadID: b}},
	}, true)
	if !errors.Is(err, ErrMultipleHeads) {
		t.Fatalf("err = %v, want ErrMultipleHeads", err)
	}
}

func TestCondensate_ForkingEdgeLinksCommits(t *testing.T) {
	r := entity.NewResolver()
	id := putTestPerspective(t, r)
	a := putTestCommit(t, r, "a", nil, "")
	b := putTestCommit(t, r, "b", nil, a)

	c, err := Condensate(context.Background(), r, []Update{
		{PerspectiveID: id, Details: Details{HeadID: a}},
		{PerspectiveID: id, Details: Details{HeadID: b}},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if c.Updates[0].Details.HeadID != b {
		t.Errorf("head = %s, want %s", c.Updates[0].Details.HeadID, b)
	}
}

func TestCondensate_DetailsOnly(t *testing.T) {
	r := entity.NewResolver()
	c, err := Condensate(context.Background(), r, []Update{
		{PerspectiveID: "p", Details: Details{GuardianID: "g1"}},
		{PerspectiveID: "q", Details: Details{CanUpdate: boolPtr(false)}},
		{PerspectiveID: "p", Details: Details{GuardianID: "g2"}, FromPerspectiveID: "src"},
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(c.Updates))
	}
	p := c.Updates[0]
	if p.PerspectiveID != "p" || p.Details.GuardianID != "g2" || p.FromPerspectiveID != "src" {
		t.Errorf("p = %+v", p)
	}
	if q := c.Updates[1]; q.Details.CanUpdate == nil || *q.Details.CanUpdate {
		t.Errorf("q = %+v", q)
	}
}

func TestCombineIndexData(t *testing.T) {
	got := CombineIndexData(
		&IndexData{Text: "one", OnEcosystem: []string{"p"}, LinkChanges: &LinkChanges{Children: ArrayChanges{Added: []string{"x"}}}},
		nil,
		&IndexData{OnEcosystem: []string{"p", "root"}, LinkChanges: &LinkChanges{Children: ArrayChanges{Added: []string{"y"}, Removed: []string{"x", "z"}}}},
		&IndexData{Text: "two"},
	)
	if got.Text != "two" {
		t.Errorf("text = %q, want two", got.Text)
	}
	if !reflect.DeepEqual(got.OnEcosystem, []string{"p", "root"}) {
		t.Errorf("ecosystem = %v", got.OnEcosystem)
	}
	want := ArrayChanges{Added: []string{"y"}, Removed: []string{"x", "z"}}
	if !reflect.DeepEqual(got.LinkChanges.Children, want) {
		t.Errorf("children = %+v, want %+v", got.LinkChanges.Children, want)
	}

	if CombineIndexData(nil, nil) != nil {
		t.Error("combining nothing should give nil")
	}
}
