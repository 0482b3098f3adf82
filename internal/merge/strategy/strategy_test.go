package strategy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/local"
	"github.com/systemshift/evees/internal/logging"
	"github.com/systemshift/evees/internal/merge"
	"github.com/systemshift/evees/internal/pattern"
)

func openTestEvees(t *testing.T) *evees.Evees {
	t.Helper()
	logger := logging.NewTestLogger(t)
	resolver := entity.NewResolver(entity.WithResolverLogger(logger))
	remote, err := local.Open(t.TempDir(), "local", resolver, local.WithLogger(logger))
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(remote.Close)
	router := evees.NewRouter(resolver, []evees.ClientRemote{remote}, evees.WithLogger(logger))
	t.Cleanup(router.Close)
	return evees.New(router, resolver, router, pattern.Default(), evees.WithLogger(logger))
}

func node(text string, links ...string) map[string]interface{} {
	if links == nil {
		links = []string{}
	}
	return map[string]interface{}{"text": text, "links": links}
}

func commit(t *testing.T, e *evees.Evees, object interface{}, parents ...string) string {
	t.Helper()
	ctx := context.Background()
	data, err := e.CreateData(ctx, object, "local")
	if err != nil {
		t.Fatalf("CreateData: %v", err)
	}
	c, err := e.CreateCommit(ctx, evees.CommitOptions{DataID: data.Hash, ParentsIDs: parents, Remote: "local"})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	return c.Hash
}

func headData(t *testing.T, e *evees.Evees, id string) *evees.PerspectiveData {
	t.Helper()
	d, err := e.GetPerspectiveData(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPerspectiveData(%s): %v", id, err)
	}
	return d
}

func nodeText(t *testing.T, d *evees.PerspectiveData) string {
	t.Helper()
	var n pattern.NodeData
	if err := d.Data.Decode(&n); err != nil {
		t.Fatal(err)
	}
	return n.Text
}

func TestMergeCommits_ThreeWay(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)

	c1 := commit(t, e, map[string]interface{}{"flag": false, "v": 1})
	c2 := commit(t, e, map[string]interface{}{"flag": true, "v": 1}, c1)
	c3 := commit(t, e, map[string]interface{}{"flag": false, "v": 2}, c1)

	merged, err := NewSimple(e).MergeCommits(ctx, c2, c3, "local", Config{})
	if err != nil {
		t.Fatalf("MergeCommits: %v", err)
	}
	c, data, err := evees.ResolveHead(ctx, e.Resolver(), merged)
	if err != nil {
		t.Fatalf("ResolveHead: %v", err)
	}
	if string(data.Object) != `{"flag":true,"v":2}` {
		t.Errorf("merged data = %s", data.Object)
	}
	if !reflect.DeepEqual(c.Object.Payload.ParentsIDs, []string{c2, c3}) {
		t.Errorf("parents = %v, want [c2 c3]", c.Object.Payload.ParentsIDs)
	}
}

func TestMergeCommits_FastPaths(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)
	s := NewSimple(e)

	c1 := commit(t, e, node("a"))
	c2 := commit(t, e, node("b"), c1)

	// from is already an ancestor of to.
	got, err := s.MergeCommits(ctx, c2, c1, "local", Config{})
	if err != nil || got != c2 {
		t.Errorf("MergeCommits(c2, c1) = %s, %v; want c2", got, err)
	}

	// an empty to side adopts the from data.
	got, err = s.MergeCommits(ctx, "", c2, "local", Config{Detach: true})
	if err != nil {
		t.Fatalf("MergeCommits into empty: %v", err)
	}
	c, data, _ := evees.ResolveHead(ctx, e.Resolver(), got)
	if string(data.Object) != `{"links":[],"text":"b"}` {
		t.Errorf("data = %s", data.Object)
	}
	if len(c.Object.Payload.ParentsIDs) != 0 {
		t.Errorf("detached merge into empty has parents %v", c.Object.Payload.ParentsIDs)
	}
}

func TestMergeCommits_Conflict(t *testing.T) {
	e := openTestEvees(t)
	c1 := commit(t, e, node("base"))
	c2 := commit(t, e, node("left"), c1)
	c3 := commit(t, e, node("right"), c1)

	_, err := NewSimple(e).MergeCommits(context.Background(), c2, c3, "local", Config{})
	if !errors.Is(err, merge.ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
}

func TestMergePerspectives_Fork(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)
	s := NewSimple(e)

	p, err := e.CreateEvee(ctx, evees.CreateEveeOptions{Object: node("hello")})
	if err != nil {
		t.Fatalf("CreateEvee: %v", err)
	}
	before := headData(t, e, p).HeadID
	f, err := e.ForkPerspective(ctx, p, evees.ForkOptions{})
	if err != nil {
		t.Fatalf("ForkPerspective: %v", err)
	}
	if err := e.UpdatePerspectiveData(ctx, evees.UpdateDataOptions{PerspectiveID: f, Object: node("hello world")}); err != nil {
		t.Fatalf("UpdatePerspectiveData: %v", err)
	}
	fromHead := headData(t, e, f).HeadID

	updated, err := s.MergePerspectives(ctx, p, f, Config{})
	if err != nil {
		t.Fatalf("MergePerspectives: %v", err)
	}
	if !updated {
		t.Fatal("MergePerspectives reported no update")
	}
	after := headData(t, e, p)
	if nodeText(t, after) != "hello world" {
		t.Errorf("merged text = %q", nodeText(t, after))
	}
	if !reflect.DeepEqual(after.Commit.Object.Payload.ParentsIDs, []string{before, fromHead}) {
		t.Errorf("merge parents = %v", after.Commit.Object.Payload.ParentsIDs)
	}

	updated, err = s.MergePerspectives(ctx, p, f, Config{})
	if err != nil {
		t.Fatalf("second MergePerspectives: %v", err)
	}
	if updated {
		t.Error("merging an already merged fork updated the perspective")
	}
}

func TestMergePerspectivesExternal(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)

	p, _ := e.CreateEvee(ctx, evees.CreateEveeOptions{Object: node("draft")})
	before := headData(t, e, p).HeadID
	f, _ := e.ForkPerspective(ctx, p, evees.ForkOptions{})
	if err := e.UpdatePerspectiveData(ctx, evees.UpdateDataOptions{PerspectiveID: f, Object: node("final")}); err != nil {
		t.Fatalf("UpdatePerspectiveData: %v", err)
	}

	m, err := NewSimple(e).MergePerspectivesExternal(ctx, p, f, Config{})
	if err != nil {
		t.Fatalf("MergePerspectivesExternal: %v", err)
	}
	if len(m.Updates) != 1 || m.Updates[0].PerspectiveID != p {
		t.Fatalf("external merge delta = %+v", m.Updates)
	}
	if got := headData(t, e, p).HeadID; got != before {
		t.Errorf("external merge moved the head to %s", got)
	}
}

func TestRecursiveContext_KeepsIdentity(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)

	root, err := e.CreateEvee(ctx, evees.CreateEveeOptions{Object: node("root")})
	if err != nil {
		t.Fatalf("CreateEvee: %v", err)
	}
	child, err := e.AddNewChild(ctx, root, node("leaf"), -1)
	if err != nil {
		t.Fatalf("AddNewChild: %v", err)
	}
	fork, err := e.ForkPerspective(ctx, root, evees.ForkOptions{Recursive: true})
	if err != nil {
		t.Fatalf("ForkPerspective: %v", err)
	}
	forkChildren, err := e.Children(ctx, fork)
	if err != nil || len(forkChildren) != 1 || forkChildren[0] == child {
		t.Fatalf("fork children = %v, %v", forkChildren, err)
	}
	if err := e.UpdatePerspectiveData(ctx, evees.UpdateDataOptions{PerspectiveID: forkChildren[0], Object: node("leaf edited")}); err != nil {
		t.Fatalf("UpdatePerspectiveData: %v", err)
	}

	if _, err := NewRecursiveContext(e).MergePerspectives(ctx, root, fork, Config{}); err != nil {
		t.Fatalf("MergePerspectives: %v", err)
	}
	children, err := e.Children(ctx, root)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if !reflect.DeepEqual(children, []string{child}) {
		t.Errorf("root children = %v, want [%s]", children, child)
	}
	if got := nodeText(t, headData(t, e, child)); got != "leaf edited" {
		t.Errorf("child text = %q, want %q", got, "leaf edited")
	}
}

func TestRecursiveContext_ForceOwnerForksNewChildren(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)

	root, _ := e.CreateEvee(ctx, evees.CreateEveeOptions{Object: node("root")})
	fork, err := e.ForkPerspective(ctx, root, evees.ForkOptions{Recursive: true})
	if err != nil {
		t.Fatalf("ForkPerspective: %v", err)
	}
	added, err := e.AddNewChild(ctx, fork, node("only on fork"), -1)
	if err != nil {
		t.Fatalf("AddNewChild: %v", err)
	}

	updated, err := NewRecursiveContext(e).MergePerspectives(ctx, root, fork, Config{ForceOwner: true})
	if err != nil {
		t.Fatalf("MergePerspectives: %v", err)
	}
	if !updated {
		t.Fatal("root not updated")
	}
	children, _ := e.Children(ctx, root)
	if len(children) != 1 || children[0] == added {
		t.Fatalf("root children = %v, want one fork of %s", children, added)
	}
	if got := nodeText(t, headData(t, e, children[0])); got != "only on fork" {
		t.Errorf("forked child text = %q", got)
	}
	res, err := e.GetPerspective(ctx, children[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Details.GuardianID != root {
		t.Errorf("forked child guardian = %s, want %s", res.Details.GuardianID, root)
	}
}

func TestRecursiveContext_PullsUpstreamIntoFork(t *testing.T) {
	ctx := context.Background()
	e := openTestEvees(t)

	root, err := e.CreateEvee(ctx, evees.CreateEveeOptions{Object: node("root")})
	if err != nil {
		t.Fatalf("CreateEvee: %v", err)
	}
	child, err := e.AddNewChild(ctx, root, node("leaf"), -1)
	if err != nil {
		t.Fatalf("AddNewChild: %v", err)
	}
	fork, err := e.ForkPerspective(ctx, root, evees.ForkOptions{Recursive: true})
	if err != nil {
		t.Fatalf("ForkPerspective: %v", err)
	}
	// Only the leaf changes upstream: the root head of the original stays an
	// ancestor of the fork's root head.
	if err := e.UpdatePerspectiveData(ctx, evees.UpdateDataOptions{PerspectiveID: child, Object: node("leaf upstream")}); err != nil {
		t.Fatalf("UpdatePerspectiveData: %v", err)
	}
	forkHead := headData(t, e, fork).HeadID

	if _, err := NewRecursiveContext(e).MergePerspectives(ctx, fork, root, Config{}); err != nil {
		t.Fatalf("MergePerspectives: %v", err)
	}
	forkChildren, err := e.Children(ctx, fork)
	if err != nil || len(forkChildren) != 1 || forkChildren[0] == child {
		t.Fatalf("fork children = %v, %v", forkChildren, err)
	}
	if got := nodeText(t, headData(t, e, forkChildren[0])); got != "leaf upstream" {
		t.Errorf("fork child text = %q, want %q", got, "leaf upstream")
	}
	if got := headData(t, e, fork).HeadID; got != forkHead {
		t.Errorf("fork root head moved to %s although its data did not change", got)
	}
}
