package evees

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEvees_DebounceCoalescesWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t, WithDebounce(time.Hour))
	id := createTestEvee(t, s, "v1")
	first := bufferedHead(t, s.buffer, id)

	for _, text := range []string{"v2", "v3"} {
		if err := s.evees.UpdatePerspectiveData(ctx, UpdateDataOptions{PerspectiveID: id, Object: node(text)}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.evees.GetPerspectiveData(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(pending.Data.Object) != `{"links":[],"text":"v3"}` {
		t.Errorf("pending data = %s, want v3", pending.Data.Object)
	}
	if got := bufferedHead(t, s.buffer, id); got != first {
		t.Fatal("debounced write reached the client early")
	}

	if err := s.evees.AwaitPending(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bufferedHead(t, s.buffer, id); got != pending.HeadID {
		t.Errorf("client head = %s, want %s", got, pending.HeadID)
	}
	if !reflect.DeepEqual(pending.Commit.Object.Payload.ParentsIDs, []string{first}) {
		t.Errorf("parents = %v, want the written head %s", pending.Commit.Object.Payload.ParentsIDs, first)
	}

	diff, err := s.evees.Diff(ctx, &DiffOptions{Under: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.NewPerspectives) != 1 || len(diff.Updates) != 1 {
		t.Errorf("diff has %d new perspectives and %d updates, want one of each",
			len(diff.NewPerspectives), len(diff.Updates))
	}
}

func TestEvees_DebounceFires(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t, WithDebounce(5*time.Millisecond))
	id := createTestEvee(t, s, "v1")
	first := bufferedHead(t, s.buffer, id)

	if err := s.evees.UpdatePerspectiveData(ctx, UpdateDataOptions{PerspectiveID: id, Object: node("v2")}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for bufferedHead(t, s.buffer, id) == first {
		if time.Now().After(deadline) {
			t.Fatal("debounced write never reached the client")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvees_LogAndAncestry(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	id := createTestEvee(t, s, "v1")
	for _, text := range []string{"v2", "v3"} {
		if err := s.evees.UpdatePerspectiveData(ctx, UpdateDataOptions{PerspectiveID: id, Object: node(text), Message: text}); err != nil {
			t.Fatal(err)
		}
	}

	log, err := s.evees.Log(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 {
		t.Fatalf("log has %d entries, want 3", len(log))
	}
	if log[0].Commit.Message != "v3" || log[1].Commit.Message != "v2" {
		t.Errorf("log order = %q, %q", log[0].Commit.Message, log[1].Commit.Message)
	}
	if short, _ := s.evees.Log(ctx, id, 2); len(short) != 2 {
		t.Errorf("limited log has %d entries", len(short))
	}

	ok, err := s.evees.IsAncestorCommit(ctx, log[2].Hash, log[0].Hash)
	if err != nil || !ok {
		t.Errorf("first commit not an ancestor of the head: %v %v", ok, err)
	}
	ok, err = s.evees.IsAncestorCommit(ctx, log[0].Hash, log[2].Hash)
	if err != nil || ok {
		t.Errorf("head reported as ancestor of the first commit: %v %v", ok, err)
	}
}

func TestEvees_NoHead(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	id, err := s.evees.CreateEvee(ctx, CreateEveeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.evees.GetPerspectiveData(ctx, id); !errors.Is(err, ErrNoHead) {
		t.Errorf("err = %v, want ErrNoHead", err)
	}
	d, err := s.evees.TryGetPerspectiveData(ctx, id)
	if err != nil || d != nil {
		t.Errorf("TryGetPerspectiveData = %v, %v", d, err)
	}
}

func TestEvees_AddAndRemoveChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	root := createTestEvee(t, s, "root")
	a, err := s.evees.AddNewChild(ctx, root, node("a"), -1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.evees.AddNewChild(ctx, root, node("b"), 0)
	if err != nil {
		t.Fatal(err)
	}

	children, err := s.evees.Children(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(children, []string{b, a}) {
		t.Fatalf("children = %v, want [%s %s]", children, b, a)
	}

	removed, err := s.evees.RemoveChild(ctx, root, 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != b {
		t.Errorf("removed %s, want %s", removed, b)
	}
	if children, _ := s.evees.Children(ctx, root); !reflect.DeepEqual(children, []string{a}) {
		t.Errorf("children = %v, want [%s]", children, a)
	}
	if _, err := s.evees.RemoveChild(ctx, root, 3); err == nil {
		t.Error("expected an out of range error")
	}

	located, err := s.buffer.Locate(ctx, a, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(located) != 1 || located[0].ParentID != root {
		t.Errorf("located = %+v, want parent %s", located, root)
	}
}

func TestEvees_ForkRecursive(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	root := createTestEvee(t, s, "root")
	child, err := s.evees.AddNewChild(ctx, root, node("child"), -1)
	if err != nil {
		t.Fatal(err)
	}
	original, err := s.evees.GetPerspectiveData(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	fork, err := s.evees.ForkPerspective(ctx, root, ForkOptions{Recursive: true})
	if err != nil {
		t.Fatal(err)
	}
	forked, err := s.evees.GetPerspectiveData(ctx, fork)
	if err != nil {
		t.Fatal(err)
	}
	if forked.Commit.Object.Payload.Forking != original.HeadID {
		t.Errorf("forking = %s, want %s", forked.Commit.Object.Payload.Forking, original.HeadID)
	}
	if len(forked.Commit.Object.Payload.ParentsIDs) != 0 {
		t.Errorf("fork commit has parents %v", forked.Commit.Object.Payload.ParentsIDs)
	}

	children, err := s.evees.Children(ctx, fork)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0] == child {
		t.Fatalf("fork children = %v, want one forked child", children)
	}
	childFork := children[0]

	src, err := ResolvePerspective(ctx, s.resolver, child)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := ResolvePerspective(ctx, s.resolver, childFork)
	if err != nil {
		t.Fatal(err)
	}
	if dst.Object.Payload.Context != src.Object.Payload.Context {
		t.Error("forked child does not share the original context")
	}
	if meta := dst.Object.Payload.Meta; meta == nil || meta.Forking == nil || meta.Forking.PerspectiveID != child {
		t.Errorf("forked child meta = %+v", meta)
	}
	res, err := s.evees.GetPerspective(ctx, childFork, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Details.GuardianID != fork {
		t.Errorf("forked child guardian = %s, want %s", res.Details.GuardianID, fork)
	}

	ok, err := s.evees.IsAncestorCommit(ctx, original.HeadID, forked.HeadID)
	if err != nil || !ok {
		t.Errorf("original head not reachable from the fork: %v %v", ok, err)
	}
}

func TestEvees_Clone(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	id := createTestEvee(t, s, "v1")
	before := bufferedHead(t, s.buffer, id)

	clone := s.evees.Clone(nil)
	defer clone.Close(ctx)
	if err := clone.UpdatePerspectiveData(ctx, UpdateDataOptions{PerspectiveID: id, Object: node("draft")}); err != nil {
		t.Fatal(err)
	}
	draft, err := clone.GetPerspective(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Details.HeadID == before {
		t.Fatal("clone did not see its own write")
	}
	if got := bufferedHead(t, s.buffer, id); got != before {
		t.Fatal("clone write leaked into the original")
	}

	if err := clone.Flush(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if got := bufferedHead(t, s.buffer, id); got != draft.Details.HeadID {
		t.Errorf("head after clone flush = %s, want %s", got, draft.Details.HeadID)
	}
}

func TestEvees_Explore(t *testing.T) {
	ctx := context.Background()
	s := openTestStack(t)
	flushed := createTestEvee(t, s, "on the remote")
	if err := s.evees.Flush(ctx, nil); err != nil {
		t.Fatal(err)
	}
	buffered := createTestEvee(t, s, "only buffered")

	res, err := s.evees.Explore(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PerspectiveIDs) != 2 {
		t.Fatalf("explore = %v, want both %s and %s", res.PerspectiveIDs, flushed, buffered)
	}

	res, err = s.evees.Explore(ctx, &SearchOptions{Text: "BUFFERED"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range res.PerspectiveIDs {
		found = found || id == buffered
	}
	if !found {
		t.Errorf("text search missed the buffered perspective: %v", res.PerspectiveIDs)
	}

	res, err = s.evees.Explore(ctx, &SearchOptions{First: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PerspectiveIDs) != 1 || res.Ended {
		t.Errorf("paged explore = %+v", res)
	}
}

func TestAutoFlusher(t *testing.T) {
	s := openTestStack(t)
	id := createTestEvee(t, s, "auto")

	f := NewAutoFlusher(s.evees, 5*time.Millisecond, FlushOptions{})
	f.Start()
	defer f.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.remote.head(id) == "" {
		if time.Now().After(deadline) {
			t.Fatal("auto flush never reached the remote")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
