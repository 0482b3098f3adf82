package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/systemshift/evees/internal/merge"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestRegistry_For(t *testing.T) {
	r := Default()

	b, err := r.For(raw(`{"text":"hi","links":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if b.Type() != "node" {
		t.Errorf("type = %s, want node", b.Type())
	}

	b, err = r.For(raw(`{"v":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if b.Type() != "record" {
		t.Errorf("type = %s, want record", b.Type())
	}
}

func TestRegistry_NotFound(t *testing.T) {
	_, err := Default().For(raw(`"just a string"`))
	if !errors.Is(err, ErrBehaviourNotFound) {
		t.Fatalf("err = %v, want ErrBehaviourNotFound", err)
	}
	var nf *BehaviourNotFoundError
	if !errors.As(err, &nf) || string(nf.Object) != `"just a string"` {
		t.Errorf("error does not carry the object: %v", err)
	}
}

func TestNode_ChildrenAndReplace(t *testing.T) {
	data := raw(`{"text":"root","links":["a","b"]}`)
	kids, err := Node{}.Children(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(kids, []string{"a", "b"}) {
		t.Errorf("children = %v", kids)
	}

	out, err := Node{}.ReplaceChildren(data, []string{"c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"links":["c"],"text":"root"}` {
		t.Errorf("replaced = %s", out)
	}
}

func TestNode_Merge(t *testing.T) {
	orig := raw(`{"text":"a","links":["x"]}`)
	m1 := raw(`{"text":"b","links":["x"]}`)
	m2 := raw(`{"text":"a","links":["x","y"]}`)

	out, err := Node{}.Merge(context.Background(), orig, []json.RawMessage{m1, m2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"links":["x","y"],"text":"b"}` {
		t.Errorf("merged = %s", out)
	}
}

func TestNode_MergeConflict(t *testing.T) {
	orig := raw(`{"text":"a","links":[]}`)
	_, err := Node{}.Merge(context.Background(), orig, []json.RawMessage{
		raw(`{"text":"b","links":[]}`),
		raw(`{"text":"c","links":[]}`),
	}, nil)
	if !errors.Is(err, merge.ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
}

func TestRecord_MergeThreeWay(t *testing.T) {
	out, err := Record{}.Merge(context.Background(), raw(`{"v":1}`), []json.RawMessage{
		raw(`{"v":2}`),
		raw(`{"v":1,"flag":true}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"flag":true,"v":2}` {
		t.Errorf("merged = %s", out)
	}
}

func TestRecord_MergeRemovesKey(t *testing.T) {
	out, err := Record{}.Merge(context.Background(), raw(`{"a":1,"b":2}`), []json.RawMessage{
		raw(`{"a":1}`),
		raw(`{"a":1,"b":2}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("merged = %s", out)
	}
}

type prefixMerger struct{ calls int }

func (p *prefixMerger) MergeLinks(_ context.Context, original []string, mods [][]string) ([]string, error) {
	p.calls++
	return merge.Arrays(original, mods)
}

func TestRecord_MergeLinksUsesMerger(t *testing.T) {
	m := &prefixMerger{}
	out, err := Record{}.Merge(context.Background(), raw(`{"links":["a"]}`), []json.RawMessage{
		raw(`{"links":["a","b"]}`),
		raw(`{"links":["a"]}`),
	}, m)
	if err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Errorf("link merger called %d times", m.calls)
	}
	if string(out) != `{"links":["a","b"]}` {
		t.Errorf("merged = %s", out)
	}
}

func TestDiffLinks(t *testing.T) {
	added, removed := DiffLinks([]string{"a", "b"}, []string{"b", "c"})
	if !reflect.DeepEqual(added, []string{"c"}) || !reflect.DeepEqual(removed, []string{"a"}) {
		t.Errorf("added %v removed %v", added, removed)
	}
}
