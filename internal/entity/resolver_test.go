package entity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/systemshift/evees/internal/logging"
)

type failingRemote struct{ MemoryRemote }

func (f *failingRemote) GetEntities(ctx context.Context, hashes []string) ([]Entity, error) {
	return nil, errors.New("boom")
}

type slowRemote struct {
	*MemoryRemote
	cancelled atomic.Bool
}

func (s *slowRemote) GetEntities(ctx context.Context, hashes []string) ([]Entity, error) {
	select {
	case <-ctx.Done():
		s.cancelled.Store(true)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return s.MemoryRemote.GetEntities(ctx, hashes)
	}
}

func openTestResolver(t *testing.T) (*Resolver, *MemoryRemote) {
	t.Helper()
	r := NewResolver(WithResolverLogger(logging.NewTestLogger(t)))
	mem := NewMemoryRemote(DefaultCidConfig)
	r.AddRemote("mem", mem)
	return r, mem
}

func TestResolver_HashObjectPutIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	r, mem := openTestResolver(t)

	e, err := r.HashObject(ctx, map[string]interface{}{"text": "hi"}, "mem", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsNew(e.Hash) {
		t.Error("put entity should be new")
	}
	stored, _ := mem.GetEntities(ctx, []string{e.Hash})
	if len(stored) != 0 {
		t.Error("put must not persist to the remote")
	}

	got, err := r.GetEntity(ctx, e.Hash)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if string(got.Object) != `{"text":"hi"}` {
		t.Errorf("object = %s", got.Object)
	}

	r.MarkPersisted(e.Hash)
	if r.IsNew(e.Hash) {
		t.Error("entity still new after MarkPersisted")
	}
}

func TestResolver_FetchesFromRemote(t *testing.T) {
	ctx := context.Background()
	r, mem := openTestResolver(t)

	e, _ := DeriveEntity(map[string]interface{}{"v": 1}, "", DefaultCidConfig)
	mem.PersistEntities(ctx, []Entity{e})

	got, err := r.GetEntity(ctx, e.Hash)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Remote != "mem" {
		t.Errorf("Remote = %q, want mem", got.Remote)
	}
}

func TestResolver_NotFound(t *testing.T) {
	ctx := context.Background()
	r, _ := openTestResolver(t)
	r.AddRemote("broken", &failingRemote{})

	_, err := r.GetEntity(ctx, "zMissing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	got, err := r.TryGetEntity(ctx, "zMissing")
	if err != nil || got != nil {
		t.Errorf("TryGetEntity = %v, %v; want nil, nil", got, err)
	}
}

func TestResolver_FirstCompleteRemoteWins(t *testing.T) {
	ctx := context.Background()
	r, mem := openTestResolver(t)
	slow := &slowRemote{MemoryRemote: NewMemoryRemote(DefaultCidConfig)}
	r.AddRemote("slow", slow)

	e, _ := DeriveEntity(map[string]interface{}{"v": 2}, "", DefaultCidConfig)
	mem.PersistEntities(ctx, []Entity{e})
	slow.PersistEntities(ctx, []Entity{e})

	start := time.Now()
	if _, err := r.GetEntity(ctx, e.Hash); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lookup waited for the slow remote")
	}
	if !slow.cancelled.Load() {
		t.Error("slow remote was not cancelled")
	}
}

func TestResolver_RemoveRespectsReferences(t *testing.T) {
	ctx := context.Background()
	r, mem := openTestResolver(t)

	e, _ := DeriveEntity(map[string]interface{}{"v": 3}, "mem", DefaultCidConfig)
	mem.PersistEntities(ctx, []Entity{e})
	r.CacheEntities(e)

	r.Retain(e.Hash)
	if err := r.Remove(ctx, e.Hash); !errors.Is(err, ErrEntityReferenced) {
		t.Fatalf("err = %v, want ErrEntityReferenced", err)
	}

	r.Release(e.Hash)
	if err := r.Remove(ctx, e.Hash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	left, _ := mem.GetEntities(ctx, []string{e.Hash})
	if len(left) != 0 {
		t.Error("entity still on remote after Remove")
	}
}
