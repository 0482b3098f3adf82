package ipfs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/logging"
)

// fakeKubo serves the block endpoints of a Kubo daemon from a map.
type fakeKubo struct {
	mu     sync.Mutex
	blocks map[string][]byte
	pinned map[string]bool
}

func (f *fakeKubo) fail(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"Message": msg})
}

func (f *fakeKubo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch r.URL.Path {
	case "/api/v0/id":
		json.NewEncoder(w).Encode(map[string]string{"ID": "12D3KooWtest"})

	case "/api/v0/block/put":
		file, _, err := r.FormFile("file")
		if err != nil {
			f.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		data, _ := io.ReadAll(file)
		codecs := map[string]uint64{"raw": gocid.Raw, "dag-json": gocid.DagJSON}
		codec, ok := codecs[q.Get("cid-codec")]
		if !ok {
			f.fail(w, http.StatusBadRequest, "unknown codec")
			return
		}
		mh, err := multihash.Sum(data, multihash.Names[q.Get("mhtype")], -1)
		if err != nil {
			f.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		c := gocid.NewCidV1(codec, mh)
		f.blocks[c.String()] = data
		if q.Get("pin") == "true" {
			f.pinned[c.String()] = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"Key": c.String(), "Size": len(data)})

	case "/api/v0/block/get", "/api/v0/block/rm":
		c, err := gocid.Decode(q.Get("arg"))
		if err != nil {
			f.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		data, ok := f.blocks[c.String()]
		if r.URL.Path == "/api/v0/block/rm" {
			delete(f.blocks, c.String())
			json.NewEncoder(w).Encode(map[string]string{"Hash": c.String()})
			return
		}
		if !ok {
			f.fail(w, http.StatusInternalServerError, "block was not found locally (offline): ipld: could not find "+c.String())
			return
		}
		w.Write(data)

	default:
		f.fail(w, http.StatusNotFound, "404 page not found")
	}
}

func openTestRemote(t *testing.T, opts ...Option) (*Remote, *fakeKubo) {
	t.Helper()
	fake := &fakeKubo{blocks: make(map[string][]byte), pinned: make(map[string]bool)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(logging.NewTestLogger(t))}, opts...)
	return NewRemote(NewKuboClient(srv.URL+"/api/v0/"), opts...), fake
}

func TestKuboClient_IsAvailable(t *testing.T) {
	r, _ := openTestRemote(t)
	if !r.kubo.IsAvailable(context.Background()) {
		t.Fatal("fake daemon should be available")
	}
	down := NewKuboClient("http://127.0.0.1:1/api/v0")
	if down.IsAvailable(context.Background()) {
		t.Fatal("closed port should not be available")
	}
}

func TestRemote_PersistGet(t *testing.T) {
	ctx := context.Background()
	r, fake := openTestRemote(t, WithPin(true))

	e, err := entity.DeriveEntity(map[string]string{"text": "hello"}, "ipfs", entity.DefaultCidConfig)
	if err != nil {
		t.Fatal(err)
	}
	hashes, err := r.HashObjects(ctx, []interface{}{map[string]string{"text": "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if hashes[0] != e.Hash {
		t.Fatalf("HashObjects = %s, want %s", hashes[0], e.Hash)
	}

	if err := r.PersistEntities(ctx, []entity.Entity{e}); err != nil {
		t.Fatalf("PersistEntities: %v", err)
	}
	if len(fake.blocks) != 1 || len(fake.pinned) != 1 {
		t.Fatalf("blocks = %d, pinned = %d", len(fake.blocks), len(fake.pinned))
	}

	missing, err := entity.Hash("missing", entity.DefaultCidConfig)
	if err != nil {
		t.Fatal(err)
	}
	// The daemon answers in base32; the entity keeps its own hash string.
	got, err := r.GetEntities(ctx, []string{e.Hash, missing})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if len(got) != 1 || got[0].Hash != e.Hash || string(got[0].Object) != string(e.Object) {
		t.Fatalf("got %+v", got)
	}

	if err := r.RemoveEntities(ctx, []string{e.Hash}); err != nil {
		t.Fatalf("RemoveEntities: %v", err)
	}
	got, err = r.GetEntities(ctx, []string{e.Hash})
	if err != nil || len(got) != 0 {
		t.Fatalf("after remove: %v, %v", got, err)
	}
}

func TestRemote_CidMismatch(t *testing.T) {
	ctx := context.Background()
	r, _ := openTestRemote(t)
	e, err := entity.DeriveEntity("original", "ipfs", entity.DefaultCidConfig)
	if err != nil {
		t.Fatal(err)
	}
	e.Object = []byte(`"tampered"`)
	err = r.PersistEntities(ctx, []entity.Entity{e})
	if err == nil || !strings.Contains(err.Error(), "stored") {
		t.Fatalf("err = %v, want cid mismatch", err)
	}
}

func TestRemote_UnsupportedCodec(t *testing.T) {
	ctx := context.Background()
	r, _ := openTestRemote(t)
	mh, _ := multihash.Sum([]byte("x"), multihash.SHA2_256, -1)
	c := gocid.NewCidV1(gocid.GitRaw, mh)
	err := r.PersistEntities(ctx, []entity.Entity{{Hash: c.String(), Object: []byte("x")}})
	if err == nil || !strings.Contains(err.Error(), "unsupported codec") {
		t.Fatalf("err = %v", err)
	}
}
