package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/systemshift/evees/internal/evees"
)

// Refs keeps the mutable details of each perspective, one JSON file per
// perspective, plus an append-only journal of head changes.
type Refs struct {
	dir     string
	journal string
	mu      sync.Mutex
}

type refRecord struct {
	ID      string        `json:"id"`
	Details evees.Details `json:"details"`
}

// HeadChange is one line of the head journal.
type HeadChange struct {
	PerspectiveID string `json:"perspectiveId"`
	HeadID        string `json:"headId"`
	Time          int64  `json:"time"`
}

func NewRefs(dir, journal string) (*Refs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create refs dir: %w", err)
	}
	return &Refs{dir: dir, journal: journal}, nil
}

// refFilename maps a perspective id to a filename. CIDs use their base32
// form; anything else has ':' escaped.
func refFilename(id string) string {
	if name, err := CidFilename(id); err == nil {
		return name + ".json"
	}
	return strings.ReplaceAll(id, ":", "__") + ".json"
}

// Set writes the details of id and journals a head change.
func (r *Refs) Set(id string, d evees.Details) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.get(id)
	if err != nil {
		prev = nil
	}
	err = writeAtomic(filepath.Join(r.dir, refFilename(id)), 0644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(refRecord{ID: id, Details: d})
	})
	if err != nil {
		return fmt.Errorf("write ref %s: %w", id, err)
	}
	if d.HeadID != "" && (prev == nil || prev.HeadID != d.HeadID) {
		change := HeadChange{PerspectiveID: id, HeadID: d.HeadID, Time: time.Now().UnixMilli()}
		if err := appendRecord(r.journal, change); err != nil {
			return fmt.Errorf("journal head of %s: %w", id, err)
		}
	}
	return nil
}

func (r *Refs) get(id string) (*evees.Details, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, refFilename(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", evees.ErrPerspectiveNotFound, id)
		}
		return nil, fmt.Errorf("read ref %s: %w", id, err)
	}
	var rec refRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse ref %s: %w", id, err)
	}
	return &rec.Details, nil
}

// Get returns the details of id or evees.ErrPerspectiveNotFound.
func (r *Refs) Get(id string) (evees.Details, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.get(id)
	if err != nil {
		return evees.Details{}, err
	}
	return *d, nil
}

func (r *Refs) Has(id string) bool {
	_, err := os.Stat(filepath.Join(r.dir, refFilename(id)))
	return err == nil
}

func (r *Refs) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(filepath.Join(r.dir, refFilename(id)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete ref %s: %w", id, err)
	}
	return nil
}

// List returns every perspective id with details, sorted.
func (r *Refs) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec refRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse ref %s: %w", e.Name(), err)
		}
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// History returns the journaled head changes of id, oldest first. An empty
// id returns the whole journal.
func (r *Refs) History(id string) ([]HeadChange, error) {
	f, err := os.Open(r.journal)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []HeadChange
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var hc HeadChange
		if err := json.Unmarshal(line, &hc); err != nil {
			continue // skip a torn trailing line
		}
		if id == "" || hc.PerspectiveID == id {
			out = append(out, hc)
		}
	}
	return out, scanner.Err()
}
