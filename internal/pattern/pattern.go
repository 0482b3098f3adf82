// Package pattern recognizes data objects and provides the behaviours the
// engine needs from them: child links, link replacement, three-way merge and
// an empty placeholder.
package pattern

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBehaviourNotFound = errors.New("pattern: behaviour not found")

// BehaviourNotFoundError carries the object no registered behaviour recognized.
type BehaviourNotFoundError struct {
	Object json.RawMessage
}

func (e *BehaviourNotFoundError) Error() string {
	obj := e.Object
	if len(obj) > 120 {
		obj = append(obj[:120:120], "..."...)
	}
	return fmt.Sprintf("pattern: no behaviour for %s", obj)
}

func (e *BehaviourNotFoundError) Unwrap() error { return ErrBehaviourNotFound }

// LinkMerger merges child link arrays. Merge strategies supply their own so
// that links can be keyed by something other than the raw id.
type LinkMerger interface {
	MergeLinks(ctx context.Context, original []string, modifications [][]string) ([]string, error)
}

// Behaviour is implemented once per data type.
type Behaviour interface {
	Type() string
	Recognize(data json.RawMessage) bool
	Children(data json.RawMessage) ([]string, error)
	ReplaceChildren(data json.RawMessage, children []string) (json.RawMessage, error)
	Text(data json.RawMessage) string
	Merge(ctx context.Context, original json.RawMessage, modifications []json.RawMessage, links LinkMerger) (json.RawMessage, error)
	Empty() json.RawMessage
}

// Registry resolves data objects to behaviours. Behaviours are tried in
// registration order.
type Registry struct {
	behaviours []Behaviour
}

// NewRegistry creates a registry over behaviours.
func NewRegistry(behaviours ...Behaviour) *Registry {
	return &Registry{behaviours: behaviours}
}

// Default returns a registry with the built-in Node and Record types.
func Default() *Registry {
	return NewRegistry(Node{}, Record{})
}

// For returns the first behaviour recognizing data.
func (r *Registry) For(data json.RawMessage) (Behaviour, error) {
	for _, b := range r.behaviours {
		if b.Recognize(data) {
			return b, nil
		}
	}
	return nil, &BehaviourNotFoundError{Object: data}
}

// ByType returns the behaviour registered under typ.
func (r *Registry) ByType(typ string) (Behaviour, bool) {
	for _, b := range r.behaviours {
		if b.Type() == typ {
			return b, true
		}
	}
	return nil, false
}

// Children is a shorthand for For(data).Children(data).
func (r *Registry) Children(data json.RawMessage) ([]string, error) {
	b, err := r.For(data)
	if err != nil {
		return nil, err
	}
	return b.Children(data)
}

// decodeObject reads a JSON object keeping numbers verbatim.
func decodeObject(data json.RawMessage) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func stringSlice(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// DiffLinks reports which links of newLinks are not in oldLinks and which
// links of oldLinks are gone.
func DiffLinks(oldLinks, newLinks []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(oldLinks))
	for _, l := range oldLinks {
		oldSet[l] = true
	}
	newSet := make(map[string]bool, len(newLinks))
	for _, l := range newLinks {
		newSet[l] = true
		if !oldSet[l] {
			added = append(added, l)
		}
	}
	for _, l := range oldLinks {
		if !newSet[l] {
			removed = append(removed, l)
		}
	}
	return added, removed
}

func mergeLinks(ctx context.Context, links LinkMerger, original []string, mods [][]string) ([]string, error) {
	if links == nil {
		links = arrayMerger{}
	}
	return links.MergeLinks(ctx, original, mods)
}
