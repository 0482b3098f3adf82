package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/merge"
)

// LinksKey is the record key holding child links.
const LinksKey = "links"

// Record is the fallback behaviour for any JSON object. Keys are merged
// independently; the "links" key, when it is an array of strings, holds the
// children.
type Record struct{}

func (Record) Type() string { return "record" }

func (Record) Recognize(data json.RawMessage) bool {
	_, ok := decodeObject(data)
	return ok
}

func (Record) decode(data json.RawMessage) (map[string]interface{}, error) {
	obj, ok := decodeObject(data)
	if !ok {
		return nil, &BehaviourNotFoundError{Object: data}
	}
	return obj, nil
}

func (r Record) Children(data json.RawMessage) ([]string, error) {
	obj, err := r.decode(data)
	if err != nil {
		return nil, err
	}
	links, _ := stringSlice(obj[LinksKey])
	return links, nil
}

func (r Record) ReplaceChildren(data json.RawMessage, children []string) (json.RawMessage, error) {
	obj, err := r.decode(data)
	if err != nil {
		return nil, err
	}
	obj[LinksKey] = append([]string{}, children...)
	return entity.Canonical(obj)
}

// Text returns the "text" or "title" field when present.
func (r Record) Text(data json.RawMessage) string {
	obj, err := r.decode(data)
	if err != nil {
		return ""
	}
	for _, key := range []string{"text", "title"} {
		if s, ok := obj[key].(string); ok {
			return s
		}
	}
	return ""
}

// Merge merges every key with merge.Result over the canonical encoding of its
// value. An absent key compares as the empty string, so a key added on one
// side is adopted and a key removed on one side is dropped.
func (r Record) Merge(ctx context.Context, original json.RawMessage, modifications []json.RawMessage, links LinkMerger) (json.RawMessage, error) {
	orig, err := r.decode(original)
	if err != nil {
		return nil, err
	}
	mods := make([]map[string]interface{}, len(modifications))
	for i, m := range modifications {
		if mods[i], err = r.decode(m); err != nil {
			return nil, err
		}
	}

	keySet := make(map[string]bool)
	for k := range orig {
		keySet[k] = true
	}
	for _, m := range mods {
		for k := range m {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if k == LinksKey {
			merged, ok, err := r.mergeLinksKey(ctx, orig, mods, links)
			if err != nil {
				return nil, err
			}
			if ok {
				out[k] = merged
				continue
			}
		}

		values := make(map[string]interface{})
		origValue, err := canonicalValue(orig, k, values)
		if err != nil {
			return nil, err
		}
		modValues := make([]string, len(mods))
		for i, m := range mods {
			if modValues[i], err = canonicalValue(m, k, values); err != nil {
				return nil, err
			}
		}
		v, err := merge.Result(origValue, modValues)
		if err != nil {
			return nil, fmt.Errorf("merge key %q: %w", k, err)
		}
		if v != "" {
			out[k] = values[v]
		}
	}
	return entity.Canonical(out)
}

// mergeLinksKey merges the links key when every side that has it holds an
// array of strings.
func (Record) mergeLinksKey(ctx context.Context, orig map[string]interface{}, mods []map[string]interface{}, links LinkMerger) ([]string, bool, error) {
	read := func(obj map[string]interface{}) ([]string, bool) {
		v, present := obj[LinksKey]
		if !present {
			return []string{}, true
		}
		return stringSlice(v)
	}
	origLinks, ok := read(orig)
	if !ok {
		return nil, false, nil
	}
	modLinks := make([][]string, len(mods))
	for i, m := range mods {
		if modLinks[i], ok = read(m); !ok {
			return nil, false, nil
		}
	}
	merged, err := mergeLinks(ctx, links, origLinks, modLinks)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

func canonicalValue(obj map[string]interface{}, key string, values map[string]interface{}) (string, error) {
	v, ok := obj[key]
	if !ok {
		return "", nil
	}
	data, err := entity.Canonical(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize key %q: %w", key, err)
	}
	values[string(data)] = json.RawMessage(data)
	return string(data), nil
}

func (Record) Empty() json.RawMessage {
	return json.RawMessage(`{}`)
}

type arrayMerger struct{}

func (arrayMerger) MergeLinks(_ context.Context, original []string, modifications [][]string) ([]string, error) {
	return merge.Arrays(original, modifications)
}
