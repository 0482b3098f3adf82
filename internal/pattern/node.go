package pattern

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/merge"
)

// NodeData is a text node with ordered child links.
type NodeData struct {
	Text  string   `json:"text"`
	Type  string   `json:"type,omitempty"`
	Links []string `json:"links"`
}

// Node is the behaviour of NodeData objects.
type Node struct{}

func (Node) Type() string { return "node" }

// Recognize matches objects with a string "text" and an array "links".
func (Node) Recognize(data json.RawMessage) bool {
	obj, ok := decodeObject(data)
	if !ok {
		return false
	}
	if _, ok := obj["text"].(string); !ok {
		return false
	}
	_, ok = stringSlice(obj["links"])
	return ok
}

func (Node) decode(data json.RawMessage) (NodeData, error) {
	var n NodeData
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("decode node: %w", err)
	}
	if n.Links == nil {
		n.Links = []string{}
	}
	return n, nil
}

func (n Node) Children(data json.RawMessage) ([]string, error) {
	node, err := n.decode(data)
	if err != nil {
		return nil, err
	}
	return node.Links, nil
}

func (n Node) ReplaceChildren(data json.RawMessage, children []string) (json.RawMessage, error) {
	node, err := n.decode(data)
	if err != nil {
		return nil, err
	}
	node.Links = append([]string{}, children...)
	return entity.Canonical(node)
}

func (n Node) Text(data json.RawMessage) string {
	node, err := n.decode(data)
	if err != nil {
		return ""
	}
	return node.Text
}

// Merge merges text and type as scalars and links with links.
func (n Node) Merge(ctx context.Context, original json.RawMessage, modifications []json.RawMessage, links LinkMerger) (json.RawMessage, error) {
	orig, err := n.decode(original)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(modifications))
	types := make([]string, len(modifications))
	childLinks := make([][]string, len(modifications))
	for i, m := range modifications {
		mod, err := n.decode(m)
		if err != nil {
			return nil, err
		}
		texts[i] = mod.Text
		types[i] = mod.Type
		childLinks[i] = mod.Links
	}

	text, err := merge.Result(orig.Text, texts)
	if err != nil {
		return nil, fmt.Errorf("merge text: %w", err)
	}
	typ, err := merge.Result(orig.Type, types)
	if err != nil {
		return nil, fmt.Errorf("merge type: %w", err)
	}
	merged, err := mergeLinks(ctx, links, orig.Links, childLinks)
	if err != nil {
		return nil, err
	}
	return entity.Canonical(NodeData{Text: text, Type: typ, Links: merged})
}

func (Node) Empty() json.RawMessage {
	return entity.MustCanonical(NodeData{Links: []string{}})
}
