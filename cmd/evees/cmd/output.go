package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/systemshift/evees/internal/evees"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mutationSummary is the printed form of a mutation.
type mutationSummary struct {
	NewPerspectives []string          `json:"newPerspectives,omitempty"`
	Heads           map[string]string `json:"heads,omitempty"`
	Deleted         []string          `json:"deleted,omitempty"`
	Entities        int               `json:"entities"`
}

func summarize(m *evees.Mutation) mutationSummary {
	s := mutationSummary{Heads: make(map[string]string)}
	for _, np := range m.NewPerspectives {
		s.NewPerspectives = append(s.NewPerspectives, np.Perspective.Hash)
		if np.Update.Details.HeadID != "" {
			s.Heads[np.Perspective.Hash] = np.Update.Details.HeadID
		}
	}
	for _, u := range m.Updates {
		if u.Details.HeadID != "" {
			s.Heads[u.PerspectiveID] = u.Details.HeadID
		}
	}
	s.Deleted = append(s.Deleted, m.DeletedPerspectives...)
	sort.Strings(s.NewPerspectives)
	sort.Strings(s.Deleted)
	s.Entities = len(m.EntitiesHashes)
	if len(m.Entities) > s.Entities {
		s.Entities = len(m.Entities)
	}
	return s
}

// parseObject reads the data of a create or update: raw JSON when given,
// a node with text otherwise.
func parseObject(text, raw string) (interface{}, error) {
	if raw != "" {
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(raw[1:])
			if err != nil {
				return nil, err
			}
			raw = string(data)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return v, nil
	}
	return map[string]interface{}{"text": text, "links": []string{}}, nil
}
