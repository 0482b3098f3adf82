package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/systemshift/evees/internal/evees"
)

// SearchIndex is an in-memory index over perspectives: an inverted text
// index, the child links of each head and the perspectives of each context.
// It implements evees.SearchEngine.
type SearchIndex struct {
	mu       sync.RWMutex
	terms    map[string]map[string]bool // term -> perspective ids
	docs     map[string]*indexedPerspective
	parents  map[string]map[string]bool // child -> parents
	contexts map[string]map[string]bool // context -> perspective ids
}

type indexedPerspective struct {
	context  string
	terms    []string
	children []string
}

func NewSearchIndex() *SearchIndex {
	return &SearchIndex{
		terms:    make(map[string]map[string]bool),
		docs:     make(map[string]*indexedPerspective),
		parents:  make(map[string]map[string]bool),
		contexts: make(map[string]map[string]bool),
	}
}

// tokenize splits text into lowercase terms of two or more characters.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var result []string
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		result = append(result, w)
	}
	return result
}

func addTo(m map[string]map[string]bool, key, id string) {
	if m[key] == nil {
		m[key] = make(map[string]bool)
	}
	m[key][id] = true
}

func removeFrom(m map[string]map[string]bool, key, id string) {
	if set := m[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (s *SearchIndex) doc(id string) *indexedPerspective {
	d, ok := s.docs[id]
	if !ok {
		d = &indexedPerspective{}
		s.docs[id] = d
	}
	return d
}

// AddPerspective registers id under its context.
func (s *SearchIndex) AddPerspective(id, context string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.doc(id)
	if d.context != "" {
		removeFrom(s.contexts, d.context, id)
	}
	d.context = context
	if context != "" {
		addTo(s.contexts, context, id)
	}
}

// IndexHead replaces the text and children indexed for id.
func (s *SearchIndex) IndexHead(id, text string, children []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.doc(id)
	for _, term := range d.terms {
		removeFrom(s.terms, term, id)
	}
	for _, c := range d.children {
		removeFrom(s.parents, c, id)
	}
	d.terms = tokenize(text)
	d.children = append([]string{}, children...)
	for _, term := range d.terms {
		addTo(s.terms, term, id)
	}
	for _, c := range d.children {
		addTo(s.parents, c, id)
	}
}

// Remove drops id from every index. Links pointing at id are kept so that
// Locate still answers for a deleted child.
func (s *SearchIndex) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return
	}
	for _, term := range d.terms {
		removeFrom(s.terms, term, id)
	}
	for _, c := range d.children {
		removeFrom(s.parents, c, id)
	}
	if d.context != "" {
		removeFrom(s.contexts, d.context, id)
	}
	delete(s.docs, id)
}

// descendants returns root and everything reachable through children.
func (s *SearchIndex) descendants(root string) map[string]bool {
	out := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d, ok := s.docs[id]
		if !ok {
			continue
		}
		for _, c := range d.children {
			if !out[c] {
				out[c] = true
				queue = append(queue, c)
			}
		}
	}
	return out
}

// Explore filters indexed perspectives. Text results are ranked by the
// number of matching terms, everything else is sorted by id.
func (s *SearchIndex) Explore(ctx context.Context, opts *evees.SearchOptions) (*evees.SearchResult, error) {
	if opts == nil {
		opts = &evees.SearchOptions{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make(map[string]bool, len(s.docs))
	if opts.Under != "" {
		for id := range s.descendants(opts.Under) {
			if _, ok := s.docs[id]; ok {
				candidates[id] = true
			}
		}
	} else {
		for id := range s.docs {
			candidates[id] = true
		}
	}
	if opts.LinksTo != "" {
		for id := range candidates {
			if !s.parents[opts.LinksTo][id] {
				delete(candidates, id)
			}
		}
	}

	scores := make(map[string]int)
	if opts.Text != "" {
		for _, term := range tokenize(opts.Text) {
			for id := range s.terms[term] {
				if candidates[id] {
					scores[id]++
				}
			}
		}
		candidates = make(map[string]bool, len(scores))
		for id := range scores {
			candidates[id] = true
		}
	}

	if opts.Forks {
		forks := make(map[string]bool)
		for id := range candidates {
			if d := s.docs[id]; d != nil && d.context != "" {
				for fork := range s.contexts[d.context] {
					forks[fork] = true
				}
			}
		}
		for id := range forks {
			candidates[id] = true
		}
	}

	ids := sortedKeys(candidates)
	if opts.Text != "" {
		sort.SliceStable(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })
	}
	return evees.Paginate(&evees.SearchResult{PerspectiveIDs: ids, Ended: true}, opts), nil
}

// Locate returns the parents linking to id and, with forks, the parents of
// every perspective sharing its context.
func (s *SearchIndex) Locate(ctx context.Context, id string, forks bool) ([]evees.ParentAndChild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := map[string]bool{id: true}
	if forks {
		if d := s.docs[id]; d != nil && d.context != "" {
			for fork := range s.contexts[d.context] {
				children[fork] = true
			}
		}
	}
	var out []evees.ParentAndChild
	for _, child := range sortedKeys(children) {
		for _, parent := range sortedKeys(s.parents[child]) {
			out = append(out, evees.ParentAndChild{ParentID: parent, ChildID: child})
		}
	}
	return out, nil
}
