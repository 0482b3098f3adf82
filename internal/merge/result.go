// Package merge holds the value-level merge rules shared by every data
// behaviour: three-way scalar merge and ordered link-array merge.
package merge

import (
	"errors"
	"fmt"
	"sort"
)

var ErrMergeConflict = errors.New("merge: conflict")

// ConflictError reports mutually distinct modifications of the same value.
type ConflictError struct {
	Original      interface{}
	Modifications []interface{}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge: conflict on %v: %v", e.Original, e.Modifications)
}

func (e *ConflictError) Unwrap() error { return ErrMergeConflict }

// Result merges N modifications of original. Modifications equal to the
// original are ignored; if the rest agree the common value is adopted, and
// two or more distinct values are a conflict.
func Result[T comparable](original T, modifications []T) (T, error) {
	var distinct []T
	seen := make(map[T]bool)
	for _, m := range modifications {
		if m == original || seen[m] {
			continue
		}
		seen[m] = true
		distinct = append(distinct, m)
	}

	switch len(distinct) {
	case 0:
		return original, nil
	case 1:
		return distinct[0], nil
	}

	mods := make([]interface{}, len(distinct))
	for i, d := range distinct {
		mods[i] = d
	}
	var zero T
	return zero, &ConflictError{Original: original, Modifications: mods}
}

type slot struct {
	index int
	link  string
	order int
}

// Arrays merges ordered link arrays. Every link is tracked by its index in
// each version (-1 when absent) and the index is merged with Result. Removed
// links are dropped and the rest sorted by their merged index; ties keep the
// order in which links were first seen.
func Arrays(original []string, modifications [][]string) ([]string, error) {
	var all []string
	seen := make(map[string]bool)
	collect := func(links []string) {
		for _, l := range links {
			if !seen[l] {
				seen[l] = true
				all = append(all, l)
			}
		}
	}
	collect(original)
	for _, m := range modifications {
		collect(m)
	}

	var slots []slot
	for order, link := range all {
		mods := make([]int, len(modifications))
		for i, m := range modifications {
			mods[i] = indexOf(m, link)
		}
		index, err := Result(indexOf(original, link), mods)
		if err != nil {
			return nil, fmt.Errorf("merge link %s: %w", link, err)
		}
		if index < 0 {
			continue
		}
		slots = append(slots, slot{index: index, link: link, order: order})
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].index != slots[j].index {
			return slots[i].index < slots[j].index
		}
		return slots[i].order < slots[j].order
	})

	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.link
	}
	return out, nil
}

func indexOf(links []string, link string) int {
	for i, l := range links {
		if l == link {
			return i
		}
	}
	return -1
}
