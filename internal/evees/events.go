package evees

import (
	"sort"
	"sync"
)

type EventKind int

const (
	// EventUpdated is emitted with the ids of perspectives whose details changed.
	EventUpdated EventKind = iota
	// EventEcosystemUpdated is emitted with the ids of parents whose subtree changed.
	EventEcosystemUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventEcosystemUpdated:
		return "ecosystem-updated"
	}
	return "unknown"
}

type Event struct {
	Kind           EventKind
	PerspectiveIDs []string
}

// Events is an observer list. Observers run synchronously on the emitting
// goroutine and must not block.
type Events struct {
	mu        sync.Mutex
	next      int
	observers map[int]func(Event)
}

func NewEvents() *Events {
	return &Events{observers: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function removing it.
func (e *Events) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.observers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Emit notifies observers. Empty id lists are dropped.
func (e *Events) Emit(kind EventKind, ids []string) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	keys := make([]int, 0, len(e.observers))
	for k := range e.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Event), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, e.observers[k])
	}
	e.mu.Unlock()

	ev := Event{Kind: kind, PerspectiveIDs: append([]string{}, ids...)}
	for _, fn := range fns {
		fn(ev)
	}
}
