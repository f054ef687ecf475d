package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Entry is a unit of dynamically loaded logic bound to a MatchKey.
type Entry struct {
	// Engine names the executor the body is written for. Empty selects the default engine.
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty" toml:"engine,omitempty" cbor:"engine,omitempty"`
	// Body is the behavior source. A blank body means "intercept silently".
	Body string `json:"body,omitempty" yaml:"body,omitempty" toml:"body,omitempty" cbor:"body,omitempty"`
}

// HasBody reports whether the entry carries something to execute.
func (e Entry) HasBody() bool {
	return strings.TrimSpace(e.Body) != ""
}

// Behavior pairs a key with its entry.
type Behavior struct {
	Key   MatchKey
	Entry Entry
}

// BehaviorSet is an ordered mapping from MatchKey to Entry. Put overwrites earlier entries for
// an equal key while keeping the key's original position.
type BehaviorSet struct {
	order []string
	items map[string]Behavior
}

// NewBehaviorSet creates an empty set.
func NewBehaviorSet() *BehaviorSet {
	return &BehaviorSet{items: make(map[string]Behavior)}
}

// Put inserts or replaces the entry for key.
func (s *BehaviorSet) Put(key MatchKey, entry Entry) {
	if s.items == nil {
		s.items = make(map[string]Behavior)
	}
	id := key.ID()
	if _, ok := s.items[id]; !ok {
		s.order = append(s.order, id)
	}
	s.items[id] = Behavior{Key: key, Entry: entry}
}

// PutAll copies every behavior of other into s; other's entries win on collision.
func (s *BehaviorSet) PutAll(other *BehaviorSet) {
	if other == nil {
		return
	}
	for _, b := range other.Behaviors() {
		s.Put(b.Key, b.Entry)
	}
}

// Get returns the entry for key.
func (s *BehaviorSet) Get(key MatchKey) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	b, ok := s.items[key.ID()]
	return b.Entry, ok
}

// Contains reports whether a key with the given ID is present.
func (s *BehaviorSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.items[id]
	return ok
}

// Len returns the number of distinct keys.
func (s *BehaviorSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Behaviors returns the behaviors in insertion order.
func (s *BehaviorSet) Behaviors() []Behavior {
	if s == nil {
		return nil
	}
	out := make([]Behavior, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// SortBehaviors orders behaviors by their rendered key, for stable listings.
func SortBehaviors(behaviors []Behavior) {
	sort.Slice(behaviors, func(i, j int) bool {
		return behaviors[i].Key.String() < behaviors[j].Key.String()
	})
}

// Loader is the capability the registry is refreshed from.
type Loader interface {
	// Load returns the complete candidate mapping. Keys absent from it are evicted.
	Load(ctx context.Context) (*BehaviorSet, error)
	// ReloadInterval is the minimum time between two opportunistic refreshes.
	ReloadInterval() time.Duration
	// Enabled reports whether interception is active at all.
	Enabled() bool
}
