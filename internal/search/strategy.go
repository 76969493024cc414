package search

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownStrategy is returned when resolving a strategy name that was
// never registered. Submissions must surface this to the caller instead of
// falling back to a default.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Document is the read-only view of a corpus entry that strategies score.
type Document struct {
	ID          string
	Title       string
	Description string
	CreatedAt   time.Time
}

// Match is one scored hit. Score is always within [0, 1] and a strategy
// never emits zero-score matches.
type Match struct {
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	MatchedText string  `json:"matched_text"`
	Score       float64 `json:"relevance_score"`
}

// Strategy scores documents against a query. Implementations are pure:
// no retained state, same input gives same output.
type Strategy interface {
	Name() string
	Search(query string, docs []Document) []Match
}

// Registry maps strategy names to implementations. Registering a name twice
// overwrites the earlier entry (last write wins).
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Resolve returns the strategy registered under name, or ErrUnknownStrategy.
func (r *Registry) Resolve(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names returns the registered strategy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortMatches orders by score descending. The sort is stable, so documents
// passed in creation order keep that order on ties.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
}
