// Package level maps cumulative points onto the ordered tier table.
package level

import (
	"fmt"
	"math"
	"sort"

	"github.com/escalopa/quran-lab/internal/domain"
)

// Next describes the tier after the current one
type Next struct {
	Tier         domain.LevelTier `json:"tier"`
	PointsNeeded float64          `json:"points_needed"`
}

// Engine is an immutable, validated tier table
type Engine struct {
	tiers []domain.LevelTier
	byKey map[string]int
}

// DefaultTiers is the stock progression used when no table is configured
func DefaultTiers() []domain.LevelTier {
	return []domain.LevelTier{
		{Key: "student", Title: "Student", Emoji: "🌱", Min: 0, Max: 100},
		{Key: "learner", Title: "Learner", Emoji: "📚", Min: 101, Max: 500},
		{Key: "reciter", Title: "Reciter", Emoji: "🎵", Min: 501, Max: 1000},
		{Key: "hafiz", Title: "Hafiz", Emoji: "📖", Min: 1001, Max: 5000},
		{Key: "qari", Title: "Qari", Emoji: "🎙️", Min: 5001, Max: 10000},
		{Key: "master", Title: "Master", Emoji: "👑", Min: 10001, Open: true},
	}
}

// New validates that the tiers partition the non-negative integers and
// assigns ranks in ascending order of their minimum.
func New(tiers []domain.LevelTier) (*Engine, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: tier table is empty", domain.ErrInvalidInput)
	}

	sorted := make([]domain.LevelTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	if sorted[0].Min != 0 {
		return nil, fmt.Errorf("%w: lowest tier %q must start at 0, got %d", domain.ErrInvalidInput, sorted[0].Key, sorted[0].Min)
	}

	byKey := make(map[string]int, len(sorted))
	for i := range sorted {
		t := &sorted[i]
		if t.Key == "" {
			return nil, fmt.Errorf("%w: tier %d has no key", domain.ErrInvalidInput, i)
		}
		if _, dup := byKey[t.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate tier key %q", domain.ErrInvalidInput, t.Key)
		}
		byKey[t.Key] = i
		t.Rank = i + 1

		last := i == len(sorted)-1
		if t.Open && !last {
			return nil, fmt.Errorf("%w: only the top tier may be unbounded, %q is not the top", domain.ErrInvalidInput, t.Key)
		}
		if last && !t.Open {
			return nil, fmt.Errorf("%w: top tier %q must have no upper bound", domain.ErrInvalidInput, t.Key)
		}
		if !t.Open && t.Max < t.Min {
			return nil, fmt.Errorf("%w: tier %q max %d below min %d", domain.ErrInvalidInput, t.Key, t.Max, t.Min)
		}
		if i > 0 {
			prev := sorted[i-1]
			switch {
			case t.Min <= prev.Max:
				return nil, fmt.Errorf("%w: tiers %q and %q overlap", domain.ErrInvalidInput, prev.Key, t.Key)
			case t.Min != prev.Max+1:
				return nil, fmt.Errorf("%w: gap between tiers %q and %q", domain.ErrInvalidInput, prev.Key, t.Key)
			}
		}
	}

	return &Engine{tiers: sorted, byKey: byKey}, nil
}

// Tiers returns a copy of the ranked table
func (e *Engine) Tiers() []domain.LevelTier {
	out := make([]domain.LevelTier, len(e.tiers))
	copy(out, e.tiers)
	return out
}

// LevelFor returns the tier holding the given points. Fractional points
// count toward the tier of their whole part.
func (e *Engine) LevelFor(points float64) (domain.LevelTier, error) {
	if math.IsNaN(points) || points < 0 {
		return domain.LevelTier{}, fmt.Errorf("%w: points %v must be non-negative", domain.ErrInvalidInput, points)
	}
	whole := int64(math.Floor(points))
	if math.IsInf(points, 1) {
		whole = math.MaxInt64
	}

	// first tier whose upper bound reaches the points
	i := sort.Search(len(e.tiers), func(i int) bool {
		t := e.tiers[i]
		return t.Open || t.Max >= whole
	})
	return e.tiers[i], nil
}

// NextLevel returns the following tier and the points still needed to reach
// it, or nil when current is the top tier.
func (e *Engine) NextLevel(current domain.LevelTier, points float64) *Next {
	i, ok := e.byKey[current.Key]
	if !ok || i == len(e.tiers)-1 {
		return nil
	}
	next := e.tiers[i+1]
	needed := float64(next.Min) - points
	if needed < 0 {
		needed = 0
	}
	return &Next{Tier: next, PointsNeeded: needed}
}

// Rank returns the rank of the tier with the given key
func (e *Engine) Rank(key string) (int, bool) {
	i, ok := e.byKey[key]
	if !ok {
		return 0, false
	}
	return e.tiers[i].Rank, true
}

// Transition compares the tiers before and after one award and reports a
// single transition to the final tier when the rank went up.
func (e *Engine) Transition(before, after float64) (*domain.LevelTransition, error) {
	from, err := e.LevelFor(before)
	if err != nil {
		return nil, err
	}
	to, err := e.LevelFor(after)
	if err != nil {
		return nil, err
	}
	if to.Rank <= from.Rank {
		return nil, nil
	}
	return &domain.LevelTransition{From: from, To: to, Points: after}, nil
}
