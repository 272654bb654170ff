package level

import (
	"errors"
	"testing"

	"github.com/escalopa/quran-lab/internal/domain"
)

func newDefault(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultTiers())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestLevelForBoundaries(t *testing.T) {
	e := newDefault(t)
	cases := []struct {
		points float64
		key    string
	}{
		{0, "student"},
		{100, "student"},
		{100.9, "student"},
		{101, "learner"},
		{500, "learner"},
		{501, "reciter"},
		{1000, "reciter"},
		{1001, "hafiz"},
		{5000, "hafiz"},
		{5001, "qari"},
		{10000, "qari"},
		{10001, "master"},
		{1e12, "master"},
	}
	for _, tc := range cases {
		got, err := e.LevelFor(tc.points)
		if err != nil {
			t.Fatalf("level for %v: %v", tc.points, err)
		}
		if got.Key != tc.key {
			t.Fatalf("level for %v: expected %s, got %s", tc.points, tc.key, got.Key)
		}
	}
}

func TestLevelForExactlyOneTier(t *testing.T) {
	e := newDefault(t)
	for p := int64(0); p <= 12000; p++ {
		matches := 0
		for _, tier := range e.Tiers() {
			if tier.Contains(p) {
				matches++
			}
		}
		if matches != 1 {
			t.Fatalf("points %d matched %d tiers", p, matches)
		}
		got, err := e.LevelFor(float64(p))
		if err != nil {
			t.Fatalf("level for %d: %v", p, err)
		}
		if !got.Contains(p) {
			t.Fatalf("level for %d returned %s (%s)", p, got.Key, got.Range())
		}
	}
}

func TestLevelForRejectsNegative(t *testing.T) {
	e := newDefault(t)
	if _, err := e.LevelFor(-1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNextLevel(t *testing.T) {
	e := newDefault(t)
	student, _ := e.LevelFor(40)
	next := e.NextLevel(student, 40)
	if next == nil || next.Tier.Key != "learner" || next.PointsNeeded != 61 {
		t.Fatalf("unexpected next level: %+v", next)
	}

	master, _ := e.LevelFor(20000)
	if got := e.NextLevel(master, 20000); got != nil {
		t.Fatalf("expected nil next level at top tier, got %+v", got)
	}
}

func TestTransitionFiresOnceAcrossSeveralTiers(t *testing.T) {
	e := newDefault(t)

	tr, err := e.Transition(100, 101)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if tr == nil || tr.From.Key != "student" || tr.To.Key != "learner" {
		t.Fatalf("unexpected transition: %+v", tr)
	}

	tr, err = e.Transition(50, 1200)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if tr == nil || tr.To.Key != "hafiz" || tr.From.Key != "student" {
		t.Fatalf("expected single jump to hafiz, got %+v", tr)
	}

	tr, err = e.Transition(101, 400)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if tr != nil {
		t.Fatalf("expected no transition inside a tier, got %+v", tr)
	}
}

func TestNewRejectsBrokenTables(t *testing.T) {
	cases := map[string][]domain.LevelTier{
		"empty": nil,
		"not from zero": {
			{Key: "a", Min: 1, Max: 10},
			{Key: "b", Min: 11, Open: true},
		},
		"gap": {
			{Key: "a", Min: 0, Max: 10},
			{Key: "b", Min: 12, Open: true},
		},
		"overlap": {
			{Key: "a", Min: 0, Max: 10},
			{Key: "b", Min: 10, Open: true},
		},
		"bounded top": {
			{Key: "a", Min: 0, Max: 10},
			{Key: "b", Min: 11, Max: 20},
		},
		"open middle": {
			{Key: "a", Min: 0, Open: true},
			{Key: "b", Min: 11, Open: true},
		},
		"duplicate key": {
			{Key: "a", Min: 0, Max: 10},
			{Key: "a", Min: 11, Open: true},
		},
	}
	for name, tiers := range cases {
		if _, err := New(tiers); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestNewSortsAndRanks(t *testing.T) {
	e, err := New([]domain.LevelTier{
		{Key: "b", Min: 11, Open: true},
		{Key: "a", Min: 0, Max: 10},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r, _ := e.Rank("a"); r != 1 {
		t.Fatalf("expected rank 1 for a, got %d", r)
	}
	if r, _ := e.Rank("b"); r != 2 {
		t.Fatalf("expected rank 2 for b, got %d", r)
	}
	if _, ok := e.Rank("zzz"); ok {
		t.Fatalf("unknown key must not have a rank")
	}
}
