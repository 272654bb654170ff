// Package progress owns the per-user point award. Every change to a user's
// cumulative points, daily cap accounting and level goes through Tracker
// while holding that user's lock.
package progress

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/level"
	"github.com/escalopa/quran-lab/internal/points"
)

const (
	lockPrefix        = "user:"
	consistencyWindow = 7
	recentAwardsKept  = 32
	dayLayout         = "2006-01-02"
)

// Award is the result of one point award
type Award struct {
	Entry     *domain.PointsLedgerEntry
	Progress  domain.UserProgress
	Duplicate bool
}

type Tracker struct {
	store  domain.ProgressStorePort
	locker domain.LockerPort
	calc   *points.Calculator
	levels *level.Engine
	loc    *time.Location
	now    func() time.Time
}

type Option func(*Tracker)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLocation sets the timezone that defines a calendar day
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func NewTracker(store domain.ProgressStorePort, locker domain.LockerPort, calc *points.Calculator, levels *level.Engine, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		locker: locker,
		calc:   calc,
		levels: levels,
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Snapshot returns the user's progress, or a fresh zero progress
func (t *Tracker) Snapshot(ctx context.Context, userID string) (*domain.UserProgress, error) {
	p, err := t.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	t.rollDay(p, t.now().In(t.loc))
	return p, nil
}

// Award scores one resolved submission for its user. A submission that was
// already awarded returns the original entry with Duplicate set. The entry is
// saved before the progress that lists it as awarded.
func (t *Tracker) Award(ctx context.Context, submissionID, userID string, analysis domain.AnalysisResult) (*Award, error) {
	var out *Award
	err := t.withLock(ctx, userID, func(p *domain.UserProgress, now time.Time) (bool, error) {
		if entry, ok := p.Awarded(submissionID); ok {
			out = &Award{Entry: entry, Progress: *p, Duplicate: true}
			return false, nil
		}
		if p.AwardedSubmissions[submissionID] {
			entry, err := t.store.GetAward(ctx, userID, submissionID)
			if err != nil {
				return false, fmt.Errorf("awarded entry %s: %w", submissionID, err)
			}
			out = &Award{Entry: entry, Progress: *p, Duplicate: true}
			return false, nil
		}

		active := markActive(p.ActiveDays, now)
		consistency := float64(len(active)) / consistencyWindow

		b, err := t.calc.Calculate(points.Factors{
			Accuracy:    analysis.Accuracy,
			Improvement: analysis.Improvement,
			Consistency: consistency,
			Intention:   analysis.IntentionMultiplier(),
			Teaching:    p.TeachingMultiplier(),
		})
		if err != nil {
			return false, err
		}

		cfg := t.calc.Config()
		capped := points.Cap(b.Raw, p.AwardedToday, cfg.DailyLimit)

		var weekly, monthly float64
		if wk := weekKey(now); p.WeekKey != wk {
			weekly = cfg.WeeklyBonus
			p.WeekKey = wk
		}
		if mk := now.Format("2006-01"); p.MonthKey != mk {
			monthly = cfg.MonthlyBonus
			p.MonthKey = mk
		}

		before := p.CumulativePoints
		p.CumulativePoints += capped + weekly + monthly
		p.AwardedToday += capped
		p.ActiveDays = active
		p.Consistency = consistency
		accuracy := analysis.Accuracy
		p.LastAccuracy = &accuracy

		entry := &domain.PointsLedgerEntry{
			ID:           uuid.NewString(),
			SubmissionID: submissionID,
			UserID:       userID,
			Factors:      b.Factors,
			Base:         b.Base,
			Bonus:        b.Bonus,
			Raw:          b.Raw,
			Capped:       capped,
			WeeklyBonus:  weekly,
			MonthlyBonus: monthly,
			Awarded:      capped + weekly + monthly,
			Cumulative:   p.CumulativePoints,
			Timestamp:    now,
		}
		if err := t.applyLevel(p, before, entry, now); err != nil {
			return false, err
		}

		if err := t.store.SaveAward(ctx, entry); err != nil {
			return false, fmt.Errorf("save award %s: %w", submissionID, err)
		}
		if p.AwardedSubmissions == nil {
			p.AwardedSubmissions = make(map[string]bool)
		}
		p.AwardedSubmissions[submissionID] = true

		p.RecentAwards = append(p.RecentAwards, *entry)
		if n := len(p.RecentAwards); n > recentAwardsKept {
			p.RecentAwards = p.RecentAwards[n-recentAwardsKept:]
		}

		out = &Award{Entry: entry, Progress: *p}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AwardTeaching records that the user reviewed someone else's recitation.
// It grants no points; later awards use the teaching multiplier.
func (t *Tracker) AwardTeaching(ctx context.Context, userID string) (*domain.UserProgress, error) {
	var out domain.UserProgress
	err := t.withLock(ctx, userID, func(p *domain.UserProgress, _ time.Time) (bool, error) {
		changed := p.TeachingBonus != t.calc.Config().TeachingMultiplier
		p.TeachingBonus = t.calc.Config().TeachingMultiplier
		out = *p
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// withLock runs fn on the user's progress while holding the user's lock and
// saves the progress when fn reports a change.
func (t *Tracker) withLock(ctx context.Context, userID string, fn func(p *domain.UserProgress, now time.Time) (bool, error)) error {
	unlock, err := t.locker.Lock(ctx, lockPrefix+userID)
	if err != nil {
		return fmt.Errorf("lock progress %s: %w", userID, err)
	}
	defer unlock()

	p, err := t.load(ctx, userID)
	if err != nil {
		return err
	}
	now := t.now().In(t.loc)
	t.rollDay(p, now)

	changed, err := fn(p, now)
	if err != nil || !changed {
		return err
	}
	p.UpdatedAt = now
	if err := t.store.SaveProgress(ctx, p); err != nil {
		return fmt.Errorf("save progress %s: %w", userID, err)
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, userID string) (*domain.UserProgress, error) {
	p, err := t.store.LoadProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", userID, err)
	}
	if p != nil {
		return p, nil
	}
	lvl, err := t.levels.LevelFor(0)
	if err != nil {
		return nil, err
	}
	return &domain.UserProgress{UserID: userID, TeachingBonus: 1, Level: lvl}, nil
}

func (t *Tracker) rollDay(p *domain.UserProgress, now time.Time) {
	if day := now.Format(dayLayout); p.DayKey != day {
		p.DayKey = day
		p.AwardedToday = 0
	}
}

func (t *Tracker) applyLevel(p *domain.UserProgress, before float64, entry *domain.PointsLedgerEntry, now time.Time) error {
	lvl, err := t.levels.LevelFor(p.CumulativePoints)
	if err != nil {
		return err
	}
	tr, err := t.levels.Transition(before, p.CumulativePoints)
	if err != nil {
		return err
	}
	if tr != nil {
		tr.AwardID = entry.ID
		tr.Occurred = now
		p.Transitions = append(p.Transitions, *tr)
		entry.LevelUp = tr
	}
	p.Level = lvl
	return nil
}

// markActive adds the award day and drops days outside the trailing window
func markActive(days []string, now time.Time) []string {
	today := now.Format(dayLayout)
	oldest := now.AddDate(0, 0, -(consistencyWindow - 1)).Format(dayLayout)

	out := make([]string, 0, consistencyWindow)
	seen := false
	for _, d := range days {
		if d < oldest || d > today {
			continue
		}
		if d == today {
			seen = true
		}
		out = append(out, d)
	}
	if !seen {
		out = append(out, today)
	}
	sort.Strings(out)
	return out
}

func weekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
