// Package points turns recitation factors into a bounded jannah-points award.
package points

import (
	"fmt"
	"math"

	"github.com/escalopa/quran-lab/internal/domain"
)

// Config holds the weights, thresholds and ceilings of the calculation
type Config struct {
	ImprovementWeight float64 `mapstructure:"improvement_weight"`
	ConsistencyWeight float64 `mapstructure:"consistency_weight"`

	PerfectThreshold float64 `mapstructure:"perfect_threshold"`
	PerfectBonus     float64 `mapstructure:"perfect_bonus"`

	MajorImprovementThreshold float64 `mapstructure:"major_improvement_threshold"`
	MajorImprovementBonus     float64 `mapstructure:"major_improvement_bonus"`

	MaxIntention       float64 `mapstructure:"max_intention"`
	TeachingMultiplier float64 `mapstructure:"teaching_multiplier"`

	DailyLimit   float64 `mapstructure:"daily_limit"`
	WeeklyBonus  float64 `mapstructure:"weekly_bonus"`
	MonthlyBonus float64 `mapstructure:"monthly_bonus"`
}

// DefaultConfig mirrors the stock jannah points table
func DefaultConfig() Config {
	return Config{
		ImprovementWeight:         1.0,
		ConsistencyWeight:         1.5,
		PerfectThreshold:          99.0,
		PerfectBonus:              50,
		MajorImprovementThreshold: 10,
		MajorImprovementBonus:     25,
		MaxIntention:              2.0,
		TeachingMultiplier:        2.0,
		DailyLimit:                1000,
		WeeklyBonus:               100,
		MonthlyBonus:              500,
	}
}

// Validate fails on negative weights, bonuses or ceilings
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value float64
	}{
		{"improvement_weight", c.ImprovementWeight},
		{"consistency_weight", c.ConsistencyWeight},
		{"perfect_bonus", c.PerfectBonus},
		{"major_improvement_bonus", c.MajorImprovementBonus},
		{"daily_limit", c.DailyLimit},
		{"weekly_bonus", c.WeeklyBonus},
		{"monthly_bonus", c.MonthlyBonus},
	}
	for _, ch := range checks {
		if math.IsNaN(ch.value) || ch.value < 0 {
			return fmt.Errorf("%w: points.%s must be non-negative, got %v", domain.ErrInvalidInput, ch.name, ch.value)
		}
	}
	if c.PerfectThreshold < 0 || c.PerfectThreshold > 100 {
		return fmt.Errorf("%w: points.perfect_threshold must be within [0,100], got %v", domain.ErrInvalidInput, c.PerfectThreshold)
	}
	if c.MaxIntention < 1 {
		return fmt.Errorf("%w: points.max_intention must be at least 1, got %v", domain.ErrInvalidInput, c.MaxIntention)
	}
	if c.TeachingMultiplier < 1 {
		return fmt.Errorf("%w: points.teaching_multiplier must be at least 1, got %v", domain.ErrInvalidInput, c.TeachingMultiplier)
	}
	return nil
}

// Factors are the per-submission inputs of the calculation
type Factors struct {
	Accuracy    float64
	Improvement float64
	Consistency float64
	Intention   float64
	Teaching    float64
}

// Breakdown is the uncapped result of one calculation
type Breakdown struct {
	Factors domain.PointFactors
	Base    float64
	Bonus   float64
	Raw     float64
}

type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

func (c *Calculator) Config() Config {
	return c.cfg
}

// Calculate computes the raw award. Invalid factors are reported as
// scoring errors, never zeroed.
func (c *Calculator) Calculate(f Factors) (Breakdown, error) {
	if err := c.validate(f); err != nil {
		return Breakdown{}, err
	}

	base := math.Max(f.Improvement, 0)*c.cfg.ImprovementWeight +
		f.Consistency*c.cfg.ConsistencyWeight

	perfect := f.Accuracy >= c.cfg.PerfectThreshold
	major := f.Improvement > c.cfg.MajorImprovementThreshold

	var bonus float64
	if perfect {
		bonus += c.cfg.PerfectBonus
	}
	if major {
		bonus += c.cfg.MajorImprovementBonus
	}

	raw := (base + bonus) * f.Intention * f.Teaching

	return Breakdown{
		Factors: domain.PointFactors{
			Accuracy:    f.Accuracy,
			Improvement: f.Improvement,
			Consistency: f.Consistency,
			Intention:   f.Intention,
			Teaching:    f.Teaching,
			Perfect:     perfect,
			Major:       major,
		},
		Base:  base,
		Bonus: bonus,
		Raw:   raw,
	}, nil
}

func (c *Calculator) validate(f Factors) error {
	for name, v := range map[string]float64{
		"accuracy":    f.Accuracy,
		"improvement": f.Improvement,
		"consistency": f.Consistency,
		"intention":   f.Intention,
		"teaching":    f.Teaching,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", domain.ErrScoring, name)
		}
	}
	if f.Accuracy < 0 || f.Accuracy > 100 {
		return fmt.Errorf("%w: accuracy %v out of range [0,100]", domain.ErrScoring, f.Accuracy)
	}
	if f.Consistency < 0 || f.Consistency > 1 {
		return fmt.Errorf("%w: consistency %v out of range [0,1]", domain.ErrScoring, f.Consistency)
	}
	if f.Intention < 1 || f.Intention > c.cfg.MaxIntention {
		return fmt.Errorf("%w: intention multiplier %v out of range [1,%v]", domain.ErrScoring, f.Intention, c.cfg.MaxIntention)
	}
	if f.Teaching < 1 {
		return fmt.Errorf("%w: teaching multiplier %v below 1", domain.ErrScoring, f.Teaching)
	}
	return nil
}

// Cap limits raw to what is left of the daily ceiling. Overflow is dropped.
func Cap(raw, awardedToday, dailyLimit float64) float64 {
	remaining := dailyLimit - awardedToday
	if remaining <= 0 || raw <= 0 {
		return 0
	}
	return math.Min(raw, remaining)
}
