package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/escalation"
	"github.com/escalopa/quran-lab/internal/level"
	"github.com/escalopa/quran-lab/internal/points"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Escalation  escalation.Config `mapstructure:"escalation"`
	Points      points.Config     `mapstructure:"points"`
	Qiraats     QiraatsConfig     `mapstructure:"qiraats"`
	Levels      []TierConfig      `mapstructure:"levels"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type AppConfig struct {
	Env             string `mapstructure:"env"`
	LogMode         string `mapstructure:"log_mode"`
	LocalesDir      string `mapstructure:"locales_dir"`
	DefaultLanguage string `mapstructure:"default_language"`
	Timezone        string `mapstructure:"timezone"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the HTTP server
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig holds the working-state store. An empty URI keeps working
// state in process memory.
type RedisConfig struct {
	URI     string        `mapstructure:"uri"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite or memory
	DSN    string `mapstructure:"dsn"`
}

type AnalysisConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type LedgerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig enables Telegram notifications when a token is set
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type QiraatsConfig struct {
	Supported []string `mapstructure:"supported"`
	Default   string   `mapstructure:"default"`
}

type TierConfig struct {
	Key   string `mapstructure:"key"`
	Title string `mapstructure:"title"`
	Emoji string `mapstructure:"emoji"`
	Min   int64  `mapstructure:"min"`
	Max   int64  `mapstructure:"max"`
	Open  bool   `mapstructure:"open"`
}

type AttestationConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP/HTTP; stdout when empty
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from a YAML file with environment variable
// overrides. An empty filename loads defaults and environment only.
func Load(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Environment variable configuration
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Levels) == 0 {
		for _, t := range level.DefaultTiers() {
			cfg.Levels = append(cfg.Levels, TierConfig{Key: t.Key, Title: t.Title, Emoji: t.Emoji, Min: t.Min, Max: t.Max, Open: t.Open})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_mode", "development")
	v.SetDefault("app.locales_dir", "locales")
	v.SetDefault("app.default_language", "en")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.uri", "")
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("analysis.base_url", "")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("analysis.max_retries", 3)
	v.SetDefault("analysis.initial_backoff", 500*time.Millisecond)

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.base_url", "")
	v.SetDefault("ledger.api_key", "")
	v.SetDefault("ledger.timeout", 10*time.Second)

	v.SetDefault("telegram.token", "")

	e := escalation.DefaultConfig()
	v.SetDefault("escalation.response_budget", e.ResponseBudget)
	v.SetDefault("escalation.sweep_interval", e.SweepInterval)
	v.SetDefault("escalation.ai_pre_analysis.confidence", e.AIPreAnalysis.Confidence)
	v.SetDefault("escalation.human_review.enabled", e.HumanReview.Enabled)
	v.SetDefault("escalation.scholar_validation.enabled", e.ScholarValidation.Enabled)
	v.SetDefault("escalation.scholar_validation.minimum_level", e.ScholarValidation.MinimumLevel)
	v.SetDefault("escalation.community_peer_review.enabled", e.CommunityPeerReview.Enabled)
	v.SetDefault("escalation.community_peer_review.minimum_reviewers", e.CommunityPeerReview.MinimumReviewers)

	p := points.DefaultConfig()
	v.SetDefault("points.improvement_weight", p.ImprovementWeight)
	v.SetDefault("points.consistency_weight", p.ConsistencyWeight)
	v.SetDefault("points.perfect_threshold", p.PerfectThreshold)
	v.SetDefault("points.perfect_bonus", p.PerfectBonus)
	v.SetDefault("points.major_improvement_threshold", p.MajorImprovementThreshold)
	v.SetDefault("points.major_improvement_bonus", p.MajorImprovementBonus)
	v.SetDefault("points.max_intention", p.MaxIntention)
	v.SetDefault("points.teaching_multiplier", p.TeachingMultiplier)
	v.SetDefault("points.daily_limit", p.DailyLimit)
	v.SetDefault("points.weekly_bonus", p.WeeklyBonus)
	v.SetDefault("points.monthly_bonus", p.MonthlyBonus)

	qs := make([]string, 0, len(domain.AllQiraats))
	for _, q := range domain.AllQiraats {
		qs = append(qs, string(q))
	}
	v.SetDefault("qiraats.supported", qs)
	v.SetDefault("qiraats.default", string(domain.QiraatHafs))

	v.SetDefault("attestation.retry_interval", 5*time.Minute)
	v.SetDefault("attestation.batch_size", 50)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "quran-lab")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate fails fast on a configuration the core cannot run with
func (c *Config) Validate() error {
	if c.Analysis.BaseURL == "" {
		return fmt.Errorf("analysis base URL is required")
	}
	if c.Ledger.Enabled && c.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger base URL is required when the ledger is enabled")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage DSN is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app timezone: %w", err)
	}
	if _, err := domain.ParseLanguage(c.App.DefaultLanguage); err != nil {
		return fmt.Errorf("app default language: %w", err)
	}

	if err := c.Points.Validate(); err != nil {
		return fmt.Errorf("points: %w", err)
	}
	levels, err := level.New(c.Tiers())
	if err != nil {
		return fmt.Errorf("levels: %w", err)
	}
	if _, err := escalation.NewController(c.Escalation, levels); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	if c.Escalation.SweepInterval <= 0 {
		return fmt.Errorf("escalation sweep interval must be positive")
	}

	if _, err := c.SupportedQiraats(); err != nil {
		return err
	}
	if c.Attestation.RetryInterval <= 0 || c.Attestation.BatchSize < 1 {
		return fmt.Errorf("attestation retry interval and batch size must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio %v out of range [0,1]", c.Tracing.SampleRatio)
	}
	return nil
}

// Tiers converts the configured tier table
func (c *Config) Tiers() []domain.LevelTier {
	out := make([]domain.LevelTier, 0, len(c.Levels))
	for _, t := range c.Levels {
		out = append(out, domain.LevelTier{Key: t.Key, Title: t.Title, Emoji: t.Emoji, Min: t.Min, Max: t.Max, Open: t.Open})
	}
	return out
}

// SupportedQiraats parses the supported list and checks the default is in it
func (c *Config) SupportedQiraats() ([]domain.Qiraat, error) {
	if len(c.Qiraats.Supported) == 0 {
		return nil, fmt.Errorf("at least one qiraat must be supported")
	}
	out := make([]domain.Qiraat, 0, len(c.Qiraats.Supported))
	var hasDefault bool
	for _, s := range c.Qiraats.Supported {
		q, err := domain.ParseQiraat(s)
		if err != nil {
			return nil, fmt.Errorf("qiraats: %w", err)
		}
		if string(q) == c.Qiraats.Default {
			hasDefault = true
		}
		out = append(out, q)
	}
	if !hasDefault {
		return nil, fmt.Errorf("default qiraat %q is not among the supported ones", c.Qiraats.Default)
	}
	return out, nil
}

// Location is the timezone that defines a calendar day for the caps
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
