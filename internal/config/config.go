package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atomoutput/reportoid/internal/deduplication"
	"github.com/atomoutput/reportoid/internal/types"
)

const (
	configPathEnv = "REPORTOID_CONFIG"
	dbPathEnv     = "REPORTOID_DB"
	logLevelEnv   = "REPORTOID_LOG_LEVEL"

	defaultDBPath = "reportoid.db"
)

// Config holds every setting the quality engine needs.
type Config struct {
	Database   DatabaseConfig       `yaml:"database"`
	LogLevel   string               `yaml:"log_level"`
	Clustering deduplication.Config `yaml:"clustering"`
	Review     ReviewConfig         `yaml:"review"`
	SiteFilter SiteFilterConfig     `yaml:"site_filter"`
	Audit      RetentionConfig      `yaml:"audit"`

	// Synonyms extends the built-in description lexicon: each key is a
	// canonical term, each value the words that mean the same thing.
	Synonyms map[string][]string `yaml:"synonyms"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ReviewConfig controls how groups are flagged and processed.
type ReviewConfig struct {
	// HighConfidenceThreshold is the confidence at or above which a group
	// is flagged high_confidence and eligible for auto-processing
	// Default: 0.95
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold"`

	// ManualReviewThreshold is the confidence at or above which a group
	// is flagged needs_manual_review rather than low_confidence
	// Default: 0.7
	ManualReviewThreshold float64 `yaml:"manual_review_threshold"`

	// PartialMergePolicy decides when members excluded from a partial
	// merge are offered again: "next_pass" or "immediate"
	// Default: next_pass
	PartialMergePolicy types.PartialMergePolicy `yaml:"partial_merge_policy"`
}

// SiteFilterConfig restricts analysis to sites whose ID contains one of
// the keywords.
type SiteFilterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Keywords      []string `yaml:"keywords"`
	CaseSensitive bool     `yaml:"case_sensitive"`
}

// Matches reports whether siteID passes the filter. A disabled filter or
// one without keywords passes everything.
func (f SiteFilterConfig) Matches(siteID string) bool {
	if !f.Enabled || len(f.Keywords) == 0 {
		return true
	}
	if !f.CaseSensitive {
		siteID = strings.ToLower(siteID)
	}
	for _, kw := range f.Keywords {
		if !f.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if kw != "" && strings.Contains(siteID, kw) {
			return true
		}
	}
	return false
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Database:   DatabaseConfig{Path: defaultDBPath},
		LogLevel:   "info",
		Clustering: deduplication.DefaultConfig(),
		Review: ReviewConfig{
			HighConfidenceThreshold: 0.95,
			ManualReviewThreshold:   0.7,
			PartialMergePolicy:      types.PartialMergeNextPass,
		},
		Audit: DefaultRetentionConfig(),
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Clustering.Validate(); err != nil {
		return fmt.Errorf("clustering: %w", err)
	}
	r := c.Review
	if r.HighConfidenceThreshold < 0.0 || r.HighConfidenceThreshold > 1.0 {
		return fmt.Errorf("high_confidence_threshold must be between 0.0 and 1.0 (got %.2f)",
			r.HighConfidenceThreshold)
	}
	if r.ManualReviewThreshold < 0.0 || r.ManualReviewThreshold > r.HighConfidenceThreshold {
		return fmt.Errorf("manual_review_threshold must be between 0.0 and high_confidence_threshold (got %.2f)",
			r.ManualReviewThreshold)
	}
	if !r.PartialMergePolicy.IsValid() {
		return fmt.Errorf("partial_merge_policy must be 'next_pass' or 'immediate' (got %q)",
			r.PartialMergePolicy)
	}
	if c.SiteFilter.Enabled && len(c.SiteFilter.Keywords) == 0 {
		return fmt.Errorf("site_filter is enabled but has no keywords")
	}
	for canon := range c.Synonyms {
		if strings.TrimSpace(canon) == "" {
			return fmt.Errorf("synonyms: canonical term cannot be empty")
		}
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{DB: %s, %s, HighConfidence: %.2f, ManualReview: %.2f, "+
			"PartialMerge: %s, SiteFilter: %t%v, %s}",
		c.Database.Path, c.Clustering, c.Review.HighConfidenceThreshold,
		c.Review.ManualReviewThreshold, c.Review.PartialMergePolicy,
		c.SiteFilter.Enabled, c.SiteFilter.Keywords, c.Audit,
	)
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $REPORTOID_CONFIG when path is empty), then environment overrides,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv creates a Config from environment variables, falling back to defaults
//
// Environment variables (in addition to those read by the clustering config):
//   - REPORTOID_DB: SQLite database path (default: reportoid.db)
//   - REPORTOID_LOG_LEVEL: debug, info, warn or error (default: info)
//   - REPORTOID_HIGH_CONFIDENCE_THRESHOLD: Auto-process threshold (default: 0.95)
//   - REPORTOID_MANUAL_REVIEW_THRESHOLD: Manual review threshold (default: 0.7)
//   - REPORTOID_PARTIAL_MERGE_POLICY: next_pass or immediate (default: next_pass)
//   - REPORTOID_SITE_FILTER: Comma-separated site keywords; enables the filter
//   - REPORTOID_SITE_FILTER_CASE_SENSITIVE: Match keywords case-sensitively (default: false)
//   - REPORTOID_RETENTION_DAYS, REPORTOID_MAX_AUDIT_ENTRIES, REPORTOID_CLEANUP_BATCH_SIZE
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := parseEnvString(dbPathEnv, &c.Database.Path); err != nil {
		return err
	}
	if err := parseEnvString(logLevelEnv, &c.LogLevel); err != nil {
		return err
	}
	if err := c.Clustering.ApplyEnv(); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_HIGH_CONFIDENCE_THRESHOLD", &c.Review.HighConfidenceThreshold); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_MANUAL_REVIEW_THRESHOLD", &c.Review.ManualReviewThreshold); err != nil {
		return err
	}
	policy := string(c.Review.PartialMergePolicy)
	if err := parseEnvString("REPORTOID_PARTIAL_MERGE_POLICY", &policy); err != nil {
		return err
	}
	c.Review.PartialMergePolicy = types.PartialMergePolicy(policy)

	var keywords []string
	if err := parseEnvList("REPORTOID_SITE_FILTER", &keywords); err != nil {
		return err
	}
	if len(keywords) > 0 {
		c.SiteFilter.Enabled = true
		c.SiteFilter.Keywords = keywords
	}
	if err := parseEnvBool("REPORTOID_SITE_FILTER_CASE_SENSITIVE", &c.SiteFilter.CaseSensitive); err != nil {
		return err
	}
	return c.Audit.applyEnv()
}
