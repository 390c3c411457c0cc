package deduplication

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/atomoutput/reportoid/internal/types"
)

// Config holds configuration for the duplicate clusterer
type Config struct {
	// Weights is the relative weight of the description, date and priority
	// similarity components. Must be non-negative and sum to 1.0.
	// Default: 0.6 / 0.3 / 0.1
	Weights types.SimilarityWeights `yaml:"weights"`

	// TimeWindow is the maximum distance between creation times for two
	// tickets to be compared at all. The date component decays linearly to
	// zero at this distance.
	// Default: 24 hours
	TimeWindow time.Duration `yaml:"time_window"`

	// MinConfidence is the minimum combined score (0.0-1.0) for a pair of
	// tickets to be linked into the same group
	// Higher values = fewer, tighter groups
	// Default: 0.7
	MinConfidence float64 `yaml:"min_confidence"`

	// AdjacentPriorityScore is the priority similarity for tickets one
	// severity level apart (e.g. High vs Critical)
	// Default: 0.5
	AdjacentPriorityScore float64 `yaml:"adjacent_priority_score"`

	// Workers is the number of sites clustered concurrently
	// Default: 4
	Workers int `yaml:"workers"`
}

// DefaultConfig returns the default clustering configuration
func DefaultConfig() Config {
	return Config{
		Weights:               types.SimilarityWeights{Description: 0.6, Date: 0.3, Priority: 0.1},
		TimeWindow:            24 * time.Hour, // 1 day
		MinConfidence:         0.7,
		AdjacentPriorityScore: 0.5,
		Workers:               4,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive (got %v)", c.TimeWindow)
	}
	if c.TimeWindow > 90*24*time.Hour {
		return fmt.Errorf("time_window too large (got %v, max 90 days)", c.TimeWindow)
	}
	if c.MinConfidence < 0.0 || c.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0 (got %.2f)", c.MinConfidence)
	}
	if c.AdjacentPriorityScore < 0.0 || c.AdjacentPriorityScore > 1.0 {
		return fmt.Errorf("adjacent_priority_score must be between 0.0 and 1.0 (got %.2f)",
			c.AdjacentPriorityScore)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive (got %d)", c.Workers)
	}
	if c.Workers > 64 {
		return fmt.Errorf("workers too large (got %d, max 64)", c.Workers)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Weights: %.2f/%.2f/%.2f, Window: %v, MinConfidence: %.2f, "+
			"AdjacentPriority: %.2f, Workers: %d}",
		c.Weights.Description, c.Weights.Date, c.Weights.Priority,
		c.TimeWindow, c.MinConfidence, c.AdjacentPriorityScore, c.Workers,
	)
}

// ApplyEnv overrides fields from environment variables
//
// Environment variables:
//   - REPORTOID_DESCRIPTION_WEIGHT: Weight of description similarity (default: 0.6)
//   - REPORTOID_DATE_WEIGHT: Weight of date proximity (default: 0.3)
//   - REPORTOID_PRIORITY_WEIGHT: Weight of priority similarity (default: 0.1)
//   - REPORTOID_TIME_WINDOW_HOURS: Comparison window in hours (default: 24)
//   - REPORTOID_MIN_CONFIDENCE: Minimum pair score to link tickets (default: 0.7)
//   - REPORTOID_ADJACENT_PRIORITY_SCORE: Score for adjacent priorities (default: 0.5)
//   - REPORTOID_WORKERS: Sites clustered concurrently (default: 4)
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	if err := parseEnvFloat("REPORTOID_DESCRIPTION_WEIGHT", &c.Weights.Description); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_DATE_WEIGHT", &c.Weights.Date); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_PRIORITY_WEIGHT", &c.Weights.Priority); err != nil {
		return err
	}
	if err := parseEnvDuration("REPORTOID_TIME_WINDOW_HOURS", &c.TimeWindow, time.Hour); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_MIN_CONFIDENCE", &c.MinConfidence); err != nil {
		return err
	}
	if err := parseEnvFloat("REPORTOID_ADJACENT_PRIORITY_SCORE", &c.AdjacentPriorityScore); err != nil {
		return err
	}
	return parseEnvInt("REPORTOID_WORKERS", &c.Workers)
}

// ConfigFromEnv creates a Config from environment variables, falling back to defaults
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	// Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}

	return cfg, nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration from an environment variable
// The multiplier is used to convert the numeric value to a duration
// (e.g., for hours: multiplier = time.Hour)
func parseEnvDuration(key string, dest *time.Duration, multiplier time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = time.Duration(parsed * float64(multiplier))
	return nil
}
