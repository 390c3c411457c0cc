package config

import (
	"fmt"

	"github.com/atomoutput/reportoid/internal/types"
)

// RetentionConfig holds configuration for audit trail retention and eviction
type RetentionConfig struct {
	// RetentionDays is how long audit entries are kept (in days)
	// Entries older than this are eligible for eviction
	// Set to 0 to keep entries regardless of age
	// Default: 365, Range: 0-3650
	RetentionDays int `yaml:"retention_days"`

	// MaxEntries is the maximum number of audit entries to keep
	// When exceeded, the oldest unreferenced entries are evicted first
	// Set to 0 for unlimited
	// Default: 10000
	MaxEntries int `yaml:"max_audit_entries"`

	// CleanupBatchSize is the number of entries to delete per transaction
	// Larger batches = faster eviction but longer write locks
	// Default: 1000, Range: 1-10000
	CleanupBatchSize int `yaml:"cleanup_batch_size"`
}

// DefaultRetentionConfig returns the default retention configuration:
// one year of history, capped at ten thousand entries.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:    365,
		MaxEntries:       10000,
		CleanupBatchSize: 1000,
	}
}

// Validate checks if the configuration has valid values
func (c RetentionConfig) Validate() error {
	if c.RetentionDays < 0 || c.RetentionDays > 3650 {
		return fmt.Errorf("retention_days must be between 0 and 3650 (got %d)", c.RetentionDays)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_audit_entries cannot be negative (got %d)", c.MaxEntries)
	}
	if c.CleanupBatchSize < 1 {
		return fmt.Errorf("cleanup_batch_size must be at least 1 (got %d)", c.CleanupBatchSize)
	}
	if c.CleanupBatchSize > 10000 {
		return fmt.Errorf("cleanup_batch_size too large (got %d, max 10000)", c.CleanupBatchSize)
	}
	return nil
}

// Policy converts the configuration into the policy the store enforces.
func (c RetentionConfig) Policy() types.RetentionPolicy {
	return types.RetentionPolicy{
		RetentionDays: c.RetentionDays,
		MaxEntries:    c.MaxEntries,
		BatchSize:     c.CleanupBatchSize,
	}
}

// String returns a human-readable representation of the config
func (c RetentionConfig) String() string {
	return fmt.Sprintf("RetentionConfig{RetentionDays: %d, MaxEntries: %d, BatchSize: %d}",
		c.RetentionDays, c.MaxEntries, c.CleanupBatchSize)
}

func (c *RetentionConfig) applyEnv() error {
	if err := parseEnvInt("REPORTOID_RETENTION_DAYS", &c.RetentionDays); err != nil {
		return err
	}
	if err := parseEnvInt("REPORTOID_MAX_AUDIT_ENTRIES", &c.MaxEntries); err != nil {
		return err
	}
	return parseEnvInt("REPORTOID_CLEANUP_BATCH_SIZE", &c.CleanupBatchSize)
}
