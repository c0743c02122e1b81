package store

import (
	"time"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/pkg/retry"
)

// DefaultPromotionThreshold is the serialized size above which a put is
// promoted to the node-shared store instead of the in-process table.
const DefaultPromotionThreshold = 100 * 1024

// DefaultHighWatermark is the shared store's default memory ceiling before
// spilling begins.
const DefaultHighWatermark = 256 * 1024 * 1024

// DefaultHintWait bounds how long a deadline-free Get waits for a location
// hint to appear before surfacing ErrObjectUnavailable.
const DefaultHintWait = 30 * time.Second

// Config holds configuration for the tiered object store.
type Config struct {
	// PromotionThreshold is the in-process size cutoff in bytes.
	PromotionThreshold int `json:"promotion_threshold" yaml:"promotion_threshold"`

	// HighWatermark is the shared store memory ceiling in bytes. When
	// exceeded, least-recently-accessed objects spill to disk.
	HighWatermark int64 `json:"high_watermark" yaml:"high_watermark"`

	// SpillDir is the disk-backed overflow area. Empty disables spilling;
	// the shared store then rejects writes past the watermark.
	SpillDir string `json:"spill_dir" yaml:"spill_dir"`

	// FetchRetry bounds remote fetch attempts before the store surfaces
	// ErrObjectUnavailable.
	FetchRetry retry.Config `json:"fetch_retry" yaml:"fetch_retry"`

	// HintWait bounds how long a Get without a deadline waits for a remote
	// object's location to become known.
	HintWait time.Duration `json:"hint_wait" yaml:"hint_wait"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		PromotionThreshold: DefaultPromotionThreshold,
		HighWatermark:      DefaultHighWatermark,
		FetchRetry:         retry.DefaultConfig(),
		HintWait:           DefaultHintWait,
	}
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.PromotionThreshold <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Validate",
			"promotion threshold must be positive")
	}
	if c.HighWatermark <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Validate",
			"high watermark must be positive")
	}
	if int64(c.PromotionThreshold) > c.HighWatermark {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Validate",
			"promotion threshold exceeds high watermark")
	}
	if c.HintWait < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Validate",
			"hint wait must not be negative")
	}
	return nil
}
