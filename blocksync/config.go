package blocksync

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the engine tunables. It is supplied once at construction.
type Config struct {
	// MaxRequestsPerSource bounds the number of in-flight requests per
	// source.
	MaxRequestsPerSource int

	// PipelineWindow is the number of consecutive block ranges the
	// optimistic strategy keeps in flight.
	PipelineWindow int

	// HeadersPerRequest is the number of blocks covered by one optimistic
	// range request.
	HeadersPerRequest int

	// AncestrySearchBatch is the number of headers fetched per backward
	// ancestry-search request in all-forks sync.
	AncestrySearchBatch int

	// RetryBudget is the number of times a failed request is reissued to a
	// different source before the strategy reports exhaustion.
	RetryBudget int

	// PenaltyDuration is the cooldown imposed on a misbehaving source.
	PenaltyDuration time.Duration

	// EnableWarpSync selects warp sync as the starting strategy. When
	// false the engine starts in optimistic sync.
	EnableWarpSync bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerSource: 4,
		PipelineWindow:       8,
		HeadersPerRequest:    128,
		AncestrySearchBatch:  32,
		RetryBudget:          3,
		PenaltyDuration:      10 * time.Second,
		EnableWarpSync:       false,
	}
}

// ValidateBasic performs basic validation, checking for ranges that make no
// sense.
func (cfg Config) ValidateBasic() error {
	if cfg.MaxRequestsPerSource <= 0 {
		return errors.New("MaxRequestsPerSource must be positive")
	}
	if cfg.PipelineWindow <= 0 {
		return errors.New("PipelineWindow must be positive")
	}
	if cfg.HeadersPerRequest <= 0 {
		return errors.New("HeadersPerRequest must be positive")
	}
	if cfg.AncestrySearchBatch <= 0 {
		return errors.New("AncestrySearchBatch must be positive")
	}
	if cfg.RetryBudget < 0 {
		return fmt.Errorf("RetryBudget cannot be negative: %d", cfg.RetryBudget)
	}
	if cfg.PenaltyDuration < 0 {
		return fmt.Errorf("PenaltyDuration cannot be negative: %v", cfg.PenaltyDuration)
	}
	return nil
}
