package storage

import (
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// feeEstimatesTTL matches the fee service cache window.
const feeEstimatesTTL = 60 * time.Second

var (
	feeEstimatesKey = []byte("estimates")
	feeConfigKey    = []byte("config")
	feeLimitedKey   = []byte("limited")
)

// SetFeeEstimates caches the raw estimate matrix for the cache window.
func (s *Storage) SetFeeEstimates(estimates *chain.FeeEstimates) error {
	return s.setArtifact(feePrefix, feeEstimatesKey, estimates, feeEstimatesTTL)
}

// FeeEstimates returns the cached estimate matrix, or ErrNotFound once the
// cache window has passed.
func (s *Storage) FeeEstimates() (*chain.FeeEstimates, error) {
	estimates := new(chain.FeeEstimates)
	if err := s.getArtifact(feePrefix, feeEstimatesKey, estimates); err != nil {
		return nil, err
	}
	return estimates, nil
}

// InvalidateFeeEstimates drops the cached matrix so new clamps apply
// immediately.
func (s *Storage) InvalidateFeeEstimates() error {
	return s.deleteArtifact(feePrefix, feeEstimatesKey)
}

// SetClampConfig persists the clamp configuration. It never expires.
func (s *Storage) SetClampConfig(cfg types.ClampConfig) error {
	return s.setArtifact(feePrefix, feeConfigKey, cfg, 0)
}

// ClampConfig returns the persisted clamp configuration.
func (s *Storage) ClampConfig() (types.ClampConfig, error) {
	var cfg types.ClampConfig
	if err := s.getArtifact(feePrefix, feeConfigKey, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetFeeRateLimited records an indexer cooldown; until it expires the fee
// service must not hit the indexer again.
func (s *Storage) SetFeeRateLimited(until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.setArtifact(feePrefix, feeLimitedKey, until.Unix(), ttl)
}

// FeeRateLimitedUntil returns the active cooldown deadline, if any.
func (s *Storage) FeeRateLimitedUntil() (time.Time, bool) {
	var unix int64
	if err := s.getArtifact(feePrefix, feeLimitedKey, &unix); err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
