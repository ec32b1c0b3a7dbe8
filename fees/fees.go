// Package fees serves clamped fee estimates. Raw estimates come from the
// indexer and are cached for a short window; per-payload-class floor and
// ceiling clamps bound what the relay is willing to pay regardless of what
// the mempool claims.
package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// Estimate sources reported alongside results.
const (
	SourceIndexer = "hiro"
	SourceCache   = "cache"
	SourceDefault = "default"
)

// DefaultClamps bound fees (in micro-units) when no clamp configuration has
// been set.
var DefaultClamps = types.ClampConfig{
	string(stacks.ClassTokenTransfer): {Floor: 180, Ceiling: 10_000},
	string(stacks.ClassContractCall):  {Floor: 200, Ceiling: 100_000},
	string(stacks.ClassSmartContract): {Floor: 300, Ceiling: 500_000},
}

// Estimator is the chain-client subset the fee service needs.
type Estimator interface {
	GetFeeEstimates(ctx context.Context) (chain.FeeEstimates, error)
}

// Service caches, clamps and serves fee estimates.
type Service struct {
	store     *storage.Storage
	estimator Estimator
}

// New creates the fee service.
func New(store *storage.Storage, estimator Estimator) *Service {
	return &Service{store: store, estimator: estimator}
}

// Result is a clamped estimate matrix with its provenance.
type Result struct {
	Estimates chain.FeeEstimates `json:"estimates"`
	Source    string             `json:"source"`
}

// Estimates returns the clamped fee matrix. Fallback order is cache, fresh
// fetch, floor-valued defaults; an indexer cooldown skips the fetch.
func (s *Service) Estimates(ctx context.Context) Result {
	cfg := s.ClampConfig()
	if cached, err := s.store.FeeEstimates(); err == nil {
		return Result{Estimates: ApplyClamps(*cached, cfg), Source: SourceCache}
	}
	if until, ok := s.store.FeeRateLimitedUntil(); ok && time.Now().Before(until) {
		return Result{Estimates: floorDefaults(cfg), Source: SourceDefault}
	}
	raw, err := s.estimator.GetFeeEstimates(ctx)
	if err != nil {
		var limited *chain.RateLimitError
		if errors.As(err, &limited) {
			log.Warnw("indexer rate limited fee estimation", "retryAfter", limited.RetryAfter.String())
			if err := s.store.SetFeeRateLimited(time.Now().Add(limited.RetryAfter)); err != nil {
				log.Warnw("could not record fee cooldown", "error", err)
			}
		} else {
			log.Warnw("fee estimation failed, serving floor defaults", "error", err)
		}
		return Result{Estimates: floorDefaults(cfg), Source: SourceDefault}
	}
	if err := s.store.SetFeeEstimates(&raw); err != nil {
		log.Warnw("could not cache fee estimates", "error", err)
	}
	return Result{Estimates: ApplyClamps(raw, cfg), Source: SourceIndexer}
}

// ClampedFee returns the medium-priority clamped fee for a payload class.
func (s *Service) ClampedFee(ctx context.Context, class stacks.PayloadClass) (uint64, string) {
	result := s.Estimates(ctx)
	return result.Estimates.Class(class).Medium, result.Source
}

// ClampConfig returns the active clamp configuration, falling back to the
// defaults for classes without one.
func (s *Service) ClampConfig() types.ClampConfig {
	out := types.ClampConfig{}
	for class, clamp := range DefaultClamps {
		out[class] = clamp
	}
	stored, err := s.store.ClampConfig()
	if err != nil {
		return out
	}
	for class, clamp := range stored {
		out[class] = clamp
	}
	return out
}

// SetClampConfig validates and persists new clamps, invalidating the
// estimate cache so they apply immediately.
func (s *Service) SetClampConfig(cfg types.ClampConfig) error {
	for class, clamp := range cfg {
		if clamp.Floor == 0 || clamp.Ceiling == 0 {
			return fmt.Errorf("clamp for %s: floor and ceiling must be positive", class)
		}
		if clamp.Floor >= clamp.Ceiling {
			return fmt.Errorf("clamp for %s: floor %d must be below ceiling %d", class, clamp.Floor, clamp.Ceiling)
		}
	}
	if err := s.store.SetClampConfig(cfg); err != nil {
		return fmt.Errorf("persist clamp config: %w", err)
	}
	if err := s.store.InvalidateFeeEstimates(); err != nil {
		return fmt.Errorf("invalidate estimate cache: %w", err)
	}
	return nil
}

// ApplyClamps bounds every tier of every class to its configured range.
func ApplyClamps(raw chain.FeeEstimates, cfg types.ClampConfig) chain.FeeEstimates {
	return chain.FeeEstimates{
		TokenTransfer: clampTiers(raw.TokenTransfer, cfg[string(stacks.ClassTokenTransfer)]),
		ContractCall:  clampTiers(raw.ContractCall, cfg[string(stacks.ClassContractCall)]),
		SmartContract: clampTiers(raw.SmartContract, cfg[string(stacks.ClassSmartContract)]),
	}
}

func clampTiers(tiers chain.FeeTiers, clamp types.ClampRange) chain.FeeTiers {
	return chain.FeeTiers{
		Low:    clampFee(tiers.Low, clamp),
		Medium: clampFee(tiers.Medium, clamp),
		High:   clampFee(tiers.High, clamp),
	}
}

func clampFee(fee uint64, clamp types.ClampRange) uint64 {
	if clamp.Floor == 0 && clamp.Ceiling == 0 {
		return fee
	}
	if fee < clamp.Floor {
		return clamp.Floor
	}
	if fee > clamp.Ceiling {
		return clamp.Ceiling
	}
	return fee
}

// floorDefaults builds a floor-valued matrix from the clamp configuration.
func floorDefaults(cfg types.ClampConfig) chain.FeeEstimates {
	floorTiers := func(class stacks.PayloadClass) chain.FeeTiers {
		floor := cfg[string(class)].Floor
		return chain.FeeTiers{Low: floor, Medium: floor, High: floor}
	}
	return chain.FeeEstimates{
		TokenTransfer: floorTiers(stacks.ClassTokenTransfer),
		ContractCall:  floorTiers(stacks.ClassContractCall),
		SmartContract: floorTiers(stacks.ClassSmartContract),
	}
}
