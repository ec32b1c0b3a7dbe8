package storage

import (
	"time"
)

// API-key tiers and their quota limits. Keys are provisioned out of band;
// the relay only reads them.
const (
	TierFree      = "free"
	TierStandard  = "standard"
	TierUnlimited = "unlimited"
)

// TierLimits are the per-tier quotas enforced by the pipeline. Zero means
// unlimited.
type TierLimits struct {
	ReqPerMin   int
	DailyReq    int
	DailyFeeCap uint64
}

var tierLimits = map[string]TierLimits{
	TierFree:      {ReqPerMin: 10, DailyReq: 100, DailyFeeCap: 1_000_000},
	TierStandard:  {ReqPerMin: 60, DailyReq: 5_000, DailyFeeCap: 50_000_000},
	TierUnlimited: {},
}

// LimitsForTier returns the quota limits of a tier; unknown tiers get the
// free limits.
func LimitsForTier(tier string) TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[TierFree]
}

// APIKey is the read-only metadata of a provisioned key.
type APIKey struct {
	KeyID     string `cbor:"0,keyasint"`
	Tier      string `cbor:"1,keyasint"`
	ExpiresAt int64  `cbor:"2,keyasint,omitempty"`
	Active    bool   `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
}

// Valid reports whether the key is active and unexpired.
func (k *APIKey) Valid(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt == 0 || now.Unix() < k.ExpiresAt
}

// APIKey loads key metadata. Lookups go through a short-lived cache, so a
// revocation can take up to the cache TTL to be observed.
func (s *Storage) APIKey(keyID string) (*APIKey, error) {
	if cached, ok := s.apiKeyCache.Get(keyID); ok {
		return cached, nil
	}
	key := new(APIKey)
	if err := s.getArtifact(apiKeyPrefix, []byte(keyID), key); err != nil {
		return nil, err
	}
	s.apiKeyCache.Add(keyID, key)
	return key, nil
}

// SetAPIKey stores key metadata and drops any cached copy.
func (s *Storage) SetAPIKey(key *APIKey) error {
	if key.CreatedAt == 0 {
		key.CreatedAt = time.Now().Unix()
	}
	if err := s.setArtifact(apiKeyPrefix, []byte(key.KeyID), key, 0); err != nil {
		return err
	}
	s.apiKeyCache.Remove(key.KeyID)
	return nil
}

// Usage is the per-day request and fee accounting of one API key.
type Usage struct {
	Requests  int    `cbor:"0,keyasint"`
	FeesSpent uint64 `cbor:"1,keyasint"`
}

func usageKey(keyID string, day string) []byte {
	return []byte(keyID + "/" + day)
}

func currentDay() string {
	return time.Now().UTC().Format("2006-01-02")
}

// RecordUsage counts one request and the fee it spent against today's usage
// of the key, returning the updated counters.
func (s *Storage) RecordUsage(keyID string, fee uint64) (Usage, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	key := usageKey(keyID, currentDay())
	var usage Usage
	if err := s.getArtifact(usagePrefix, key, &usage); err != nil && err != ErrNotFound {
		return Usage{}, err
	}
	usage.Requests++
	usage.FeesSpent += fee
	// usage records expire two days out, enough to cover day rollover
	if err := s.setArtifact(usagePrefix, key, &usage, 48*time.Hour); err != nil {
		return Usage{}, err
	}
	return usage, nil
}

// UsageToday returns today's usage counters for a key.
func (s *Storage) UsageToday(keyID string) (Usage, error) {
	var usage Usage
	err := s.getArtifact(usagePrefix, usageKey(keyID, currentDay()), &usage)
	if err == ErrNotFound {
		return Usage{}, nil
	}
	return usage, err
}
