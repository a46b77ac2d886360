package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharevault/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for securities and pricing settings. Every write that can touch a
// cached record goes to the primary first and then drops the key.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	var sec model.Security
	if s.load(ctx, securityKey(id), &sec) {
		return &sec, nil
	}

	out, err := s.Store.GetSecurity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, securityKey(id), out)
	return out, nil
}

func (s *CachedStore) GetPricingSettings(ctx context.Context, securityID string) (*model.PricingSettings, error) {
	var ps model.PricingSettings
	if s.load(ctx, settingsKey(securityID), &ps) {
		return &ps, nil
	}

	out, err := s.Store.GetPricingSettings(ctx, securityID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, settingsKey(securityID), out)
	return out, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSecurity(ctx context.Context, sec *model.Security) error {
	if err := s.Store.CreateSecurity(ctx, sec); err != nil {
		return err
	}
	s.save(ctx, securityKey(sec.ID), sec)
	return nil
}

func (s *CachedStore) PutPricingSettings(ctx context.Context, ps *model.PricingSettings) error {
	if err := s.Store.PutPricingSettings(ctx, ps); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey(ps.SecurityID))
	return nil
}

func (s *CachedStore) ApplyPriceUpdate(ctx context.Context, e *model.PriceHistoryEntry) error {
	defer s.rdb.Del(ctx, securityKey(e.SecurityID))
	return s.Store.ApplyPriceUpdate(ctx, e)
}

func (s *CachedStore) ApplyFill(ctx context.Context, fill model.Fill, at time.Time, mutate SecurityMutator) (*model.SettlementEvent, error) {
	defer s.rdb.Del(ctx, securityKey(fill.SecurityID))
	return s.Store.ApplyFill(ctx, fill, at, mutate)
}

func (s *CachedStore) AllocateReserve(ctx context.Context, securityID, reserveType string, qty int64, mutate SecurityMutator) (*model.ReserveAllocation, error) {
	defer s.rdb.Del(ctx, securityKey(securityID))
	return s.Store.AllocateReserve(ctx, securityID, reserveType, qty, mutate)
}

func (s *CachedStore) IssueReserve(ctx context.Context, iss *model.ReserveIssuance, mutate SecurityMutator) error {
	defer s.rdb.Del(ctx, securityKey(iss.SecurityID))
	return s.Store.IssueReserve(ctx, iss, mutate)
}

func (s *CachedStore) UpdateReserveIssuance(ctx context.Context, id string, status model.IssuanceStatus, at time.Time, mutate SecurityMutator) (*model.ReserveIssuance, error) {
	iss, err := s.Store.UpdateReserveIssuance(ctx, id, status, at, mutate)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, securityKey(iss.SecurityID))
	return iss, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func securityKey(id string) string { return fmt.Sprintf("security:%s", id) }
func settingsKey(id string) string { return fmt.Sprintf("pricing-settings:%s", id) }
