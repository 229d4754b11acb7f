package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for company and user records. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. NetWorth is never cached; it must reflect live prices.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := s.primary.CreateCompany(ctx, c); err != nil {
		return err
	}
	s.cacheCompany(ctx, c)
	return nil
}

func (s *CachedStore) UpdateCompanyPrice(ctx context.Context, id string, cmp, change decimal.Decimal) error {
	if err := s.primary.UpdateCompanyPrice(ctx, id, cmp, change); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh price.
	s.rdb.Del(ctx, companyKey(id))
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, t *model.Transaction) error {
	if err := s.primary.ApplyTrade(ctx, t); err != nil {
		return err
	}
	// The trade moved company inventory and user cash.
	s.rdb.Del(ctx, companyKey(t.CompanyID), userKey(t.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	data, err := s.rdb.Get(ctx, companyKey(id)).Bytes()
	if err == nil {
		var c model.Company
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCompany(ctx, c)
	return c, nil
}

func (s *CachedStore) GetCompanyByCode(ctx context.Context, code string) (*model.Company, error) {
	// Try cache via the code-to-id mapping.
	id, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == nil {
		return s.GetCompany(ctx, id)
	}

	c, err := s.primary.GetCompanyByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cacheCompany(ctx, c)
	s.rdb.Set(ctx, codeKey(code), c.ID, s.ttl)
	return c, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	return s.primary.ListCompanies(ctx)
}

func (s *CachedStore) PriceHistory(ctx context.Context, companyID string) ([]model.PriceRecord, error) {
	return s.primary.PriceHistory(ctx, companyID)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) EnsureInvestmentRecord(ctx context.Context, userID, companyID string) error {
	return s.primary.EnsureInvestmentRecord(ctx, userID, companyID)
}

func (s *CachedStore) GetInvestmentRecord(ctx context.Context, userID, companyID string) (*model.InvestmentRecord, error) {
	return s.primary.GetInvestmentRecord(ctx, userID, companyID)
}

func (s *CachedStore) InvestmentsByUser(ctx context.Context, userID string) ([]model.InvestmentRecord, error) {
	return s.primary.InvestmentsByUser(ctx, userID)
}

func (s *CachedStore) BackfillCompany(ctx context.Context, companyID string) error {
	return s.primary.BackfillCompany(ctx, companyID)
}

func (s *CachedStore) BackfillUser(ctx context.Context, userID string) error {
	return s.primary.BackfillUser(ctx, userID)
}

func (s *CachedStore) NetWorth(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.NetWorth(ctx, userID)
}

func (s *CachedStore) Transactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	return s.primary.Transactions(ctx, f)
}

func (s *CachedStore) WorthHistory(ctx context.Context, userID string) ([]model.WorthSnapshot, error) {
	return s.primary.WorthHistory(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCompany(ctx context.Context, c *model.Company) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, companyKey(c.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func companyKey(id string) string { return fmt.Sprintf("company:%s", id) }
func codeKey(code string) string  { return fmt.Sprintf("company-code:%s", code) }
func userKey(id string) string    { return fmt.Sprintf("user:%s", id) }
