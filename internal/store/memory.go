package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	companies    map[string]*model.Company
	users        map[string]*model.User
	records      map[string]*model.InvestmentRecord // keyed by userID|companyID
	transactions []model.Transaction
	prices       []model.PriceRecord
	worths       []model.WorthSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies: make(map[string]*model.Company),
		users:     make(map[string]*model.User),
		records:   make(map[string]*model.InvestmentRecord),
	}
}

func recordKey(userID, companyID string) string {
	return userID + "|" + companyID
}

// capRank orders tiers largest first for listings.
var capRank = map[model.CapType]int{
	model.CapLarge: 0,
	model.CapMid:   1,
	model.CapSmall: 2,
}

// --- Companies ---

func (s *MemoryStore) CreateCompany(_ context.Context, c *model.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.companies {
		if existing.Code == c.Code || existing.Name == c.Name {
			return ErrDuplicate
		}
	}

	// Store a copy to avoid external mutation.
	cp := *c
	s.companies[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompany(_ context.Context, id string) (*model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetCompanyByCode(_ context.Context, code string) (*model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.companies {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListCompanies(_ context.Context) ([]model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	companies := make([]model.Company, 0, len(s.companies))
	for _, c := range s.companies {
		companies = append(companies, *c)
	}
	sort.Slice(companies, func(i, j int) bool {
		if companies[i].CapType != companies[j].CapType {
			return capRank[companies[i].CapType] < capRank[companies[j].CapType]
		}
		return companies[i].Code < companies[j].Code
	})
	return companies, nil
}

func (s *MemoryStore) UpdateCompanyPrice(_ context.Context, id string, cmp, change decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.CMP = cmp
	c.Change = change
	c.UpdatedAt = now
	s.prices = append(s.prices, model.PriceRecord{
		CompanyID: id,
		CMP:       cmp,
		Timestamp: now,
	})
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, companyID string) ([]model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.PriceRecord
	for i := len(s.prices) - 1; i >= 0; i-- {
		if s.prices[i].CompanyID == companyID {
			records = append(records, s.prices[i])
		}
	}
	return records, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.users {
		if existing.Name == u.Name {
			return ErrDuplicate
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// --- Ownership ledger ---

func (s *MemoryStore) EnsureInvestmentRecord(_ context.Context, userID, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureRecordLocked(userID, companyID)
}

func (s *MemoryStore) ensureRecordLocked(userID, companyID string) error {
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.companies[companyID]; !ok {
		return ErrNotFound
	}
	key := recordKey(userID, companyID)
	if _, ok := s.records[key]; !ok {
		s.records[key] = &model.InvestmentRecord{
			UserID:    userID,
			CompanyID: companyID,
			UpdatedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (s *MemoryStore) GetInvestmentRecord(_ context.Context, userID, companyID string) (*model.InvestmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(userID, companyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) InvestmentsByUser(_ context.Context, userID string) ([]model.InvestmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.InvestmentRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CompanyID < records[j].CompanyID })
	return records, nil
}

func (s *MemoryStore) BackfillCompany(_ context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[companyID]; !ok {
		return ErrNotFound
	}
	for userID := range s.users {
		if err := s.ensureRecordLocked(userID, companyID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) BackfillUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	for companyID := range s.companies {
		if err := s.ensureRecordLocked(userID, companyID); err != nil {
			return err
		}
	}
	return nil
}

// --- Aggregates ---

func (s *MemoryStore) NetWorth(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.netWorthLocked(userID)
}

// netWorthLocked sums cash plus shares × live price under the caller's lock,
// so the result is one consistent snapshot.
func (s *MemoryStore) netWorthLocked(userID string) (decimal.Decimal, error) {
	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}

	worth := u.Cash
	for _, rec := range s.records {
		if rec.UserID != userID || rec.Stocks == 0 {
			continue
		}
		c, ok := s.companies[rec.CompanyID]
		if !ok {
			continue
		}
		worth = worth.Add(c.CMP.Mul(decimal.NewFromInt(rec.Stocks)))
	}
	return worth, nil
}

// --- Trades ---

// ApplyTrade runs the whole trade sequence under one write lock: guards
// first, then mutations, then the transaction and worth-snapshot appends.
// A failed guard leaves every balance untouched.
func (s *MemoryStore) ApplyTrade(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[t.UserID]
	if !ok {
		return ErrNotFound
	}
	c, ok := s.companies[t.CompanyID]
	if !ok {
		return ErrNotFound
	}
	if err := s.ensureRecordLocked(t.UserID, t.CompanyID); err != nil {
		return err
	}
	rec := s.records[recordKey(t.UserID, t.CompanyID)]

	preWorth, err := s.netWorthLocked(t.UserID)
	if err != nil {
		return err
	}

	total := t.Price.Mul(decimal.NewFromInt(t.Quantity))

	switch t.Mode {
	case model.ModeBuy:
		if t.Quantity > c.StocksRemaining {
			return ErrInsufficientInventory
		}
		if rec.Stocks+t.Quantity > c.MaxStocksSell {
			return ErrOwnershipCapExceeded
		}
		if u.Cash.LessThan(total) {
			return ErrInsufficientFunds
		}
		c.StocksRemaining -= t.Quantity
		u.Cash = u.Cash.Sub(total)
		rec.Stocks += t.Quantity
	case model.ModeSell:
		if t.Quantity > rec.Stocks {
			return ErrInsufficientHoldings
		}
		if c.StocksRemaining+t.Quantity > c.StocksOffered {
			return ErrInsufficientInventory
		}
		c.StocksRemaining += t.Quantity
		u.Cash = u.Cash.Add(total)
		rec.Stocks -= t.Quantity
	}

	now := time.Now().UTC()
	c.UpdatedAt = now
	rec.UpdatedAt = now

	t.UserNetWorth = preWorth
	s.transactions = append(s.transactions, *t)

	postWorth, err := s.netWorthLocked(t.UserID)
	if err != nil {
		return err
	}
	s.worths = append(s.worths, model.WorthSnapshot{
		UserID:    t.UserID,
		Worth:     postWorth,
		Timestamp: now,
	})
	return nil
}

func (s *MemoryStore) Transactions(_ context.Context, f TransactionFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.CompanyID != "" && t.CompanyID != f.CompanyID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) WorthHistory(_ context.Context, userID string) ([]model.WorthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorthSnapshot
	for i := len(s.worths) - 1; i >= 0; i-- {
		if s.worths[i].UserID == userID {
			result = append(result, s.worths[i])
		}
	}
	return result, nil
}
