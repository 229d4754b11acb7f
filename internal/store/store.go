// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// Sentinel errors shared by all implementations. Trade guards reject the
// whole trade before any mutation becomes visible.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate entity")

	// ErrInsufficientInventory: a buy exceeds the company's remaining
	// shares, or a sell would release more shares than were ever offered.
	ErrInsufficientInventory = errors.New("store: insufficient shares in company inventory")

	// ErrInsufficientFunds: a buy exceeds the user's cash balance.
	ErrInsufficientFunds = errors.New("store: insufficient cash")

	// ErrInsufficientHoldings: a sell exceeds the user's ledger holdings.
	ErrInsufficientHoldings = errors.New("store: insufficient shares held")

	// ErrOwnershipCapExceeded: a buy would push the user's holdings past
	// the company's per-user cap (max_stocks_sell).
	ErrOwnershipCapExceeded = errors.New("store: ownership cap exceeded")

	// ErrConflict: a transactional retry was exhausted; the operation may
	// be retried by the caller.
	ErrConflict = errors.New("store: transaction conflict")
)

// TransactionFilter narrows transaction-history queries. Zero values match
// everything; set both fields to filter by the (user, company) pair.
type TransactionFilter struct {
	UserID    string
	CompanyID string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Companies ---

	// CreateCompany persists a newly listed company. Code and name are unique.
	CreateCompany(ctx context.Context, c *model.Company) error

	// GetCompany retrieves a company by ID.
	GetCompany(ctx context.Context, id string) (*model.Company, error)

	// GetCompanyByCode retrieves a company by its ticker code.
	GetCompanyByCode(ctx context.Context, code string) (*model.Company, error)

	// ListCompanies returns all companies ordered by (cap tier, code).
	ListCompanies(ctx context.Context) ([]model.Company, error)

	// UpdateCompanyPrice persists a new market price and percent change,
	// and appends a PriceRecord snapshot in the same atomic step.
	UpdateCompanyPrice(ctx context.Context, id string, cmp, change decimal.Decimal) error

	// PriceHistory returns a company's price snapshots, most recent first.
	PriceHistory(ctx context.Context, companyID string) ([]model.PriceRecord, error)

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Ownership ledger ---

	// EnsureInvestmentRecord creates a zero-share ledger row for the pair if
	// none exists. Idempotent insert-if-absent keyed on the (user, company)
	// uniqueness constraint, so it is safe under concurrent callers.
	EnsureInvestmentRecord(ctx context.Context, userID, companyID string) error

	// GetInvestmentRecord returns the ledger row for one pair.
	GetInvestmentRecord(ctx context.Context, userID, companyID string) (*model.InvestmentRecord, error)

	// InvestmentsByUser returns all ledger rows for a user.
	InvestmentsByUser(ctx context.Context, userID string) ([]model.InvestmentRecord, error)

	// BackfillCompany creates zero-share ledger rows for every existing
	// user against a newly listed company. Idempotent.
	BackfillCompany(ctx context.Context, companyID string) error

	// BackfillUser creates zero-share ledger rows for a new user against
	// every existing company. Idempotent.
	BackfillUser(ctx context.Context, userID string) error

	// --- Aggregates ---

	// NetWorth returns cash plus the market value of all holdings at live
	// prices, read as one consistent snapshot.
	NetWorth(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Trades ---

	// ApplyTrade executes the full trade sequence as one atomic unit:
	// stamp the pre-trade net worth on t, adjust company inventory, user
	// cash and ledger shares under the trade guards, insert the
	// transaction, and append a post-trade WorthSnapshot. No partial
	// application is ever visible to other operations.
	ApplyTrade(ctx context.Context, t *model.Transaction) error

	// Transactions returns trade history matching the filter, most recent first.
	Transactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)

	// WorthHistory returns a user's net-worth snapshots, most recent first.
	WorthHistory(ctx context.Context, userID string) ([]model.WorthSnapshot, error)
}
