// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CapType classifies a company by market capitalization. The tier governs
// how large a stake a single user may build (see listing.MaxStocksSell).
type CapType string

const (
	CapSmall CapType = "small"
	CapMid   CapType = "mid"
	CapLarge CapType = "large"
)

// Label returns the display name for the cap tier.
func (c CapType) Label() string {
	switch c {
	case CapSmall:
		return "Small Cap"
	case CapMid:
		return "Mid Cap"
	case CapLarge:
		return "Large Cap"
	}
	return string(c)
}

// TradeMode is the direction of a trade.
type TradeMode string

const (
	ModeBuy  TradeMode = "buy"
	ModeSell TradeMode = "sell"
)

// Company is a listed stock. CMP (current market price) is a 2-decimal
// fixed-point value, strictly positive; every save path clamps it to a
// floor of 0.01. StocksOffered is immutable after listing;
// 0 <= StocksRemaining <= StocksOffered across any sequence of trades.
type Company struct {
	ID              string          `json:"id" db:"id"`
	Code            string          `json:"code" db:"code"`
	Name            string          `json:"name" db:"name"`
	CapType         CapType         `json:"cap_type" db:"cap_type"`
	CMP             decimal.Decimal `json:"cmp" db:"cmp"`
	Change          decimal.Decimal `json:"change" db:"change"` // percent change since last price update
	StocksOffered   int64           `json:"stocks_offered" db:"stocks_offered"`
	StocksRemaining int64           `json:"stocks_remaining" db:"stocks_remaining"`
	MaxStocksSell   int64           `json:"max_stocks_sell" db:"max_stocks_sell"` // per-user ownership cap, derived from CapType
	Industry        string          `json:"industry,omitempty" db:"industry"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// User holds the cash side of the books. Net-worth history lives in
// WorthSnapshot rows, append-only.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// InvestmentRecord is the ownership ledger entry for one (user, company)
// pair: exactly one row per pair, and the share count never goes negative.
type InvestmentRecord struct {
	UserID    string    `json:"user_id" db:"user_id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	Stocks    int64     `json:"stocks" db:"stocks"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of an executed trade. UserNetWorth is
// the user's net worth immediately before this trade's effects were applied.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	CompanyID    string          `json:"company_id" db:"company_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Mode         TradeMode       `json:"mode" db:"mode"`
	UserNetWorth decimal.Decimal `json:"user_net_worth" db:"user_net_worth"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// PriceRecord is an append-only market-price snapshot for one company.
type PriceRecord struct {
	CompanyID string          `json:"company_id" db:"company_id"`
	CMP       decimal.Decimal `json:"cmp" db:"cmp"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// WorthSnapshot is an append-only net-worth history entry for one user,
// recorded after each executed trade.
type WorthSnapshot struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Worth     decimal.Decimal `json:"worth" db:"worth"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
