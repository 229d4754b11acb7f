// Package trade implements the trading and valuation engine: trade
// execution, net-worth calculation, price ticks, and the company/user
// lifecycle operations with their ledger backfills.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/listing"
	"github.com/stocksim/trading-engine/internal/metrics"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/oscillator"
	"github.com/stocksim/trading-engine/internal/store"
)

// Validation errors, rejected before any state change.
var (
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")
	ErrInvalidMode     = errors.New("trade: mode must be buy or sell")
	ErrInvalidPrice    = errors.New("trade: price must be positive")
)

// startingCash is the cash balance granted to every new user.
var startingCash = decimal.NewFromInt(5000)

// Service is the engine facade. Atomicity of trade execution lives in the
// store (single lock in memory, serializable transaction in PostgreSQL),
// so concurrent trades against the same company or user cannot race on
// inventory, cash, or ledger shares.
type Service struct {
	store store.Store
	osc   *oscillator.Oscillator
	wsHub *WSHub // optional hub for real-time broadcasts
}

// NewService creates the engine. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, osc *oscillator.Oscillator, hub *WSHub) *Service {
	return &Service{
		store: st,
		osc:   osc,
		wsHub: hub,
	}
}

// TradeOrder describes a desired buy or sell.
type TradeOrder struct {
	UserID    string          `json:"user_id"`
	CompanyID string          `json:"company_id"`
	Quantity  int64           `json:"quantity"`
	Mode      model.TradeMode `json:"mode"`
	Price     decimal.Decimal `json:"price"`
}

// ExecuteTrade validates and applies a trade order. The resulting
// Transaction carries the user's net worth from just before the trade.
func (s *Service) ExecuteTrade(ctx context.Context, ord TradeOrder) (*model.Transaction, error) {
	if ord.Quantity <= 0 {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, ErrInvalidQuantity
	}
	if ord.Mode != model.ModeBuy && ord.Mode != model.ModeSell {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, ErrInvalidMode
	}
	if ord.Price.LessThanOrEqual(decimal.Zero) {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, ErrInvalidPrice
	}

	t := &model.Transaction{
		ID:        uuid.New().String(),
		UserID:    ord.UserID,
		CompanyID: ord.CompanyID,
		Quantity:  ord.Quantity,
		Price:     ord.Price,
		Mode:      ord.Mode,
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.ApplyTrade(ctx, t); err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.TradeRejections.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(t.Mode)).Inc()

	slog.Info("trade executed",
		"transaction_id", t.ID,
		"user", t.UserID,
		"company", t.CompanyID,
		"mode", t.Mode,
		"quantity", t.Quantity,
		"price", t.Price.String(),
		"net_worth_before", t.UserNetWorth.String(),
	)

	if c, err := s.store.GetCompany(ctx, t.CompanyID); err == nil {
		metrics.TradeVolume.WithLabelValues(c.Code, string(t.Mode)).Add(float64(t.Quantity))
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:      "trade_executed",
				CompanyID: c.ID,
				Code:      c.Code,
				Price:     t.Price.String(),
				Mode:      string(t.Mode),
				Quantity:  t.Quantity,
			})
		}
	}

	return t, nil
}

// rejectionReason maps trade errors to metric labels; returns "" for
// errors that are not rejections (e.g. not-found, infrastructure).
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientInventory):
		return "inventory"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "funds"
	case errors.Is(err, store.ErrInsufficientHoldings):
		return "holdings"
	case errors.Is(err, store.ErrOwnershipCapExceeded):
		return "ownership_cap"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	}
	return ""
}

// NetWorth returns a user's cash plus the live market value of all holdings.
func (s *Service) NetWorth(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.store.NetWorth(ctx, userID)
}

// PriceUpdate is the outcome of one oscillator tick against a company.
type PriceUpdate struct {
	CompanyID string          `json:"company_id"`
	Code      string          `json:"code"`
	Price     decimal.Decimal `json:"price"`
	Change    decimal.Decimal `json:"change"`
}

// UpdatePrice runs one oscillator step against a company and persists the
// new price, percent change, and a price-history snapshot. Companies with
// no shares offered return oscillator.ErrZeroOffering and stay untouched.
func (s *Service) UpdatePrice(ctx context.Context, companyID string) (*PriceUpdate, error) {
	c, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}

	step, err := s.osc.Next(c.CMP, c.StocksOffered)
	if err != nil {
		return nil, err
	}

	// Price floor applies on every save, whatever the oscillator did.
	price := listing.ClampPrice(step.Price)
	if err := s.store.UpdateCompanyPrice(ctx, c.ID, price, step.Change); err != nil {
		return nil, err
	}

	metrics.PriceUpdates.Inc()
	slog.Info("price updated",
		"company", c.Code,
		"price", price.String(),
		"change", step.Change.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "price_tick",
			CompanyID: c.ID,
			Code:      c.Code,
			Price:     price.String(),
			Change:    step.Change.String(),
		})
	}

	return &PriceUpdate{CompanyID: c.ID, Code: c.Code, Price: price, Change: step.Change}, nil
}

// UpdateAllPrices ticks every listed company. Zero-offering companies are
// skipped; individual failures are logged and do not stop the sweep.
func (s *Service) UpdateAllPrices(ctx context.Context) {
	companies, err := s.store.ListCompanies(ctx)
	if err != nil {
		slog.Error("price sweep failed to list companies", "err", err)
		return
	}
	for _, c := range companies {
		if c.StocksOffered == 0 {
			continue
		}
		if _, err := s.UpdatePrice(ctx, c.ID); err != nil {
			slog.Error("price update failed", "company", c.Code, "err", err)
		}
	}
}

// Listing describes a company to be listed on the market.
type Listing struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	CapType       model.CapType   `json:"cap_type"`
	Industry      string          `json:"industry"`
	CMP           decimal.Decimal `json:"cmp"`
	StocksOffered int64           `json:"stocks_offered"`
}

// ListCompany lists a new company: validates and normalizes the record
// (ownership cap, price floor), persists it, and backfills a zero-share
// ledger row for every existing user.
func (s *Service) ListCompany(ctx context.Context, l Listing) (*model.Company, error) {
	now := time.Now().UTC()
	c := &model.Company{
		ID:              uuid.New().String(),
		Code:            l.Code,
		Name:            l.Name,
		CapType:         l.CapType,
		CMP:             l.CMP,
		Change:          decimal.Zero,
		StocksOffered:   l.StocksOffered,
		StocksRemaining: l.StocksOffered,
		Industry:        l.Industry,
		CreatedAt:       now,
	}

	if err := listing.Validate(c); err != nil {
		return nil, err
	}
	listing.Normalize(c)

	if err := s.store.CreateCompany(ctx, c); err != nil {
		return nil, err
	}
	if err := s.store.BackfillCompany(ctx, c.ID); err != nil {
		return nil, err
	}

	metrics.ListedCompanies.Inc()
	slog.Info("company listed",
		"company", c.Code,
		"cap_type", c.CapType,
		"offered", c.StocksOffered,
		"max_stocks_sell", c.MaxStocksSell,
		"cmp", c.CMP.String(),
	)
	return c, nil
}

// RegisterUser creates a user with the default cash balance and backfills
// a zero-share ledger row against every existing company.
func (s *Service) RegisterUser(ctx context.Context, name string) (*model.User, error) {
	u := &model.User{
		ID:        uuid.New().String(),
		Name:      name,
		Cash:      startingCash,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.store.BackfillUser(ctx, u.ID); err != nil {
		return nil, err
	}

	slog.Info("user registered", "user", u.ID, "name", u.Name, "cash", u.Cash.String())
	return u, nil
}

// Transactions returns trade history matching the filter, most recent first.
func (s *Service) Transactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error) {
	return s.store.Transactions(ctx, f)
}

// PriceHistory returns a company's price snapshots, most recent first.
func (s *Service) PriceHistory(ctx context.Context, companyID string) ([]model.PriceRecord, error) {
	return s.store.PriceHistory(ctx, companyID)
}

// WorthHistory returns a user's net-worth snapshots, most recent first.
func (s *Service) WorthHistory(ctx context.Context, userID string) ([]model.WorthSnapshot, error) {
	return s.store.WorthHistory(ctx, userID)
}

// Holding is one portfolio line: ledger shares valued at the live price.
type Holding struct {
	CompanyID string          `json:"company_id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Stocks    int64           `json:"stocks"`
	CMP       decimal.Decimal `json:"cmp"`
	Value     decimal.Decimal `json:"value"`
}

// Portfolio aggregates a user's cash, holdings, and net worth.
type Portfolio struct {
	UserID   string          `json:"user_id"`
	Cash     decimal.Decimal `json:"cash"`
	Holdings []Holding       `json:"holdings"`
	NetWorth decimal.Decimal `json:"net_worth"`
}

// GetPortfolio builds the portfolio read model at live prices.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.InvestmentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		UserID:   userID,
		Cash:     u.Cash,
		Holdings: []Holding{},
		NetWorth: u.Cash,
	}
	for _, rec := range records {
		if rec.Stocks == 0 {
			continue
		}
		c, err := s.store.GetCompany(ctx, rec.CompanyID)
		if err != nil {
			return nil, err
		}
		value := c.CMP.Mul(decimal.NewFromInt(rec.Stocks))
		p.Holdings = append(p.Holdings, Holding{
			CompanyID: c.ID,
			Code:      c.Code,
			Name:      c.Name,
			Stocks:    rec.Stocks,
			CMP:       c.CMP,
			Value:     value,
		})
		p.NetWorth = p.NetWorth.Add(value)
	}
	return p, nil
}
