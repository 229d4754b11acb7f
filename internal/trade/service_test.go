package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/oscillator"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, oscillator.New(42), nil)

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return svc, ms, r
}

// seedCompany creates a company directly in the store, bypassing the
// listing flow, so tests can control inventory exactly.
func seedCompany(t *testing.T, ms *store.MemoryStore, id, code string, cmp float64, offered, remaining, maxSell int64) {
	t.Helper()
	err := ms.CreateCompany(context.Background(), &model.Company{
		ID:              id,
		Code:            code,
		Name:            code + " Corp",
		CapType:         model.CapSmall,
		CMP:             d(cmp),
		StocksOffered:   offered,
		StocksRemaining: remaining,
		MaxStocksSell:   maxSell,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed company: %v", err)
	}
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, cash float64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		ID:        id,
		Name:      "user-" + id,
		Cash:      d(cash),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func doTrade(t *testing.T, router chi.Router, ord trade.TradeOrder) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(ord)
	req := httptest.NewRequest("POST", "/api/v1/trade", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Lifecycle tests ---

func TestListCompany_DerivesCapAndBackfills(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	u1, err := svc.RegisterUser(ctx, "alice")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	u2, err := svc.RegisterUser(ctx, "bob")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	c, err := svc.ListCompany(ctx, trade.Listing{
		Code:          "BRIQ",
		Name:          "Briq Construction",
		CapType:       model.CapSmall,
		CMP:           d(12.75),
		StocksOffered: 1000,
	})
	if err != nil {
		t.Fatalf("list company: %v", err)
	}

	if c.MaxStocksSell != 180 {
		t.Errorf("max_stocks_sell = %d, want 180", c.MaxStocksSell)
	}
	if c.StocksRemaining != 1000 {
		t.Errorf("stocks_remaining = %d, want 1000", c.StocksRemaining)
	}

	// Every pre-existing user gets a zero-share ledger row.
	for _, u := range []*model.User{u1, u2} {
		rec, err := ms.GetInvestmentRecord(ctx, u.ID, c.ID)
		if err != nil {
			t.Fatalf("missing ledger row for %s: %v", u.Name, err)
		}
		if rec.Stocks != 0 {
			t.Errorf("expected 0 stocks for %s, got %d", u.Name, rec.Stocks)
		}
	}
}

func TestListCompany_ClampsPriceFloor(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	c, err := svc.ListCompany(context.Background(), trade.Listing{
		Code:          "ZERO",
		Name:          "Zero Price Corp",
		CapType:       model.CapMid,
		CMP:           decimal.Zero,
		StocksOffered: 500,
	})
	if err != nil {
		t.Fatalf("list company: %v", err)
	}
	if !c.CMP.Equal(d(0.01)) {
		t.Errorf("cmp = %s, want 0.01", c.CMP)
	}
}

func TestListCompany_RejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	_, err := svc.ListCompany(context.Background(), trade.Listing{
		Code:          "bad code",
		Name:          "Bad Corp",
		CapType:       model.CapSmall,
		StocksOffered: 100,
	})
	if err == nil {
		t.Fatal("expected error for invalid code")
	}
}

func TestRegisterUser_DefaultCashAndBackfill(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	c, err := svc.ListCompany(ctx, trade.Listing{
		Code:          "QNT",
		Name:          "Quantara Systems",
		CapType:       model.CapLarge,
		CMP:           d(420),
		StocksOffered: 100000,
	})
	if err != nil {
		t.Fatalf("list company: %v", err)
	}

	u, err := svc.RegisterUser(ctx, "carol")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	if !u.Cash.Equal(d(5000)) {
		t.Errorf("cash = %s, want 5000", u.Cash)
	}

	rec, err := ms.GetInvestmentRecord(ctx, u.ID, c.ID)
	if err != nil {
		t.Fatalf("missing backfilled ledger row: %v", err)
	}
	if rec.Stocks != 0 {
		t.Errorf("expected 0 stocks, got %d", rec.Stocks)
	}
}

// --- Trade execution tests ---

func TestExecuteTrade_Buy(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

	w := doTrade(t, router, trade.TradeOrder{
		UserID:    "u1",
		CompanyID: "c1",
		Quantity:  10,
		Mode:      model.ModeBuy,
		Price:     d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp model.Transaction
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.ID == "" {
		t.Error("expected non-empty transaction id")
	}
	if !resp.UserNetWorth.Equal(d(5000)) {
		t.Errorf("net worth stamp = %s, want pre-trade 5000", resp.UserNetWorth)
	}

	ctx := context.Background()
	u, _ := ms.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(4900)) {
		t.Errorf("cash = %s, want 4900", u.Cash)
	}
	c, _ := ms.GetCompany(ctx, "c1")
	if c.StocksRemaining != 990 {
		t.Errorf("remaining = %d, want 990", c.StocksRemaining)
	}
	rec, _ := ms.GetInvestmentRecord(ctx, "u1", "c1")
	if rec.Stocks != 10 {
		t.Errorf("ledger stocks = %d, want 10", rec.Stocks)
	}
}

func TestExecuteTrade_RoundTrip(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedCompany(t, ms, "c1", "ABC", 12.50, 1000, 1000, 180)

	for _, mode := range []model.TradeMode{model.ModeBuy, model.ModeSell} {
		w := doTrade(t, router, trade.TradeOrder{
			UserID:    "u1",
			CompanyID: "c1",
			Quantity:  5,
			Mode:      mode,
			Price:     d(12.50),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", mode, w.Code, w.Body.String())
		}
	}

	ctx := context.Background()
	u, _ := ms.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(5000)) {
		t.Errorf("cash after round trip = %s, want 5000", u.Cash)
	}
	c, _ := ms.GetCompany(ctx, "c1")
	if c.StocksRemaining != 1000 {
		t.Errorf("remaining after round trip = %d, want 1000", c.StocksRemaining)
	}
	rec, _ := ms.GetInvestmentRecord(ctx, "u1", "c1")
	if rec.Stocks != 0 {
		t.Errorf("ledger after round trip = %d, want 0", rec.Stocks)
	}
}

func TestExecuteTrade_ValidationRejections(t *testing.T) {
	tests := []struct {
		name string
		ord  trade.TradeOrder
	}{
		{"negative quantity", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: -5, Mode: model.ModeBuy, Price: d(10)}},
		{"zero quantity", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 0, Mode: model.ModeBuy, Price: d(10)}},
		{"unknown mode", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 5, Mode: "short", Price: d(10)}},
		{"non-positive price", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 5, Mode: model.ModeBuy, Price: decimal.Zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ms, router := newTestEnv(t)
			seedUser(t, ms, "u1", 5000)
			seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

			w := doTrade(t, router, tt.ord)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}

			ctx := context.Background()
			u, _ := ms.GetUser(ctx, "u1")
			if !u.Cash.Equal(d(5000)) {
				t.Errorf("cash mutated to %s", u.Cash)
			}
			c, _ := ms.GetCompany(ctx, "c1")
			if c.StocksRemaining != 1000 {
				t.Errorf("remaining mutated to %d", c.StocksRemaining)
			}
		})
	}
}

func TestExecuteTrade_GuardRejections(t *testing.T) {
	tests := []struct {
		name string
		ord  trade.TradeOrder
	}{
		{"buy exceeds inventory", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 2000, Mode: model.ModeBuy, Price: d(1)}},
		{"buy exceeds ownership cap", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 200, Mode: model.ModeBuy, Price: d(1)}},
		{"buy exceeds cash", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 100, Mode: model.ModeBuy, Price: d(100)}},
		{"sell without holdings", trade.TradeOrder{UserID: "u1", CompanyID: "c1", Quantity: 5, Mode: model.ModeSell, Price: d(10)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ms, router := newTestEnv(t)
			seedUser(t, ms, "u1", 5000)
			seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

			w := doTrade(t, router, tt.ord)
			if w.Code != http.StatusConflict {
				t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestExecuteTrade_ConcurrentBuys(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedUser(t, ms, "u2", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 10, 180)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, userID := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, results[i] = svc.ExecuteTrade(context.Background(), trade.TradeOrder{
				UserID:    userID,
				CompanyID: "c1",
				Quantity:  6,
				Mode:      model.ModeBuy,
				Price:     d(10),
			})
		}(i, userID)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientInventory):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || rejections != 1 {
		t.Fatalf("expected exactly one success and one rejection, got %d/%d", successes, rejections)
	}

	c, _ := ms.GetCompany(context.Background(), "c1")
	if c.StocksRemaining != 4 {
		t.Errorf("remaining = %d, want 4", c.StocksRemaining)
	}
}

// --- Price oscillation tests ---

func TestUpdatePrice_PersistsAndRecordsHistory(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedCompany(t, ms, "c1", "ABC", 100, 10000, 10000, 1800)
	ctx := context.Background()

	update, err := svc.UpdatePrice(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.Price.LessThanOrEqual(decimal.Zero) {
		t.Errorf("price must stay positive, got %s", update.Price)
	}

	c, _ := ms.GetCompany(ctx, "c1")
	if !c.CMP.Equal(update.Price) {
		t.Errorf("persisted cmp %s != returned %s", c.CMP, update.Price)
	}
	if !c.Change.Equal(update.Change) {
		t.Errorf("persisted change %s != returned %s", c.Change, update.Change)
	}

	history, _ := ms.PriceHistory(ctx, "c1")
	if len(history) != 1 {
		t.Fatalf("expected 1 price record, got %d", len(history))
	}
	if !history[0].CMP.Equal(update.Price) {
		t.Errorf("history snapshot %s != price %s", history[0].CMP, update.Price)
	}
}

func TestUpdatePrice_AlwaysPositive(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	// Tiny offering makes single steps swing wildly; the floor must hold.
	seedCompany(t, ms, "c1", "ABC", 0.05, 20, 20, 3)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		if _, err := svc.UpdatePrice(ctx, "c1"); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		c, _ := ms.GetCompany(ctx, "c1")
		if c.CMP.LessThanOrEqual(decimal.Zero) {
			t.Fatalf("tick %d: cmp = %s, must be > 0", i, c.CMP)
		}
	}
}

func TestUpdatePrice_ZeroOfferingIsNoOp(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedCompany(t, ms, "c1", "ABC", 10, 0, 0, 0)
	ctx := context.Background()

	_, err := svc.UpdatePrice(ctx, "c1")
	if !errors.Is(err, oscillator.ErrZeroOffering) {
		t.Fatalf("expected ErrZeroOffering, got %v", err)
	}

	c, _ := ms.GetCompany(ctx, "c1")
	if !c.CMP.Equal(d(10)) {
		t.Errorf("cmp mutated to %s", c.CMP)
	}
	if history, _ := ms.PriceHistory(ctx, "c1"); len(history) != 0 {
		t.Errorf("expected no price records, got %d", len(history))
	}
}

func TestUpdateAllPrices_SkipsZeroOffering(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedCompany(t, ms, "c1", "ABC", 100, 10000, 10000, 1800)
	seedCompany(t, ms, "c2", "NIL", 10, 0, 0, 0)
	ctx := context.Background()

	svc.UpdateAllPrices(ctx)

	if history, _ := ms.PriceHistory(ctx, "c1"); len(history) != 1 {
		t.Errorf("expected 1 price record for c1, got %d", len(history))
	}
	if history, _ := ms.PriceHistory(ctx, "c2"); len(history) != 0 {
		t.Errorf("expected no price records for c2, got %d", len(history))
	}
}

// --- Read model tests ---

func TestNetWorthEndpoint(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

	doTrade(t, router, trade.TradeOrder{
		UserID: "u1", CompanyID: "c1", Quantity: 10, Mode: model.ModeBuy, Price: d(10),
	})

	req := httptest.NewRequest("GET", "/api/v1/users/u1/networth", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]decimal.Decimal
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp["net_worth"].Equal(d(5000)) {
		t.Errorf("net worth = %s, want 5000", resp["net_worth"])
	}
}

func TestGetPortfolio(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

	doTrade(t, router, trade.TradeOrder{
		UserID: "u1", CompanyID: "c1", Quantity: 8, Mode: model.ModeBuy, Price: d(10),
	})

	p, err := svc.GetPortfolio(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(p.Holdings))
	}
	h := p.Holdings[0]
	if h.Stocks != 8 || !h.Value.Equal(d(80)) {
		t.Errorf("holding = %d shares worth %s, want 8 worth 80", h.Stocks, h.Value)
	}
	if !p.NetWorth.Equal(p.Cash.Add(h.Value)) {
		t.Errorf("net worth %s != cash %s + value %s", p.NetWorth, p.Cash, h.Value)
	}
}

func TestTransactionHistory_FilteredAndOrdered(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedUser(t, ms, "u2", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

	for _, ord := range []trade.TradeOrder{
		{UserID: "u1", CompanyID: "c1", Quantity: 1, Mode: model.ModeBuy, Price: d(10)},
		{UserID: "u2", CompanyID: "c1", Quantity: 2, Mode: model.ModeBuy, Price: d(10)},
		{UserID: "u1", CompanyID: "c1", Quantity: 3, Mode: model.ModeBuy, Price: d(10)},
	} {
		if w := doTrade(t, router, ord); w.Code != http.StatusOK {
			t.Fatalf("trade failed: %d %s", w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/transactions?user_id=u1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var txns []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txns)
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions for u1, got %d", len(txns))
	}
	if txns[0].Quantity != 3 {
		t.Errorf("expected most recent first, got quantity %d", txns[0].Quantity)
	}
}

func TestWorthHistory_TracksEachTrade(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedUser(t, ms, "u1", 5000)
	seedCompany(t, ms, "c1", "ABC", 10, 1000, 1000, 180)

	doTrade(t, router, trade.TradeOrder{
		UserID: "u1", CompanyID: "c1", Quantity: 5, Mode: model.ModeBuy, Price: d(10),
	})
	doTrade(t, router, trade.TradeOrder{
		UserID: "u1", CompanyID: "c1", Quantity: 5, Mode: model.ModeBuy, Price: d(10),
	})

	history, err := svc.WorthHistory(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
}
