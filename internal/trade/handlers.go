package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/listing"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/oscillator"
	"github.com/stocksim/trading-engine/internal/store"
)

// Routes returns the engine's HTTP surface.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/companies", s.handleListCompany)
	r.Get("/companies", s.handleListCompanies)
	r.Get("/companies/{companyID}", s.handleGetCompany)
	r.Get("/companies/{companyID}/price", s.handleGetPrice)
	r.Get("/companies/{companyID}/history", s.handlePriceHistory)
	r.Post("/companies/{companyID}/tick", s.handleTick)

	r.Post("/users", s.handleRegisterUser)
	r.Get("/users/{userID}/networth", s.handleNetWorth)
	r.Get("/users/{userID}/portfolio", s.handlePortfolio)
	r.Get("/users/{userID}/worth-history", s.handleWorthHistory)

	r.Post("/trade", s.handleTrade)
	r.Get("/transactions", s.handleTransactions)

	return r
}

func (s *Service) handleListCompany(w http.ResponseWriter, r *http.Request) {
	var req Listing
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.ListCompany(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Service) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.store.ListCompanies(r.Context())
	if err != nil {
		writeError(w, "failed to list companies", http.StatusInternalServerError)
		return
	}
	if companies == nil {
		companies = []model.Company{}
	}
	writeJSON(w, http.StatusOK, companies)
}

func (s *Service) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCompany(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, "company not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCompany(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, "company not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"cmp":    c.CMP,
		"change": c.Change,
	})
}

func (s *Service) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.PriceHistory(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, "failed to get price history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.PriceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleTick forces one oscillator step against a company, outside the
// scheduled sweep.
func (s *Service) handleTick(w http.ResponseWriter, r *http.Request) {
	update, err := s.UpdatePrice(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Service) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	u, err := s.RegisterUser(r.Context(), req.Name)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Service) handleNetWorth(w http.ResponseWriter, r *http.Request) {
	worth, err := s.NetWorth(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"net_worth": worth})
}

func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleWorthHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.WorthHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	if history == nil {
		history = []model.WorthSnapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Service) handleTrade(w http.ResponseWriter, r *http.Request) {
	var ord TradeOrder
	if err := json.NewDecoder(r.Body).Decode(&ord); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.ExecuteTrade(r.Context(), ord)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	f := store.TransactionFilter{
		UserID:    r.URL.Query().Get("user_id"),
		CompanyID: r.URL.Query().Get("company_id"),
	}
	transactions, err := s.Transactions(r.Context(), f)
	if err != nil {
		writeError(w, "failed to get transactions", http.StatusInternalServerError)
		return
	}
	if transactions == nil {
		transactions = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactions)
}

// httpStatus maps engine errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrInsufficientInventory),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrInsufficientHoldings),
		errors.Is(err, store.ErrOwnershipCapExceeded),
		errors.Is(err, oscillator.ErrZeroOffering):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, listing.ErrInvalidCode),
		errors.Is(err, listing.ErrInvalidName),
		errors.Is(err, listing.ErrInvalidCapType),
		errors.Is(err, listing.ErrInvalidOffering):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
