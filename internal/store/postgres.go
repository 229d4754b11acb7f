package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// maxTxRetries bounds serialization-conflict retries before the trade is
// surfaced to the caller as ErrConflict.
const maxTxRetries = 3

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trades run as serializable transactions, retried on conflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	// 40001 serialization_failure, 40P01 deadlock_detected
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// --- Companies ---

func (s *PostgresStore) CreateCompany(ctx context.Context, c *model.Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, code, name, cap_type, cmp, change,
		                        stocks_offered, stocks_remaining, max_stocks_sell,
		                        industry, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Code, c.Name, c.CapType,
		c.CMP.String(), c.Change.String(),
		c.StocksOffered, c.StocksRemaining, c.MaxStocksSell,
		c.Industry, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const companyColumns = `id, code, name, cap_type, cmp::TEXT, change::TEXT,
	stocks_offered, stocks_remaining, max_stocks_sell,
	COALESCE(industry, ''), created_at, updated_at`

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	var cmp, change string
	err := row.Scan(&c.ID, &c.Code, &c.Name, &c.CapType, &cmp, &change,
		&c.StocksOffered, &c.StocksRemaining, &c.MaxStocksSell,
		&c.Industry, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.CMP, _ = decimal.NewFromString(cmp)
	c.Change, _ = decimal.NewFromString(change)
	return &c, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetCompanyByCode(ctx context.Context, code string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company by code %s: %w", code, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+companyColumns+` FROM companies
		 ORDER BY CASE cap_type WHEN 'large' THEN 0 WHEN 'mid' THEN 1 ELSE 2 END, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		companies = append(companies, *c)
	}
	return companies, rows.Err()
}

// UpdateCompanyPrice persists the new price and percent change and appends
// the PriceRecord snapshot in one transaction.
func (s *PostgresStore) UpdateCompanyPrice(ctx context.Context, id string, cmp, change decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE companies SET cmp = $2::NUMERIC, change = $3::NUMERIC, updated_at = now()
		 WHERE id = $1`,
		id, cmp.String(), change.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_records (company_id, cmp, timestamp)
		 VALUES ($1, $2::NUMERIC, now())`,
		id, cmp.String())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, companyID string) ([]model.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT company_id, cmp::TEXT, timestamp
		 FROM price_records WHERE company_id = $1 ORDER BY timestamp DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PriceRecord
	for rows.Next() {
		var r model.PriceRecord
		var cmp string
		if err := rows.Scan(&r.CompanyID, &cmp, &r.Timestamp); err != nil {
			return nil, err
		}
		r.CMP, _ = decimal.NewFromString(cmp)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, cash, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Cash.String(), u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var cash string
	if err := row.Scan(&u.ID, &u.Name, &cash, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Cash, _ = decimal.NewFromString(cash)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, cash::TEXT, created_at FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, cash::TEXT, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Ownership ledger ---

// EnsureInvestmentRecord relies on the (user_id, company_id) primary key:
// concurrent callers race harmlessly into ON CONFLICT DO NOTHING.
func (s *PostgresStore) EnsureInvestmentRecord(ctx context.Context, userID, companyID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investment_records (user_id, company_id, stocks, updated_at)
		 VALUES ($1, $2, 0, now())
		 ON CONFLICT (user_id, company_id) DO NOTHING`,
		userID, companyID)
	return err
}

func (s *PostgresStore) GetInvestmentRecord(ctx context.Context, userID, companyID string) (*model.InvestmentRecord, error) {
	var rec model.InvestmentRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, company_id, stocks, updated_at
		 FROM investment_records WHERE user_id = $1 AND company_id = $2`,
		userID, companyID).
		Scan(&rec.UserID, &rec.CompanyID, &rec.Stocks, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) InvestmentsByUser(ctx context.Context, userID string) ([]model.InvestmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, company_id, stocks, updated_at
		 FROM investment_records WHERE user_id = $1 ORDER BY company_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.InvestmentRecord
	for rows.Next() {
		var rec model.InvestmentRecord
		if err := rows.Scan(&rec.UserID, &rec.CompanyID, &rec.Stocks, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) BackfillCompany(ctx context.Context, companyID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investment_records (user_id, company_id, stocks, updated_at)
		 SELECT id, $1, 0, now() FROM users
		 ON CONFLICT (user_id, company_id) DO NOTHING`,
		companyID)
	return err
}

func (s *PostgresStore) BackfillUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investment_records (user_id, company_id, stocks, updated_at)
		 SELECT $1, id, 0, now() FROM companies
		 ON CONFLICT (user_id, company_id) DO NOTHING`,
		userID)
	return err
}

// --- Aggregates ---

func (s *PostgresStore) NetWorth(ctx context.Context, userID string) (decimal.Decimal, error) {
	return netWorth(ctx, s.pool, userID)
}

// netWorth computes cash plus holdings valued at live prices in a single
// query so the price reads are one consistent snapshot.
func netWorth(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var worth string
	err := q.QueryRow(ctx,
		`SELECT (u.cash + COALESCE(SUM(ir.stocks * c.cmp), 0))::TEXT
		 FROM users u
		 LEFT JOIN investment_records ir ON ir.user_id = u.id AND ir.stocks <> 0
		 LEFT JOIN companies c ON c.id = ir.company_id
		 WHERE u.id = $1
		 GROUP BY u.id, u.cash`, userID).Scan(&worth)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("net worth %s: %w", userID, err)
	}
	w, _ := decimal.NewFromString(worth)
	return w, nil
}

// --- Trades ---

// ApplyTrade runs the trade as a serializable transaction and retries on
// serialization conflicts. When retries exhaust, ErrConflict surfaces the
// transient failure to the caller.
func (s *PostgresStore) ApplyTrade(ctx context.Context, t *model.Transaction) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.applyTradeTx(ctx, t)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return ErrConflict
}

func (s *PostgresStore) applyTradeTx(ctx context.Context, t *model.Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	preWorth, err := netWorth(ctx, tx, t.UserID)
	if err != nil {
		return err
	}

	var offered, remaining, maxSell int64
	err = tx.QueryRow(ctx,
		`SELECT stocks_offered, stocks_remaining, max_stocks_sell
		 FROM companies WHERE id = $1`, t.CompanyID).
		Scan(&offered, &remaining, &maxSell)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO investment_records (user_id, company_id, stocks, updated_at)
		 VALUES ($1, $2, 0, now())
		 ON CONFLICT (user_id, company_id) DO NOTHING`,
		t.UserID, t.CompanyID); err != nil {
		return err
	}

	var held int64
	if err := tx.QueryRow(ctx,
		`SELECT stocks FROM investment_records WHERE user_id = $1 AND company_id = $2`,
		t.UserID, t.CompanyID).Scan(&held); err != nil {
		return err
	}

	total := t.Price.Mul(decimal.NewFromInt(t.Quantity))

	// Guards run before any mutation; the serializable isolation level keeps
	// the reads above consistent with the writes below.
	switch t.Mode {
	case model.ModeBuy:
		if t.Quantity > remaining {
			return ErrInsufficientInventory
		}
		if held+t.Quantity > maxSell {
			return ErrOwnershipCapExceeded
		}
		tag, err := tx.Exec(ctx,
			`UPDATE users SET cash = cash - $2::NUMERIC
			 WHERE id = $1 AND cash >= $2::NUMERIC`,
			t.UserID, total.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}
		if _, err := tx.Exec(ctx,
			`UPDATE companies SET stocks_remaining = stocks_remaining - $2, updated_at = now()
			 WHERE id = $1`,
			t.CompanyID, t.Quantity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE investment_records SET stocks = stocks + $3, updated_at = now()
			 WHERE user_id = $1 AND company_id = $2`,
			t.UserID, t.CompanyID, t.Quantity); err != nil {
			return err
		}

	case model.ModeSell:
		if t.Quantity > held {
			return ErrInsufficientHoldings
		}
		if remaining+t.Quantity > offered {
			return ErrInsufficientInventory
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET cash = cash + $2::NUMERIC WHERE id = $1`,
			t.UserID, total.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE companies SET stocks_remaining = stocks_remaining + $2, updated_at = now()
			 WHERE id = $1`,
			t.CompanyID, t.Quantity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE investment_records SET stocks = stocks - $3, updated_at = now()
			 WHERE user_id = $1 AND company_id = $2`,
			t.UserID, t.CompanyID, t.Quantity); err != nil {
			return err
		}
	}

	t.UserNetWorth = preWorth
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, company_id, quantity, price, mode, user_net_worth, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		t.ID, t.UserID, t.CompanyID, t.Quantity,
		t.Price.String(), t.Mode, t.UserNetWorth.String(), t.Timestamp); err != nil {
		return err
	}

	postWorth, err := netWorth(ctx, tx, t.UserID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO worth_snapshots (user_id, worth, timestamp)
		 VALUES ($1, $2::NUMERIC, now())`,
		t.UserID, postWorth.String()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Transactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT id, user_id, company_id, quantity, price::TEXT, mode, user_net_worth::TEXT, timestamp
	          FROM transactions`
	var args []any
	switch {
	case f.UserID != "" && f.CompanyID != "":
		query += ` WHERE user_id = $1 AND company_id = $2`
		args = append(args, f.UserID, f.CompanyID)
	case f.UserID != "":
		query += ` WHERE user_id = $1`
		args = append(args, f.UserID)
	case f.CompanyID != "":
		query += ` WHERE company_id = $1`
		args = append(args, f.CompanyID)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price, worth string
		if err := rows.Scan(&t.ID, &t.UserID, &t.CompanyID, &t.Quantity,
			&price, &t.Mode, &worth, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.UserNetWorth, _ = decimal.NewFromString(worth)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) WorthHistory(ctx context.Context, userID string) ([]model.WorthSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, worth::TEXT, timestamp
		 FROM worth_snapshots WHERE user_id = $1 ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.WorthSnapshot
	for rows.Next() {
		var w model.WorthSnapshot
		var worth string
		if err := rows.Scan(&w.UserID, &worth, &w.Timestamp); err != nil {
			return nil, err
		}
		w.Worth, _ = decimal.NewFromString(worth)
		result = append(result, w)
	}
	return result, rows.Err()
}
