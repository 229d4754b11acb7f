// Package listing holds the company lifecycle rules: code validation,
// derivation of the per-user ownership cap from the cap tier, and the
// market-price floor. The rules run as explicit calls on every company
// create-or-update path rather than as implicit persistence hooks.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/model"
)

// codeRegex matches a stock ticker code: 1-10 uppercase letters or digits,
// starting with a letter. Example: RELIANCE, TCS, M5TECH.
var codeRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)

var (
	ErrInvalidCode     = errors.New("listing: invalid company code")
	ErrInvalidName     = errors.New("listing: company name is required")
	ErrInvalidCapType  = errors.New("listing: cap type must be small, mid or large")
	ErrInvalidOffering = errors.New("listing: stocks offered must not be negative")
)

// PriceFloor is the minimum market price a company may carry. Every save
// path clamps CMP to this value, so division by a zero price can never occur.
var PriceFloor = decimal.NewFromFloat(0.01)

// sellCapRatio maps a cap tier to the fraction of the total offering a
// single user may hold.
var sellCapRatio = map[model.CapType]decimal.Decimal{
	model.CapSmall: decimal.NewFromFloat(0.18),
	model.CapMid:   decimal.NewFromFloat(0.12),
	model.CapLarge: decimal.NewFromFloat(0.08),
}

// MaxStocksSell derives the per-user ownership cap from the cap tier and
// the total offering, truncated to whole shares.
func MaxStocksSell(cap model.CapType, offered int64) int64 {
	ratio, ok := sellCapRatio[cap]
	if !ok {
		return 0
	}
	return ratio.Mul(decimal.NewFromInt(offered)).IntPart()
}

// ClampPrice enforces the price floor: any price at or below zero becomes
// PriceFloor, everything else is rounded to 2 decimal places.
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	p = p.Round(2)
	if p.LessThanOrEqual(decimal.Zero) {
		return PriceFloor
	}
	return p
}

// Validate checks a company before its first persist.
func Validate(c *model.Company) error {
	if !codeRegex.MatchString(c.Code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, c.Code)
	}
	if c.Name == "" {
		return ErrInvalidName
	}
	if _, ok := sellCapRatio[c.CapType]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCapType, c.CapType)
	}
	if c.StocksOffered < 0 {
		return ErrInvalidOffering
	}
	return nil
}

// Normalize applies the lifecycle rules that fire on every company
// create-or-update: recompute the ownership cap and clamp the price.
func Normalize(c *model.Company) {
	c.MaxStocksSell = MaxStocksSell(c.CapType, c.StocksOffered)
	c.CMP = ClampPrice(c.CMP)
	c.UpdatedAt = time.Now().UTC()
}
