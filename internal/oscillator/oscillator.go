// Package oscillator implements the synthetic price walk for listed
// companies. Each step simulates a burst of buy and sell pressure and moves
// the market price proportionally to the imbalance.
//
// All price arithmetic uses shopspring/decimal, never float64.
package oscillator

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// Simulated per-tick trading pressure is drawn uniformly from
// [pressureMin, pressureMax] for each side independently.
const (
	pressureMin = 100
	pressureMax = 150
)

// ErrZeroOffering is returned when a company with no shares offered is
// ticked; the price delta would divide by zero. Callers treat it as a no-op.
var ErrZeroOffering = errors.New("oscillator: company has no shares offered")

var hundred = decimal.NewFromInt(100)

// Step is the outcome of one oscillation: the new market price and the
// percent change relative to the previous price.
type Step struct {
	Price  decimal.Decimal
	Change decimal.Decimal
}

// Oscillator draws pseudo-random supply/demand imbalances from a seedable
// source, so price walks are reproducible in tests. Safe for concurrent use.
type Oscillator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an oscillator seeded with the given value.
func New(seed int64) *Oscillator {
	return &Oscillator{rng: rand.New(rand.NewSource(seed))}
}

// Next computes one price step:
//
//	new = old + old * (bought - sold) / offered
//	change = (new - old) / old * 100
//
// The result is not floored here; callers clamp via listing.ClampPrice
// before persisting. A step can push the price to zero or below when the
// offering is small.
func (o *Oscillator) Next(price decimal.Decimal, offered int64) (Step, error) {
	if offered == 0 {
		return Step{}, ErrZeroOffering
	}

	o.mu.Lock()
	bought := pressureMin + o.rng.Intn(pressureMax-pressureMin+1)
	sold := pressureMin + o.rng.Intn(pressureMax-pressureMin+1)
	o.mu.Unlock()

	imbalance := decimal.NewFromInt(int64(bought - sold))
	delta := price.Mul(imbalance).Div(decimal.NewFromInt(offered))
	next := price.Add(delta).Round(2)
	change := next.Sub(price).Div(price).Mul(hundred).Round(2)

	return Step{Price: next, Change: change}, nil
}
