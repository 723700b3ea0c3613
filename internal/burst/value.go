// Package burst holds the chain-level primitives the pool deals in:
// planck amounts, account addresses and the signing scheme.
package burst

import (
	"fmt"
	"math"
	"strconv"
)

// PlanckPerBurst is the number of planck in one BURST.
const PlanckPerBurst = 100_000_000

// Value is an amount of BURST expressed in whole planck. All balance
// arithmetic in the pool happens on this type so that pending balances
// never accumulate float error.
type Value int64

// PlanckValue builds a Value from a raw planck count.
func PlanckValue(planck int64) Value {
	return Value(planck)
}

// BurstValue builds a Value from a BURST amount, rounding to the
// nearest planck.
func BurstValue(burst float64) Value {
	return Value(math.Round(burst * PlanckPerBurst))
}

// Planck returns the raw planck count.
func (v Value) Planck() int64 {
	return int64(v)
}

// Burst returns the amount in BURST. Only for display and estimation;
// balance arithmetic stays in planck.
func (v Value) Burst() float64 {
	return float64(v) / PlanckPerBurst
}

// Add returns v + other.
func (v Value) Add(other Value) Value {
	return v + other
}

// Sub returns v - other.
func (v Value) Sub(other Value) Value {
	return v - other
}

// MultiplyFloat returns v scaled by f, rounded to the nearest planck.
func (v Value) MultiplyFloat(f float64) Value {
	return Value(math.Round(float64(v) * f))
}

// DivideInt returns v split into n equal parts, discarding the
// remainder. Callers that must conserve totals assign the remainder
// explicitly.
func (v Value) DivideInt(n int64) Value {
	if n == 0 {
		return 0
	}
	return Value(int64(v) / n)
}

func (v Value) String() string {
	return fmt.Sprintf("%.8f BURST", v.Burst())
}

// ParsePlanck parses a decimal planck count as produced by the node
// API and by Value.Planck.
func ParsePlanck(s string) (Value, error) {
	planck, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid planck amount %q: %w", s, err)
	}
	return Value(planck), nil
}
