// Package fine computes overdue charges.
package fine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// DefaultPerDay is the charge for each started day past the due date.
var DefaultPerDay = decimal.NewFromInt(5000)

type Calculator struct {
	PerDay decimal.Decimal
}

func NewCalculator(perDay decimal.Decimal) Calculator {
	return Calculator{PerDay: perDay}
}

// DaysLate counts started days between due and returned. Returning on or
// before the due instant is never late.
func DaysLate(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	return int(math.Ceil(float64(returned.Sub(due)) / float64(day)))
}

// Compute returns the fine for a copy due at due and returned at returned.
func (c Calculator) Compute(due, returned time.Time) decimal.Decimal {
	days := DaysLate(due, returned)
	if days == 0 {
		return decimal.Zero
	}
	return c.PerDay.Mul(decimal.NewFromInt(int64(days)))
}
