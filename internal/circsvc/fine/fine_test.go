package fine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/avvvet/library-services/internal/circsvc/fine"
)

func Test_Compute(t *testing.T) {
	calc := fine.NewCalculator(fine.DefaultPerDay)
	due := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		returned time.Time
		want     int64
	}{
		{name: "on_due_instant", returned: due, want: 0},
		{name: "one_day_early", returned: due.Add(-24 * time.Hour), want: 0},
		{name: "one_day_late", returned: due.Add(24 * time.Hour), want: 5000},
		{name: "one_minute_late_counts_a_day", returned: due.Add(time.Minute), want: 5000},
		{name: "three_days_late", returned: due.Add(72 * time.Hour), want: 15000},
		{name: "two_days_and_a_bit", returned: due.Add(49 * time.Hour), want: 15000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := calc.Compute(due, tc.returned)
			assert.True(t, decimal.NewFromInt(tc.want).Equal(got), "got %s", got)
		})
	}
}

func Test_DaysLate(t *testing.T) {
	due := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, fine.DaysLate(due, due))
	assert.Equal(t, 1, fine.DaysLate(due, due.Add(time.Second)))
	assert.Equal(t, 3, fine.DaysLate(due, due.AddDate(0, 0, 3)))
}

func Test_Compute_CustomRate(t *testing.T) {
	calc := fine.NewCalculator(decimal.RequireFromString("0.25"))
	due := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	got := calc.Compute(due, due.AddDate(0, 0, 4))

	assert.Equal(t, "1", got.String())
}
