package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FiscalYearWindow parses a "YYYY/YY" budget year into its
// [start, end] inclusive window: start = YYYY-07-01, end = (YYYY+1)-06-30.
// Only the first component is significant; the second is conventional
// display only (e.g. "2023/24").
func FiscalYearWindow(budgetYear string) (start, end time.Time, err error) {
	parts := strings.SplitN(budgetYear, "/", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: budget_year must be 'YYYY/YY'", ErrValidation)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid budget_year: %v", ErrValidation, err)
	}
	start = time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(year+1, time.June, 30, 0, 0, 0, 0, time.UTC)
	return start, end, nil
}
