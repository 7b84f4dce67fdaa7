package finance

import (
	"fmt"
	"regexp"
	"time"
)

// Period is a calendar billing period in YYYY-MM form, e.g. "2026-09".
type Period string

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ParsePeriod validates s as a YYYY-MM period.
func ParsePeriod(s string) (Period, error) {
	if !periodPattern.MatchString(s) {
		return "", &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not a YYYY-MM period", s)}
	}
	return Period(s), nil
}

// PeriodOf builds the period for a given year and month.
func PeriodOf(year int, month time.Month) Period {
	return Period(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// Valid reports whether the period is well formed.
func (p Period) Valid() bool {
	return periodPattern.MatchString(string(p))
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	t, err := time.Parse("2006-01", string(p))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p Period) String() string { return string(p) }
