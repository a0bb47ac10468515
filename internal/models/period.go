package model

import (
	"fmt"
	"time"
)

const (
	periodLayout = "2006-01"
	dateLayout   = "2006-01-02"
)

// Period is a calendar year+month, the sole cache partition key.
// The zero value is not a valid period.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a canonical "YYYY-MM" key.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("period %q: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// MustPeriod is ParsePeriod for constants and tests.
func MustPeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PeriodOf derives the period of a "YYYY-MM-DD" date.
func PeriodOf(date string) (Period, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return Period{}, fmt.Errorf("date %q: %w", date, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// AddMonths returns the period n months away (n may be negative).
func (p Period) AddMonths(n int) Period {
	t := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Bounds returns the first and last calendar day of the period as
// "YYYY-MM-DD" strings, both inclusive.
func (p Period) Bounds() (first, last string) {
	start := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start.Format(dateLayout), end.Format(dateLayout)
}

// Contains reports whether a "YYYY-MM-DD" date falls inside the period.
func (p Period) Contains(date string) bool {
	q, err := PeriodOf(date)
	return err == nil && q == p
}

func (p Period) Before(q Period) bool {
	if p.Year != q.Year {
		return p.Year < q.Year
	}
	return p.Month < q.Month
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	q, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = q
	return nil
}
