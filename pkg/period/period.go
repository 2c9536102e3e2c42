// Package period implements the month-granular date ranges used across
// harvest scheduling. COUNTER usage is reported per calendar month, so all
// periods are inclusive yyyy-MM ranges.
package period

import (
	"errors"
	"fmt"
	"time"
)

const monthLayout = "2006-01"

var (
	ErrBadMonth   = errors.New("month must be formatted yyyy-MM")
	ErrBadPeriod  = errors.New("period begin must not be after end")
	ErrZeroPeriod = errors.New("period is empty")
)

// Month is one calendar month. The zero value is invalid and reports
// IsZero.
type Month struct {
	year  int
	month time.Month
}

func NewMonth(year int, month time.Month) Month {
	return Month{year: year, month: month}
}

func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return Month{}, fmt.Errorf("%w: %q", ErrBadMonth, s)
	}
	return Month{year: t.Year(), month: t.Month()}, nil
}

func MonthOf(t time.Time) Month {
	return Month{year: t.Year(), month: t.Month()}
}

func (m Month) IsZero() bool {
	return m.year == 0
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.year, int(m.month))
}

// Time returns midnight UTC on the first day of the month.
func (m Month) Time() time.Time {
	return time.Date(m.year, m.month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) Before(o Month) bool {
	return m.year < o.year || (m.year == o.year && m.month < o.month)
}

func (m Month) After(o Month) bool {
	return o.Before(m)
}

func (m Month) Equal(o Month) bool {
	return m.year == o.year && m.month == o.month
}

func (m Month) Next() Month {
	if m.month == time.December {
		return Month{year: m.year + 1, month: time.January}
	}
	return Month{year: m.year, month: m.month + 1}
}

func (m Month) Prev() Month {
	if m.month == time.January {
		return Month{year: m.year - 1, month: time.December}
	}
	return Month{year: m.year, month: m.month - 1}
}

func (m Month) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Month) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return ErrBadMonth
	}
	parsed, err := ParseMonth(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Period is an inclusive month range.
type Period struct {
	Begin Month `json:"begin"`
	End   Month `json:"end"`
}

func New(begin, end Month) (Period, error) {
	if begin.After(end) {
		return Period{}, fmt.Errorf("%w: %s > %s", ErrBadPeriod, begin, end)
	}
	return Period{Begin: begin, End: end}, nil
}

func Parse(begin, end string) (Period, error) {
	b, err := ParseMonth(begin)
	if err != nil {
		return Period{}, err
	}
	e, err := ParseMonth(end)
	if err != nil {
		return Period{}, err
	}
	return New(b, e)
}

func (p Period) IsZero() bool {
	return p.Begin.IsZero()
}

func (p Period) String() string {
	return p.Begin.String() + ".." + p.End.String()
}

func (p Period) Contains(m Month) bool {
	return !m.Before(p.Begin) && !m.After(p.End)
}

// Len returns the number of months covered.
func (p Period) Len() int {
	return (p.End.year-p.Begin.year)*12 + int(p.End.month) - int(p.Begin.month) + 1
}

// Months lists every month of the period in order.
func (p Period) Months() []Month {
	out := make([]Month, 0, p.Len())
	for m := p.Begin; !m.After(p.End); m = m.Next() {
		out = append(out, m)
	}
	return out
}

// Intersect returns the overlap of two periods, or an error when they are
// disjoint.
func (p Period) Intersect(o Period) (Period, error) {
	begin := p.Begin
	if o.Begin.After(begin) {
		begin = o.Begin
	}
	end := p.End
	if o.End.Before(end) {
		end = o.End
	}
	if begin.After(end) {
		return Period{}, ErrZeroPeriod
	}
	return Period{Begin: begin, End: end}, nil
}

// Clip bounds the period to an availability window. A zero first or last
// month leaves that side open. An empty result yields ErrZeroPeriod.
func (p Period) Clip(first, last Month) (Period, error) {
	begin, end := p.Begin, p.End
	if !first.IsZero() && first.After(begin) {
		begin = first
	}
	if !last.IsZero() && last.Before(end) {
		end = last
	}
	if begin.After(end) {
		return Period{}, ErrZeroPeriod
	}
	return Period{Begin: begin, End: end}, nil
}
