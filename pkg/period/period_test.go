package period

import (
	"testing"
	"time"
)

func TestParseMonth(t *testing.T) {
	m, err := ParseMonth("2022-03")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.String() != "2022-03" {
		t.Fatalf("expected 2022-03, got %s", m)
	}
	if _, err := ParseMonth("2022-3"); err == nil {
		t.Fatal("expected error for non-padded month")
	}
	if _, err := ParseMonth("2022-13"); err == nil {
		t.Fatal("expected error for month 13")
	}
}

func TestMonthArithmetic(t *testing.T) {
	dec := NewMonth(2021, time.December)
	if next := dec.Next(); next.String() != "2022-01" {
		t.Fatalf("expected 2022-01 after 2021-12, got %s", next)
	}
	jan := NewMonth(2022, time.January)
	if prev := jan.Prev(); prev.String() != "2021-12" {
		t.Fatalf("expected 2021-12 before 2022-01, got %s", prev)
	}
}

func TestParsePeriodInvariant(t *testing.T) {
	if _, err := Parse("2022-05", "2022-01"); err == nil {
		t.Fatal("expected error when begin is after end")
	}
	p, err := Parse("2022-01", "2022-01")
	if err != nil {
		t.Fatalf("single-month period should be valid: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected length 1, got %d", p.Len())
	}
}

func TestMonthsAcrossYearBoundary(t *testing.T) {
	p, err := Parse("2021-11", "2022-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	months := p.Months()
	want := []string{"2021-11", "2021-12", "2022-01", "2022-02"}
	if len(months) != len(want) {
		t.Fatalf("expected %d months, got %d", len(want), len(months))
	}
	for i, m := range months {
		if m.String() != want[i] {
			t.Fatalf("month %d: expected %s, got %s", i, want[i], m)
		}
	}
}

func TestClip(t *testing.T) {
	p, _ := Parse("2021-06", "2022-03")

	clipped, err := p.Clip(NewMonth(2022, time.January), Month{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clipped.String() != "2022-01..2022-03" {
		t.Fatalf("unexpected clip result: %s", clipped)
	}

	clipped, err = p.Clip(Month{}, NewMonth(2021, time.December))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clipped.String() != "2021-06..2021-12" {
		t.Fatalf("unexpected clip result: %s", clipped)
	}

	if _, err := p.Clip(NewMonth(2023, time.January), Month{}); err == nil {
		t.Fatal("expected empty-period error when window is after the period")
	}
}

func TestIntersect(t *testing.T) {
	a, _ := Parse("2021-01", "2021-06")
	b, _ := Parse("2021-04", "2021-12")
	got, err := a.Intersect(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "2021-04..2021-06" {
		t.Fatalf("unexpected intersection: %s", got)
	}

	c, _ := Parse("2022-01", "2022-02")
	if _, err := a.Intersect(c); err == nil {
		t.Fatal("expected error for disjoint periods")
	}
}

func TestMonthJSONRoundTrip(t *testing.T) {
	m := NewMonth(2022, time.July)
	data, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back Month
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Equal(m) {
		t.Fatalf("round trip mismatch: %s != %s", back, m)
	}
}
