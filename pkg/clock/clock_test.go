package clock

import (
	"testing"
	"time"
)

func TestFixed_AdvanceSeconds(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.AdvanceSeconds(90)
	want := start.Add(90 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, c.Now())
	}

	c.AdvanceSeconds(-30)
	want = want.Add(-30 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, c.Now())
	}
}

func TestFixed_Set(t *testing.T) {
	c := NewFixed(time.Unix(0, 0))
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.FixedZone("X", 3600))
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Fatalf("expected %v, got %v", target, c.Now())
	}
	if c.Now().Location() != time.UTC {
		t.Fatalf("expected Fixed to normalize to UTC")
	}
}

func TestFormatUTC_LexicographicOrdering(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Nanosecond)

	fe, fl := FormatUTC(earlier), FormatUTC(later)
	if !(fe < fl) {
		t.Fatalf("expected lexicographic order to agree with chronological order: %q >= %q", fe, fl)
	}

	// The case time.RFC3339Nano gets wrong: an exactly-zero fractional
	// second must not be omitted, or string comparison against a
	// timestamp with a nonzero fraction breaks.
	zeroFrac := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	nonzeroFrac := time.Date(2026, 1, 1, 0, 0, 0, 500000000, time.UTC)
	if !(FormatUTC(nonzeroFrac) < FormatUTC(zeroFrac)) {
		t.Fatalf("expected %q < %q", FormatUTC(nonzeroFrac), FormatUTC(zeroFrac))
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	original := time.Date(2026, 3, 4, 5, 6, 7, 890000000, time.UTC)
	parsed, err := ParseUTC(FormatUTC(original))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(original) {
		t.Fatalf("expected %v, got %v", original, parsed)
	}
}
