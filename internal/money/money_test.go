package money

import "testing"

func TestParseRoundTrip(t *testing.T) {
	m, err := Parse("1050.00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.String() != "1050.00" {
		t.Fatalf("got %s, want 1050.00", m.String())
	}
}

func TestEqualIgnoresLiteralForm(t *testing.T) {
	a := MustParse("1000")
	b := MustParse("1000.00")
	if !a.Equal(b) {
		t.Fatalf("expected %s to equal %s", a, b)
	}
}

func TestMinimumIncrementBoundary(t *testing.T) {
	current := MustParse("1000.00")
	increment := MustParse("50.00")

	accepted := MustParse("1050.00")
	rejected := MustParse("1049.99")

	floor := current.Add(increment)
	if !accepted.GreaterThanOrEqual(floor) {
		t.Fatalf("expected %s to be accepted at floor %s", accepted, floor)
	}
	if rejected.GreaterThanOrEqual(floor) {
		t.Fatalf("expected %s to be rejected below floor %s", rejected, floor)
	}
}

func TestRejectsTooManyFractionalDigits(t *testing.T) {
	if _, err := Parse("10.001"); err == nil {
		t.Fatal("expected error for 3 fractional digits")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m := MustParse("42.50")
	b, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"42.50"` {
		t.Fatalf("got %s", b)
	}
	var out Money
	if err := out.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(m) {
		t.Fatalf("roundtrip mismatch: %s != %s", out, m)
	}
}
