package amount

import (
	"encoding/json"
	"testing"
)

func TestParseAndString(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"18446744073709551615",                    // max uint64
		"18446744073709551616",                    // max uint64 + 1
		"340282366920938463463374607431768211455", // max u128
	}
	for _, s := range cases {
		a, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s, err)
		}
		if a.String() != s {
			t.Errorf("round-trip mismatch: got %s, want %s", a.String(), s)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"-1",
		"abc",
		"340282366920938463463374607431768211456", // max u128 + 1
	} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestAddSub(t *testing.T) {
	a := MustParse("18446744073709551615")
	b := New(1)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.String() != "18446744073709551616" {
		t.Errorf("Add carry wrong: got %s", sum)
	}

	back, err := sum.Sub(b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Errorf("Sub borrow wrong: got %s, want %s", back, a)
	}
}

func TestAddOverflow(t *testing.T) {
	max := MustParse("340282366920938463463374607431768211455")
	if _, err := max.Add(New(1)); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSubUnderflow(t *testing.T) {
	if _, err := New(1).Sub(New(2)); err != ErrUnderflow {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
	if got := New(1).SaturatingSub(New(2)); !got.IsZero() {
		t.Errorf("SaturatingSub should clamp to zero, got %s", got)
	}
}

func TestCmp(t *testing.T) {
	small := New(5)
	big := MustParse("18446744073709551616")

	if small.Cmp(big) != -1 || big.Cmp(small) != 1 || small.Cmp(New(5)) != 0 {
		t.Error("Cmp ordering wrong")
	}
	if !small.Less(big) {
		t.Error("Less should be true for small < big")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("340282366920938463463374607431768211455")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"340282366920938463463374607431768211455"` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Errorf("JSON round-trip mismatch: got %s", back)
	}
}
