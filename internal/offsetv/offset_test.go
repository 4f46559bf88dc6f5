package offsetv

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Offset{
		Zero,
		{StreamSeq: 1, ByteOffset: 5},
		{StreamSeq: 2, ByteOffset: 10},
		{StreamSeq: 1001, ByteOffset: 1 << 40},
	}
	for _, c := range cases {
		s := c.String()
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("Decode(%q): %v", s, err)
		}
		if !got.Equal(c) {
			t.Fatalf("round trip mismatch: want %+v got %+v", c, got)
		}
	}
}

func TestScenarioALiterals(t *testing.T) {
	if got := Encode(1, 5); got != "0000000000000001_0000000000000005" {
		t.Fatalf("unexpected encoding: %s", got)
	}
	if got := Encode(2, 10); got != "0000000000000002_000000000000000a" {
		t.Fatalf("unexpected encoding: %s", got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{"", "not-an-offset", "0000000000000001-0000000000000005", "1_2", "zzzzzzzzzzzzzzzz_0000000000000000"}
	for _, b := range bad {
		if _, err := Decode(b); err == nil {
			t.Fatalf("expected error decoding %q", b)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	a := Offset{StreamSeq: 1, ByteOffset: 100}
	b := Offset{StreamSeq: 1, ByteOffset: 200}
	c := Offset{StreamSeq: 2, ByteOffset: 0}
	if !a.Less(b) || !b.Less(c) || !a.Less(c) {
		t.Fatal("expected a < b < c")
	}
	if Compare(a, a) != 0 {
		t.Fatal("expected equal offsets to compare as 0")
	}
}

func TestResolveAliases(t *testing.T) {
	tail := Offset{StreamSeq: 5, ByteOffset: 50}
	for _, alias := range []string{"-1", "now"} {
		got, err := Resolve(alias, tail)
		if err != nil || !got.Equal(tail) {
			t.Fatalf("Resolve(%q): got %+v, err %v", alias, got, err)
		}
	}
	got, err := Resolve("", tail)
	if err != nil || !got.IsZero() {
		t.Fatalf("Resolve(\"\"): got %+v, err %v", got, err)
	}
}

func TestResolveBeyondTail(t *testing.T) {
	tail := Offset{StreamSeq: 1, ByteOffset: 5}
	future := Encode(2, 0)
	if _, err := Resolve(future, tail); err == nil {
		t.Fatal("expected ErrOffsetBeyondTail")
	}
}

func TestParseStreamPath(t *testing.T) {
	p, err := ParseStreamPath("/acme/orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Project != "acme" || p.Stream != "orders" {
		t.Fatalf("unexpected parse: %+v", p)
	}
	if p.String() != "acme/orders" {
		t.Fatalf("unexpected String(): %s", p.String())
	}

	bad := []string{"", "acme", "/acme/", "acme/orders/extra", "ac me/orders", "acme/ord ers"}
	for _, b := range bad {
		if _, err := ParseStreamPath(b); err == nil {
			t.Fatalf("expected error parsing %q", b)
		}
	}
}
