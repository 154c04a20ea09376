package orders

import (
	"strings"
	"testing"
	"time"
)

func TestClientOrderIDDeterministicWithinMinute(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 15, 5, 0, time.UTC)
	a := ClientOrderID("AAPL", "buy", 100, 150.15, base)
	b := ClientOrderID("AAPL", "buy", 100, 150.15, base.Add(40*time.Second))
	if a != b {
		t.Errorf("same logical order in same minute minted different IDs: %s vs %s", a, b)
	}
	c := ClientOrderID("AAPL", "buy", 100, 150.15, base.Add(time.Minute))
	if a == c {
		t.Error("next minute should mint a fresh ID")
	}
}

func TestClientOrderIDDistinguishesOrderIdentity(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	ids := map[string]string{
		"base":       ClientOrderID("AAPL", "buy", 100, 150.15, ts),
		"other side": ClientOrderID("AAPL", "sell", 100, 150.15, ts),
		"other qty":  ClientOrderID("AAPL", "buy", 101, 150.15, ts),
		"other px":   ClientOrderID("AAPL", "buy", 100, 150.16, ts),
		"other sym":  ClientOrderID("MSFT", "buy", 100, 150.15, ts),
	}
	seen := make(map[string]string)
	for name, id := range ids {
		if prev, dup := seen[id]; dup {
			t.Errorf("%s and %s collided on %s", name, prev, id)
		}
		seen[id] = name
	}
}

func TestClientOrderIDFormat(t *testing.T) {
	id := ClientOrderID("aapl", "BUY", 100, 150.15, time.Now())
	if !IsEngineOrderID(id) {
		t.Errorf("ID %q missing engine prefix", id)
	}
	if !strings.Contains(id, "AAPL") {
		t.Errorf("ID %q should carry the upper-cased symbol", id)
	}
	if len(id) > MaxClientOrderIDLength {
		t.Errorf("ID %q exceeds %d chars", id, MaxClientOrderIDLength)
	}
}

func TestRelatedOrderIDLengthCap(t *testing.T) {
	base := ClientOrderID("AAPL", "buy", 100, 150.15, time.Now())
	long := RelatedOrderID(base, "some-extremely-long-suffix-that-overflows")
	if len(long) > MaxClientOrderIDLength {
		t.Errorf("related ID %q exceeds %d chars", long, MaxClientOrderIDLength)
	}
	if !IsEngineOrderID(long) {
		t.Errorf("rehashed ID %q missing engine prefix", long)
	}
	other := RelatedOrderID(base, "a-different-suffix-that-also-overflows-the-cap")
	if other == long {
		t.Error("distinct overflowing suffixes should rehash to distinct IDs")
	}
	short := RelatedOrderID(base, "sl")
	if short != base+"-sl" {
		t.Errorf("short suffix should append verbatim, got %q", short)
	}
}

func TestFallbackOrderIDUnique(t *testing.T) {
	a, b := FallbackOrderID(), FallbackOrderID()
	if a == b {
		t.Error("fallback IDs should never repeat")
	}
	if !IsEngineOrderID(a) {
		t.Errorf("fallback ID %q missing engine prefix", a)
	}
}
