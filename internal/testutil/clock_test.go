package testutil

import "testing"

func TestClockAdvance(t *testing.T) {
	c := NewClock(1000)
	if got := c.Now(); got != 1000 {
		t.Fatalf("Now() = %d, want 1000", got)
	}
	c.Advance(86400)
	if got := c.Now(); got != 87400 {
		t.Fatalf("Now() after Advance = %d, want 87400", got)
	}
	c.Set(500)
	if got := c.Now(); got != 500 {
		t.Fatalf("Now() after Set = %d, want 500", got)
	}
}

func TestFixedKeyPairDeterministic(t *testing.T) {
	a := FixedKeyPair("authority")
	b := FixedKeyPair("authority")
	if a.PublicHex != b.PublicHex {
		t.Fatalf("same label produced different keys: %s vs %s", a.PublicHex, b.PublicHex)
	}
	other := FixedKeyPair("agent-a")
	if a.PublicHex == other.PublicHex {
		t.Fatal("different labels produced the same key")
	}
}
