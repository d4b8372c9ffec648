package id

import (
	"strings"
	"testing"
)

func TestUUID(t *testing.T) {
	a := UUID()
	b := UUID()
	if a == b {
		t.Error("two UUIDs must differ")
	}
	if len(a) != 36 {
		t.Errorf("expected 36-char UUID, got %d: %s", len(a), a)
	}
}

func TestConn_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		c := Conn()
		if seen[c] {
			t.Fatalf("duplicate connection ID: %s", c)
		}
		seen[c] = true
		if !strings.HasPrefix(c, "c-") {
			t.Fatalf("unexpected prefix: %s", c)
		}
	}
}

func TestConn_Sortable(t *testing.T) {
	// IDs from the same process must not sort backwards across milliseconds.
	var prev string
	for i := 0; i < 100; i++ {
		c := Conn()
		if prev != "" && c[:len("c-00000000000")] < prev[:len("c-00000000000")] {
			t.Fatalf("timestamp prefix went backwards: %s then %s", prev, c)
		}
		prev = c
	}
}
