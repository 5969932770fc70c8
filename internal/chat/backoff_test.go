package chat

import (
	"testing"
	"time"
)

func TestBackoffProgression(t *testing.T) {
	b := NewBackoff(0, 0)
	want := []time.Duration{
		1000 * time.Millisecond,
		1800 * time.Millisecond,
		3240 * time.Millisecond,
		5832 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff(0, 0)
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next()
		if last > 30*time.Second {
			t.Fatalf("delay %v exceeds cap", last)
		}
	}
	if last != 30*time.Second {
		t.Fatalf("expected cap reached, got %v", last)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(0, 0)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected reset to 1s, got %v", got)
	}
}
