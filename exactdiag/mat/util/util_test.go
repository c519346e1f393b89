package util

import (
	"testing"
	"time"
)

func TestSkipThrottler(t *testing.T) {
	t.Parallel()
	tt := NewSkipThrottler(time.Hour)
	if !tt.Ok() {
		t.Fatalf("first event should pass")
	}
	for range 3 {
		if tt.Ok() {
			t.Fatalf("event within the period should be skipped")
		}
	}
	if tt.Skipped() != 3 {
		t.Fatalf("%d, expected %d", tt.Skipped(), 3)
	}

	tt = NewSkipThrottler(0)
	for range 3 {
		if !tt.Ok() {
			t.Fatalf("zero period should let every event pass")
		}
	}
	if tt.Skipped() != 0 {
		t.Fatalf("%d, expected %d", tt.Skipped(), 0)
	}
}
