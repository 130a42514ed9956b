package clock_test

import (
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/clock"
)

func TestSystemClock(t *testing.T) {
	c := clock.System()
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("System clock returned %v outside [%v, %v]", got, before, after)
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)

	if got := fc.Now(); !got.Equal(start) {
		t.Fatalf("Now = %v, want %v", got, start)
	}

	fc.Advance(90 * time.Second)
	if got, want := fc.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now after Advance = %v, want %v", got, want)
	}

	// Negative advances are ignored: the fake never goes backwards.
	fc.Advance(-time.Hour)
	if got, want := fc.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now after negative Advance = %v, want %v", got, want)
	}

	fc.Set(start.Add(time.Hour))
	if got, want := fc.Now(), start.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("Now after Set = %v, want %v", got, want)
	}
}
