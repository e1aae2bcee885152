package timectrl

import (
	"testing"
	"time"
)

func TestSimClockAdvanceUpdatesNow(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	clk := NewSimClock(start)

	clk.Advance(42 * time.Second)

	if got := clk.Now(); !got.Equal(start.Add(42 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(42*time.Second))
	}
}

func TestSimClockAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	clk := NewSimClock(start)

	ch := clk.After(2 * time.Second)

	select {
	case <-ch:
		t.Fatalf("timer fired before Advance")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired before its deadline")
	default:
	}

	clk.Advance(time.Second)
	select {
	case tick := <-ch:
		if want := start.Add(2 * time.Second); !tick.Equal(want) {
			t.Fatalf("tick = %v, want %v", tick, want)
		}
	default:
		t.Fatalf("timer did not fire after Advance past deadline")
	}
}

func TestSimClockFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	clk := NewSimClock(start)

	late := clk.After(3 * time.Second)
	early := clk.After(1 * time.Second)

	clk.Advance(5 * time.Second)

	earlyTick := <-early
	lateTick := <-late
	if !earlyTick.Before(lateTick) {
		t.Fatalf("timers fired out of order: early=%v late=%v", earlyTick, lateTick)
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestSimClockAfterNonPositiveFiresImmediately(t *testing.T) {
	clk := NewSimClock(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	select {
	case <-clk.After(0):
	default:
		t.Fatalf("After(0) did not fire immediately")
	}
}

func TestRealClockAfter(t *testing.T) {
	clk := RealClock{}
	select {
	case <-clk.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatalf("RealClock.After never fired")
	}
}
