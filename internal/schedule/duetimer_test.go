package schedule

import (
	"reflect"
	"testing"
	"time"
)

func TestDueTimerPopsInTimeOrder(t *testing.T) {
	base := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	dt := NewDueTimer()
	dt.Schedule(base.Add(3*time.Minute), "c")
	dt.Schedule(base.Add(1*time.Minute), "a")
	dt.Schedule(base.Add(2*time.Minute), "b")

	if got := dt.Due(base); got != nil {
		t.Fatalf("Due before any activation = %v", got)
	}
	if got := dt.Due(base.Add(2 * time.Minute)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Due = %v, want [a b]", got)
	}
	if got := dt.Due(base.Add(10 * time.Minute)); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("Due = %v, want [c]", got)
	}
	if dt.Len() != 0 {
		t.Fatalf("Len = %d after draining", dt.Len())
	}
}

func TestDueTimerCancel(t *testing.T) {
	base := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	dt := NewDueTimer()
	dt.Schedule(base.Add(time.Minute), "x")
	dt.Schedule(base.Add(2*time.Minute), "y")
	dt.Cancel("x")
	dt.Cancel("unknown") // no-op

	if dt.Len() != 1 {
		t.Fatalf("Len = %d after cancel, want 1", dt.Len())
	}
	if got := dt.Due(base.Add(5 * time.Minute)); !reflect.DeepEqual(got, []string{"y"}) {
		t.Fatalf("Due = %v, want [y]", got)
	}
}

func TestDueTimerRescheduleReplaces(t *testing.T) {
	base := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	dt := NewDueTimer()
	dt.Schedule(base.Add(time.Minute), "x")
	dt.Schedule(base.Add(10*time.Minute), "x")

	if got := dt.Due(base.Add(5 * time.Minute)); got != nil {
		t.Fatalf("stale registration fired: %v", got)
	}
	if got := dt.Due(base.Add(15 * time.Minute)); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("Due = %v, want [x]", got)
	}
}

func TestDueTimerNext(t *testing.T) {
	base := time.Date(2026, time.May, 2, 8, 0, 0, 0, time.UTC)
	dt := NewDueTimer()
	if _, ok := dt.Next(); ok {
		t.Fatalf("Next reported an activation on an empty timer")
	}

	dt.Schedule(base.Add(2*time.Minute), "b")
	dt.Schedule(base.Add(1*time.Minute), "a")
	when, ok := dt.Next()
	if !ok || !when.Equal(base.Add(time.Minute)) {
		t.Fatalf("Next = %v %v, want %v", when, ok, base.Add(time.Minute))
	}

	dt.Cancel("a")
	when, ok = dt.Next()
	if !ok || !when.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("Next after cancel = %v %v, want %v", when, ok, base.Add(2*time.Minute))
	}
}
