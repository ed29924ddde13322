package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC))
	var order []int
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	f.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	f.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	f.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
	if f.Pending() != 1 {
		t.Errorf("pending = %d, want 1", f.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("first Stop = false, want true")
	}
	if tm.Stop() {
		t.Error("second Stop = true, want false")
	}
	f.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeRearmInsideCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)
	f.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if got := f.Now(); got != time.Unix(0, 0).Add(3500*time.Millisecond) {
		t.Errorf("now = %v", got)
	}
}
