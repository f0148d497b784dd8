package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFake(t *testing.T, rate uint64) (*Throttle, *fakeClock) {
	t.Helper()
	l := New(rate)
	if l == nil {
		t.Fatalf("New(%d) returned nil", rate)
	}
	c := &fakeClock{now: time.Unix(1000, 0)}
	l.startTime = c.now
	l.now = func() time.Time { return c.now }
	l.sleep = func(d time.Duration) {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
	}
	return l, c
}

func TestDisabled(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatal("New(0) should disable throttling")
	}
	l.ThrottleN(1 << 20) // Must not panic.
}

func TestThrottleSleeps(t *testing.T) {
	l, c := newFake(t, 100)

	l.ThrottleN(1)
	l.ThrottleN(5)
	want := []time.Duration{10 * time.Millisecond, 50 * time.Millisecond}
	if len(c.slept) != len(want) {
		t.Fatalf("slept %v, want %v", c.slept, want)
	}
	for i := range want {
		if c.slept[i] != want[i] {
			t.Fatalf("slept %v, want %v", c.slept, want)
		}
	}
}

func TestThrottleChecksPeriodically(t *testing.T) {
	l, c := newFake(t, 100_000)

	l.ThrottleN(999)
	if len(c.slept) != 0 {
		t.Fatalf("slept before the check interval: %v", c.slept)
	}
	l.ThrottleN(1)
	if len(c.slept) != 1 || c.slept[0] != 10*time.Millisecond {
		t.Fatalf("slept %v, want [10ms]", c.slept)
	}
}

func TestThrottleDoesNotCatchUp(t *testing.T) {
	l, c := newFake(t, 100)

	c.now = c.now.Add(time.Second)
	l.ThrottleN(1)
	if len(c.slept) != 0 {
		t.Fatalf("slept while behind: %v", c.slept)
	}
	l.ThrottleN(1)
	if len(c.slept) != 1 || c.slept[0] != 10*time.Millisecond {
		t.Fatalf("slept %v, want [10ms] after the schedule restarted", c.slept)
	}
}
