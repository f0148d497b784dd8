// Package ratelimit paces a producer to a fixed number of units per second.
package ratelimit

import "time"

// Throttle limits to rate units per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerUnit  int64
	units      uint64
	startTime  time.Time
	checkEvery uint64
	now        func() time.Time
	sleep      func(time.Duration)
}

// New creates a limiter for rate units per second.
// If rate == 0, throttling is disabled.
func New(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	return &Throttle{
		nsPerUnit: max(int64(time.Second)/int64(rate), 1),
		startTime: time.Now(),

		// Check time every ~10ms worth of units.
		// At least every unit. At most every 1024 units.
		checkEvery: min(max(rate/100, 1), 1024),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// ThrottleN blocks until n more units are allowed.
// It does not "catch up" by allowing faster production after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	before := l.units / l.checkEvery
	l.units += n
	if l.units/l.checkEvery == before {
		return // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.units) * l.nsPerUnit))
	now := l.now()
	if now.Before(expected) {
		l.sleep(expected.Sub(now))
		return
	}
	// Behind schedule: restart the schedule instead of bursting.
	l.startTime = now
	l.units = 0
}
