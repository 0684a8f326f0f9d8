package scheduler

import (
	"fmt"
	"math/rand"
	"time"
)

// windowJitterMinutes bounds the random offset added to the window start.
const windowJitterMinutes = 30

// Policy decides when the next scrape happens. Runs only start inside
// [StartHour, EndHour) local time; EndHour 24 means midnight.
type Policy struct {
	StartHour   int
	EndHour     int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Validate checks the window and interval bounds.
func (p Policy) Validate() error {
	if p.StartHour < 0 || p.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range [0,23]", p.StartHour)
	}
	if p.EndHour < 1 || p.EndHour > 24 {
		return fmt.Errorf("end hour %d out of range [1,24]", p.EndHour)
	}
	if p.StartHour >= p.EndHour {
		return fmt.Errorf("start hour %d must be before end hour %d", p.StartHour, p.EndHour)
	}
	if p.MinInterval < time.Minute {
		return fmt.Errorf("min interval must be at least one minute")
	}
	if p.MaxInterval < p.MinInterval {
		return fmt.Errorf("max interval %s below min interval %s", p.MaxInterval, p.MinInterval)
	}
	return nil
}

// InWindow reports whether t falls inside the daily window.
func (p Policy) InWindow(t time.Time) bool {
	return !t.Before(p.windowStart(t)) && t.Before(p.windowEnd(t))
}

// Next returns the next run time after now. Inside the window it adds a random
// whole-minute interval in [MinInterval, MaxInterval]; a result at or past the end
// boundary, or a now outside the window, moves to the next window start plus a
// random 0-30 minutes.
func (p Policy) Next(now time.Time, rnd *rand.Rand) time.Time {
	if !p.InWindow(now) {
		return p.nextWindowStart(now, rnd)
	}

	candidate := now.Add(p.randomInterval(rnd))
	if !candidate.Before(p.windowEnd(now)) {
		return p.windowStart(now).AddDate(0, 0, 1).Add(jitter(rnd))
	}
	return candidate
}

func (p Policy) nextWindowStart(now time.Time, rnd *rand.Rand) time.Time {
	start := p.windowStart(now)
	if !now.Before(start) {
		start = start.AddDate(0, 0, 1)
	}
	return start.Add(jitter(rnd))
}

func (p Policy) randomInterval(rnd *rand.Rand) time.Duration {
	lo := int(p.MinInterval / time.Minute)
	hi := int(p.MaxInterval / time.Minute)
	if hi <= lo {
		return time.Duration(lo) * time.Minute
	}
	return time.Duration(lo+rnd.Intn(hi-lo+1)) * time.Minute
}

func (p Policy) windowStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), p.StartHour, 0, 0, 0, t.Location())
}

// windowEnd normalises EndHour 24 to the following midnight.
func (p Policy) windowEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), p.EndHour, 0, 0, 0, t.Location())
}

func jitter(rnd *rand.Rand) time.Duration {
	return time.Duration(rnd.Intn(windowJitterMinutes+1)) * time.Minute
}
