package cronengine

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Triggers returns every trigger time of schedule in the window (after, through], oldest
// first. It is a pure function of its arguments.
func Triggers(schedule cron.Schedule, after, through time.Time) []time.Time {
	var out []time.Time
	for t := schedule.Next(after); !t.IsZero() && !t.After(through); t = schedule.Next(t) {
		out = append(out, t)
	}
	return out
}

// Plan applies the catch-up policy to the window (after, through] and returns the triggers
// to fire, oldest first. Without catch-up only the latest trigger fires. A positive
// maxCatchUp keeps at most that many of the latest triggers. skipped counts the discarded
// ones. Only the kept triggers are held while walking the window.
func Plan(schedule cron.Schedule, after, through time.Time, catchUp bool, maxCatchUp int) (fire []time.Time, skipped int) {
	limit := maxCatchUp
	if !catchUp {
		limit = 1
	}
	if limit <= 0 {
		return Triggers(schedule, after, through), 0
	}

	ring := make([]time.Time, 0, limit)
	n := 0
	for t := schedule.Next(after); !t.IsZero() && !t.After(through); t = schedule.Next(t) {
		if len(ring) < limit {
			ring = append(ring, t)
		} else {
			ring[n%limit] = t
		}
		n++
	}
	if n <= limit {
		return ring, 0
	}
	start := n % limit
	fire = make([]time.Time, 0, limit)
	fire = append(fire, ring[start:]...)
	fire = append(fire, ring[:start]...)
	return fire, n - limit
}
