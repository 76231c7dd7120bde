package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval jobs registered together would otherwise all fire on the same tick.
const maxStartupSpread = 30 * time.Second

type offsetSchedule struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

// Next returns first until it has passed, then follows the plain interval.
func (o *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(o.first) {
		return o.first
	}
	return o.every.Next(t)
}

// intervalSchedule fires every d, with the first run pushed back by a
// name-seeded offset of up to min(d, maxStartupSpread).
func intervalSchedule(d time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(d)
	window := min(d, maxStartupSpread)
	if window <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	return &offsetSchedule{every: base, first: now.Add(d + time.Duration(rng.Int64N(int64(window))))}
}
