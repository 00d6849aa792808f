package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first run of an interval schedule so
// schedules registered together do not all fire at once.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule keeps every run on a whole second, matching cron.Every,
// which drops sub-second precision from both the interval and the base time.
func intervalSchedule(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread) / time.Second
	if limit <= 0 {
		return base, 0
	}
	jitter := time.Duration(rand.Int64N(int64(limit))) * time.Second
	first := now.Truncate(time.Second).Add(every.Truncate(time.Second) + jitter)
	return &spreadSchedule{base: base, first: first}, jitter
}
