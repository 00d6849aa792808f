// Package scheduler triggers named jobs on cron or interval schedules. Each
// schedule runs at most once at a time; a trigger that finds the previous run
// still going is skipped and recorded.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Timezone    string // IANA TZ, e.g. "Africa/Nairobi"; empty means Local
	HistorySize int    // default 32
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 32
	}
	return c
}

type Job func(ctx context.Context) error

type Result string

const (
	ResultOK      Result = "ok"
	ResultError   Result = "error"
	ResultTimeout Result = "timeout"
	ResultSkipped Result = "skipped"
)

type HistoryItem struct {
	Schedule string
	Started  time.Time
	Took     time.Duration
	Result   Result
	Err      string
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Running bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Started   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}

type schedule struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration
	running atomic.Bool
}
