package alerting

import (
	"context"
	"time"

	logx "agrialert/pkg/logx"
)

const dedupLookupTimeout = 250 * time.Millisecond

// reserve claims key for window. It returns false with the current expiry
// when the key is still held, either in memory or in the persisted store
// (which covers restarts). The check-and-set runs under one lock so
// concurrent cycles cannot both claim the same key; persisting the new mark
// happens after the lock is released. Both store calls are bounded by
// dedupLookupTimeout.
func (s *Service) reserve(ctx context.Context, key string, window time.Duration, max int) (time.Time, bool) {
	now := s.now()
	s.smu.Lock()
	if until, ok := s.marks[key]; ok && now.Before(until) {
		s.smu.Unlock()
		return until, false
	}
	if s.backend != nil {
		cctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := s.backend.GetDedup(cctx, key)
		cancel()
		if err != nil {
			s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		} else if ok && now.Before(until) {
			s.marks[key] = until
			s.smu.Unlock()
			return until, false
		}
	}
	until := now.Add(window)
	s.marks[key] = until
	s.pruneMarks(now, max)
	s.smu.Unlock()

	if s.backend != nil {
		pctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		err := s.backend.PutDedup(pctx, key, until)
		cancel()
		if err != nil {
			s.log.Warn("dedup mark not persisted", logx.String("key", key), logx.Err(err))
		}
	}
	return until, true
}

// release drops a reservation whose alert could not be created, so the next
// cycle may try again.
func (s *Service) release(ctx context.Context, key string) {
	s.smu.Lock()
	delete(s.marks, key)
	s.smu.Unlock()
	if s.backend != nil {
		if err := s.backend.DeleteDedup(ctx, key); err != nil {
			s.log.Warn("dedup mark not released", logx.String("key", key), logx.Err(err))
		}
	}
}

// pruneMarks drops expired marks, then the earliest-expiring ones above max.
// Caller holds smu.
func (s *Service) pruneMarks(now time.Time, max int) {
	for k, until := range s.marks {
		if !now.Before(until) {
			delete(s.marks, k)
		}
	}
	for max > 0 && len(s.marks) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.marks {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.marks, minKey)
	}
}
