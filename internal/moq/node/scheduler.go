package node

import (
	"time"

	"github.com/alxayo/go-moqrelay/internal/moq/ackhorizon"
	"github.com/alxayo/go-moqrelay/internal/moq/wire"
)

// ExtraRepeatStream is the narrow view handle_extra_repeat needs from each
// stream's ack/horizon engine.
type ExtraRepeatStream struct {
	Engine  *ackhorizon.Engine
	DataFor func(r *ackhorizon.Record) []byte
	Encode  func(h *wire.DatagramHeader) []byte
	Emit    func(payload []byte)
}

// TimeCheck implements spec §4.9's time_check: runs handle_extra_repeat on
// every stream, folds in the transport's own next wakeup and a cache
// maintenance check, and returns the minimum of all contributions.
type TimeCheck struct {
	Streams []ExtraRepeatStream

	// CacheDurationMax and lastCacheCheck drive the
	// cache_check_next_time contribution (step 3).
	CacheDurationMax time.Duration
	lastCacheCheck   time.Time
	OnCacheCheck     func(now time.Time)

	// TransportNextWakeup reports the transport's own next scheduled
	// wakeup (step 2); nil means the transport has nothing pending.
	TransportNextWakeup func(now time.Time) (time.Time, bool)
}

// Run executes one time_check pass and returns the next time this function
// should be called again.
func (t *TimeCheck) Run(now time.Time) time.Time {
	next := now.Add(24 * time.Hour) // effectively "no deadline" sentinel

	for _, s := range t.Streams {
		payloads, extraNext := s.Engine.HandleExtraRepeat(now, s.DataFor, s.Encode)
		for _, p := range payloads {
			s.Emit(p)
		}
		if !extraNext.IsZero() && extraNext.Before(next) {
			next = extraNext
		}
	}

	if t.TransportNextWakeup != nil {
		if qt, ok := t.TransportNextWakeup(now); ok && qt.Before(next) {
			next = qt
		}
	}

	if t.CacheDurationMax > 0 {
		if t.lastCacheCheck.IsZero() {
			t.lastCacheCheck = now
		}
		cacheNext := t.lastCacheCheck.Add(t.CacheDurationMax / 2)
		if !cacheNext.After(now) {
			if t.OnCacheCheck != nil {
				t.OnCacheCheck(now)
			}
			t.lastCacheCheck = now
			cacheNext = now.Add(t.CacheDurationMax / 2)
		}
		if cacheNext.Before(next) {
			next = cacheNext
		}
	}

	return next
}
