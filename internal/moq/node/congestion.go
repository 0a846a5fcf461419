package node

import (
	"golang.org/x/time/rate"

	"github.com/alxayo/go-moqrelay/internal/config"
)

// RateCongestionPolicy backs the warp/rush should_skip policy hook (spec
// §4.6 step 3) with a token bucket instead of a bare counter, the way
// nishisan-dev-n-backup rate-limits background work. One object "costs" one
// token; a token is only drawn for objects that may be skipped, i.e. every
// object in delay mode and only object 0 of each group in group/group_strict
// mode.
type RateCongestionPolicy struct {
	mode    config.CongestionControlMode
	limiter *rate.Limiter
}

// NewRateCongestionPolicy creates a policy for mode, with limiter governing
// how many objects per second may be sent before should_skip starts
// returning true. Mode none gets an unlimited (rate.Inf) limiter and never
// skips.
func NewRateCongestionPolicy(mode config.CongestionControlMode, objectsPerSecond float64, burst int) *RateCongestionPolicy {
	if mode == config.CongestionNone {
		return &RateCongestionPolicy{mode: mode, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateCongestionPolicy{mode: mode, limiter: rate.NewLimiter(rate.Limit(objectsPerSecond), burst)}
}

// ShouldSkip reports whether the object at (group, object) should be
// replaced with a zero-length placeholder fragment instead of sent.
// none and zero_strict never skip; group/group_strict only skip
// at a group boundary (object == 0); delay mode (and the default) skip
// whenever the token bucket is exhausted.
func (p *RateCongestionPolicy) ShouldSkip(group, object uint64) bool {
	switch p.mode {
	case config.CongestionNone:
		return false
	case config.CongestionZeroStrict:
		return false
	case config.CongestionGroup, config.CongestionGroupStrict:
		if object != 0 {
			return false
		}
		return !p.limiter.Allow()
	default: // delay
		return !p.limiter.Allow()
	}
}
