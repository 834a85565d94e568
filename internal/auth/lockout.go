package auth

import (
	"math"
	"time"
)

// maxLockout bounds every computed lock duration regardless of configuration.
const maxLockout = 24 * time.Hour

// LockoutPolicy decides when failed attempts lock a principal and for how long.
type LockoutPolicy struct {
	Threshold int
	Base      time.Duration
	Growth    float64
	Max       time.Duration
}

// DefaultLockoutPolicy locks after 5 failures for 30 minutes, doubling up to 24 hours.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Base: 30 * time.Minute, Growth: 2, Max: maxLockout}
}

// Duration returns the lock duration for the given failure count, or zero below the threshold.
// Each failure past the threshold multiplies the base by Growth.
func (p LockoutPolicy) Duration(failures int) time.Duration {
	if p.Threshold <= 0 || failures < p.Threshold {
		return 0
	}
	ceiling := p.Max
	if ceiling <= 0 || ceiling > maxLockout {
		ceiling = maxLockout
	}
	growth := p.Growth
	if growth < 1 {
		growth = 1
	}
	d := float64(p.Base) * math.Pow(growth, float64(failures-p.Threshold))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// LockUntil returns the lock expiry for failures observed at now.
func (p LockoutPolicy) LockUntil(failures int, now time.Time) (time.Time, bool) {
	d := p.Duration(failures)
	if d <= 0 {
		return time.Time{}, false
	}
	return now.Add(d), true
}

// RateLimitPolicy bounds login attempts per client address and per identifier
// within a sliding window.
type RateLimitPolicy struct {
	Window        time.Duration
	PerIP         int
	PerIdentifier int
}

// DefaultRateLimitPolicy allows 20 attempts per address and 10 per identifier each minute.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{Window: time.Minute, PerIP: 20, PerIdentifier: 10}
}

// Exceeded reports whether either prior-attempt count has reached its ceiling.
// A zero ceiling disables that dimension.
func (p RateLimitPolicy) Exceeded(ipCount, identifierCount int) bool {
	if p.PerIP > 0 && ipCount >= p.PerIP {
		return true
	}
	return p.PerIdentifier > 0 && identifierCount >= p.PerIdentifier
}
