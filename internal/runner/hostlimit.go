package runner

import (
	"sync"
	"time"
)

// HostLimitConfig configures per-host assignment cooldown.
type HostLimitConfig struct {
	// Window is how far back recent assignments are considered.
	Window time.Duration
	// FailureRateThreshold is the fraction of recent assignments (0..1)
	// that must have failed for the host to be skipped.
	FailureRateThreshold float64
	// MinSamples is the minimum number of recent assignments before the
	// failure rate is evaluated; a host with fewer samples is never
	// skipped on failure rate alone.
	MinSamples int
	// Cooldown is how long a skipped host stays skipped once flagged.
	Cooldown time.Duration
}

// DefaultHostLimitConfig mirrors the fleet rate limiter's production
// defaults, adapted from per-agent concurrency/rate limits to a
// recent-failure-rate cooldown per spec.md §4.3.
func DefaultHostLimitConfig() HostLimitConfig {
	return HostLimitConfig{
		Window:               time.Hour,
		FailureRateThreshold: 0.5,
		MinSamples:           5,
		Cooldown:             15 * time.Minute,
	}
}

type hostRecord struct {
	host    string
	time    time.Time
	success bool
}

// HostLimiter tracks per-host recent build outcomes and skips (not
// removes) a host from assignment eligibility when its recent failure
// rate exceeds the configured threshold, until a cooldown elapses.
type HostLimiter struct {
	cfg HostLimitConfig

	mu        sync.Mutex
	history   []hostRecord
	skipUntil map[string]time.Time
}

// NewHostLimiter creates a HostLimiter.
func NewHostLimiter(cfg HostLimitConfig) *HostLimiter {
	return &HostLimiter{cfg: cfg, skipUntil: make(map[string]time.Time)}
}

// RecordResult marks an assignment to host as having finished with success
// or not, feeding the rolling failure-rate window.
func (l *HostLimiter) RecordResult(host string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)
	l.history = append(l.history, hostRecord{host: host, time: now, success: success})

	if !success {
		total, failed := l.countLocked(host, now)
		if total >= l.cfg.MinSamples {
			rate := float64(failed) / float64(total)
			if rate >= l.cfg.FailureRateThreshold {
				l.skipUntil[host] = now.Add(l.cfg.Cooldown)
			}
		}
	}
}

// Eligible reports whether host is currently eligible for assignment: it is
// skipped (not removed) while its cooldown has not elapsed.
func (l *HostLimiter) Eligible(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, skipped := l.skipUntil[host]
	if !skipped {
		return true
	}
	if time.Now().After(until) {
		delete(l.skipUntil, host)
		return true
	}
	return false
}

func (l *HostLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

func (l *HostLimiter) countLocked(host string, now time.Time) (total, failed int) {
	cutoff := now.Add(-l.cfg.Window)
	for _, r := range l.history {
		if r.host != host || r.time.Before(cutoff) {
			continue
		}
		total++
		if !r.success {
			failed++
		}
	}
	return total, failed
}
