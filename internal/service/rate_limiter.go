package service

import (
	"errors"
	"sync"
	"time"
)

var ErrRateLimitExceeded = errors.New("submission rate limit exceeded")

// RateLimiter caps submissions per key within a fixed one-minute window
type RateLimiter struct {
	mu sync.Mutex

	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
	now                     func() time.Time
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter. A limit of zero or less allows everything.
func NewRateLimiter(maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
		now:                     time.Now,
	}
}

// CheckSubmissionRate records a submission for key and fails once the window is full
func (rl *RateLimiter) CheckSubmissionRate(key string) error {
	if rl == nil || rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	window, exists := rl.submissionWindows[key]

	if !exists || now.After(window.windowEnd) {
		rl.submissionWindows[key] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(time.Minute),
		}
		rl.evict(now)
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}

// evict drops expired windows so one-off keys do not accumulate
func (rl *RateLimiter) evict(now time.Time) {
	for key, w := range rl.submissionWindows {
		if now.After(w.windowEnd) {
			delete(rl.submissionWindows, key)
		}
	}
}
